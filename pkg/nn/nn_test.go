package nn

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRectGeometry(t *testing.T) {
	a := Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}
	b := Rect{X1: 5, Y1: 5, X2: 15, Y2: 15}
	require.EqualValues(t, 100, a.Area())
	require.EqualValues(t, 25, a.Intersection(b).Area())
	require.InDelta(t, 25.0/175.0, a.IOU(b), 1e-6)
	require.Equal(t, Rect{X1: 0, Y1: 0, X2: 15, Y2: 15}, a.Union(b))
	require.Equal(t, Point{X: 5, Y: 5}, a.Center())

	c := Rect{X1: 20, Y1: 20, X2: 30, Y2: 30}
	require.EqualValues(t, 0, a.IOU(c))
	require.InDelta(t, math.Sqrt(2*20*20), a.Center().Distance(c.Center()), 1e-4)
}

func TestRectValidity(t *testing.T) {
	require.True(t, Rect{X1: 1, Y1: 1, X2: 2, Y2: 2}.IsValid())
	require.False(t, Rect{X1: 3, Y1: 1, X2: 2, Y2: 2}.IsValid())
	require.False(t, Rect{X1: float32(math.NaN()), Y1: 1, X2: 2, Y2: 2}.IsValid())
	require.False(t, Rect{X1: 0, Y1: 1, X2: float32(math.Inf(1)), Y2: 2}.IsValid())

	require.True(t, Rect{X1: -10, Y1: -10, X2: 1, Y2: 1}.Overlaps(640, 480))
	require.False(t, Rect{X1: 700, Y1: 10, X2: 720, Y2: 20}.Overlaps(640, 480))
	require.False(t, Rect{X1: -30, Y1: 10, X2: -20, Y2: 20}.Overlaps(640, 480))
}

func TestTrackIDJSON(t *testing.T) {
	b := BoundingBox{Rect: Rect{X1: 1, Y1: 2, X2: 3, Y2: 4}, Confidence: 0.9, Class: "drone"}
	j, err := json.Marshal(b)
	require.NoError(t, err)
	require.Contains(t, string(j), `"trackID":null`)
	require.Contains(t, string(j), `"x1":1`)

	b.TrackID = SomeTrackID(42)
	j, err = json.Marshal(b)
	require.NoError(t, err)
	require.Contains(t, string(j), `"trackID":42`)

	var back BoundingBox
	require.NoError(t, json.Unmarshal(j, &back))
	require.Equal(t, b, back)
}

func TestSuppressOverlapping(t *testing.T) {
	boxes := []BoundingBox{
		{Rect: Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}, Confidence: 0.6, Class: "drone"},
		{Rect: Rect{X1: 1, Y1: 1, X2: 11, Y2: 11}, Confidence: 0.9, Class: "drone"},
		{Rect: Rect{X1: 1, Y1: 1, X2: 11, Y2: 11}, Confidence: 0.5, Class: "bird"},
		{Rect: Rect{X1: 50, Y1: 50, X2: 60, Y2: 60}, Confidence: 0.7, Class: "drone"},
	}
	require.Equal(t, []int{1, 2, 3}, SuppressOverlapping(boxes, 0.45))
}
