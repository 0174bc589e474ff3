package simdetect

import (
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/gridwatch/pkg/idgen"
	"github.com/stretchr/testify/require"
)

func sky(w, h int) *cimg.Image {
	img := cimg.NewImage(w, h, cimg.PixelFormatRGB)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := img.Pixels[y*img.Stride+x*3:]
			p[0], p[1], p[2] = 100, 120, 150
		}
	}
	return img
}

func fillCircle(img *cimg.Image, cx, cy, r int, v byte) {
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			if (x-cx)*(x-cx)+(y-cy)*(y-cy) <= r*r && x >= 0 && y >= 0 && x < img.Width && y < img.Height {
				p := img.Pixels[y*img.Stride+x*3:]
				p[0], p[1], p[2] = v, v, v
			}
		}
	}
}

func fillRect(img *cimg.Image, x1, y1, x2, y2 int, v byte) {
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			p := img.Pixels[y*img.Stride+x*3:]
			p[0], p[1], p[2] = v, v, v
		}
	}
}

func TestFindsGreyBlob(t *testing.T) {
	img := sky(320, 240)
	fillCircle(img, 100, 80, 16, 60)
	d := New(DefaultSettings(), nil)
	boxes, err := d.Detect(img, 1, false)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	b := boxes[0]
	require.Equal(t, ClassDrone, b.Class)
	require.False(t, b.TrackID.Valid)
	require.GreaterOrEqual(t, b.Confidence, float32(0.5))
	c := b.Center()
	require.InDelta(t, 100, c.X, cellSize)
	require.InDelta(t, 80, c.Y, cellSize)
	require.InDelta(t, 32, b.Width(), 2*cellSize)
}

func TestIgnoresSkyAndBrightObjects(t *testing.T) {
	img := sky(160, 120)
	// White text-like block is not grey enough (too bright)
	fillRect(img, 10, 10, 60, 24, 255)
	// Tiny speck is noise
	fillRect(img, 100, 100, 103, 103, 60)
	d := New(DefaultSettings(), nil)
	boxes, err := d.Detect(img, 1, true)
	require.NoError(t, err)
	require.Empty(t, boxes)
}

func TestSolidSquareHasLowConfidence(t *testing.T) {
	img := sky(160, 120)
	fillRect(img, 40, 40, 80, 80, 60)
	boxes := findBlobs(img)
	require.Len(t, boxes, 1)
	require.Less(t, boxes[0].Confidence, float32(0.5))

	d := New(DefaultSettings(), nil)
	kept, err := d.Detect(img, 1, false)
	require.NoError(t, err)
	require.Empty(t, kept)
}

func TestQuadcopterShapeIsOneBlob(t *testing.T) {
	img := sky(320, 240)
	fillCircle(img, 160, 120, 15, 50)
	for _, off := range [][2]int{{18, 18}, {-18, 18}, {18, -18}, {-18, -18}} {
		// arm
		for i := 0; i <= 18; i++ {
			fillCircle(img, 160+off[0]*i/18, 120+off[1]*i/18, 1, 80)
		}
		fillCircle(img, 160+off[0], 120+off[1], 8, 100)
	}
	d := New(DefaultSettings(), nil)
	boxes, err := d.Detect(img, 1, false)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	require.InDelta(t, 160, boxes[0].Center().X, cellSize)
}

func TestTrackIDsPersist(t *testing.T) {
	ids := &idgen.Int64{}
	d := New(DefaultSettings(), ids)

	frame := func(cx, cy int) *cimg.Image {
		img := sky(640, 480)
		fillCircle(img, cx, cy, 16, 60)
		return img
	}

	boxes, _ := d.Detect(frame(100, 100), 1, true)
	require.Len(t, boxes, 1)
	require.True(t, boxes[0].TrackID.Valid)
	first := boxes[0].TrackID.ID

	// Small movement keeps the ID
	boxes, _ = d.Detect(frame(112, 104), 1, true)
	require.Len(t, boxes, 1)
	require.Equal(t, first, boxes[0].TrackID.ID)

	// No overlap, but still close enough to fall back to center distance
	boxes, _ = d.Detect(frame(150, 104), 1, true)
	require.Equal(t, first, boxes[0].TrackID.ID)

	// Same position on another stream is a different object
	boxes, _ = d.Detect(frame(150, 104), 2, true)
	require.NotEqual(t, first, boxes[0].TrackID.ID)

	// A big jump is a new object
	boxes, _ = d.Detect(frame(500, 400), 1, true)
	require.NotEqual(t, first, boxes[0].TrackID.ID)

	d.ResetStream(2)
	boxes, _ = d.Detect(frame(150, 104), 2, true)
	require.EqualValues(t, 4, boxes[0].TrackID.ID)
	require.EqualValues(t, 5, ids.Next())
}

func TestTwoObjects(t *testing.T) {
	img := sky(640, 480)
	fillCircle(img, 100, 100, 16, 60)
	fillCircle(img, 400, 300, 16, 60)
	d := New(DefaultSettings(), nil)
	boxes, err := d.Detect(img, 1, true)
	require.NoError(t, err)
	require.Len(t, boxes, 2)
	require.NotEqual(t, boxes[0].TrackID.ID, boxes[1].TrackID.ID)
	for _, b := range boxes {
		require.True(t, b.Rect.IsValid())
		require.True(t, b.Overlaps(640, 480))
	}
}
