package topology

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGridLayout(t *testing.T) {
	topo, err := FromGrid([]int64{0, 1, 2, 3, 4, 5}, 3)
	require.NoError(t, err)

	p, ok := topo.Position(4)
	require.True(t, ok)
	require.Equal(t, 1, p.Row)
	require.Equal(t, 1, p.Col)

	n, ok := topo.Neighbor(0, Right)
	require.True(t, ok)
	require.EqualValues(t, 1, n)

	n, ok = topo.Neighbor(0, Bottom)
	require.True(t, ok)
	require.EqualValues(t, 3, n)

	_, ok = topo.Neighbor(0, Left)
	require.False(t, ok)
	_, ok = topo.Neighbor(0, Top)
	require.False(t, ok)
	_, ok = topo.Neighbor(5, Right)
	require.False(t, ok)
	_, ok = topo.Neighbor(99, Right)
	require.False(t, ok)

	require.Equal(t, []int64{0, 1, 2, 3, 5}, topo.Adjacent(4))
	require.Equal(t, []int64{1, 3, 4}, topo.Adjacent(0))
	require.Nil(t, topo.Adjacent(99))
	require.Equal(t, []int64{0, 1, 2, 3, 4, 5}, topo.Streams())
}

func TestGridPosition(t *testing.T) {
	for i, expect := range [][2]int{{0, 0}, {0, 1}, {0, 2}, {1, 0}, {1, 1}, {1, 2}, {2, 0}} {
		row, col := GridPosition(i, 3)
		require.Equal(t, expect[0], row)
		require.Equal(t, expect[1], col)
	}
}

func TestDuplicatePosition(t *testing.T) {
	_, err := New([]ScreenPosition{
		{StreamID: 1, Row: 0, Col: 0},
		{StreamID: 2, Row: 0, Col: 0},
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDuplicatePosition))

	_, err = New([]ScreenPosition{
		{StreamID: 1, Row: 0, Col: 0},
		{StreamID: 1, Row: 0, Col: 1},
	})
	require.ErrorIs(t, err, ErrDuplicatePosition)
}

func TestSparseGrid(t *testing.T) {
	topo, err := New([]ScreenPosition{
		{StreamID: 10, Row: 0, Col: 0},
		{StreamID: 20, Row: 0, Col: 2},
	})
	require.NoError(t, err)
	_, ok := topo.Neighbor(10, Right)
	require.False(t, ok)

	dr, dc, ok := topo.Offset(10, 20)
	require.True(t, ok)
	require.Equal(t, 0, dr)
	require.Equal(t, 2, dc)
	_, _, ok = topo.Offset(10, 30)
	require.False(t, ok)
}

func TestDirectionStrings(t *testing.T) {
	for _, d := range []Direction{Left, Right, Top, Bottom} {
		p, err := ParseDirection(d.String())
		require.NoError(t, err)
		require.Equal(t, d, p)
	}
	_, err := ParseDirection("up")
	require.Error(t, err)
}
