package gen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeleteFromSliceUnordered(t *testing.T) {
	a := []string{"a", "b", "c", "d"}
	a = DeleteFromSliceUnordered(a, 1)
	require.Equal(t, []string{"a", "d", "c"}, a)
	a = DeleteFromSliceUnordered(a, 2)
	require.Equal(t, []string{"a", "d"}, a)
}

func TestClamp(t *testing.T) {
	require.Equal(t, 5, Clamp(7, 0, 5))
	require.Equal(t, 0, Clamp(-1, 0, 5))
	require.Equal(t, 3.5, Clamp(3.5, 0, 5))
}

func TestDrainChannelIntoSlice(t *testing.T) {
	ch := make(chan int, 5)
	ch <- 1
	ch <- 2
	require.Equal(t, []int{1, 2}, DrainChannelIntoSlice(ch))
	require.Empty(t, DrainChannelIntoSlice(ch))
}
