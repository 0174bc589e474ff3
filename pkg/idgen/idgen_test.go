package idgen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInt64(t *testing.T) {
	g := Int64{}
	require.EqualValues(t, 1, g.Next())
	require.EqualValues(t, 2, g.Next())
	g.Observe(100)
	require.EqualValues(t, 101, g.Next())
	g.Observe(5)
	require.EqualValues(t, 102, g.Next())
}

func TestInt64Concurrent(t *testing.T) {
	g := Int64{}
	seen := sync.Map{}
	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_, dup := seen.LoadOrStore(g.Next(), true)
				require.False(t, dup)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 8001, g.Next())
}

func TestUint32NeverZero(t *testing.T) {
	g := Uint32{}
	g.next.Store(^uint32(0) - 1)
	require.Equal(t, ^uint32(0), g.Next())
	require.EqualValues(t, 1, g.Next())
}
