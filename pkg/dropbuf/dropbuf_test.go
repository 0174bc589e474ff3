package dropbuf

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDropOldest(t *testing.T) {
	b := New[int](10)
	for i := 1; i <= 15; i++ {
		evicted := b.Push(i)
		require.Equal(t, i > 10, evicted)
	}
	require.Equal(t, 10, b.Len())
	for i := 6; i <= 15; i++ {
		v, ok := b.Pop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := b.Pop()
	require.False(t, ok)

	s := b.Stats()
	require.EqualValues(t, 15, s.Pushed)
	require.EqualValues(t, 5, s.Dropped)
	require.EqualValues(t, 10, s.Popped)
}

func TestInterleaved(t *testing.T) {
	b := New[string](2)
	b.Push("a")
	b.Push("b")
	v, _ := b.Pop()
	require.Equal(t, "a", v)
	b.Push("c")
	b.Push("d") // evicts b
	require.Equal(t, []string{"c", "d"}, b.Drain())
	require.Equal(t, 0, b.Len())
}

func TestDefaultCapacity(t *testing.T) {
	require.Equal(t, DefaultCapacity, New[int](0).Cap())
}

// A producer and consumer running concurrently must see strictly increasing values,
// and never more than Cap() values outstanding.
func TestConcurrentProducerConsumer(t *testing.T) {
	b := New[int](10)
	const n = 20000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			b.Push(i)
		}
	}()

	last := -1
	done := make(chan bool)
	go func() {
		wg.Wait()
		close(done)
	}()
	finished := false
	for !finished {
		select {
		case <-done:
			finished = true
		default:
		}
		for {
			v, ok := b.Pop()
			if !ok {
				break
			}
			require.Greater(t, v, last)
			last = v
		}
		require.LessOrEqual(t, b.Len(), b.Cap())
	}
	require.Equal(t, n-1, last)
	s := b.Stats()
	require.EqualValues(t, n, s.Pushed)
	require.Equal(t, s.Pushed, s.Dropped+s.Popped)
}
