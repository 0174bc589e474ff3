package perfstats

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeAccumulator(t *testing.T) {
	a := TimeAccumulator{}
	require.Equal(t, time.Duration(0), a.Average())
	a.AddSample(10 * time.Millisecond)
	a.AddSample(20 * time.Millisecond)
	require.Equal(t, 15*time.Millisecond, a.Average())
	a.Reset()
	require.EqualValues(t, 0, a.Samples)
}

func TestUpdate(t *testing.T) {
	var s atomic.Uint64
	Update(&s, 6400)
	require.EqualValues(t, 6400, s.Load())
	Update(&s, 0)
	require.EqualValues(t, 6300, s.Load())
}
