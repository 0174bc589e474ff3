// Package source runs one capture goroutine per video stream, and hands the
// most recent frames to a consumer through a bounded drop-oldest buffer.
package source

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/gridwatch/pkg/dropbuf"
	"github.com/cyclopcam/logs"
)

var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrShutdownTimeout   = errors.New("shutdown timeout")
	ErrCaptureClosed     = errors.New("capture closed")
)

const (
	DefaultFrameSkip   = 2
	DefaultWidth       = 640
	DefaultHeight      = 480
	DefaultFileFPS     = 30
	DefaultStopTimeout = time.Second
)

// Frame is a single decoded RGB image. Frames are never modified after they are pushed.
type Frame struct {
	Image     *cimg.Image
	StreamID  int64
	Timestamp time.Time
	Seq       int64 // Sequence number of the captured frame, starting at 1. Gaps indicate skipped frames.
}

func (f *Frame) Width() int {
	return f.Image.Width
}

func (f *Frame) Height() int {
	return f.Image.Height
}

type Options struct {
	BufferCapacity int     // Maximum frames held for the consumer (dropbuf.DefaultCapacity if zero)
	FrameSkip      int     // Only every FrameSkip'th captured frame is buffered (DefaultFrameSkip if zero)
	Width          int     // Frames are resized to this width (DefaultWidth if zero)
	Height         int     // Frames are resized to this height (DefaultHeight if zero)
	FPS            float64 // Pacing for file and simulated sources (DefaultFileFPS if zero)
}

func (o Options) withDefaults() Options {
	if o.BufferCapacity <= 0 {
		o.BufferCapacity = dropbuf.DefaultCapacity
	}
	if o.FrameSkip <= 0 {
		o.FrameSkip = DefaultFrameSkip
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.FPS <= 0 {
		o.FPS = DefaultFileFPS
	}
	return o
}

type Stats struct {
	Captured uint64 `json:"captured"` // Frames read from the capture
	Pushed   uint64 `json:"pushed"`   // Frames placed into the buffer
	Dropped  uint64 `json:"dropped"`  // Frames evicted from the buffer before they were read
	Rewinds  uint64 `json:"rewinds"`  // Number of times we reached the end of the stream and started again
	Errors   uint64 `json:"errors"`   // Read errors, other than end of stream
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Source owns a capture and the goroutine that reads from it
type Source struct {
	Log        logs.Log
	StreamID   int64
	Descriptor string

	options  Options
	capture  Capture
	frames   *dropbuf.Buffer[*Frame]
	mustStop atomic.Bool   // True if Stop() has been called
	stopped  chan struct{} // Closed when the reader goroutine exits
	stopOnce sync.Once

	captured atomic.Uint64
	rewinds  atomic.Uint64
	errors   atomic.Uint64
}

// Open a capture for the descriptor and start reading frames from it.
// If the capture cannot be opened, ErrSourceUnavailable is returned and no goroutine is started.
func Open(log logs.Log, streamID int64, descriptor string, options Options) (*Source, error) {
	options = options.withDefaults()
	capture, err := OpenCapture(descriptor, streamID, options)
	if err != nil {
		return nil, err
	}
	return Start(log, streamID, descriptor, capture, options), nil
}

// Start reading from an already opened capture
func Start(log logs.Log, streamID int64, descriptor string, capture Capture, options Options) *Source {
	options = options.withDefaults()
	s := &Source{
		Log:        log,
		StreamID:   streamID,
		Descriptor: descriptor,
		options:    options,
		capture:    capture,
		frames:     dropbuf.New[*Frame](options.BufferCapacity),
		stopped:    make(chan struct{}),
	}
	go s.run()
	return s
}

// GetLatest returns the oldest frame that has not yet been consumed.
// This never blocks.
func (s *Source) GetLatest() (*Frame, bool) {
	return s.frames.Pop()
}

// Stop signals the reader goroutine to exit, and waits up to timeout for it to do so.
// Stop may be called more than once.
func (s *Source) Stop(timeout time.Duration) error {
	s.stopOnce.Do(func() {
		s.mustStop.Store(true)
		// Closing the capture unblocks a pending Read
		if err := s.capture.Close(); err != nil {
			s.Log.Warnf("Source %v: error closing capture: %v", s.StreamID, err)
		}
	})
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	select {
	case <-s.stopped:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: source %v did not stop within %v", ErrShutdownTimeout, s.StreamID, timeout)
	}
}

// Returns true if the reader goroutine has exited
func (s *Source) IsStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

func (s *Source) Stats() Stats {
	bs := s.frames.Stats()
	return Stats{
		Captured: s.captured.Load(),
		Pushed:   bs.Pushed,
		Dropped:  bs.Dropped,
		Rewinds:  s.rewinds.Load(),
		Errors:   s.errors.Load(),
		Width:    s.options.Width,
		Height:   s.options.Height,
	}
}

func (s *Source) run() {
	defer close(s.stopped)

	lastErrAt := time.Time{}
	seq := int64(0)
	for !s.mustStop.Load() {
		img, err := s.capture.Read()
		if s.mustStop.Load() {
			break
		}
		if errors.Is(err, io.EOF) {
			s.rewinds.Add(1)
			if err := s.capture.Rewind(); err != nil {
				s.errors.Add(1)
				if time.Since(lastErrAt) > 15*time.Second {
					s.Log.Errorf("Source %v: failed to restart stream: %v", s.StreamID, err)
					lastErrAt = time.Now()
				}
				s.sleep(time.Second)
			}
			continue
		} else if err != nil {
			s.errors.Add(1)
			if time.Since(lastErrAt) > 15*time.Second {
				s.Log.Errorf("Source %v: error reading frame: %v", s.StreamID, err)
				lastErrAt = time.Now()
			}
			s.sleep(100 * time.Millisecond)
			continue
		}

		seq++
		s.captured.Add(1)
		if seq%int64(s.options.FrameSkip) != 0 {
			continue
		}
		if img.Width != s.options.Width || img.Height != s.options.Height {
			img = cimg.ResizeNew(img, s.options.Width, s.options.Height, nil)
		}
		s.frames.Push(&Frame{
			Image:     img,
			StreamID:  s.StreamID,
			Timestamp: time.Now(),
			Seq:       seq,
		})
	}
}

// Sleep, but wake up early if we're asked to stop
func (s *Source) sleep(d time.Duration) {
	end := time.Now().Add(d)
	for !s.mustStop.Load() && time.Now().Before(end) {
		time.Sleep(min(10*time.Millisecond, time.Until(end)))
	}
}
