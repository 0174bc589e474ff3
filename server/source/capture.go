package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmharper/cimg/v2"
)

// Capture is the backing of a Source: a device, file, or network stream that yields RGB frames.
// Close may be called concurrently with Read, and must cause a pending Read to return.
type Capture interface {
	// Size of the frames produced. May be 0,0 if the size is not known until the first frame.
	Size() (width, height int)
	// Read the next frame. Returns io.EOF at the end of a finite stream.
	Read() (*cimg.Image, error)
	// Seek back to the start of the stream (or reconnect), after Read returned io.EOF
	Rewind() error
	Close() error
}

// OpenCapture interprets a stream descriptor:
//
//	simulated          A synthetic scene containing a single moving drone
//	http(s)://...      MJPEG over HTTP (multipart/x-mixed-replace), or a JPEG snapshot URL
//	path/to/dir        A directory of .jpg files, played in name order
//	path/to/file.mjpeg Concatenated JPEG frames
//	path/to/file.jpg   A single image, repeated
//
// RTSP, webcams and local devices are not supported.
func OpenCapture(descriptor string, streamID int64, options Options) (Capture, error) {
	options = options.withDefaults()
	lower := strings.ToLower(descriptor)
	switch {
	case lower == "simulated" || strings.HasPrefix(lower, "simulated:"):
		return newSimulatedCapture(streamID, options), nil
	case strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://"):
		c, err := newHTTPCapture(descriptor, options)
		if err != nil {
			return nil, fmt.Errorf("%w: %v: %w", ErrSourceUnavailable, descriptor, err)
		}
		return c, nil
	case strings.Contains(lower, "://") || lower == "webcam" || isDeviceIndex(lower):
		return nil, fmt.Errorf("%w: unsupported stream descriptor '%v'", ErrSourceUnavailable, descriptor)
	}

	st, err := os.Stat(descriptor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if st.IsDir() {
		c, err := newDirCapture(descriptor, options)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		return c, nil
	}
	switch strings.ToLower(filepath.Ext(descriptor)) {
	case ".mjpeg", ".mjpg":
		c, err := newMJPEGFileCapture(descriptor, options)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		return c, nil
	case ".jpg", ".jpeg":
		c, err := newImageListCapture([]string{descriptor}, options)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: unsupported file type '%v'", ErrSourceUnavailable, descriptor)
}

func isDeviceIndex(s string) bool {
	if s == "" {
		return false
	}
	if strings.HasPrefix(s, "/dev/") {
		return true
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// pacer spaces out frames of sources that would otherwise be read as fast as possible
type pacer struct {
	interval  time.Duration
	next      time.Time
	closed    chan struct{}
	closeOnce sync.Once
}

func newPacer(fps float64) *pacer {
	return &pacer{
		interval: time.Duration(float64(time.Second) / fps),
		closed:   make(chan struct{}),
	}
}

// Wait until the next frame is due. Returns ErrCaptureClosed if close() is called while waiting.
func (p *pacer) wait() error {
	select {
	case <-p.closed:
		return ErrCaptureClosed
	default:
	}
	now := time.Now()
	if d := p.next.Sub(now); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-p.closed:
			return ErrCaptureClosed
		}
		now = p.next
	}
	// Don't try to catch up after a stall
	p.next = now.Add(p.interval)
	return nil
}

func (p *pacer) close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

func (p *pacer) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Decoders can produce greyscale or RGBA images. Everything downstream expects 24-bit RGB.
func rgbFrame(img *cimg.Image) *cimg.Image {
	if img.NChan() == 3 {
		return img
	}
	return img.ToRGB()
}
