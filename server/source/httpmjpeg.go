package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"

	"github.com/bmharper/cimg/v2"
)

// Maximum size of a single JPEG frame that we'll accept from a network stream
const maxHTTPFrameBytes = 16 * 1024 * 1024

// httpCapture reads MJPEG from an HTTP server.
// If the server responds with multipart/x-mixed-replace, each part is a frame.
// If it responds with a single image, then it is polled at the configured frame rate.
type httpCapture struct {
	url    string
	client *http.Client
	pacer  *pacer // Only used for snapshot URLs

	lock      sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	resp      *http.Response
	parts     *multipart.Reader // nil for snapshot URLs
	snapshot  []byte            // First frame for snapshot URLs, so that we don't discard it
	width     int
	height    int
	connected bool
}

func newHTTPCapture(url string, options Options) (*httpCapture, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &httpCapture{
		url:    url,
		client: &http.Client{},
		pacer:  newPacer(options.FPS),
		ctx:    ctx,
		cancel: cancel,
	}
	if err := c.connect(); err != nil {
		cancel()
		return nil, err
	}
	// Read one frame to learn the size of the stream
	img, err := c.Read()
	if err != nil {
		c.Close()
		return nil, err
	}
	c.width = img.Width
	c.height = img.Height
	return c, nil
}

func (c *httpCapture) connect() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.ctx.Err() != nil {
		return ErrCaptureClosed
	}
	if c.resp != nil {
		c.resp.Body.Close()
		c.resp = nil
	}
	req, err := http.NewRequestWithContext(c.ctx, "GET", c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("HTTP %v from %v", resp.Status, c.url)
	}
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		return fmt.Errorf("invalid Content-Type from %v: %w", c.url, err)
	}
	c.parts = nil
	c.snapshot = nil
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := params["boundary"]
		if boundary == "" {
			resp.Body.Close()
			return fmt.Errorf("multipart stream from %v has no boundary", c.url)
		}
		c.parts = multipart.NewReader(resp.Body, strings.TrimPrefix(boundary, "--"))
	case mediaType == "image/jpeg":
		c.snapshot, err = io.ReadAll(io.LimitReader(resp.Body, maxHTTPFrameBytes))
		resp.Body.Close()
		if err != nil {
			return err
		}
	default:
		resp.Body.Close()
		return fmt.Errorf("unsupported Content-Type '%v' from %v", mediaType, c.url)
	}
	c.resp = resp
	c.connected = true
	return nil
}

func (c *httpCapture) Size() (int, int) {
	return c.width, c.height
}

func (c *httpCapture) Read() (*cimg.Image, error) {
	c.lock.Lock()
	parts := c.parts
	snapshot := c.snapshot
	c.snapshot = nil
	connected := c.connected
	c.lock.Unlock()

	if c.ctx.Err() != nil {
		return nil, ErrCaptureClosed
	}
	if !connected {
		return nil, io.EOF
	}

	var jpg []byte
	if parts != nil {
		part, err := parts.NextPart()
		if err != nil {
			c.markDisconnected()
			if c.ctx.Err() != nil {
				return nil, ErrCaptureClosed
			}
			return nil, io.EOF
		}
		jpg, err = io.ReadAll(io.LimitReader(part, maxHTTPFrameBytes))
		if err != nil {
			c.markDisconnected()
			if c.ctx.Err() != nil {
				return nil, ErrCaptureClosed
			}
			return nil, fmt.Errorf("failed to read frame from %v: %w", c.url, err)
		}
	} else {
		if snapshot == nil {
			// Poll the snapshot URL again
			if err := c.pacer.wait(); err != nil {
				return nil, err
			}
			if err := c.connect(); err != nil {
				if errors.Is(err, ErrCaptureClosed) || c.ctx.Err() != nil {
					return nil, ErrCaptureClosed
				}
				return nil, err
			}
			c.lock.Lock()
			snapshot = c.snapshot
			c.snapshot = nil
			c.lock.Unlock()
		}
		jpg = snapshot
	}

	img, err := cimg.Decompress(jpg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame from %v: %w", c.url, err)
	}
	return rgbFrame(img), nil
}

func (c *httpCapture) markDisconnected() {
	c.lock.Lock()
	c.connected = false
	c.lock.Unlock()
}

// Reconnect to the server
func (c *httpCapture) Rewind() error {
	return c.connect()
}

func (c *httpCapture) Close() error {
	c.pacer.close()
	c.cancel()
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.resp != nil {
		c.resp.Body.Close()
		c.resp = nil
	}
	return nil
}
