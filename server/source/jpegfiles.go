package source

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bmharper/cimg/v2"
)

// imageListCapture plays a sorted list of JPEG files, at a fixed frame rate
type imageListCapture struct {
	files  []string
	next   int
	width  int
	height int
	pacer  *pacer
}

func newDirCapture(dir string, options Options) (*imageListCapture, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := []string{}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".jpg" || ext == ".jpeg") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no JPEG files in %v", dir)
	}
	slices.Sort(files)
	return newImageListCapture(files, options)
}

func newImageListCapture(files []string, options Options) (*imageListCapture, error) {
	// Decode the first frame now, so that a bad file is reported when the stream is opened
	first, err := cimg.ReadFile(files[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read %v: %w", files[0], err)
	}
	return &imageListCapture{
		files:  files,
		width:  first.Width,
		height: first.Height,
		pacer:  newPacer(options.FPS),
	}, nil
}

func (c *imageListCapture) Size() (int, int) {
	return c.width, c.height
}

func (c *imageListCapture) Read() (*cimg.Image, error) {
	if c.next >= len(c.files) {
		return nil, io.EOF
	}
	if err := c.pacer.wait(); err != nil {
		return nil, err
	}
	fn := c.files[c.next]
	c.next++
	img, err := cimg.ReadFile(fn)
	if err != nil {
		return nil, fmt.Errorf("failed to read %v: %w", fn, err)
	}
	return rgbFrame(img), nil
}

func (c *imageListCapture) Rewind() error {
	c.next = 0
	return nil
}

func (c *imageListCapture) Close() error {
	c.pacer.close()
	return nil
}

// mjpegFileCapture reads a file of concatenated JPEG images
type mjpegFileCapture struct {
	filename string
	lock     sync.Mutex // Guards file against Close racing with Read/Rewind
	file     *os.File
	reader   *bufio.Reader
	width    int
	height   int
	pacer    *pacer
}

func newMJPEGFileCapture(filename string, options Options) (*mjpegFileCapture, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	c := &mjpegFileCapture{
		filename: filename,
		file:     f,
		reader:   bufio.NewReaderSize(f, 256*1024),
		pacer:    newPacer(options.FPS),
	}
	jpg, err := nextJPEG(c.reader)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read first frame of %v: %w", filename, err)
	}
	img, err := cimg.Decompress(jpg)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode first frame of %v: %w", filename, err)
	}
	c.width = img.Width
	c.height = img.Height
	if err := c.Rewind(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *mjpegFileCapture) Size() (int, int) {
	return c.width, c.height
}

func (c *mjpegFileCapture) Read() (*cimg.Image, error) {
	if err := c.pacer.wait(); err != nil {
		return nil, err
	}
	c.lock.Lock()
	if c.file == nil {
		c.lock.Unlock()
		return nil, ErrCaptureClosed
	}
	jpg, err := nextJPEG(c.reader)
	c.lock.Unlock()
	if err != nil {
		return nil, err
	}
	img, err := cimg.Decompress(jpg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame of %v: %w", c.filename, err)
	}
	return rgbFrame(img), nil
}

func (c *mjpegFileCapture) Rewind() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.file == nil {
		return ErrCaptureClosed
	}
	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	c.reader.Reset(c.file)
	return nil
}

func (c *mjpegFileCapture) Close() error {
	c.pacer.close()
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// Read the next complete JPEG image (SOI to EOI inclusive) from r.
// Returns io.EOF if no further image starts before the end of the stream.
//
// We don't parse JPEG segments, so an EOI marker inside embedded thumbnail
// data would end the frame early. Cameras and encoders that produce MJPEG
// don't embed thumbnails, so we accept this.
func nextJPEG(r *bufio.Reader) ([]byte, error) {
	// Find SOI
	prev := byte(0)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		if prev == jpegSOI[0] && b == jpegSOI[1] {
			break
		}
		prev = b
	}

	buf := bytes.Buffer{}
	buf.Write(jpegSOI)
	prev = 0
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Truncated final frame
				return nil, io.EOF
			}
			return nil, err
		}
		buf.WriteByte(b)
		if prev == jpegEOI[0] && b == jpegEOI[1] {
			return buf.Bytes(), nil
		}
		prev = b
	}
}
