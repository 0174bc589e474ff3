package source

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/fogleman/gg"
)

// Colors of the simulated drone. All of these are grey, which is what
// simdetect looks for against the blue sky.
var (
	droneBodyColor  = color.RGBA{50, 50, 50, 255}
	droneArmColor   = color.RGBA{80, 80, 80, 255}
	droneRotorColor = color.RGBA{100, 100, 100, 255}
)

const (
	droneBodyRadius  = 15
	droneArmLength   = 25
	droneArmWidth    = 3
	droneRotorRadius = 8
	droneMargin      = 50 // The drone bounces off an invisible wall this far from the frame edge
	skyNoise         = 20
)

// simulatedCapture renders a sky with a single quadcopter drifting across it.
// It never reaches the end of the stream.
type simulatedCapture struct {
	streamID int64
	width    int
	height   int
	pacer    *pacer
	rng      *rand.Rand
	rgba     *image.RGBA
	dc       *gg.Context
	droneX   float64
	droneY   float64
	droneVX  float64 // pixels per frame
	droneVY  float64
}

func newSimulatedCapture(streamID int64, options Options) *simulatedCapture {
	rng := rand.New(rand.NewPCG(uint64(streamID)+1, 0x5eed))
	rgba := image.NewRGBA(image.Rect(0, 0, options.Width, options.Height))
	return &simulatedCapture{
		streamID: streamID,
		width:    options.Width,
		height:   options.Height,
		pacer:    newPacer(options.FPS),
		rng:      rng,
		rgba:     rgba,
		dc:       gg.NewContextForRGBA(rgba),
		droneX:   float64(droneMargin + rng.IntN(max(1, options.Width-2*droneMargin))),
		droneY:   float64(droneMargin + rng.IntN(max(1, options.Height-2*droneMargin))),
		droneVX:  5,
		droneVY:  3,
	}
}

func (c *simulatedCapture) Size() (int, int) {
	return c.width, c.height
}

func (c *simulatedCapture) Rewind() error {
	return nil
}

func (c *simulatedCapture) Close() error {
	c.pacer.close()
	return nil
}

func (c *simulatedCapture) Read() (*cimg.Image, error) {
	if err := c.pacer.wait(); err != nil {
		return nil, err
	}
	c.step()
	c.render(time.Now())
	return c.frame(), nil
}

// Position of the drone in the most recently rendered frame
func (c *simulatedCapture) DronePosition() (x, y float64) {
	return c.droneX, c.droneY
}

// Advance the drone by one frame, with a little jitter, bouncing off the margins
func (c *simulatedCapture) step() {
	c.droneX += c.droneVX + float64(c.rng.IntN(5)-2)
	c.droneY += c.droneVY + float64(c.rng.IntN(5)-2)
	minX, maxX := float64(droneMargin), float64(c.width-droneMargin)
	minY, maxY := float64(droneMargin), float64(c.height-droneMargin)
	if c.droneX < minX || c.droneX > maxX {
		c.droneVX = -c.droneVX
		c.droneX = math.Max(minX, math.Min(maxX, c.droneX))
	}
	if c.droneY < minY || c.droneY > maxY {
		c.droneVY = -c.droneVY
		c.droneY = math.Max(minY, math.Min(maxY, c.droneY))
	}
}

func (c *simulatedCapture) render(now time.Time) {
	c.renderSky()

	dc := c.dc
	x, y := c.droneX, c.droneY

	dc.SetColor(droneArmColor)
	dc.SetLineWidth(droneArmWidth)
	for i := 0; i < 4; i++ {
		angle := gg.Radians(float64(45 + i*90))
		ax := x + droneArmLength*math.Cos(angle)
		ay := y + droneArmLength*math.Sin(angle)
		dc.DrawLine(x, y, ax, ay)
		dc.Stroke()
	}
	dc.SetColor(droneRotorColor)
	for i := 0; i < 4; i++ {
		angle := gg.Radians(float64(45 + i*90))
		dc.DrawCircle(x+droneArmLength*math.Cos(angle), y+droneArmLength*math.Sin(angle), droneRotorRadius)
		dc.Fill()
	}
	dc.SetColor(droneBodyColor)
	dc.DrawCircle(x, y, droneBodyRadius)
	dc.Fill()

	dc.SetColor(color.White)
	dc.DrawString(fmt.Sprintf("Stream %v | %v", c.streamID, now.Format("15:04:05.000")), 10, 20)
}

// Vertical gradient from light blue at the top to dark blue at the bottom, plus per channel noise
func (c *simulatedCapture) renderSky() {
	pix := c.rgba.Pix
	stride := c.rgba.Stride
	for y := 0; y < c.height; y++ {
		base := 150 - 0.25*float64(y)*480/float64(c.height)
		r := int(base)
		g := int(base) + 20
		b := int(base) + 50
		row := pix[y*stride:]
		for x := 0; x < c.width; x++ {
			p := row[x*4:]
			p[0] = clampByte(r + c.rng.IntN(skyNoise))
			p[1] = clampByte(g + c.rng.IntN(skyNoise))
			p[2] = clampByte(b + c.rng.IntN(skyNoise))
			p[3] = 255
		}
	}
}

func clampByte(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// The canvas converted to RGB
func (c *simulatedCapture) frame() *cimg.Image {
	return cimg.WrapImageStrided(c.rgba.Rect.Dx(), c.rgba.Rect.Dy(), cimg.PixelFormatRGBA, c.rgba.Pix, c.rgba.Stride).ToRGB()
}
