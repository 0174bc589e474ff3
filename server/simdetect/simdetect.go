// Package simdetect is a stand-in object detector for the simulated video sources.
// It finds grey blobs against a blue sky, which is exactly what a simulated drone looks like.
package simdetect

import (
	"sync"

	"github.com/bmharper/cimg/v2"
	"github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/gridwatch/pkg/idgen"
	"github.com/cyclopcam/gridwatch/pkg/nn"
)

const (
	cellSize        = 4  // Pixels are grouped into cells of cellSize x cellSize
	minCellPixels   = 4  // A cell is "on" if it has at least this many grey pixels
	minBlobCells    = 6  // Blobs smaller than this are noise
	maxChannelDelta = 25 // A pixel is grey if |R-B| and |G-B| are below this
	maxGreyLevel    = 140
	ClassDrone      = "drone"
)

type Settings struct {
	ProbabilityThreshold float32 // Discard boxes with confidence below this
	NmsIouThreshold      float32 // Merge same-class boxes that overlap by at least this much
}

func DefaultSettings() Settings {
	return Settings{
		ProbabilityThreshold: nn.DefaultProbabilityThreshold,
		NmsIouThreshold:      nn.DefaultNmsIouThreshold,
	}
}

// Detector implements nn.Detector.
// Track IDs are unique across all streams that share a Detector.
type Detector struct {
	settings Settings
	nextID   *idgen.Int64

	lock    sync.Mutex
	streams map[int64][]trackedBox // Boxes from the previous frame of each stream
}

type trackedBox struct {
	id  int64
	box nn.BoundingBox
}

// New creates a detector. If ids is nil, the detector allocates its own track IDs.
func New(settings Settings, ids *idgen.Int64) *Detector {
	if ids == nil {
		ids = &idgen.Int64{}
	}
	return &Detector{
		settings: settings,
		nextID:   ids,
		streams:  map[int64][]trackedBox{},
	}
}

func (d *Detector) Detect(img *cimg.Image, streamID int64, track bool) ([]nn.BoundingBox, error) {
	boxes := findBlobs(img)

	kept := boxes[:0]
	for _, b := range boxes {
		if b.Confidence >= d.settings.ProbabilityThreshold {
			kept = append(kept, b)
		}
	}
	boxes = kept

	if d.settings.NmsIouThreshold > 0 && len(boxes) > 1 {
		retain := nn.SuppressOverlapping(boxes, d.settings.NmsIouThreshold)
		final := make([]nn.BoundingBox, 0, len(retain))
		for _, i := range retain {
			final = append(final, boxes[i])
		}
		boxes = final
	}

	if track {
		d.assignTrackIDs(streamID, boxes, img.Width)
	}
	return boxes, nil
}

// Forget the previous frame of a stream. Boxes on its next frame all get new IDs.
func (d *Detector) ResetStream(streamID int64) {
	d.lock.Lock()
	delete(d.streams, streamID)
	d.lock.Unlock()
}

// Match each new box to the closest box of the same class on the previous frame of this stream.
// Unmatched boxes get new IDs.
func (d *Detector) assignTrackIDs(streamID int64, boxes []nn.BoundingBox, frameWidth int) {
	d.lock.Lock()
	defer d.lock.Unlock()

	prev := d.streams[streamID]

	// Create spatial index on the previous boxes
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(prev))
	for _, p := range prev {
		fb.Add(p.box.Int32())
	}
	fb.Finish()

	minSearchBuffer := int32(0.05 * float64(frameWidth))
	prevHasMatch := make([]bool, len(prev))

	nearby := []int{}
	for i := range boxes {
		newBox := &boxes[i]
		x1, y1, x2, y2 := newBox.Int32()
		bufX := max(minSearchBuffer, int32(0.8*newBox.Width()))
		bufY := max(minSearchBuffer, int32(0.8*newBox.Height()))
		nearby = fb.SearchFast(x1-bufX, y1-bufY, x2+bufX, y2+bufY, nearby)

		bestJ := -1
		bestIOU := float32(0)
		bestDistance := float32(9e20)
		for _, j := range nearby {
			if prevHasMatch[j] || prev[j].box.Class != newBox.Class {
				continue
			}
			iou := newBox.IOU(prev[j].box.Rect)
			distance := newBox.Center().Distance(prev[j].box.Center())
			// The object may have moved far enough that the boxes don't overlap at all,
			// in which case we fall back to the distance between centers.
			if iou > bestIOU {
				bestIOU = iou
				bestJ = j
			} else if bestIOU == 0 && distance < bestDistance {
				bestDistance = distance
				bestJ = j
			}
		}
		if bestJ != -1 {
			prevHasMatch[bestJ] = true
			newBox.TrackID = nn.SomeTrackID(prev[bestJ].id)
		} else {
			newBox.TrackID = nn.SomeTrackID(d.nextID.Next())
		}
	}

	current := make([]trackedBox, len(boxes))
	for i, b := range boxes {
		current[i] = trackedBox{id: b.TrackID.ID, box: b}
	}
	d.streams[streamID] = current
}

func isGrey(r, g, b byte) bool {
	return absDiff(r, b) < maxChannelDelta && absDiff(g, b) < maxChannelDelta && r < maxGreyLevel
}

func absDiff(a, b byte) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

type blobStats struct {
	minX, minY, maxX, maxY int
	greyPixels             int
	cells                  int
}

// Segment grey pixels into 8-connected blobs of cells, and return one box per blob.
func findBlobs(img *cimg.Image) []nn.BoundingBox {
	nchan := img.NChan()
	if nchan < 3 {
		return nil
	}
	cw := (img.Width + cellSize - 1) / cellSize
	ch := (img.Height + cellSize - 1) / cellSize

	// Count grey pixels per cell
	counts := make([]int32, cw*ch)
	for y := 0; y < img.Height; y++ {
		row := img.Pixels[y*img.Stride:]
		cy := y / cellSize
		for x := 0; x < img.Width; x++ {
			p := row[x*nchan:]
			if isGrey(p[0], p[1], p[2]) {
				counts[cy*cw+x/cellSize]++
			}
		}
	}

	// Flood fill over "on" cells
	label := make([]int32, cw*ch)
	blobs := []blobStats{}
	stack := []int{}
	for start := range counts {
		if counts[start] < minCellPixels || label[start] != 0 {
			continue
		}
		blobs = append(blobs, blobStats{minX: cw, minY: ch, maxX: -1, maxY: -1})
		id := int32(len(blobs))
		bs := &blobs[id-1]
		label[start] = id
		stack = append(stack[:0], start)
		for len(stack) != 0 {
			c := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x := c % cw
			y := c / cw
			bs.minX = min(bs.minX, x)
			bs.minY = min(bs.minY, y)
			bs.maxX = max(bs.maxX, x)
			bs.maxY = max(bs.maxY, y)
			bs.greyPixels += int(counts[c])
			bs.cells++
			visit := func(nx, ny int) {
				if nx < 0 || ny < 0 || nx >= cw || ny >= ch {
					return
				}
				n := ny*cw + nx
				if counts[n] >= minCellPixels && label[n] == 0 {
					label[n] = id
					stack = append(stack, n)
				}
			}
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					visit(x+dx, y+dy)
				}
			}
		}
	}

	boxes := []nn.BoundingBox{}
	for _, b := range blobs {
		if b.cells < minBlobCells {
			continue
		}
		r := nn.Rect{
			X1: float32(b.minX * cellSize),
			Y1: float32(b.minY * cellSize),
			X2: float32(min((b.maxX+1)*cellSize, img.Width)),
			Y2: float32(min((b.maxY+1)*cellSize, img.Height)),
		}
		// A quadcopter fills roughly half of its bounding box. Solid squares and
		// thin lines are less drone-like.
		fill := float32(b.greyPixels) / r.Area()
		confidence := 1 - 1.2*math32.Abs(fill-0.5)
		boxes = append(boxes, nn.BoundingBox{
			Rect:       r,
			Confidence: min(1, max(0, confidence)),
			Class:      ClassDrone,
		})
	}
	return boxes
}
