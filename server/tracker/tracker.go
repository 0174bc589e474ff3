// Package tracker fuses per-screen detections into tracks that persist as an
// object moves from one screen of the grid to the next.
package tracker

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/gridwatch/pkg/nn"
	"github.com/cyclopcam/gridwatch/pkg/topology"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
)

var ErrInvalidGeometry = errors.New("invalid geometry")

const (
	DefaultMaxAge = 5 * time.Second

	// Number of instantaneous velocity samples that are averaged
	VelocityWindow = 10

	// Maximum number of detections retained per track
	MaxHistory = 100

	// Below this speed (pixels per second) an axis is considered stationary
	MinSpeed = 1.0
)

type Velocity struct {
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`
}

// Detection is one bounding box on one frame, after it has been attributed to a track.
// Immutable once created.
type Detection struct {
	ID                  uuid.UUID      `json:"id"`
	Timestamp           time.Time      `json:"timestamp"`
	StreamID            int64          `json:"streamID"`
	Box                 nn.BoundingBox `json:"box"`
	Velocity            Velocity       `json:"velocity"`
	PredictedNextScreen *int64         `json:"predictedNextScreen"`
	ScreensCrossed      int            `json:"screensCrossed"` // Of the owning track, at the time of this detection
	HistoryLength       int            `json:"historyLength"`  // Of the owning track, including this detection
}

// Track is a read-only snapshot of a cross-screen track
type Track struct {
	TrackID          int64       `json:"trackID"`
	History          []Detection `json:"history"` // Oldest first
	CurrentScreen    int64       `json:"currentScreen"`
	PredictedScreens []int64     `json:"predictedScreens"`
	Velocity         Velocity    `json:"velocity"`
	LastSeen         time.Time   `json:"lastSeen"`
	ScreensCrossed   int         `json:"screensCrossed"`
}

// Last returns the most recent detection
func (t *Track) Last() (Detection, bool) {
	if len(t.History) == 0 {
		return Detection{}, false
	}
	return t.History[len(t.History)-1], true
}

type timedPoint struct {
	x, y float64
	t    time.Time
}

// Internal, mutable state of a track
type track struct {
	id             int64
	history        ringbuffer.RingP[Detection]
	velocities     ringbuffer.RingP[Velocity]
	lastPositions  map[int64]timedPoint // Last center of this track on each screen
	currentScreen  int64
	predicted      []int64
	velocity       Velocity
	lastSeen       time.Time
	screensCrossed int
}

// Tracker owns every track.
// Updates must come from a single goroutine, but snapshot queries are safe from any goroutine.
type Tracker struct {
	// Clock used by UpdateTrack and ActiveTracks. Replace it before first use to control time in tests.
	Now func() time.Time

	lock   sync.RWMutex
	topo   *topology.Topology
	tracks map[int64]*track
}

func New(topo *topology.Topology) *Tracker {
	return &Tracker{
		Now:    time.Now,
		topo:   topo,
		tracks: map[int64]*track{},
	}
}

// Replace the grid. Existing tracks are retained, and predictions are
// recomputed against the new grid on their next update.
func (t *Tracker) SetTopology(topo *topology.Topology) {
	t.lock.Lock()
	t.topo = topo
	t.lock.Unlock()
}

func (t *Tracker) Topology() *topology.Topology {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.topo
}

// UpdateTrack records a sighting of trackID on screenID at the current time.
func (t *Tracker) UpdateTrack(trackID, screenID int64, box nn.BoundingBox, frameWidth, frameHeight int) (Track, error) {
	return t.UpdateTrackAt(t.Now(), trackID, screenID, box, frameWidth, frameHeight)
}

// UpdateTrackAt records a sighting of trackID on screenID at time ts.
// If the geometry is invalid, ErrInvalidGeometry is returned and no state is modified.
func (t *Tracker) UpdateTrackAt(ts time.Time, trackID, screenID int64, box nn.BoundingBox, frameWidth, frameHeight int) (Track, error) {
	if err := validateGeometry(box.Rect, frameWidth, frameHeight); err != nil {
		return Track{}, err
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	center := box.Center()
	cx, cy := float64(center.X), float64(center.Y)

	tr := t.tracks[trackID]
	isNew := tr == nil
	if isNew {
		tr = &track{
			id:            trackID,
			history:       ringbuffer.NewRingP[Detection](nextPowerOf2(MaxHistory)),
			velocities:    ringbuffer.NewRingP[Velocity](nextPowerOf2(VelocityWindow)),
			lastPositions: map[int64]timedPoint{},
			currentScreen: screenID,
		}
	}

	velocity := Velocity{}
	if last, ok := tr.lastPositions[screenID]; ok {
		dt := ts.Sub(last.t).Seconds()
		if dt > 0 {
			tr.velocities.Add(Velocity{
				VX: (cx - last.x) / dt,
				VY: (cy - last.y) / dt,
			})
		}
		velocity = smoothedVelocity(&tr.velocities)
	}
	tr.lastPositions[screenID] = timedPoint{x: cx, y: cy, t: ts}

	var predicted []int64
	if edge, ok := PredictExitEdge(cx, cy, velocity, float64(frameWidth), float64(frameHeight)); ok && t.topo != nil {
		if next, ok := t.topo.Neighbor(screenID, edge); ok {
			predicted = []int64{next}
		}
	}

	if !isNew && tr.currentScreen != screenID {
		tr.screensCrossed++
	}

	det := Detection{
		ID:             uuid.New(),
		Timestamp:      ts,
		StreamID:       screenID,
		Box:            box,
		Velocity:       velocity,
		ScreensCrossed: tr.screensCrossed,
		HistoryLength:  min(tr.history.Len()+1, MaxHistory),
	}
	if len(predicted) != 0 {
		next := predicted[0]
		det.PredictedNextScreen = &next
	}

	tr.history.Add(det)
	tr.currentScreen = screenID
	tr.predicted = predicted
	tr.velocity = velocity
	tr.lastSeen = ts

	if isNew {
		t.tracks[trackID] = tr
	}
	return tr.snapshot(), nil
}

func validateGeometry(r nn.Rect, frameWidth, frameHeight int) error {
	if frameWidth <= 0 || frameHeight <= 0 {
		return fmt.Errorf("%w: frame size %v x %v", ErrInvalidGeometry, frameWidth, frameHeight)
	}
	if !r.IsValid() {
		return fmt.Errorf("%w: malformed box (%v,%v)-(%v,%v)", ErrInvalidGeometry, r.X1, r.Y1, r.X2, r.Y2)
	}
	if !r.Overlaps(float32(frameWidth), float32(frameHeight)) {
		return fmt.Errorf("%w: box (%v,%v)-(%v,%v) lies outside %v x %v frame", ErrInvalidGeometry, r.X1, r.Y1, r.X2, r.Y2, frameWidth, frameHeight)
	}
	return nil
}

// Mean of the most recent VelocityWindow samples
func smoothedVelocity(samples *ringbuffer.RingP[Velocity]) Velocity {
	n := min(samples.Len(), VelocityWindow)
	if n == 0 {
		return Velocity{}
	}
	vx := make([]float64, n)
	vy := make([]float64, n)
	first := samples.Len() - n
	for i := 0; i < n; i++ {
		s := samples.Peek(first + i)
		vx[i] = s.VX
		vy[i] = s.VY
	}
	return Velocity{
		VX: stat.Mean(vx, nil),
		VY: stat.Mean(vy, nil),
	}
}

// PredictExitEdge returns the frame edge that an object at (cx, cy) moving with velocity v
// will reach first. Axes slower than MinSpeed are ignored.
// On a tie, the horizontal edge wins.
func PredictExitEdge(cx, cy float64, v Velocity, frameWidth, frameHeight float64) (topology.Direction, bool) {
	best := math.Inf(1)
	var edge topology.Direction
	found := false
	consider := func(dir topology.Direction, t float64) {
		if t > 0 && t < best {
			best = t
			edge = dir
			found = true
		}
	}
	if math.Abs(v.VX) >= MinSpeed {
		if v.VX > 0 {
			consider(topology.Right, (frameWidth-cx)/v.VX)
		} else {
			consider(topology.Left, -cx/v.VX)
		}
	}
	if math.Abs(v.VY) >= MinSpeed {
		if v.VY > 0 {
			consider(topology.Bottom, (frameHeight-cy)/v.VY)
		} else {
			consider(topology.Top, -cy/v.VY)
		}
	}
	return edge, found
}

// Track returns a snapshot of a single track
func (t *Tracker) Track(trackID int64) (Track, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	tr := t.tracks[trackID]
	if tr == nil {
		return Track{}, false
	}
	return tr.snapshot(), true
}

// ActiveTracks returns snapshots of all tracks seen within maxAge, ordered by track ID.
// A zero maxAge uses DefaultMaxAge.
func (t *Tracker) ActiveTracks(maxAge time.Duration) []Track {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	now := t.Now()
	t.lock.RLock()
	result := []Track{}
	for _, tr := range t.tracks {
		if now.Sub(tr.lastSeen) <= maxAge {
			result = append(result, tr.snapshot())
		}
	}
	t.lock.RUnlock()
	slices.SortFunc(result, func(a, b Track) int {
		if a.TrackID < b.TrackID {
			return -1
		} else if a.TrackID > b.TrackID {
			return 1
		}
		return 0
	})
	return result
}

func (t *Tracker) NumTracks() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.tracks)
}

// PredictEntryPoint estimates where the track will appear on targetScreen.
func (t *Tracker) PredictEntryPoint(trackID, targetScreen int64, frameWidth, frameHeight int) (nn.Point, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	tr := t.tracks[trackID]
	if tr == nil || tr.history.Len() == 0 {
		return nn.Point{}, false
	}
	return EntryPoint(t.topo, tr.history.Peek(tr.history.Len()-1), targetScreen, frameWidth, frameHeight)
}

// EntryPoint computes the point on targetScreen's edge where an object last seen
// as 'last' would enter. Horizontal displacement takes precedence over vertical.
// If the screens share a cell, the frame center is returned.
func EntryPoint(topo *topology.Topology, last Detection, targetScreen int64, frameWidth, frameHeight int) (nn.Point, bool) {
	if topo == nil {
		return nn.Point{}, false
	}
	dr, dc, ok := topo.Offset(last.StreamID, targetScreen)
	if !ok {
		return nn.Point{}, false
	}
	center := last.Box.Center()
	w := float32(frameWidth)
	h := float32(frameHeight)
	switch {
	case dc < 0:
		// target is to the left, so we enter on its right edge
		return nn.Point{X: w, Y: center.Y}, true
	case dc > 0:
		return nn.Point{X: 0, Y: center.Y}, true
	case dr < 0:
		// target is above, so we enter on its bottom edge
		return nn.Point{X: center.X, Y: h}, true
	case dr > 0:
		return nn.Point{X: center.X, Y: 0}, true
	}
	return nn.Point{X: w / 2, Y: h / 2}, true
}

// Deep copy of the track. Must be called with the tracker lock held.
func (tr *track) snapshot() Track {
	n := min(tr.history.Len(), MaxHistory)
	first := tr.history.Len() - n
	history := make([]Detection, n)
	for i := 0; i < n; i++ {
		history[i] = tr.history.Peek(first + i)
	}
	predicted := []int64{}
	if len(tr.predicted) != 0 {
		predicted = slices.Clone(tr.predicted)
	}
	return Track{
		TrackID:          tr.id,
		History:          history,
		CurrentScreen:    tr.currentScreen,
		PredictedScreens: predicted,
		Velocity:         tr.velocity,
		LastSeen:         tr.lastSeen,
		ScreensCrossed:   tr.screensCrossed,
	}
}

func nextPowerOf2(n int) int {
	return 1 << int(math.Ceil(math.Log2(float64(n))))
}
