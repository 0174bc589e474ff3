package monitor

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/gridwatch/pkg/idgen"
	"github.com/cyclopcam/gridwatch/pkg/nn"
	"github.com/cyclopcam/gridwatch/pkg/perfstats"
	"github.com/cyclopcam/gridwatch/pkg/topology"
	"github.com/cyclopcam/gridwatch/server/source"
	"github.com/cyclopcam/gridwatch/server/tracker"
	"github.com/cyclopcam/logs"
)

// monitor runs object detection on every stream, and feeds the results into the cross-screen tracker

var (
	ErrDetectionFailed = errors.New("detection failed")
	ErrUnknownStream   = errors.New("unknown stream")
	ErrMonitorStopped  = errors.New("monitor is stopped")
)

const DefaultTickInterval = 10 * time.Millisecond

type StreamConfig struct {
	ID     int64  `json:"id"`
	Source string `json:"source"` // Descriptor understood by source.OpenCapture
	Name   string `json:"name"`
	Row    int    `json:"row"`
	Col    int    `json:"col"`
}

func (c StreamConfig) Position() topology.ScreenPosition {
	return topology.ScreenPosition{StreamID: c.ID, Row: c.Row, Col: c.Col}
}

// StreamState is the result of analyzing the most recent frame of a stream.
// A StreamState is never modified after it is published.
type StreamState struct {
	StreamID   int64               `json:"streamID"`
	Frame      *source.Frame       `json:"-"`
	Detections []tracker.Detection `json:"detections"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

// CrossingEvent is emitted when a track is seen on a different screen to its previous sighting
type CrossingEvent struct {
	Time           time.Time        `json:"time"`
	TrackID        int64            `json:"trackID"`
	FromStream     int64            `json:"fromStream"`
	ToStream       int64            `json:"toStream"`
	Velocity       tracker.Velocity `json:"velocity"`
	ScreensCrossed int              `json:"screensCrossed"`
}

type StreamInfo struct {
	StreamConfig
	Stats   source.Stats `json:"stats"`
	Pending bool         `json:"pending"` // Added, but not yet picked up by the tick loop
}

type Stats struct {
	Ticks            uint64        `json:"ticks"`
	FramesAnalyzed   uint64        `json:"framesAnalyzed"`
	Detections       uint64        `json:"detections"`
	DetectErrors     uint64        `json:"detectErrors"`
	GeometryErrors   uint64        `json:"geometryErrors"`
	AvgDetectTime    time.Duration `json:"avgDetectTime"`    // Since startup
	RecentDetectTime time.Duration `json:"recentDetectTime"` // Moving average
	Streams          int           `json:"streams"`
	Tracks           int           `json:"tracks"`
}

type Options struct {
	TickInterval time.Duration  // DefaultTickInterval if zero
	StopTimeout  time.Duration  // Per source. source.DefaultStopTimeout if zero
	Source       source.Options // Applied to every stream
	TrackIDs     *idgen.Int64   // Shared with the detector, so that fallback IDs never collide with detector IDs

	// Open a source for a stream. Defaults to source.Open
	OpenSource func(log logs.Log, cfg StreamConfig, options source.Options) (*source.Source, error)
}

type monitorStream struct {
	config StreamConfig
	source *source.Source
}

// An add (add != nil) or a removal of a stream, waiting for the next tick
type pendingChange struct {
	add    *monitorStream
	remove int64
}

type Monitor struct {
	Log           logs.Log
	detector      nn.Detector
	tracker       *tracker.Tracker
	options       Options
	trackIDs      *idgen.Int64
	mustStop      atomic.Bool // True if Stop() has been called
	started       atomic.Bool
	looperStopped chan bool // Closed when the tick loop exits
	stopOnce      sync.Once
	stopErr       error
	lastErrAt     time.Time // Only accessed by the tick loop

	changeLock  sync.Mutex // Serializes AddStream, RemoveStream and Stop
	streamsLock sync.Mutex // Guards everything below, up to stateLock
	configs     map[int64]StreamConfig
	pending     []pendingChange
	streams     []*monitorStream // Active streams, sorted by ID. Only replaced by the tick loop

	stateLock sync.RWMutex
	latest    map[int64]*StreamState

	statsLock      sync.Mutex
	detectTime     perfstats.TimeAccumulator
	recentDetectNS atomic.Uint64
	ticks          atomic.Uint64
	framesAnalyzed atomic.Uint64
	detections     atomic.Uint64
	detectErrors   atomic.Uint64
	geometryErrors atomic.Uint64

	watchersLock       sync.RWMutex
	watchers           map[int64][]chan *StreamState
	watchersAllStreams []chan *StreamState
	crossingWatchers   []chan *CrossingEvent
}

// Create a monitor. Call Start() to begin the tick loop.
func NewMonitor(logger logs.Log, detector nn.Detector, options Options) *Monitor {
	if options.TickInterval <= 0 {
		options.TickInterval = DefaultTickInterval
	}
	if options.StopTimeout <= 0 {
		options.StopTimeout = source.DefaultStopTimeout
	}
	if options.Source.Width <= 0 {
		options.Source.Width = source.DefaultWidth
	}
	if options.Source.Height <= 0 {
		options.Source.Height = source.DefaultHeight
	}
	if options.OpenSource == nil {
		options.OpenSource = openSource
	}
	trackIDs := options.TrackIDs
	if trackIDs == nil {
		trackIDs = &idgen.Int64{}
	}
	empty, _ := topology.New(nil)
	return &Monitor{
		Log:           logger,
		detector:      detector,
		tracker:       tracker.New(empty),
		options:       options,
		trackIDs:      trackIDs,
		looperStopped: make(chan bool),
		configs:       map[int64]StreamConfig{},
		latest:        map[int64]*StreamState{},
		watchers:      map[int64][]chan *StreamState{},
	}
}

func openSource(log logs.Log, cfg StreamConfig, options source.Options) (*source.Source, error) {
	return source.Open(log, cfg.ID, cfg.Source, options)
}

// Start the tick loop
func (m *Monitor) Start() {
	if m.mustStop.Load() || !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.loop()
}

// Stop the tick loop, and then every source.
// The returned error joins a source.ErrShutdownTimeout for the tick loop, and for each source, that did not stop in time.
func (m *Monitor) Stop() error {
	m.stopOnce.Do(func() {
		m.Log.Infof("Monitor shutting down")
		m.mustStop.Store(true)
		var loopErr error
		if m.started.Load() {
			select {
			case <-m.looperStopped:
			case <-time.After(m.options.StopTimeout):
				// A hung Detect() call. The loop exits on its own once it returns.
				loopErr = fmt.Errorf("tick loop: %w", source.ErrShutdownTimeout)
				m.Log.Warnf("Monitor tick loop did not stop within %v", m.options.StopTimeout)
			}
		}

		m.changeLock.Lock()
		m.streamsLock.Lock()
		all := slices.Clone(m.streams)
		for _, p := range m.pending {
			if p.add != nil {
				all = append(all, p.add)
			}
		}
		m.streams = nil
		m.pending = nil
		m.configs = map[int64]StreamConfig{}
		m.streamsLock.Unlock()
		m.changeLock.Unlock()

		m.stopErr = errors.Join(loopErr, m.stopSources(all))
		if m.stopErr != nil {
			m.Log.Warnf("Monitor stopped with errors: %v", m.stopErr)
		} else {
			m.Log.Infof("Monitor is stopped")
		}
	})
	return m.stopErr
}

// Stop sources concurrently, so that the total time is bounded by a single StopTimeout
func (m *Monitor) stopSources(streams []*monitorStream) error {
	errs := make([]error, len(streams))
	wg := sync.WaitGroup{}
	for i, ms := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = ms.source.Stop(m.options.StopTimeout)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// AddStream opens the stream's source and schedules it for analysis on the next tick.
// If a stream with the same ID exists, it is replaced.
func (m *Monitor) AddStream(cfg StreamConfig) error {
	m.changeLock.Lock()
	defer m.changeLock.Unlock()
	if m.mustStop.Load() {
		return ErrMonitorStopped
	}

	// Validate the grid position before we go to the trouble of opening the source
	m.streamsLock.Lock()
	positions := []topology.ScreenPosition{cfg.Position()}
	for id, c := range m.configs {
		if id != cfg.ID {
			positions = append(positions, c.Position())
		}
	}
	m.streamsLock.Unlock()
	if _, err := topology.New(positions); err != nil {
		return err
	}

	src, err := m.options.OpenSource(m.Log, cfg, m.options.Source)
	if err != nil {
		return err
	}

	m.streamsLock.Lock()
	_, replace := m.configs[cfg.ID]
	m.configs[cfg.ID] = cfg
	m.pending = append(m.pending, pendingChange{add: &monitorStream{config: cfg, source: src}})
	m.streamsLock.Unlock()

	if replace {
		m.Log.Infof("Stream %v (%v) replaced, at row %v, column %v", cfg.ID, cfg.Source, cfg.Row, cfg.Col)
	} else {
		m.Log.Infof("Stream %v (%v) added, at row %v, column %v", cfg.ID, cfg.Source, cfg.Row, cfg.Col)
	}
	return nil
}

// RemoveStream schedules a stream for removal on the next tick.
func (m *Monitor) RemoveStream(streamID int64) error {
	m.changeLock.Lock()
	defer m.changeLock.Unlock()
	m.streamsLock.Lock()
	defer m.streamsLock.Unlock()
	if _, ok := m.configs[streamID]; !ok {
		return fmt.Errorf("%w: %v", ErrUnknownStream, streamID)
	}
	delete(m.configs, streamID)
	m.pending = append(m.pending, pendingChange{remove: streamID})
	m.Log.Infof("Stream %v removed", streamID)
	return nil
}

// Find the first grid cell, in row-major order, that is not occupied by any stream
func (m *Monitor) NextFreePosition(columns int) (row, col int) {
	m.streamsLock.Lock()
	taken := map[[2]int]bool{}
	for _, c := range m.configs {
		taken[[2]int{c.Row, c.Col}] = true
	}
	m.streamsLock.Unlock()
	for i := 0; ; i++ {
		row, col = topology.GridPosition(i, columns)
		if !taken[[2]int{row, col}] {
			return
		}
	}
}

// Loop runs until Stop()
func (m *Monitor) loop() {
	for !m.mustStop.Load() {
		start := time.Now()
		m.tick()
		if d := m.options.TickInterval - time.Since(start); d > 0 {
			time.Sleep(d)
		}
	}
	close(m.looperStopped)
}

// Apply pending stream changes, and then analyze at most one frame from each stream, in order of stream ID
func (m *Monitor) tick() {
	m.ticks.Add(1)
	m.applyPending()

	for _, ms := range m.streams {
		if m.mustStop.Load() {
			return
		}
		frame, ok := ms.source.GetLatest()
		if !ok {
			continue
		}
		m.analyzeFrame(ms, frame)
	}
}

func (m *Monitor) applyPending() {
	m.streamsLock.Lock()
	pending := m.pending
	m.pending = nil
	m.streamsLock.Unlock()
	if len(pending) == 0 {
		return
	}

	active := slices.Clone(m.streams)
	retired := []*monitorStream{}
	for _, p := range pending {
		id := p.remove
		if p.add != nil {
			id = p.add.config.ID
		}
		if i := slices.IndexFunc(active, func(ms *monitorStream) bool { return ms.config.ID == id }); i != -1 {
			retired = append(retired, active[i])
			active = slices.Delete(active, i, i+1)
		}
		if p.add != nil {
			active = append(active, p.add)
		}
	}
	slices.SortFunc(active, func(a, b *monitorStream) int {
		if a.config.ID < b.config.ID {
			return -1
		} else if a.config.ID > b.config.ID {
			return 1
		}
		return 0
	})

	positions := make([]topology.ScreenPosition, 0, len(active))
	for _, ms := range active {
		positions = append(positions, ms.config.Position())
	}
	topo, err := topology.New(positions)
	if err != nil {
		// AddStream validates positions, so this is a bug
		m.Log.Errorf("Monitor: invalid stream layout: %v", err)
	} else {
		m.tracker.SetTopology(topo)
	}

	m.streamsLock.Lock()
	m.streams = active
	m.streamsLock.Unlock()

	if len(retired) == 0 {
		return
	}
	if err := m.stopSources(retired); err != nil {
		m.Log.Warnf("Monitor: %v", err)
	}
	m.stateLock.Lock()
	for _, ms := range retired {
		delete(m.latest, ms.config.ID)
	}
	m.stateLock.Unlock()
	if resetter, ok := m.detector.(interface{ ResetStream(streamID int64) }); ok {
		for _, ms := range retired {
			resetter.ResetStream(ms.config.ID)
		}
	}
}

func (m *Monitor) analyzeFrame(ms *monitorStream, frame *source.Frame) {
	streamID := ms.config.ID
	start := time.Now()
	boxes, err := m.detector.Detect(frame.Image, streamID, true)
	elapsed := time.Since(start)
	if err != nil {
		m.detectErrors.Add(1)
		m.logError(fmt.Errorf("%w: stream %v: %w", ErrDetectionFailed, streamID, err))
		return
	}
	m.framesAnalyzed.Add(1)
	perfstats.Update(&m.recentDetectNS, elapsed.Nanoseconds())
	m.statsLock.Lock()
	m.detectTime.AddSample(elapsed)
	m.statsLock.Unlock()

	width, height := frame.Width(), frame.Height()
	detections := make([]tracker.Detection, 0, len(boxes))
	crossings := []*CrossingEvent{}
	for _, box := range boxes {
		trackID := m.resolveTrackID(&box)
		track, err := m.tracker.UpdateTrackAt(frame.Timestamp, trackID, streamID, box, width, height)
		if err != nil {
			m.geometryErrors.Add(1)
			m.logError(fmt.Errorf("stream %v, track %v: %w", streamID, trackID, err))
			continue
		}
		det, _ := track.Last()
		detections = append(detections, det)
		if n := len(track.History); n >= 2 && track.History[n-2].StreamID != streamID {
			crossings = append(crossings, &CrossingEvent{
				Time:           frame.Timestamp,
				TrackID:        trackID,
				FromStream:     track.History[n-2].StreamID,
				ToStream:       streamID,
				Velocity:       track.Velocity,
				ScreensCrossed: track.ScreensCrossed,
			})
		}
	}
	m.detections.Add(uint64(len(detections)))

	state := &StreamState{
		StreamID:   streamID,
		Frame:      frame,
		Detections: detections,
		UpdatedAt:  time.Now(),
	}
	m.stateLock.Lock()
	m.latest[streamID] = state
	m.stateLock.Unlock()

	m.sendToWatchers(state)
	for _, c := range crossings {
		m.Log.Infof("Track %v crossed from stream %v to stream %v", c.TrackID, c.FromStream, c.ToStream)
		m.sendToCrossingWatchers(c)
	}
}

// Use the detector's track ID if it supplied one, otherwise allocate a new one.
// The box is updated to carry the resolved ID.
func (m *Monitor) resolveTrackID(box *nn.BoundingBox) int64 {
	if box.TrackID.Valid {
		m.trackIDs.Observe(box.TrackID.ID)
		return box.TrackID.ID
	}
	id := m.trackIDs.Next()
	box.TrackID = nn.SomeTrackID(id)
	return id
}

func (m *Monitor) logError(err error) {
	if time.Since(m.lastErrAt) > 15*time.Second {
		m.Log.Errorf("Monitor: %v", err)
		m.lastErrAt = time.Now()
	}
}

// Returns the most recent analysis of a stream
func (m *Monitor) LatestState(streamID int64) (*StreamState, bool) {
	m.stateLock.RLock()
	defer m.stateLock.RUnlock()
	s, ok := m.latest[streamID]
	return s, ok
}

// Returns the detections of the most recent analysis of every stream, in order of stream ID
func (m *Monitor) AllDetections() []tracker.Detection {
	m.stateLock.RLock()
	defer m.stateLock.RUnlock()
	ids := make([]int64, 0, len(m.latest))
	for id := range m.latest {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	all := []tracker.Detection{}
	for _, id := range ids {
		all = append(all, m.latest[id].Detections...)
	}
	return all
}

func (m *Monitor) ActiveTracks(maxAge time.Duration) []tracker.Track {
	return m.tracker.ActiveTracks(maxAge)
}

func (m *Monitor) Track(trackID int64) (tracker.Track, bool) {
	return m.tracker.Track(trackID)
}

// Predict where a track will enter targetScreen, in the pixel coordinates of the analyzed frames
func (m *Monitor) PredictEntryPoint(trackID, targetScreen int64) (nn.Point, bool) {
	return m.tracker.PredictEntryPoint(trackID, targetScreen, m.options.Source.Width, m.options.Source.Height)
}

// Returns the layout of the active streams
func (m *Monitor) Topology() *topology.Topology {
	return m.tracker.Topology()
}

// Returns all streams, including those that have not yet been picked up by the tick loop, ordered by ID
func (m *Monitor) Streams() []StreamInfo {
	m.streamsLock.Lock()
	byID := map[int64]*monitorStream{}
	for _, ms := range m.streams {
		byID[ms.config.ID] = ms
	}
	pendingAdd := map[int64]bool{}
	for _, p := range m.pending {
		if p.add != nil {
			byID[p.add.config.ID] = p.add
			pendingAdd[p.add.config.ID] = true
		}
	}
	result := make([]StreamInfo, 0, len(m.configs))
	for id, cfg := range m.configs {
		info := StreamInfo{StreamConfig: cfg, Pending: pendingAdd[id]}
		if ms := byID[id]; ms != nil {
			info.Stats = ms.source.Stats()
		}
		result = append(result, info)
	}
	m.streamsLock.Unlock()
	slices.SortFunc(result, func(a, b StreamInfo) int {
		if a.ID < b.ID {
			return -1
		} else if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return result
}

func (m *Monitor) Stats() Stats {
	m.statsLock.Lock()
	avg := m.detectTime.Average()
	m.statsLock.Unlock()
	m.streamsLock.Lock()
	nStreams := len(m.streams)
	m.streamsLock.Unlock()
	return Stats{
		Ticks:            m.ticks.Load(),
		FramesAnalyzed:   m.framesAnalyzed.Load(),
		Detections:       m.detections.Load(),
		DetectErrors:     m.detectErrors.Load(),
		GeometryErrors:   m.geometryErrors.Load(),
		AvgDetectTime:    avg,
		RecentDetectTime: time.Duration(m.recentDetectNS.Load()),
		Streams:          nStreams,
		Tracks:           m.tracker.NumTracks(),
	}
}
