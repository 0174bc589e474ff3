package server

import (
	"errors"
	"net/http"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/gridwatch/pkg/topology"
	"github.com/cyclopcam/gridwatch/server/configdb"
	"github.com/cyclopcam/gridwatch/server/monitor"
	"github.com/cyclopcam/gridwatch/server/source"
	"github.com/cyclopcam/gridwatch/server/tracker"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// SYNC-STREAM-INFO
type streamInfoJSON struct {
	configdb.Stream
	Running bool          `json:"running"` // True if the monitor is analyzing this stream
	Stats   *source.Stats `json:"stats,omitempty"`
}

func (s *Server) httpStreamsList(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	streams, err := s.configDB.Streams()
	www.Check(err)
	running := map[int64]monitor.StreamInfo{}
	for _, info := range s.monitor.Streams() {
		running[info.ID] = info
	}
	out := []streamInfoJSON{}
	for _, st := range streams {
		item := streamInfoJSON{Stream: st}
		if info, ok := running[st.ID]; ok {
			item.Running = true
			item.Stats = &info.Stats
		}
		out = append(out, item)
	}
	www.CacheNever(w)
	www.SendJSON(w, out)
}

// SYNC-SAVE-STREAM-REQUEST
// Fields that are omitted keep their existing value, or their default for a new stream.
type saveStreamRequest struct {
	ID     int64  `json:"id"` // Zero to create a new stream
	Source string `json:"source"`
	Name   string `json:"name"`
	Row    *int   `json:"row"`
	Col    *int   `json:"col"`
	Active *bool  `json:"active"`
}

func (s *Server) httpStreamsSave(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	req := saveStreamRequest{}
	www.ReadJSON(w, r, &req, 64*1024)
	www.SendJSON(w, s.saveStream(&req))
}

// Create or update a stream. The change is saved to the config DB, and then applied to the monitor.
// If the monitor rejects the change, the DB is restored.
// Panics with an HTTP error if the change is rejected.
func (s *Server) saveStream(req *saveStreamRequest) *configdb.Stream {
	s.streamsEdits <- true
	defer func() { <-s.streamsEdits }()

	var old *configdb.Stream
	st := configdb.Stream{Active: true}
	if req.ID != 0 {
		existing, err := s.configDB.GetStreamFromID(req.ID)
		if errors.Is(err, configdb.ErrStreamNotFound) {
			www.PanicNotFound()
		}
		www.Check(err)
		old = existing
		st = *existing
	}
	if req.Source != "" {
		st.Source = req.Source
	}
	if st.Source == "" {
		www.PanicBadRequestf("source may not be empty")
	}
	if req.Name != "" {
		st.Name = req.Name
	}
	if st.Name == "" {
		st.Name = st.Source
	}
	if req.Active != nil {
		st.Active = *req.Active
	}

	others, err := s.configDB.ActiveStreams()
	www.Check(err)
	positions := []topology.ScreenPosition{}
	for _, o := range others {
		if o.ID != st.ID {
			positions = append(positions, topology.ScreenPosition{StreamID: o.ID, Row: o.Row, Col: o.Col})
		}
	}

	switch {
	case req.Row != nil && req.Col != nil:
		st.Row, st.Col = *req.Row, *req.Col
	case req.Row != nil || req.Col != nil:
		www.PanicBadRequestf("row and col must be specified together")
	case old == nil:
		st.Row, st.Col = freePosition(positions, s.config.GridColumns)
	}
	if st.Row < 0 || st.Col < 0 {
		www.PanicBadRequestf("row and col may not be negative")
	}

	if st.Active {
		// Stream IDs are not yet known for new streams, and topology only cares about uniqueness
		check := append(positions, topology.ScreenPosition{StreamID: -1, Row: st.Row, Col: st.Col})
		if _, err := topology.New(check); err != nil {
			www.Panic(http.StatusConflict, err.Error())
		}
	}

	www.Check(s.configDB.SaveStream(&st))

	if st.Active {
		if err := s.monitor.AddStream(streamConfig(&st)); err != nil {
			s.restoreStream(old, st.ID)
			switch {
			case errors.Is(err, source.ErrSourceUnavailable):
				www.PanicBadRequestf("%v", err)
			case errors.Is(err, topology.ErrDuplicatePosition):
				www.Panic(http.StatusConflict, err.Error())
			default:
				www.Check(err)
			}
		}
	} else if err := s.monitor.RemoveStream(st.ID); err != nil && !errors.Is(err, monitor.ErrUnknownStream) {
		www.Check(err)
	}

	s.Log.Infof("Saved stream %v (%v) at row %v, column %v. Active: %v", st.ID, st.Source, st.Row, st.Col, st.Active)
	return &st
}

// Undo a SaveStream that the monitor could not apply
func (s *Server) restoreStream(old *configdb.Stream, id int64) {
	var err error
	if old == nil {
		err = s.configDB.DeleteStream(id)
	} else {
		err = s.configDB.SaveStream(old)
	}
	if err != nil {
		s.Log.Errorf("Failed to restore stream %v in config DB: %v", id, err)
	}
}

// Find the first cell, in row-major order, that is not in positions
func freePosition(positions []topology.ScreenPosition, columns int) (row, col int) {
	taken := map[[2]int]bool{}
	for _, p := range positions {
		taken[[2]int{p.Row, p.Col}] = true
	}
	for i := 0; ; i++ {
		row, col = topology.GridPosition(i, columns)
		if !taken[[2]int{row, col}] {
			return
		}
	}
}

func (s *Server) httpStreamsDelete(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := www.ParseID(params.ByName("id"))

	s.streamsEdits <- true
	defer func() { <-s.streamsEdits }()

	st, err := s.configDB.GetStreamFromID(id)
	if errors.Is(err, configdb.ErrStreamNotFound) {
		www.PanicNotFound()
	}
	www.Check(err)
	www.Check(s.configDB.DeleteStream(id))

	// Inactive streams, and streams that failed to open, are not known to the monitor
	if err := s.monitor.RemoveStream(id); err != nil && !errors.Is(err, monitor.ErrUnknownStream) {
		www.Check(err)
	}
	s.removeUpload(st.Source)
	s.Log.Infof("Deleted stream %v", id)
	www.SendOK(w)
}

// SYNC-LATEST-STATE
type latestStateJSON struct {
	StreamID    int64               `json:"streamID"`
	Detections  []tracker.Detection `json:"detections"`
	UpdatedAt   string              `json:"updatedAt"`
	FrameWidth  int                 `json:"frameWidth"`
	FrameHeight int                 `json:"frameHeight"`
	FrameSeq    int64               `json:"frameSeq"`
	FrameTime   string              `json:"frameTime"`
}

func (s *Server) latestState(params httprouter.Params) *monitor.StreamState {
	id := www.ParseID(params.ByName("id"))
	state, ok := s.monitor.LatestState(id)
	if !ok {
		www.PanicNotFound()
	}
	return state
}

func (s *Server) httpStreamsLatest(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	state := s.latestState(params)
	out := latestStateJSON{
		StreamID:    state.StreamID,
		Detections:  state.Detections,
		UpdatedAt:   state.UpdatedAt.Format(timeFormat),
		FrameWidth:  state.Frame.Width(),
		FrameHeight: state.Frame.Height(),
		FrameSeq:    state.Frame.Seq,
		FrameTime:   state.Frame.Timestamp.Format(timeFormat),
	}
	www.CacheNever(w)
	www.SendJSON(w, &out)
}

// Returns the frame that produced the latest detections, so that a client can draw boxes on it
func (s *Server) httpStreamsFrame(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	state := s.latestState(params)
	jpg, err := cimg.Compress(state.Frame.Image, cimg.MakeCompressParams(cimg.Sampling420, s.config.JPEGQuality, 0))
	www.Check(err)
	www.CacheNever(w)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpg)
}

func (s *Server) httpDetections(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.CacheNever(w)
	www.SendJSON(w, s.monitor.AllDetections())
}
