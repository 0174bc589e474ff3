package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/gridwatch/pkg/gen"
	"github.com/cyclopcam/gridwatch/server/eventdb"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// maxAge is in seconds, and defaults to the configured stale track age
func (s *Server) httpTracksActive(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	maxAge := s.config.StaleTrackAge()
	if v := www.QueryValue(r, "maxAge"); v != "" {
		seconds := www.QueryInt(r, "maxAge")
		if seconds <= 0 {
			www.PanicBadRequestf("maxAge must be a positive number of seconds")
		}
		maxAge = time.Duration(seconds) * time.Second
	}
	www.CacheNever(w)
	www.SendJSON(w, s.monitor.ActiveTracks(maxAge))
}

func (s *Server) httpTracksGet(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	track, ok := s.monitor.Track(www.ParseID(params.ByName("id")))
	if !ok {
		www.PanicNotFound()
	}
	www.CacheNever(w)
	www.SendJSON(w, &track)
}

// Where a track is expected to appear on the target screen
func (s *Server) httpTracksEntryPoint(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	trackID := www.ParseID(params.ByName("id"))
	target := www.ParseID(params.ByName("target"))
	if _, ok := s.monitor.Track(trackID); !ok {
		www.PanicNotFound()
	}
	pt, ok := s.monitor.PredictEntryPoint(trackID, target)
	if !ok {
		www.PanicBadRequestf("Stream %v is not adjacent to the current screen of track %v", target, trackID)
	}
	www.SendJSON(w, &pt)
}

// Recent crossings, newest first. If 'track' is given, every crossing of that track is returned, oldest first.
func (s *Server) httpCrossings(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var crossings []eventdb.Crossing
	var err error
	if track := www.QueryInt64(r, "track"); track != 0 {
		crossings, err = s.eventDB.CrossingsForTrack(track)
	} else {
		crossings, err = s.eventDB.RecentCrossings(gen.Clamp(www.QueryInt(r, "limit"), 0, 10000))
	}
	www.Check(err)
	www.CacheNever(w)
	www.SendJSON(w, crossings)
}
