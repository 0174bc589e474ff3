package server

import (
	"net/http"

	"github.com/cyclopcam/gridwatch/server/monitor"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendText(w, "Greetings from gridwatch")
}

func (s *Server) httpStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	// SYNC-STATUS-RESPONSE
	type Response struct {
		ActiveStreams   int           `json:"activeStreams"`
		TotalDetections int           `json:"totalDetections"` // On the latest frame of every stream
		ActiveTracks    int           `json:"activeTracks"`
		Monitor         monitor.Stats `json:"monitor"`
	}
	www.CacheNever(w)
	www.SendJSON(w, &Response{
		ActiveStreams:   len(s.monitor.Streams()),
		TotalDetections: len(s.monitor.AllDetections()),
		ActiveTracks:    len(s.monitor.ActiveTracks(s.config.StaleTrackAge())),
		Monitor:         s.monitor.Stats(),
	})
}
