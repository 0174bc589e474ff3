package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()

	handle := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}

	// Mutating routes open and stop sources, so we don't let a single client hammer them
	rateLimited := func(method, route string, handle httprouter.Handle) {
		limiter := httprate.Limit(20, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	handle("GET", "/api/ping", s.httpPing)
	handle("GET", "/api/status", s.httpStatus)

	handle("GET", "/api/streams", s.httpStreamsList)
	rateLimited("POST", "/api/streams", s.httpStreamsSave)
	rateLimited("POST", "/api/streams/upload", s.httpStreamsUpload)
	rateLimited("DELETE", "/api/streams/:id", s.httpStreamsDelete)
	handle("GET", "/api/streams/:id/latest", s.httpStreamsLatest)
	handle("GET", "/api/streams/:id/frame.jpg", s.httpStreamsFrame)

	handle("GET", "/api/detections", s.httpDetections)
	handle("GET", "/api/tracks", s.httpTracksActive)
	handle("GET", "/api/tracks/:id", s.httpTracksGet)
	handle("GET", "/api/tracks/:id/entry/:target", s.httpTracksEntryPoint)
	handle("GET", "/api/crossings", s.httpCrossings)

	handle("GET", "/api/ws", s.httpDetectionsWebSocket)

	s.httpRouter = router
}
