package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cyclopcam/gridwatch/pkg/idgen"
	"github.com/cyclopcam/gridwatch/pkg/nn"
	"github.com/cyclopcam/gridwatch/server/config"
	"github.com/cyclopcam/gridwatch/server/configdb"
	"github.com/cyclopcam/gridwatch/server/eventdb"
	"github.com/cyclopcam/gridwatch/server/monitor"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Log              logs.Log
	ShutdownStarted  chan bool  // Closed when Shutdown() begins
	ShutdownComplete chan error // Receives the result of Shutdown(), and is then closed

	config   *config.Config
	configDB *configdb.ConfigDB
	eventDB  *eventdb.EventDB
	monitor  *monitor.Monitor

	signalIn     chan os.Signal
	httpServer   *http.Server
	httpRouter   *httprouter.Router
	wsUpgrader   websocket.Upgrader
	broadcaster  *broadcaster
	isShutdown   atomic.Bool
	streamsEdits chan bool // One-slot semaphore serializing stream edits through the API

	monitorStopped         chan bool // Closed after the monitor has stopped, so no more crossings can arrive
	monitorToEventDBClosed chan bool
	broadcasterClosed      chan bool
}

// NewServer creates the monitor, loads every active stream from the config database into it, and starts it.
// The databases are owned by the server after this call, and are closed by Shutdown().
func NewServer(logger logs.Log, cfg *config.Config, configDB *configdb.ConfigDB, eventDB *eventdb.EventDB, detector nn.Detector, trackIDs *idgen.Int64) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	monitorOptions := cfg.MonitorOptions()
	monitorOptions.TrackIDs = trackIDs

	s := &Server{
		Log:                    logger,
		ShutdownStarted:        make(chan bool),
		ShutdownComplete:       make(chan error, 1),
		config:                 cfg,
		configDB:               configDB,
		eventDB:                eventDB,
		monitor:                monitor.NewMonitor(logger, detector, monitorOptions),
		streamsEdits:           make(chan bool, 1),
		monitorStopped:         make(chan bool),
		monitorToEventDBClosed: make(chan bool),
		broadcasterClosed:      make(chan bool),
	}
	s.wsUpgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
	}

	streams, err := configDB.ActiveStreams()
	if err != nil {
		return nil, err
	}
	for _, st := range streams {
		if err := s.monitor.AddStream(streamConfig(&st)); err != nil {
			// A stream that can't be opened stays in the DB, so that it can be fixed or removed via the API
			s.Log.Errorf("Failed to start stream %v (%v): %v", st.ID, st.Source, err)
		}
	}

	s.setupHttpRoutes()
	s.httpServer = &http.Server{
		Handler: s.httpRouter,
	}
	s.monitor.Start()
	s.attachMonitorToEventDB()
	s.startBroadcaster()
	return s, nil
}

func streamConfig(st *configdb.Stream) monitor.StreamConfig {
	return monitor.StreamConfig{
		ID:     st.ID,
		Source: st.Source,
		Name:   st.Name,
		Row:    st.Row,
		Col:    st.Col,
	}
}

// Handler returns the HTTP handler of the API
func (s *Server) Handler() http.Handler {
	return s.httpRouter
}

// Monitor returns the stream orchestrator
func (s *Server) Monitor() *monitor.Monitor {
	return s.monitor
}

// ListenHTTP blocks until the HTTP server is shut down.
// port example: ":8000"
func (s *Server) ListenHTTP(port string) error {
	s.Log.Infof("Listening on %v", port)
	s.httpServer.Addr = port
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
			s.Shutdown(context.Background())
		}
	}()
}

// Shutdown stops the HTTP server, the background goroutines, the monitor and its sources,
// and finally closes the databases. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isShutdown.CompareAndSwap(false, true) {
		return nil
	}
	s.Log.Infof("Shutdown started")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
	}
	close(s.ShutdownStarted)

	errs := []error{}
	s.Log.Infof("Closing HTTP server")
	httpCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := s.httpServer.Shutdown(httpCtx); err != nil {
		errs = append(errs, err)
	}
	cancel()

	<-s.broadcasterClosed
	errs = append(errs, s.monitor.Stop())
	close(s.monitorStopped)
	<-s.monitorToEventDBClosed

	errs = append(errs, s.eventDB.Close(), s.configDB.Close())

	err := errors.Join(errs...)
	if err != nil {
		s.Log.Warnf("Shutdown complete, with error: %v", err)
	} else {
		s.Log.Infof("Shutdown complete")
	}
	s.ShutdownComplete <- err
	close(s.ShutdownComplete)
	return err
}
