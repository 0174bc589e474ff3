package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/gridwatch/server/source"
	"github.com/cyclopcam/gridwatch/server/tracker"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const timeFormat = time.RFC3339Nano

// Number of updates that may be queued for a single client before we start dropping them
const WebSocketSendBufferSize = 10

// SYNC-DETECTION-UPDATE
type detectionUpdateJSON struct {
	Type        string              `json:"type"` // Always "detection_update"
	Timestamp   string              `json:"timestamp"`
	Frames      map[int64]string    `json:"frames"` // Base64 JPEG of the latest analyzed frame of each stream
	Detections  []tracker.Detection `json:"detections"`
	CrossTracks []crossTrackJSON    `json:"cross_tracks"`
}

type crossTrackJSON struct {
	TrackID          int64      `json:"track_id"`
	CurrentScreen    int64      `json:"current_screen"`
	PredictedScreens []int64    `json:"predicted_screens"`
	Velocity         [2]float64 `json:"velocity"`
	ScreensCrossed   int        `json:"screens_crossed"`
}

type encodedFrame struct {
	frame  *source.Frame
	base64 string
}

// broadcaster periodically sends the state of every stream to all websocket clients
type broadcaster struct {
	log     logs.Log
	server  *Server
	quality int

	clientsLock sync.Mutex
	clients     map[*webSocketClient]bool
	nextID      int64

	frames map[int64]encodedFrame // Only accessed by the broadcast thread. Frames are only encoded when they change.
}

type webSocketClient struct {
	id        int64
	log       logs.Log
	conn      *websocket.Conn
	sendQueue chan []byte

	nSent       int
	nDropped    int
	lastDropMsg time.Time
	isClosed    atomic.Bool
}

func (s *Server) startBroadcaster() {
	s.broadcaster = &broadcaster{
		log:     s.Log,
		server:  s,
		quality: s.config.JPEGQuality,
		clients: map[*webSocketClient]bool{},
		frames:  map[int64]encodedFrame{},
	}
	go s.broadcaster.run()
}

func (b *broadcaster) run() {
	b.log.Infof("Detection broadcaster starting")
	ticker := time.NewTicker(b.server.config.BroadcastInterval())
	defer ticker.Stop()
	keepRunning := true
	for keepRunning {
		select {
		case <-b.server.ShutdownStarted:
			keepRunning = false
		case <-ticker.C:
			if b.numClients() != 0 {
				b.broadcast()
			}
		}
	}
	b.clientsLock.Lock()
	for c := range b.clients {
		c.conn.Close()
	}
	b.clientsLock.Unlock()
	b.log.Infof("Detection broadcaster exiting")
	close(b.server.broadcasterClosed)
}

func (b *broadcaster) numClients() int {
	b.clientsLock.Lock()
	defer b.clientsLock.Unlock()
	return len(b.clients)
}

func (b *broadcaster) broadcast() {
	j, err := json.Marshal(b.buildUpdate())
	if err != nil {
		b.log.Errorf("Failed to marshal detection update: %v", err)
		return
	}
	b.clientsLock.Lock()
	for c := range b.clients {
		c.send(j)
	}
	b.clientsLock.Unlock()
}

func (b *broadcaster) buildUpdate() *detectionUpdateJSON {
	mon := b.server.monitor
	update := &detectionUpdateJSON{
		Type:        "detection_update",
		Timestamp:   time.Now().UTC().Format(timeFormat),
		Frames:      map[int64]string{},
		Detections:  []tracker.Detection{},
		CrossTracks: []crossTrackJSON{},
	}

	seen := map[int64]bool{}
	for _, info := range mon.Streams() {
		state, ok := mon.LatestState(info.ID)
		if !ok {
			continue
		}
		seen[info.ID] = true
		if enc := b.encodeFrame(state.Frame); enc != "" {
			update.Frames[info.ID] = enc
		}
		update.Detections = append(update.Detections, state.Detections...)
	}
	for id := range b.frames {
		if !seen[id] {
			delete(b.frames, id)
		}
	}

	for _, t := range mon.ActiveTracks(b.server.config.StaleTrackAge()) {
		update.CrossTracks = append(update.CrossTracks, crossTrackJSON{
			TrackID:          t.TrackID,
			CurrentScreen:    t.CurrentScreen,
			PredictedScreens: t.PredictedScreens,
			Velocity:         [2]float64{t.Velocity.VX, t.Velocity.VY},
			ScreensCrossed:   t.ScreensCrossed,
		})
	}
	return update
}

// Returns the frame as base64 JPEG, or an empty string if it cannot be encoded
func (b *broadcaster) encodeFrame(frame *source.Frame) string {
	if frame == nil {
		return ""
	}
	if cached, ok := b.frames[frame.StreamID]; ok && cached.frame == frame {
		return cached.base64
	}
	jpg, err := cimg.Compress(frame.Image, cimg.MakeCompressParams(cimg.Sampling420, b.quality, 0))
	if err != nil {
		b.log.Warnf("Failed to encode frame of stream %v: %v", frame.StreamID, err)
		return ""
	}
	enc := base64.StdEncoding.EncodeToString(jpg)
	b.frames[frame.StreamID] = encodedFrame{frame: frame, base64: enc}
	return enc
}

func (s *Server) httpDetectionsWebSocket(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		s.Log.Errorf("websocket upgrade failed: %v", err)
		return
	}
	s.broadcaster.serve(conn)
}

// Run a websocket client until it disconnects, or until the server shuts down
func (b *broadcaster) serve(conn *websocket.Conn) {
	b.clientsLock.Lock()
	select {
	case <-b.server.ShutdownStarted:
		b.clientsLock.Unlock()
		conn.Close()
		return
	default:
	}
	b.nextID++
	c := &webSocketClient{
		id:        b.nextID,
		log:       b.log,
		conn:      conn,
		sendQueue: make(chan []byte, WebSocketSendBufferSize),
	}
	b.clients[c] = true
	b.clientsLock.Unlock()

	c.log.Infof("WebSocket %v connected from %v", c.id, conn.RemoteAddr())
	go c.webSocketWriter()
	c.webSocketReader()

	b.clientsLock.Lock()
	delete(b.clients, c)
	c.isClosed.Store(true)
	close(c.sendQueue)
	nSent, nDropped := c.nSent, c.nDropped
	b.clientsLock.Unlock()
	conn.Close()
	c.log.Infof("WebSocket %v disconnected. Sent %v/%v updates", c.id, nSent, nSent+nDropped)
}

// Called by the broadcast thread, with clientsLock held
func (c *webSocketClient) send(msg []byte) {
	now := time.Now()
	if len(c.sendQueue) >= WebSocketSendBufferSize {
		c.nDropped++
		if now.Sub(c.lastDropMsg) > 5*time.Second {
			c.log.Infof("WebSocket %v dropped %v/%v updates", c.id, c.nDropped, c.nDropped+c.nSent)
			c.lastDropMsg = now
		}
		return
	}
	c.nSent++
	c.sendQueue <- msg
}

// We don't expect any messages from the client, but we must read in order to notice when the websocket is closed
func (c *webSocketClient) webSocketReader() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Run a thread that is responsible for writing to the websocket, so that a slow
// client can't block the broadcast thread.
func (c *webSocketClient) webSocketWriter() {
	for msg := range c.sendQueue {
		if c.isClosed.Load() {
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Infof("Error writing to websocket %v: %v", c.id, err)
			// Closing the conn unblocks the reader, which then tears everything down
			c.conn.Close()
		}
	}
}
