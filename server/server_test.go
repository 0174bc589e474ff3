package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/gridwatch/pkg/idgen"
	"github.com/cyclopcam/gridwatch/pkg/topology"
	"github.com/cyclopcam/gridwatch/server/config"
	"github.com/cyclopcam/gridwatch/server/configdb"
	"github.com/cyclopcam/gridwatch/server/eventdb"
	"github.com/cyclopcam/gridwatch/server/monitor"
	"github.com/cyclopcam/gridwatch/server/simdetect"
	"github.com/cyclopcam/gridwatch/server/tracker"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	dir := t.TempDir()
	logger := logs.NewTestingLog(t)

	cfg := config.Default()
	cfg.FrameWidth = 160
	cfg.FrameHeight = 120
	cfg.BroadcastIntervalMS = 20
	cfg.StopTimeoutMS = 2000
	cfg.UploadDir = filepath.Join(dir, "uploads")

	configDB, err := configdb.NewConfigDB(logger, filepath.Join(dir, "config.sqlite"))
	require.NoError(t, err)
	eventDB, err := eventdb.NewEventDB(logger, filepath.Join(dir, "events.sqlite"), 0)
	require.NoError(t, err)

	ids := &idgen.Int64{}
	s, err := NewServer(logger, cfg, configDB, eventDB, simdetect.New(simdetect.DefaultSettings(), ids), ids)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Shutdown(context.Background())
	})
	return s
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func addSimulated(t *testing.T, s *Server, name string) configdb.Stream {
	rec := doRequest(t, s, "POST", "/api/streams", map[string]any{"source": "simulated", "name": name})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[configdb.Stream](t, rec)
}

func intPtr(v int) *int {
	return &v
}

func TestPing(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, "GET", "/api/ping", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAddStreams(t *testing.T) {
	s := newTestServer(t)
	a := addSimulated(t, s, "A")
	b := addSimulated(t, s, "B")
	require.NotEqual(t, a.ID, b.ID)
	require.True(t, a.Active)
	require.Equal(t, [2]int{0, 0}, [2]int{a.Row, a.Col})
	require.Equal(t, [2]int{0, 1}, [2]int{b.Row, b.Col})

	// Both are in the DB, and in the monitor
	rec := doRequest(t, s, "GET", "/api/streams", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]streamInfoJSON](t, rec)
	require.Len(t, list, 2)
	require.True(t, list[0].Running)
	require.True(t, list[1].Running)
	require.Len(t, s.monitor.Streams(), 2)

	status := decode[map[string]any](t, doRequest(t, s, "GET", "/api/status", nil))
	require.EqualValues(t, 2, status["activeStreams"])
}

func TestAddStreamRejections(t *testing.T) {
	s := newTestServer(t)
	a := addSimulated(t, s, "A")

	// Occupied cell
	rec := doRequest(t, s, "POST", "/api/streams", saveStreamRequest{Source: "simulated", Row: intPtr(a.Row), Col: intPtr(a.Col)})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	// Half a position
	rec = doRequest(t, s, "POST", "/api/streams", saveStreamRequest{Source: "simulated", Row: intPtr(3)})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// No source
	rec = doRequest(t, s, "POST", "/api/streams", saveStreamRequest{Name: "nothing"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Source that cannot be opened is rolled back out of the DB
	rec = doRequest(t, s, "POST", "/api/streams", saveStreamRequest{Source: filepath.Join(t.TempDir(), "missing.mjpeg")})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	all, err := s.configDB.Streams()
	require.NoError(t, err)
	require.Len(t, all, 1)

	// Unknown stream
	rec = doRequest(t, s, "POST", "/api/streams", saveStreamRequest{ID: 1000, Name: "ghost"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Malformed JSON
	req := httptest.NewRequest("POST", "/api/streams", strings.NewReader("{"))
	raw := httptest.NewRecorder()
	s.Handler().ServeHTTP(raw, req)
	require.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestUpdateStream(t *testing.T) {
	s := newTestServer(t)
	a := addSimulated(t, s, "A")

	// Move it
	rec := doRequest(t, s, "POST", "/api/streams", saveStreamRequest{ID: a.ID, Row: intPtr(2), Col: intPtr(1)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	moved := decode[configdb.Stream](t, rec)
	require.Equal(t, "A", moved.Name)
	require.Equal(t, 2, moved.Row)
	require.Equal(t, 1, moved.Col)
	infos := s.monitor.Streams()
	require.Len(t, infos, 1)
	require.Equal(t, 2, infos[0].Row)

	// Deactivate it. It stays in the DB, but the monitor forgets it.
	rec = doRequest(t, s, "POST", "/api/streams", map[string]any{"id": a.ID, "active": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, s.monitor.Streams(), 0)
	st, err := s.configDB.GetStreamFromID(a.ID)
	require.NoError(t, err)
	require.False(t, st.Active)

	// An inactive stream does not occupy its cell
	b := addSimulated(t, s, "B")
	require.Equal(t, [2]int{0, 0}, [2]int{b.Row, b.Col})
	rec = doRequest(t, s, "POST", "/api/streams", saveStreamRequest{Source: "simulated", Row: intPtr(2), Col: intPtr(1)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Reactivating into an occupied cell is a conflict
	rec = doRequest(t, s, "POST", "/api/streams", map[string]any{"id": a.ID, "active": true})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestDeleteStream(t *testing.T) {
	s := newTestServer(t)
	a := addSimulated(t, s, "A")
	rec := doRequest(t, s, "DELETE", "/api/streams/"+itoa(a.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, s.monitor.Streams(), 0)

	rec = doRequest(t, s, "DELETE", "/api/streams/"+itoa(a.ID), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLatestStateAndFrame(t *testing.T) {
	s := newTestServer(t)
	a := addSimulated(t, s, "A")
	path := "/api/streams/" + itoa(a.ID)

	require.Eventually(t, func() bool {
		return doRequest(t, s, "GET", path+"/latest", nil).Code == http.StatusOK
	}, 10*time.Second, 10*time.Millisecond)

	latest := decode[latestStateJSON](t, doRequest(t, s, "GET", path+"/latest", nil))
	require.Equal(t, a.ID, latest.StreamID)
	require.Equal(t, 160, latest.FrameWidth)
	require.Equal(t, 120, latest.FrameHeight)
	require.NotZero(t, latest.FrameSeq)

	rec := doRequest(t, s, "GET", path+"/frame.jpg", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	img, err := cimg.Decompress(rec.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, 160, img.Width)

	require.Equal(t, http.StatusNotFound, doRequest(t, s, "GET", "/api/streams/999/latest", nil).Code)

	require.Eventually(t, func() bool {
		return len(decode[[]tracker.Detection](t, doRequest(t, s, "GET", "/api/detections", nil))) != 0
	}, 10*time.Second, 10*time.Millisecond)
	for _, d := range decode[[]tracker.Detection](t, doRequest(t, s, "GET", "/api/detections", nil)) {
		require.Equal(t, a.ID, d.StreamID)
	}
}

func TestTracks(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, "GET", "/api/tracks?maxAge=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]tracker.Track](t, rec), 0)

	require.Equal(t, http.StatusBadRequest, doRequest(t, s, "GET", "/api/tracks?maxAge=-1", nil).Code)
	require.Equal(t, http.StatusNotFound, doRequest(t, s, "GET", "/api/tracks/77", nil).Code)
	require.Equal(t, http.StatusNotFound, doRequest(t, s, "GET", "/api/tracks/77/entry/2", nil).Code)
}

func TestCrossingsAreRecorded(t *testing.T) {
	s := newTestServer(t)
	now := time.Now()
	s.saveCrossing(&monitor.CrossingEvent{Time: now, TrackID: 5, FromStream: 1, ToStream: 2, Velocity: tracker.Velocity{VX: 100}, ScreensCrossed: 1})
	s.saveCrossing(&monitor.CrossingEvent{Time: now.Add(time.Second), TrackID: 6, FromStream: 2, ToStream: 3, ScreensCrossed: 1})

	recent := decode[[]eventdb.Crossing](t, doRequest(t, s, "GET", "/api/crossings?limit=10", nil))
	require.Len(t, recent, 2)
	require.EqualValues(t, 6, recent[0].TrackID)

	forTrack := decode[[]eventdb.Crossing](t, doRequest(t, s, "GET", "/api/crossings?track=5", nil))
	require.Len(t, forTrack, 1)
	require.Equal(t, 100.0, forTrack[0].VX)
}

func TestWebSocketBroadcast(t *testing.T) {
	s := newTestServer(t)
	a := addSimulated(t, s, "A")

	httpServer := httptest.NewServer(s.Handler())
	defer httpServer.Close()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The first updates may precede the first analyzed frame
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		msgType, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.TextMessage, msgType)
		update := detectionUpdateJSON{}
		require.NoError(t, json.Unmarshal(raw, &update))
		require.Equal(t, "detection_update", update.Type)
		_, err = time.Parse(time.RFC3339Nano, update.Timestamp)
		require.NoError(t, err)
		if enc, ok := update.Frames[a.ID]; ok {
			require.NotEmpty(t, enc)
			break
		}
	}
}

func TestShutdown(t *testing.T) {
	s := newTestServer(t)
	addSimulated(t, s, "A")
	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, <-s.ShutdownComplete)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestFreePosition(t *testing.T) {
	require.Equal(t, [2]int{0, 0}, pos(freePosition(nil, 3)))
	taken := []topology.ScreenPosition{{StreamID: 1, Row: 0, Col: 0}, {StreamID: 2, Row: 0, Col: 1}, {StreamID: 3, Row: 0, Col: 2}}
	require.Equal(t, [2]int{1, 0}, pos(freePosition(taken, 3)))
	require.Equal(t, [2]int{1, 1}, pos(freePosition(append(taken, topology.ScreenPosition{StreamID: 4, Row: 1, Col: 0}), 2)))
}

func pos(row, col int) [2]int {
	return [2]int{row, col}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func upload(t *testing.T, s *Server, filename string, content []byte, fields map[string]string) *httptest.ResponseRecorder {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest("POST", "/api/streams/upload", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func uploadedFiles(t *testing.T, s *Server) []string {
	entries, err := os.ReadDir(s.config.UploadDir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestUploadStream(t *testing.T) {
	s := newTestServer(t)
	jpg, err := cimg.Compress(cimg.NewImage(64, 48, cimg.PixelFormatRGB), cimg.MakeCompressParams(cimg.Sampling420, 90, 0))
	require.NoError(t, err)

	rec := upload(t, s, "clip.jpg", jpg, map[string]string{"row": "1", "col": "2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[configdb.Stream](t, rec)
	require.Equal(t, "Uploaded: clip.jpg", st.Name)
	require.Equal(t, [2]int{1, 2}, [2]int{st.Row, st.Col})
	require.Equal(t, s.config.UploadDir, filepath.Dir(st.Source))
	require.Len(t, uploadedFiles(t, s), 1)
	require.Len(t, s.monitor.Streams(), 1)

	// Deleting the stream deletes its file
	require.Equal(t, http.StatusOK, doRequest(t, s, "DELETE", "/api/streams/"+itoa(st.ID), nil).Code)
	require.Len(t, uploadedFiles(t, s), 0)
}

func TestUploadRejections(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusBadRequest, upload(t, s, "", nil, map[string]string{"name": "x"}).Code)
	require.Equal(t, http.StatusBadRequest, upload(t, s, "clip.mp4", []byte("not mjpeg"), nil).Code)
	require.Equal(t, http.StatusBadRequest, upload(t, s, "clip.jpg", []byte{1, 2, 3}, map[string]string{"row": "x"}).Code)

	// Saved, but the source can't be opened, so the stream and the file are both discarded
	rec := upload(t, s, "broken.jpg", []byte("not a jpeg"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	require.Len(t, uploadedFiles(t, s), 0)
	streams, err := s.configDB.Streams()
	require.NoError(t, err)
	require.Len(t, streams, 0)
}
