package integration

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/playwatch/playwatch/internal/analytics"
	"github.com/playwatch/playwatch/internal/server"
	"github.com/playwatch/playwatch/internal/storage"
	"github.com/playwatch/playwatch/internal/tracker"
)

const harnessToken = "integration-token"

// scriptedSource is a snapshot source whose process list is set by the test.
type scriptedSource struct {
	mu    sync.Mutex
	names map[string]struct{}
	err   error
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{names: make(map[string]struct{})}
}

func (s *scriptedSource) Sample(_ context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]struct{}, len(s.names))
	for name := range s.names {
		out[name] = struct{}{}
	}
	return out, nil
}

func (s *scriptedSource) set(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = make(map[string]struct{}, len(names))
	for _, name := range names {
		s.names[name] = struct{}{}
	}
}

func (s *scriptedSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// daemonHarness wires the full daemon stack against a temp database and an
// httptest server, with ticks driven manually by the test.
type daemonHarness struct {
	t          *testing.T
	db         *sql.DB
	dbPath     string
	store      *storage.Store
	bus        *tracker.Bus
	tracker    *tracker.Tracker
	cache      *analytics.Cache
	refresher  *analytics.Refresher
	hub        *server.Hub
	source     *scriptedSource
	httpServer *httptest.Server
	stopBridge func()
	cancel     context.CancelFunc
	stopped    bool
}

func newDaemonHarness(t *testing.T) *daemonHarness {
	t.Helper()
	return newDaemonHarnessWithDB(t, filepath.Join(t.TempDir(), "playwatch-e2e.db"))
}

func newDaemonHarnessWithDB(t *testing.T, dbPath string) *daemonHarness {
	t.Helper()

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := storage.NewMigrationRunner(db).Migrate(); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	logger := zap.NewNop()
	store := storage.NewStore(db)
	bus := tracker.NewBus(logger)
	source := newScriptedSource()
	trk := tracker.NewTracker(store, source, bus, 15*time.Second, 5*time.Second, logger)
	if err := trk.Load(); err != nil {
		t.Fatalf("load programs: %v", err)
	}

	cache := analytics.NewCache(store, time.UTC, logger)
	refresher := analytics.NewRefresher(cache, bus, logger)
	refresher.Start()

	ctx, cancel := context.WithCancel(context.Background())
	hub := server.NewHub(ctx, harnessToken, nil, logger)
	go hub.Run()
	stopBridge := hub.ConsumeBus(bus)

	api := server.NewHTTPAPI(trk, cache, store, db, harnessToken, logger)
	api.SetHub(hub)
	api.SetHealthChecker(server.NewHealthChecker(db, hub, trk))

	h := &daemonHarness{
		t:          t,
		db:         db,
		dbPath:     dbPath,
		store:      store,
		bus:        bus,
		tracker:    trk,
		cache:      cache,
		refresher:  refresher,
		hub:        hub,
		source:     source,
		httpServer: httptest.NewServer(api.Handler()),
		stopBridge: stopBridge,
		cancel:     cancel,
	}
	t.Cleanup(h.stop)
	return h
}

func (h *daemonHarness) stop() {
	if h.stopped {
		return
	}
	h.stopped = true
	h.httpServer.Close()
	h.stopBridge()
	h.refresher.Stop()
	h.cancel()
	h.db.Close()
}

func (h *daemonHarness) tick() {
	h.tracker.TickOnce(context.Background())
}

func (h *daemonHarness) apiGet(t *testing.T, path string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest("GET", h.httpServer.URL+path, nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return h.doRequest(t, req)
}

func (h *daemonHarness) apiPost(t *testing.T, path string, payload interface{}) (int, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest("POST", h.httpServer.URL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return h.doRequest(t, req)
}

func (h *daemonHarness) doRequest(t *testing.T, req *http.Request) (int, []byte) {
	t.Helper()
	req.Header.Set("Authorization", "Bearer "+harnessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, body
}

// decodeData unmarshals the data field of an API response into target.
func decodeData(t *testing.T, body []byte, target interface{}) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
}

// addProgram registers a program over the API and returns its id.
func (h *daemonHarness) addProgram(t *testing.T, name, matchKey string) string {
	t.Helper()
	status, body := h.apiPost(t, "/api/v1/programs", map[string]string{
		"name":      name,
		"match_key": matchKey,
	})
	if status != http.StatusCreated {
		t.Fatalf("add program: status %d, body %s", status, body)
	}
	var program struct {
		ID string `json:"id"`
	}
	decodeData(t, body, &program)
	if program.ID == "" {
		t.Fatal("expected program id in response")
	}
	return program.ID
}

// seedClosedSession inserts a finished session directly and bumps the
// program's cumulative total, bypassing the tick loop.
func (h *daemonHarness) seedClosedSession(t *testing.T, programID string, start time.Time, durationSeconds int64) {
	t.Helper()
	id := uuid.New().String()
	if err := h.store.OpenSession(storage.Session{
		ID:        id,
		ProgramID: programID,
		StartTime: start,
	}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := h.store.CloseSession(id, start.Add(time.Duration(durationSeconds)*time.Second), durationSeconds); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if err := h.store.IncrementTotal(programID, durationSeconds); err != nil {
		t.Fatalf("increment total: %v", err)
	}
}

// dialStatusWS connects a UI client to the status feed and waits for the hub
// to register it.
func (h *daemonHarness) dialStatusWS(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.httpServer.URL, "http") + "/ws/status?token=" + harnessToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	waitFor(t, 2*time.Second, func() bool { return h.hub.ClientCount() == 1 })
	return conn
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
