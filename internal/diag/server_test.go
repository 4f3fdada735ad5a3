package diag

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nugget/deskd/internal/events"
	"github.com/nugget/deskd/internal/journal"
	"github.com/nugget/deskd/internal/netmgr"
	"github.com/nugget/deskd/internal/presence"
	"github.com/nugget/deskd/internal/unit"
	_ "modernc.org/sqlite"
)

type stubLink struct{ st netmgr.LinkStatus }

func (l *stubLink) Connect() error {
	l.st = netmgr.LinkStatus{State: netmgr.DriverUp, SignalDBM: -55}
	return nil
}
func (l *stubLink) Disconnect() error            { l.st = netmgr.LinkStatus{}; return nil }
func (l *stubLink) Status() netmgr.LinkStatus    { return l.st }

type stubSession struct{ st netmgr.SessionStatus }

func (s *stubSession) Connect() error {
	s.st = netmgr.SessionStatus{State: netmgr.DriverUp}
	return nil
}
func (s *stubSession) Disconnect() error             { s.st = netmgr.SessionStatus{}; return nil }
func (s *stubSession) Status() netmgr.SessionStatus  { return s.st }
func (s *stubSession) Publish(m netmgr.Message) error { return nil }
func (s *stubSession) Subscribe(topic string, qos byte) error { return nil }
func (s *stubSession) Unsubscribe(topic string) error         { return nil }
func (s *stubSession) Poll(now time.Time)                     {}

type testEnv struct {
	srv *Server
	m   *netmgr.Manager
	u   *unit.Unit
	bus *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	bus := events.New()
	m := netmgr.New(netmgr.DefaultConfig(), &stubLink{}, &stubSession{})

	u, err := unit.New(unit.Config{
		UnitID:  "unit-1",
		Name:    "West Desk",
		Manager: m,
		Bus:     bus,
	})
	if err != nil {
		t.Fatalf("unit.New: %v", err)
	}

	// Feed the watchdog so /health reads healthy.
	m.Update(time.Now())

	return &testEnv{
		srv: NewServer("127.0.0.1", 0, m, u, bus, nil),
		m:   m,
		u:   u,
		bus: bus,
	}
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.srv.handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.srv.handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestHandleRoot(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	rec := e.get(t, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["name"] != "deskd" {
		t.Errorf("name = %v", body["name"])
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	rec := e.get(t, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["healthy"] != true {
		t.Errorf("healthy = %v, want true", body["healthy"])
	}
	if body["link_state"] != "idle" {
		t.Errorf("link_state = %v", body["link_state"])
	}
}

func TestHandleHealthStarvedWatchdog(t *testing.T) {
	t.Parallel()
	bus := events.New()
	m := netmgr.New(netmgr.DefaultConfig(), &stubLink{}, &stubSession{})
	u, err := unit.New(unit.Config{UnitID: "unit-1", Manager: m, Bus: bus})
	if err != nil {
		t.Fatalf("unit.New: %v", err)
	}
	srv := NewServer("127.0.0.1", 0, m, u, bus, nil)

	// The tick loop never ran; the watchdog has never been fed.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if body := decodeBody(t, rec); body["healthy"] != false {
		t.Errorf("healthy = %v, want false", body["healthy"])
	}
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	rec := e.get(t, "/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if _, ok := body["manager"].(map[string]any); !ok {
		t.Errorf("manager = %v, want object", body["manager"])
	}
	if _, ok := body["presence"]; ok {
		t.Error("presence present without a detector")
	}

	e.srv.SetDetector(presence.NewDetector(presence.Config{}))
	body = decodeBody(t, e.get(t, "/v1/status"))
	if _, ok := body["presence"].(map[string]any); !ok {
		t.Errorf("presence = %v, want object", body["presence"])
	}
}

func TestHandleStats(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	rec := e.get(t, "/v1/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if _, ok := body["messages_sent"]; !ok {
		t.Error("messages_sent missing from stats")
	}
}

func TestHandleQueue(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	body := decodeBody(t, e.get(t, "/v1/queue"))
	if body["depth"] != float64(0) {
		t.Errorf("depth = %v, want 0", body["depth"])
	}

	// Disconnected publish lands in the queue.
	if err := e.m.Publish("desk/unit-1/status", []byte("x"), true, 1); err != nil {
		t.Fatalf("publish: %v", err)
	}
	body = decodeBody(t, e.get(t, "/v1/queue"))
	if body["depth"] != float64(1) {
		t.Errorf("depth = %v, want 1", body["depth"])
	}
}

func TestHandlePresence(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	if rec := e.get(t, "/v1/presence"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d without detector, want 503", rec.Code)
	}

	e.srv.SetDetector(presence.NewDetector(presence.Config{}))
	rec := e.get(t, "/v1/presence")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := decodeBody(t, rec); body["present"] != false {
		t.Errorf("present = %v, want false", body["present"])
	}
}

func TestHandleInbox(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	e.u.HandleInbound("desk/unit-1/messages", []byte(`{"id": 1}`))
	e.u.HandleInbound("desk/unit-1/messages", []byte(`{"id": 2}`))

	body := decodeBody(t, e.get(t, "/v1/inbox"))
	if body["count"] != float64(2) {
		t.Fatalf("count = %v, want 2", body["count"])
	}
	messages := body["messages"].([]any)
	first := messages[0].(map[string]any)
	if first["id"] != "2" {
		t.Errorf("messages[0].id = %v, want newest first", first["id"])
	}
}

func TestHandleRespond(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	rec := e.post(t, "/v1/respond", `{"message_id": "101", "response": "ACKNOWLEDGE"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["status"] != "sent" {
		t.Errorf("status = %v", body["status"])
	}

	if rec := e.post(t, "/v1/respond", `{"message_id": "101", "response": "MAYBE"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown response: status = %d, want 400", rec.Code)
	}
	if rec := e.post(t, "/v1/respond", `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body: status = %d, want 400", rec.Code)
	}
}

func TestHandleJournal(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	if rec := e.get(t, "/v1/journal"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d without journal, want 503", rec.Code)
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := journal.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for range 3 {
		if err := store.Append(context.Background(), journal.Entry{Source: "netmgr", Kind: "link_state"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	e.srv.SetJournal(store)

	body := decodeBody(t, e.get(t, "/v1/journal?limit=2"))
	if body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}
}

func TestHandleEventsStreams(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	ts := httptest.NewServer(e.srv.handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the handler a moment to subscribe before publishing.
	deadline := time.Now().Add(5 * time.Second)
	for e.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourcePresence,
		Kind:      events.KindPresenceChanged,
		Data:      map[string]any{"present": true},
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Kind != events.KindPresenceChanged {
		t.Errorf("kind = %q, want %q", got.Kind, events.KindPresenceChanged)
	}
	if got.Data["present"] != true {
		t.Errorf("data.present = %v, want true", got.Data["present"])
	}
}
