package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/your-org/facegate/internal/enroll"
	"github.com/your-org/facegate/internal/models"
	"github.com/your-org/facegate/internal/session"
	"github.com/your-org/facegate/internal/storage"
	"github.com/your-org/facegate/internal/vision"
)

// fakeEngine substitutes for *vision.Engine in tests: no ONNX models
// are loaded, so Match/Embed return whatever the test configures.
type fakeEngine struct {
	mu          sync.Mutex
	matchCalls  int
	matchResult models.MatchResult
	embedErr    error
	embedVec    []float32
}

func (f *fakeEngine) Match(ctx context.Context, imageB64 string, withLiveness bool) models.MatchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matchCalls++
	return f.matchResult
}

func (f *fakeEngine) Embed(ctx context.Context, imageB64 string, checkLiveness bool) ([]float32, error) {
	return f.embedVec, f.embedErr
}

func (f *fakeEngine) LastLiveness() (models.LivenessResult, bool) {
	return models.LivenessResult{}, false
}

func (f *fakeEngine) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.matchCalls
}

// fakeStore satisfies both Store (the router's slice) and
// enroll.Store, so one fake backs the whole test stack.
type fakeStore struct {
	mu       sync.Mutex
	attended []int
}

func (s *fakeStore) DeleteUser(ctx context.Context, enrollID int) error                 { return nil }
func (s *fakeStore) SetUserActive(ctx context.Context, enrollID int, active bool) error { return nil }
func (s *fakeStore) SearchUsersByName(ctx context.Context, fragment string) ([]storage.UserRow, error) {
	return nil, nil
}
func (s *fakeStore) NextEnrollID(ctx context.Context) (int, error) { return 1, nil }
func (s *fakeStore) UpsertUser(ctx context.Context, enrollID int, name string, backupNum int, isAdmin bool, record []byte) error {
	return nil
}
func (s *fakeStore) HasFaceData(ctx context.Context, enrollID int) (bool, error) { return false, nil }
func (s *fakeStore) LogAttendance(ctx context.Context, enrollID int, deviceSerial string, ts time.Time, embedding []float32, score float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attended = append(s.attended, enrollID)
	return nil
}

// fakeBlobs satisfies both Blobs (the router's slice) and
// enroll.Blobs.
type fakeBlobs struct {
	mu   sync.Mutex
	keys []string
}

func (b *fakeBlobs) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, key)
	return nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedTemplate(ctx context.Context, record []byte) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

// newTestServer wires a Router, Registry, and Controller the way
// cmd/server does, with every external dependency faked so the stack
// runs with no network, database, or ONNX model in reach.
func newTestServer(t *testing.T) (*httptest.Server, *Router, *session.Registry, *fakeEngine) {
	t.Helper()
	gallery := vision.NewGallery()
	store := &fakeStore{}
	blobs := &fakeBlobs{}
	engine := &fakeEngine{}

	registry := session.NewRegistry(nil)
	controller := enroll.NewController(store, gallery, fakeEmbedder{}, registry, registry, blobs, 2, time.Minute)

	cfg := Config{RecognizeWithLiveness: true, StaleRecordAge: 10 * time.Second}
	r := New(registry, controller, engine, gallery, store, nil, blobs, cfg)
	registry.SetHandler(r)

	srv := httptest.NewServer(http.HandlerFunc(registry.HandleWS))
	return srv, r, registry, engine
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestRegRegistersDeviceAndAcks(t *testing.T) {
	srv, _, registry, _ := newTestServer(t)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"cmd": "reg", "sn": "SN-A"}); err != nil {
		t.Fatalf("write reg: %v", err)
	}

	var ack map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack["ret"] != "reg" || ack["result"] != true {
		t.Fatalf("unexpected reg ack: %+v", ack)
	}

	deadline := time.Now().Add(time.Second)
	for !registry.IsDeviceConnected("SN-A") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !registry.IsDeviceConnected("SN-A") {
		t.Fatal("expected SN-A to be registered as a connected device")
	}
}

func TestPingYieldsExactlyOnePong(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"cmd": "ping", "ts": 12345}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	var pong struct {
		Ret string
		TS  int64
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := readRaw(conn)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if err := json.Unmarshal(data, &pong); err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if pong.Ret != "pong" || pong.TS != 12345 {
		t.Fatalf("expected pong echoing ts=12345, got %+v", pong)
	}
}

func TestAdminHelloRegistersOperator(t *testing.T) {
	srv, _, registry, _ := newTestServer(t)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"cmd": "admin_hello"}); err != nil {
		t.Fatalf("write admin_hello: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply map[string]any
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read admin_hello reply: %v", err)
	}
	if reply["ret"] != "admin_hello" || reply["result"] != true {
		t.Fatalf("unexpected admin_hello reply: %+v", reply)
	}

	deadline := time.Now().Add(time.Second)
	for registry.OperatorCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if registry.OperatorCount() != 1 {
		t.Fatalf("expected exactly one operator registered, got %d", registry.OperatorCount())
	}
}

// TestHandleLogRecordDispatch pins the sendlog dispatch table: which
// notes short-circuit with a canned reply, which route into a pending
// enrollment, and which reach the recognition pipeline. In particular
// it locks down that recognize only runs for a "face not found" note
// carrying an image — any other note, even with an image, must not
// trigger a match.
func TestHandleLogRecordDispatch(t *testing.T) {
	recentTime := time.Now().Format(recordTimeLayout)
	staleTime := time.Now().Add(-time.Hour).Format(recordTimeLayout)

	tests := []struct {
		name        string
		serial      string
		rec         logRecordCase
		pending     bool
		wantMatch   int
		wantRet     string
		wantMessage string
	}{
		{
			name:        "stale record is dropped without recognition",
			serial:      "SN-STALE",
			rec:         logRecordCase{Time: staleTime, Note: "face not found", Image: "aGk="},
			wantMatch:   0,
			wantRet:     "sendlog",
			wantMessage: "stale record",
		},
		{
			name:        "system boot note is acknowledged only",
			serial:      "SN-BOOT",
			rec:         logRecordCase{Time: recentTime, Note: "System Boot", Image: "aGk="},
			wantMatch:   0,
			wantRet:     "sendlog",
			wantMessage: "system boot acknowledged",
		},
		{
			name:        "fp verify fail note is acknowledged only",
			serial:      "SN-FP",
			rec:         logRecordCase{Time: recentTime, Note: "FP Verify Fail", Image: "aGk="},
			wantMatch:   0,
			wantRet:     "sendlog",
			wantMessage: "Fingerprint Unavailable",
		},
		{
			name:      "generic note with image does not trigger recognition",
			serial:    "SN-OTHER",
			rec:       logRecordCase{Time: recentTime, Note: "some other event", Image: "aGk="},
			wantMatch: 0,
		},
		{
			name:      "face not found note with no image does not trigger recognition",
			serial:    "SN-NOIMG",
			rec:       logRecordCase{Time: recentTime, Note: "face not found", Image: ""},
			wantMatch: 0,
		},
		{
			name:        "face not found note with image triggers recognition",
			serial:      "SN-MATCH",
			rec:         logRecordCase{Time: recentTime, Note: "face not found", Image: "aGk="},
			wantMatch:   1,
			wantRet:     "sendlog",
			wantMessage: "Access Denied",
		},
		{
			name:      "record is routed to the pending enrollment instead of recognition",
			serial:    "SN-PENDING",
			rec:       logRecordCase{Time: recentTime, Note: "face not found", Image: "aGk="},
			pending:   true,
			wantMatch: 0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv, r, registry, engine := newTestServer(t)
			defer srv.Close()

			conn := dial(t, srv)
			defer conn.Close()

			if err := conn.WriteJSON(map[string]string{"cmd": "reg", "sn": tc.serial}); err != nil {
				t.Fatalf("write reg: %v", err)
			}
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			var ack map[string]any
			if err := conn.ReadJSON(&ack); err != nil {
				t.Fatalf("read reg ack: %v", err)
			}

			deadline := time.Now().Add(time.Second)
			for !registry.IsDeviceConnected(tc.serial) && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}

			if tc.pending {
				if _, err := r.controller.StartFromOperator(context.Background(), tc.serial, "Pending User", false); err != nil {
					t.Fatalf("start pending enrollment: %v", err)
				}
			}

			frame := map[string]any{
				"cmd": "sendlog",
				"sn":  tc.serial,
				"record": []map[string]any{
					{"time": tc.rec.Time, "note": map[string]string{"msg": tc.rec.Note}, "image": tc.rec.Image},
				},
			}
			if err := conn.WriteJSON(frame); err != nil {
				t.Fatalf("write sendlog: %v", err)
			}

			if tc.wantRet != "" {
				conn.SetReadDeadline(time.Now().Add(2 * time.Second))
				var reply map[string]any
				if err := conn.ReadJSON(&reply); err != nil {
					t.Fatalf("read sendlog reply: %v", err)
				}
				if reply["ret"] != tc.wantRet {
					t.Fatalf("expected ret=%q, got %+v", tc.wantRet, reply)
				}
				if tc.wantMessage != "" && reply["message"] != tc.wantMessage {
					t.Fatalf("expected message=%q, got %+v", tc.wantMessage, reply)
				}
			} else {
				// No reply is expected; give any stray reply a moment to
				// arrive so a regression surfaces as a failure rather
				// than a flaky pass.
				conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
				if data, err := readRaw(conn); err == nil {
					t.Fatalf("expected no reply, got %s", data)
				}
			}

			waitDeadline := time.Now().Add(time.Second)
			for engine.calls() != tc.wantMatch && time.Now().Before(waitDeadline) {
				time.Sleep(10 * time.Millisecond)
			}
			if got := engine.calls(); got != tc.wantMatch {
				t.Fatalf("expected %d Match call(s), got %d", tc.wantMatch, got)
			}
		})
	}
}

// logRecordCase is a test-local shorthand for the fields this table
// drives; it is translated into the wire JSON shape above rather than
// reused directly, since notes arrive nested under "note.msg".
type logRecordCase struct {
	Time  string
	Note  string
	Image string
}

func readRaw(conn *websocket.Conn) ([]byte, error) {
	_, data, err := conn.ReadMessage()
	return data, err
}
