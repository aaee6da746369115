package session

import (
	"sync"
	"testing"
)

type recordingHandler struct {
	mu        sync.Mutex
	disconnects []string
}

func (h *recordingHandler) HandleFrame(s *Session, raw []byte) {}

func (h *recordingHandler) OnDeviceDisconnected(serial string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, serial)
}

func TestRegisterDeviceDedupesBySerial(t *testing.T) {
	r := NewRegistry(&recordingHandler{})

	a := &Session{ID: "a", send: make(chan []byte, 1), closed: make(chan struct{})}
	b := &Session{ID: "b", send: make(chan []byte, 1), closed: make(chan struct{})}

	r.RegisterDevice("SN1", a)
	r.RegisterDevice("SN1", b)

	if !r.IsDeviceConnected("SN1") {
		t.Fatal("expected SN1 to be connected")
	}
	serials := r.ListDeviceSerials()
	if len(serials) != 1 || serials[0] != "SN1" {
		t.Fatalf("expected exactly one SN1 entry, got %v", serials)
	}

	select {
	case <-a.closed:
	default:
		t.Fatal("expected the prior session to be closed on dedup")
	}
}

func TestOnSessionClosedFiresDisconnectHookForDevice(t *testing.T) {
	h := &recordingHandler{}
	r := NewRegistry(h)

	a := &Session{ID: "a", send: make(chan []byte, 1), closed: make(chan struct{})}
	r.RegisterDevice("SN1", a)

	r.onSessionClosed(a)

	if r.IsDeviceConnected("SN1") {
		t.Fatal("expected SN1 to be removed after close")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.disconnects) != 1 || h.disconnects[0] != "SN1" {
		t.Fatalf("expected disconnect hook for SN1, got %v", h.disconnects)
	}
}

func TestOnSessionClosedDoesNotEvictNewerSessionForSameSerial(t *testing.T) {
	h := &recordingHandler{}
	r := NewRegistry(h)

	a := &Session{ID: "a", send: make(chan []byte, 1), closed: make(chan struct{})}
	b := &Session{ID: "b", send: make(chan []byte, 1), closed: make(chan struct{})}

	r.RegisterDevice("SN1", a)
	r.RegisterDevice("SN1", b) // supersedes a

	// a's read pump finally notices its connection is gone and reports in.
	r.onSessionClosed(a)

	if !r.IsDeviceConnected("SN1") {
		t.Fatal("expected SN1 to still be connected via the newer session b")
	}
}

func TestBroadcastToOperatorsDoesNotBlockOnFullQueue(t *testing.T) {
	r := NewRegistry(&recordingHandler{})

	full := &Session{ID: "full", send: make(chan []byte), closed: make(chan struct{})} // unbuffered, always full
	ok := &Session{ID: "ok", send: make(chan []byte, 4), closed: make(chan struct{})}

	r.RegisterOperator(full)
	r.RegisterOperator(ok)

	r.BroadcastToOperators(map[string]string{"ret": "ping"})

	select {
	case <-ok.send:
	default:
		t.Fatal("expected the healthy operator to receive the broadcast")
	}
}
