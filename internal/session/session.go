// Package session implements the shared device/operator connection
// substrate: one long-lived WebSocket per peer, registered by role.
package session

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Role distinguishes the two session kinds a connection can take,
// discovered from its first command.
type Role int

const (
	RoleUnknown Role = iota
	RoleDevice
	RoleOperator
)

// Session is one long-lived bidirectional connection. It owns a
// buffered outbound queue and a read loop; callers never write to the
// underlying websocket.Conn directly, only through Send.
type Session struct {
	ID   string
	conn *websocket.Conn
	send chan []byte

	Role   Role
	Serial string // set once role is discovered as device
	IP     string

	closed chan struct{}
}

func newSession(conn *websocket.Conn, ip string) *Session {
	return &Session{
		ID:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 64),
		IP:     ip,
		closed: make(chan struct{}),
	}
}

// Send enqueues a frame for delivery. A full outbound queue or a
// closed session drops the frame silently — a transient transport
// error, never propagated to the caller.
func (s *Session) Send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("session: marshal outbound frame", "session_id", s.ID, "error", err)
		return
	}
	select {
	case s.send <- data:
	case <-s.closed:
	default:
		slog.Debug("session: outbound queue full, dropping frame", "session_id", s.ID)
	}
}

// Close tears down the session's write side; the read pump notices the
// underlying close and triggers deregistration.
func (s *Session) Close() {
	select {
	case <-s.closed:
		return
	default:
		close(s.closed)
	}
	_ = s.conn.Close()
}

func (s *Session) writePump() {
	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

// readPump reads frames off the wire and hands each to onFrame in
// order: a device's frames are processed in the order they arrive
// because one goroutine per session reads sequentially and hands off
// synchronously.
func (s *Session) readPump(onFrame func(*Session, []byte), onClose func(*Session)) {
	defer func() {
		s.Close()
		onClose(s)
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		onFrame(s, data)
	}
}

// pingInterval is the operator-side heartbeat cadence.
const pingInterval = 3 * time.Second
