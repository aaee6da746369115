package session

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/your-org/facegate/internal/observability"
	"github.com/your-org/facegate/pkg/dto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Devices and operators are trusted local-network peers with no
	// operator-channel access control at this layer, so origin
	// checking is not this layer's job.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// FrameHandler dispatches inbound frames and reacts to device loss.
// The Message Router implements this; the Session Registry holds only
// connection bookkeeping, never command semantics.
type FrameHandler interface {
	HandleFrame(s *Session, raw []byte)
	OnDeviceDisconnected(serial string)
}

// Registry dedups devices by serial, tracks the operator set, and
// owns fan-out to operators.
//
// Registration needs synchronous answers — register_device must close
// and replace a prior session before returning, is_device_connected is
// a direct query — so bookkeeping is a plain mutex-guarded pair of
// maps rather than a single-goroutine channel actor. The channel-actor
// shape is kept one layer down, for each Session's own send queue,
// where fire-and-forget delivery is exactly what's wanted.
type Registry struct {
	mu        sync.RWMutex
	devices   map[string]*Session // serial -> session
	operators map[string]*Session // session id -> session

	handler FrameHandler
}

func NewRegistry(handler FrameHandler) *Registry {
	return &Registry{
		devices:   make(map[string]*Session),
		operators: make(map[string]*Session),
		handler:   handler,
	}
}

// SetHandler assigns the frame handler after construction, for the
// common case where the Message Router is constructed from a Registry
// it does not yet exist to receive.
func (r *Registry) SetHandler(handler FrameHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

// HandleWS upgrades the request and starts the session's pumps. Role
// is not known yet — it is discovered from the first frame the router
// processes via RegisterDevice/RegisterOperator.
func (r *Registry) HandleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Error("session: ws upgrade failed", "error", err)
		return
	}

	s := newSession(conn, req.RemoteAddr)
	r.mu.RLock()
	handler := r.handler
	r.mu.RUnlock()

	go s.writePump()
	go s.readPump(handler.HandleFrame, r.onSessionClosed)
}

// RegisterDevice registers s under serial. If a previous session
// already owns this serial, it is closed and replaced.
func (r *Registry) RegisterDevice(serial string, s *Session) {
	r.mu.Lock()
	prior, existed := r.devices[serial]
	r.devices[serial] = s
	s.Role = RoleDevice
	s.Serial = serial
	r.mu.Unlock()

	if existed && prior != s {
		slog.Info("session: device reconnected, closing prior session", "serial", serial)
		prior.Close()
	}
	observability.DeviceSessions.Set(float64(r.DeviceCount()))
}

// RegisterOperator adds s to the operator set.
func (r *Registry) RegisterOperator(s *Session) {
	r.mu.Lock()
	r.operators[s.ID] = s
	s.Role = RoleOperator
	r.mu.Unlock()
	observability.OperatorSessions.Set(float64(r.OperatorCount()))
}

// onSessionClosed removes s from whichever table holds it and fires
// the enrollment cancellation hook for a lost device.
func (r *Registry) onSessionClosed(s *Session) {
	r.mu.Lock()
	var lostSerial string
	if s.Role == RoleDevice {
		if cur, ok := r.devices[s.Serial]; ok && cur == s {
			delete(r.devices, s.Serial)
			lostSerial = s.Serial
		}
	} else if s.Role == RoleOperator {
		delete(r.operators, s.ID)
	}
	r.mu.Unlock()

	observability.DeviceSessions.Set(float64(r.DeviceCount()))
	observability.OperatorSessions.Set(float64(r.OperatorCount()))

	if lostSerial != "" {
		r.handler.OnDeviceDisconnected(lostSerial)
	}
}

// BroadcastToOperators sends v to every operator session. A send
// failure (full queue, closed session) for one session must not block
// or skip the others — Session.Send already swallows that case
// per-session, so this loop never blocks on a single slow operator.
func (r *Registry) BroadcastToOperators(v any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, op := range r.operators {
		op.Send(v)
	}
}

// SendToDevice sends v to the session currently registered for serial.
// Reports false if no such device is connected.
func (r *Registry) SendToDevice(serial string, v any) bool {
	r.mu.RLock()
	s, ok := r.devices[serial]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	s.Send(v)
	return true
}

// IsDeviceConnected reports whether serial currently has a session.
func (r *Registry) IsDeviceConnected(serial string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[serial]
	return ok
}

// ListDeviceSerials returns every currently connected device serial.
func (r *Registry) ListDeviceSerials() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.devices))
	for serial := range r.devices {
		out = append(out, serial)
	}
	return out
}

// EachDevice calls fn for every connected device session — used by
// admin_hello to resend registration acknowledgements.
func (r *Registry) EachDevice(fn func(serial string, s *Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for serial, s := range r.devices {
		fn(serial, s)
	}
}

// RunHeartbeats pings every operator session every pingInterval until
// ctx is cancelled. A slow or dead operator just drops the frame via
// Session.Send's non-blocking queue; this loop never waits on
// delivery.
func (r *Registry) RunHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.BroadcastToOperators(dto.PingFrame{Cmd: "ping", TS: time.Now().UnixMilli()})
		}
	}
}

// Shutdown purges every connected device with cleanuser+cleanlog, then
// closes every device and operator session. Callers invoke this during
// graceful shutdown, before the process actually exits, so devices
// never time out waiting for a reply the server will never send.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	devices := make([]*Session, 0, len(r.devices))
	for _, s := range r.devices {
		devices = append(devices, s)
	}
	operators := make([]*Session, 0, len(r.operators))
	for _, s := range r.operators {
		operators = append(operators, s)
	}
	r.mu.RUnlock()

	for _, s := range devices {
		s.Send(dto.CleanCommand{Cmd: "cleanuser"})
		s.Send(dto.CleanCommand{Cmd: "cleanlog"})
	}
	// Give the write pumps a moment to flush the purge commands before
	// the connections are torn down.
	time.Sleep(200 * time.Millisecond)

	for _, s := range devices {
		s.Close()
	}
	for _, s := range operators {
		s.Close()
	}
}

func (r *Registry) DeviceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func (r *Registry) OperatorCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.operators)
}
