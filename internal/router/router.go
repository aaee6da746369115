// Package router parses inbound frames, dispatches by command tag,
// and shapes replies.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/your-org/facegate/internal/enroll"
	"github.com/your-org/facegate/internal/models"
	"github.com/your-org/facegate/internal/session"
	"github.com/your-org/facegate/internal/storage"
	"github.com/your-org/facegate/internal/vision"
	"github.com/your-org/facegate/pkg/dto"
)

// Store is the slice of the repository contract the router needs
// beyond what the Enrollment Controller already owns.
type Store interface {
	DeleteUser(ctx context.Context, enrollID int) error
	SetUserActive(ctx context.Context, enrollID int, active bool) error
	LogAttendance(ctx context.Context, enrollID int, deviceSerial string, ts time.Time, embedding []float32, score float32) error
	SearchUsersByName(ctx context.Context, fragment string) ([]storage.UserRow, error)
	NextEnrollID(ctx context.Context) (int, error)
	UpsertUser(ctx context.Context, enrollID int, name string, backupNum int, isAdmin bool, record []byte) error
}

// Telemetry publishes a durable copy of operator-facing telemetry
// frames; nil is valid and simply skips the sink.
type Telemetry interface {
	PublishTelemetry(ctx context.Context, kind string, data []byte) error
}

// Engine is the slice of the recognition engine the router needs.
// *vision.Engine satisfies it; tests substitute a fake to exercise
// dispatch logic without loading ONNX models.
type Engine interface {
	Match(ctx context.Context, imageB64 string, withLiveness bool) models.MatchResult
	Embed(ctx context.Context, imageB64 string, checkLiveness bool) ([]float32, error)
	LastLiveness() (models.LivenessResult, bool)
}

// Blobs archives the raw image behind a successful match, for later
// forensic review alongside the attendance row it corresponds to.
type Blobs interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// Config carries the router's tunables.
type Config struct {
	RecognizeWithLiveness bool
	StaleRecordAge        time.Duration // records older than this are purged unprocessed
}

// Router dispatches every inbound frame, either replying directly to
// the initiating session or broadcasting via the Session Registry.
type Router struct {
	registry   *session.Registry
	controller *enroll.Controller
	engine     Engine
	gallery    *vision.Gallery
	store      Store
	telemetry  Telemetry
	blobs      Blobs
	cfg        Config
}

func New(registry *session.Registry, controller *enroll.Controller, engine Engine, gallery *vision.Gallery, store Store, telemetry Telemetry, blobs Blobs, cfg Config) *Router {
	if cfg.StaleRecordAge == 0 {
		cfg.StaleRecordAge = 10 * time.Second
	}
	return &Router{
		registry:   registry,
		controller: controller,
		engine:     engine,
		gallery:    gallery,
		store:      store,
		telemetry:  telemetry,
		blobs:      blobs,
		cfg:        cfg,
	}
}

// HandleFrame implements session.FrameHandler. A non-JSON frame or one
// missing cmd is dropped silently.
func (r *Router) HandleFrame(s *session.Session, raw []byte) {
	var envelope dto.Frame
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Cmd == "" {
		return
	}

	ctx := context.Background()

	switch envelope.Cmd {
	case "reg":
		r.handleReg(s, raw)
	case "sendlog":
		r.handleSendLog(ctx, s, raw)
	case "senduser":
		r.handleSendUser(ctx, s, raw)
	case "ping":
		r.handlePing(s, raw)
	case "admin_hello":
		r.handleAdminHello(s)
	case "admin_ping":
		r.handlePing(s, raw)
	case "admin_list_devices":
		r.handleAdminListDevices(s)
	case "admin_add_user":
		r.handleAdminAddUser(ctx, s, raw)
	case "admin_delete_user":
		r.handleAdminDeleteUser(ctx, s, raw)
	case "admin_set_active":
		r.handleAdminSetActive(ctx, s, raw)
	case "admin_get_user":
		r.handleAdminGetUser(s, raw)
	case "admin_search_user_by_name":
		r.handleAdminSearchUserByName(ctx, s, raw)
	default:
		slog.Warn("router: unknown command", "cmd", envelope.Cmd, "session_id", s.ID)
	}
}

// OnDeviceDisconnected implements session.FrameHandler: a lost device
// cancels any enrollment pending for it.
func (r *Router) OnDeviceDisconnected(serial string) {
	r.controller.Abort(serial)
}

func (r *Router) handlePing(s *session.Session, raw []byte) {
	var frame dto.PingFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	s.Send(dto.PongReply{Ret: "pong", TS: frame.TS})
}

func (r *Router) handleReg(s *session.Session, raw []byte) {
	var frame dto.RegFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.SN == "" {
		return
	}
	r.registry.RegisterDevice(frame.SN, s)
	s.Send(dto.RegAck{
		Ret:        "reg",
		Result:     true,
		CloudTime:  cloudTime(),
		NoSendUser: false,
	})
}

func (r *Router) handleAdminHello(s *session.Session) {
	r.registry.RegisterOperator(s)
	s.Send(dto.AdminHelloReply{Ret: "admin_hello", Result: true})

	// Resend registration acks to every connected device so devices
	// recover their session-registration state after an operator
	// reconnects.
	r.registry.EachDevice(func(serial string, dev *session.Session) {
		dev.Send(dto.RegAck{
			Ret:        "reg",
			Result:     true,
			CloudTime:  cloudTime(),
			NoSendUser: false,
		})
	})
}

func (r *Router) handleAdminListDevices(s *session.Session) {
	s.Send(dto.AdminListDevicesReply{
		Ret:     "admin_list_devices",
		Result:  true,
		Devices: r.registry.ListDeviceSerials(),
	})
}

func cloudTime() string {
	return time.Now().Format("2006-01-02 15:04:05")
}
