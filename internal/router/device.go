package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/your-org/facegate/internal/session"
	"github.com/your-org/facegate/internal/storage"
	"github.com/your-org/facegate/pkg/dto"
)

// recordTimeLayout is the wire timestamp format devices use on each
// sendlog record, matching the cloudtime format the server hands
// back.
const recordTimeLayout = "2006-01-02 15:04:05"

// handleSendLog processes a device's sendlog batch: each record is
// handled independently, in array order.
func (r *Router) handleSendLog(ctx context.Context, s *session.Session, raw []byte) {
	var frame dto.SendLogFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	for _, rec := range frame.Record {
		r.handleLogRecord(ctx, s, frame.SN, rec)
	}
}

func (r *Router) handleLogRecord(ctx context.Context, s *session.Session, serial string, rec dto.LogRecord) {
	if r.isStale(rec.Time) {
		s.Send(dto.SendLogReply{Ret: "sendlog", Result: true, Access: 0, Message: "stale record", CloudTime: cloudTime()})
		s.Send(dto.CleanCommand{Cmd: "cleanuser"})
		return
	}

	note := strings.ToLower(rec.Note.Msg)
	switch {
	case strings.Contains(note, "system boot"):
		s.Send(dto.SendLogReply{Ret: "sendlog", Result: true, Access: 0, Message: "system boot acknowledged", CloudTime: cloudTime()})
		return
	case strings.Contains(note, "fp verify fail"):
		s.Send(dto.SendLogReply{Ret: "sendlog", Result: true, Access: 0, Message: "Fingerprint Unavailable", CloudTime: cloudTime()})
		return
	}

	if r.controller.HasPending(serial) {
		if rec.Image == "" {
			return // log frames without an image do not advance the machine
		}
		decoded, err := base64.StdEncoding.DecodeString(rec.Image)
		if err != nil {
			slog.Debug("router: bad enrollment shot image", "serial", serial, "error", err)
			return
		}
		r.controller.AdvanceShot(ctx, serial, decoded)
		return
	}

	if rec.Image == "" || !strings.Contains(note, "face not found") {
		return
	}
	r.recognize(ctx, s, serial, rec.Image)
}

// recognize runs the match pipeline for a scan with no pending
// enrollment, decides access, logs attendance, and fans out live_scan
// telemetry to operators.
func (r *Router) recognize(ctx context.Context, s *session.Session, serial, imageB64 string) {
	result := r.engine.Match(ctx, imageB64, r.cfg.RecognizeWithLiveness)

	access := 0
	message := "Access Denied"
	var name string
	var isActive, hasFace bool

	if result.Matched {
		if u, ok := r.gallery.Get(result.EnrollID); ok {
			name, isActive, hasFace = u.Name, u.IsActive, u.HasFace
		}
		switch {
		case name == "":
			message = "Unknown User"
		case !isActive:
			message = fmt.Sprintf("User inactive: %s", name)
		default:
			access = 1
			message = "Welcome " + name
			now := time.Now()
			if err := r.store.LogAttendance(ctx, result.EnrollID, serial, now, result.Embedding, result.Score); err != nil {
				slog.Warn("router: log attendance failed", "enroll_id", result.EnrollID, "error", err)
			}
			if decoded, err := base64.StdEncoding.DecodeString(imageB64); err == nil {
				key := storage.SnapshotKey(result.EnrollID, now)
				if err := r.blobs.PutObject(ctx, key, decoded, "image/jpeg"); err != nil {
					slog.Warn("router: archive match snapshot failed", "enroll_id", result.EnrollID, "error", err)
				}
			}
		}
	}

	s.Send(dto.SendLogReply{
		Ret:       "sendlog",
		Result:    true,
		Access:    access,
		Message:   message,
		CloudTime: cloudTime(),
	})

	telemetry := dto.LiveScanTelemetry{
		Ret:        "live_scan",
		DeviceSN:   serial,
		DeviceIP:   s.IP,
		Time:       cloudTime(),
		Matched:    result.Matched,
		MatchScore: result.Score,
		EnrollID:   result.EnrollID,
		UserName:   name,
		IsActive:   isActive,
		HasFace:    hasFace,
	}
	if live, ok := r.engine.LastLiveness(); ok {
		telemetry.Liveness = &dto.LivenessPayload{
			Score:  live.Score,
			Prob:   live.Prob,
			TimeMs: live.At.UnixMilli(),
		}
	}

	r.registry.BroadcastToOperators(telemetry)
	r.publishTelemetry(ctx, "live_scan", telemetry)
}

func (r *Router) publishTelemetry(ctx context.Context, kind string, v any) {
	if r.telemetry == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := r.telemetry.PublishTelemetry(ctx, kind, data); err != nil {
		slog.Debug("router: publish telemetry failed", "kind", kind, "error", err)
	}
}

// handleSendUser is the legacy enrollment path: it generates a fresh
// id rather than reusing the one the device sent, so a replayed or
// forged enrollid can never collide with an existing user.
func (r *Router) handleSendUser(ctx context.Context, s *session.Session, raw []byte) {
	var frame dto.SendUserFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(frame.Record)
	if err != nil {
		s.Send(dto.Reply{Ret: "senduser", Result: false, Error: "invalid record"})
		return
	}

	id, err := r.store.NextEnrollID(ctx)
	if err != nil {
		s.Send(dto.Reply{Ret: "senduser", Result: false, Error: err.Error()})
		return
	}

	if err := r.store.UpsertUser(ctx, id, frame.Name, 50, frame.Admin != 0, decoded); err != nil {
		s.Send(dto.Reply{Ret: "senduser", Result: false, Error: err.Error()})
		return
	}

	if vec, err := r.engine.Embed(ctx, frame.Record, false); err == nil {
		r.gallery.Upsert(id, vec, frame.Name, true)
	}

	s.Send(dto.Reply{Ret: "senduser", Result: true})
}

func (r *Router) isStale(recordTime string) bool {
	t, err := time.Parse(recordTimeLayout, recordTime)
	if err != nil {
		return false
	}
	return time.Since(t) > r.cfg.StaleRecordAge
}
