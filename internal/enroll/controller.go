// Package enroll implements the per-device bounded state machine that
// drives multi-shot face capture to completion or timeout.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/your-org/facegate/internal/models"
	"github.com/your-org/facegate/internal/storage"
	"github.com/your-org/facegate/pkg/dto"
)

// Errors each precondition failure reduces to — each failure aborts
// with a distinct, reportable reason.
var (
	ErrDeviceNotConnected  = errors.New("enroll: device not connected")
	ErrAlreadyPending      = errors.New("enroll: enrollment already pending for this device")
	ErrFaceDataExists      = errors.New("enroll: user already has face data on file")
)

// Store is the slice of the repository contract the controller needs.
type Store interface {
	HasFaceData(ctx context.Context, enrollID int) (bool, error)
	UpsertUser(ctx context.Context, enrollID int, name string, backupNum int, isAdmin bool, record []byte) error
	NextEnrollID(ctx context.Context) (int, error)
}

// Gallery is the slice of the gallery contract the controller needs on
// completion.
type Gallery interface {
	Upsert(enrollID int, embedding []float32, name string, isActive bool)
}

// Embedder embeds an enrolled template image (liveness disabled).
type Embedder interface {
	EmbedTemplate(ctx context.Context, record []byte) ([]float32, error)
}

// Blobs archives the raw enrollment shot images alongside the
// recognizable template Store keeps in Postgres.
type Blobs interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// Devices is the slice of the Session Registry the controller needs:
// a connectivity check plus the ability to push purge commands.
type Devices interface {
	IsDeviceConnected(serial string) bool
	SendToDevice(serial string, v any) bool
}

// Operators broadcasts enrollment-complete telemetry.
type Operators interface {
	BroadcastToOperators(v any)
}

// Controller owns the per-serial PendingEnrollment table.
type Controller struct {
	mu      sync.Mutex
	pending map[string]*models.PendingEnrollment

	store     Store
	gallery   Gallery
	embedder  Embedder
	devices   Devices
	operators Operators
	blobs     Blobs

	shotsRequired int
	timeout       time.Duration
}

func NewController(store Store, gallery Gallery, embedder Embedder, devices Devices, operators Operators, blobs Blobs, shotsRequired int, timeout time.Duration) *Controller {
	return &Controller{
		pending:       make(map[string]*models.PendingEnrollment),
		store:         store,
		gallery:       gallery,
		embedder:      embedder,
		devices:       devices,
		operators:     operators,
		blobs:         blobs,
		shotsRequired: shotsRequired,
		timeout:       timeout,
	}
}

// StartFromOperator handles admin_add_user: allocates a fresh id and
// transitions Idle -> Collecting(shotsRequired) for serial.
func (c *Controller) StartFromOperator(ctx context.Context, serial, name string, isAdmin bool) (enrollID int, err error) {
	enrollID, err = c.store.NextEnrollID(ctx)
	if err != nil {
		return 0, fmt.Errorf("allocate enroll id: %w", err)
	}
	if err := c.start(ctx, serial, enrollID, name, isAdmin); err != nil {
		return 0, err
	}
	return enrollID, nil
}

// start runs the Idle -> Collecting(n) preconditions.
func (c *Controller) start(ctx context.Context, serial string, enrollID int, name string, isAdmin bool) error {
	if !c.devices.IsDeviceConnected(serial) {
		return ErrDeviceNotConnected
	}

	c.mu.Lock()
	_, exists := c.pending[serial]
	c.mu.Unlock()
	if exists {
		return ErrAlreadyPending
	}

	hasFace, err := c.store.HasFaceData(ctx, enrollID)
	if err != nil {
		return fmt.Errorf("check existing face data: %w", err)
	}
	if hasFace {
		return ErrFaceDataExists
	}

	c.mu.Lock()
	c.pending[serial] = &models.PendingEnrollment{
		EnrollID:       enrollID,
		Name:           name,
		IsAdmin:        isAdmin,
		ShotsRemaining: c.shotsRequired,
		StartedAt:      time.Now(),
	}
	c.mu.Unlock()

	return nil
}

// HasPending reports whether serial has an enrollment in flight — the
// router uses this to decide whether a sendlog record should drive
// enrollment or fall through to recognition.
func (c *Controller) HasPending(serial string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[serial]
	return ok
}

// AdvanceShot processes one inbound log record carrying an image while
// serial has a pending enrollment: Collecting(n) -> Collecting(n-1),
// Collecting(0) completes the enrollment, and an expired timeout
// aborts it instead.
//
// record is the raw (base64-decoded) image bytes for this shot;
// AdvanceShot stores it as the user's face record, archives a copy in
// the blob store under its shot key, and, on the final shot, commits
// to the gallery.
func (c *Controller) AdvanceShot(ctx context.Context, serial string, record []byte) {
	c.mu.Lock()
	pe, ok := c.pending[serial]
	if !ok {
		c.mu.Unlock()
		return
	}

	if time.Since(pe.StartedAt) > c.timeout {
		delete(c.pending, serial)
		c.mu.Unlock()
		c.abort(serial)
		return
	}
	c.mu.Unlock()

	if err := c.store.UpsertUser(ctx, pe.EnrollID, pe.Name, 50, pe.IsAdmin, record); err != nil {
		slog.Error("enroll: persist shot failed", "serial", serial, "enroll_id", pe.EnrollID, "error", err)
		return
	}

	shotIndex := c.shotsRequired - pe.ShotsRemaining
	if err := c.blobs.PutObject(ctx, storage.EnrollShotKey(serial, pe.EnrollID, shotIndex), record, "image/jpeg"); err != nil {
		slog.Warn("enroll: archive shot failed", "serial", serial, "enroll_id", pe.EnrollID, "shot", shotIndex, "error", err)
	}

	c.mu.Lock()
	pe.ShotsRemaining--
	remaining := pe.ShotsRemaining
	if remaining <= 0 {
		delete(c.pending, serial)
	}
	c.mu.Unlock()

	if remaining > 0 {
		return
	}

	c.complete(ctx, serial, pe, record)
}

// complete runs the Collecting(0) -> Complete transition: embed the
// final shot, commit to the gallery, reply to the device, and
// broadcast enrollment-complete telemetry.
func (c *Controller) complete(ctx context.Context, serial string, pe *models.PendingEnrollment, lastShot []byte) {
	vec, err := c.embedder.EmbedTemplate(ctx, lastShot)
	if err != nil {
		slog.Error("enroll: embed final shot failed", "serial", serial, "enroll_id", pe.EnrollID, "error", err)
	} else {
		c.gallery.Upsert(pe.EnrollID, vec, pe.Name, true)
	}

	c.devices.SendToDevice(serial, dto.SendLogReply{
		Ret:       "sendlog",
		Result:    true,
		Access:    0,
		Message:   "Enrollment Complete",
		CloudTime: cloudTime(),
	})

	c.operators.BroadcastToOperators(dto.EnrollCompleteTelemetry{
		Ret:      "admin_enroll_complete",
		EnrollID: pe.EnrollID,
		Username: pe.Name,
		DeviceSN: serial,
	})

	slog.Info("enroll: complete", "serial", serial, "enroll_id", pe.EnrollID, "name", pe.Name)
}

// Abort cancels any pending enrollment for serial, e.g. on device
// disconnect. It is a no-op if no enrollment is pending.
func (c *Controller) Abort(serial string) {
	c.mu.Lock()
	_, ok := c.pending[serial]
	if ok {
		delete(c.pending, serial)
	}
	c.mu.Unlock()
	if ok {
		slog.Info("enroll: aborted (device disconnect)", "serial", serial)
	}
}

// abort runs the timeout path: remove the entry and purge the device
// with cleanuser + cleanlog.
func (c *Controller) abort(serial string) {
	slog.Info("enroll: aborted (timeout)", "serial", serial)
	c.devices.SendToDevice(serial, dto.CleanCommand{Cmd: "cleanuser"})
	c.devices.SendToDevice(serial, dto.CleanCommand{Cmd: "cleanlog"})
}

func cloudTime() string {
	return time.Now().Format("2006-01-02 15:04:05")
}
