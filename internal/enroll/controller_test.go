package enroll

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu          sync.Mutex
	nextID      int
	hasFace     map[int]bool
	upserts     []upsertCall
	failHasFace bool
}

type upsertCall struct {
	enrollID int
	name     string
	record   []byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{nextID: 1000, hasFace: map[int]bool{}}
}

func (f *fakeStore) HasFaceData(ctx context.Context, enrollID int) (bool, error) {
	if f.failHasFace {
		return false, context.DeadlineExceeded
	}
	return f.hasFace[enrollID], nil
}

func (f *fakeStore) UpsertUser(ctx context.Context, enrollID int, name string, backupNum int, isAdmin bool, record []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, upsertCall{enrollID: enrollID, name: name, record: record})
	return nil
}

func (f *fakeStore) NextEnrollID(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	return id, nil
}

type fakeGallery struct {
	mu       sync.Mutex
	upserted []int
}

func (g *fakeGallery) Upsert(enrollID int, embedding []float32, name string, isActive bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upserted = append(g.upserted, enrollID)
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedTemplate(ctx context.Context, record []byte) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type fakeDevices struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      []sentFrame
}

type sentFrame struct {
	serial string
	frame  any
}

func newFakeDevices(serials ...string) *fakeDevices {
	d := &fakeDevices{connected: map[string]bool{}}
	for _, s := range serials {
		d.connected[s] = true
	}
	return d
}

func (d *fakeDevices) IsDeviceConnected(serial string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected[serial]
}

func (d *fakeDevices) SendToDevice(serial string, v any) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentFrame{serial: serial, frame: v})
	return d.connected[serial]
}

type fakeOperators struct {
	mu        sync.Mutex
	broadcast []any
}

func (o *fakeOperators) BroadcastToOperators(v any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.broadcast = append(o.broadcast, v)
}

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

func newTestController(shotsRequired int, timeout time.Duration, serials ...string) (*Controller, *fakeStore, *fakeGallery, *fakeDevices, *fakeOperators) {
	store := newFakeStore()
	gallery := &fakeGallery{}
	devices := newFakeDevices(serials...)
	operators := &fakeOperators{}
	c := NewController(store, gallery, fakeEmbedder{}, devices, operators, &fakeBlobs{}, shotsRequired, timeout)
	return c, store, gallery, devices, operators
}

func TestStartFromOperatorRejectsDisconnectedDevice(t *testing.T) {
	c, _, _, _, _ := newTestController(2, time.Minute)
	_, err := c.StartFromOperator(context.Background(), "SN-missing", "Ada", false)
	if err != ErrDeviceNotConnected {
		t.Fatalf("expected ErrDeviceNotConnected, got %v", err)
	}
}

func TestStartFromOperatorRejectsDuplicatePending(t *testing.T) {
	c, _, _, _, _ := newTestController(2, time.Minute, "SN1")
	if _, err := c.StartFromOperator(context.Background(), "SN1", "Ada", false); err != nil {
		t.Fatalf("unexpected error on first start: %v", err)
	}
	if _, err := c.StartFromOperator(context.Background(), "SN1", "Ada", false); err != ErrAlreadyPending {
		t.Fatalf("expected ErrAlreadyPending, got %v", err)
	}
}

func TestStartFromOperatorRejectsExistingFaceData(t *testing.T) {
	c, store, _, _, _ := newTestController(2, time.Minute, "SN1")
	store.hasFace[1000] = true
	if _, err := c.StartFromOperator(context.Background(), "SN1", "Ada", false); err != ErrFaceDataExists {
		t.Fatalf("expected ErrFaceDataExists, got %v", err)
	}
}

func TestAdvanceShotCompletesAfterRequiredShots(t *testing.T) {
	c, _, gallery, devices, operators := newTestController(2, time.Minute, "SN1")
	id, err := c.StartFromOperator(context.Background(), "SN1", "Ada", false)
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	c.AdvanceShot(context.Background(), "SN1", []byte("shot-1"))
	if !c.HasPending("SN1") {
		t.Fatal("expected enrollment still pending after first shot")
	}

	c.AdvanceShot(context.Background(), "SN1", []byte("shot-2"))
	if c.HasPending("SN1") {
		t.Fatal("expected enrollment cleared after final shot")
	}

	gallery.mu.Lock()
	defer gallery.mu.Unlock()
	if len(gallery.upserted) != 1 || gallery.upserted[0] != id {
		t.Fatalf("expected gallery upsert for id %d, got %v", id, gallery.upserted)
	}

	devices.mu.Lock()
	defer devices.mu.Unlock()
	if len(devices.sent) != 1 {
		t.Fatalf("expected exactly one reply sent to the device on completion, got %d", len(devices.sent))
	}

	operators.mu.Lock()
	defer operators.mu.Unlock()
	if len(operators.broadcast) != 1 {
		t.Fatalf("expected one enroll-complete broadcast, got %d", len(operators.broadcast))
	}
}

func TestAdvanceShotAbortsOnTimeout(t *testing.T) {
	c, _, _, devices, _ := newTestController(2, 10*time.Millisecond, "SN1")
	if _, err := c.StartFromOperator(context.Background(), "SN1", "Ada", false); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	c.AdvanceShot(context.Background(), "SN1", []byte("late-shot"))

	if c.HasPending("SN1") {
		t.Fatal("expected enrollment aborted after timeout")
	}

	devices.mu.Lock()
	defer devices.mu.Unlock()
	if len(devices.sent) != 2 {
		t.Fatalf("expected cleanuser+cleanlog sent on timeout, got %d frames", len(devices.sent))
	}
}

func TestAbortOnDisconnectClearsPending(t *testing.T) {
	c, _, _, _, _ := newTestController(2, time.Minute, "SN1")
	if _, err := c.StartFromOperator(context.Background(), "SN1", "Ada", false); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	c.Abort("SN1")
	if c.HasPending("SN1") {
		t.Fatal("expected pending enrollment cleared on disconnect")
	}
}
