package vision

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Reconciler is the periodic task that brings the gallery into
// agreement with the store: adds, active-flag updates, and evictions.
type Reconciler struct {
	gallery  *Gallery
	repo     Repository
	embedder Embedder
	interval time.Duration

	running atomic.Bool
}

// NewReconciler returns a Reconciler ready to be started with Run.
func NewReconciler(gallery *Gallery, repo Repository, embedder Embedder, interval time.Duration) *Reconciler {
	return &Reconciler{gallery: gallery, repo: repo, embedder: embedder, interval: interval}
}

// Run ticks every r.interval until ctx is cancelled. Callers MUST run
// this in a goroutine attached to the server's lifecycle rather than
// fire-and-forget, so a panic or silent exit doesn't go unnoticed; this
// loop never exits on a single cycle's error, only on ctx cancellation,
// and the caller is expected to wait on ctx's owning goroutine at
// shutdown.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick runs one reconciliation cycle under the non-reentrancy gate: if
// a prior cycle is still executing, this tick is dropped, not queued.
func (r *Reconciler) tick(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		slog.Debug("reconciler: previous cycle still running, skipping tick")
		return
	}
	defer r.running.Store(false)

	cycleCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	snapshot, err := r.repo.SnapshotActiveFaceUsers(cycleCtx)
	if err != nil {
		slog.Debug("reconciler: snapshot query failed, skipping cycle", "error", err)
		return
	}

	added, updated := 0, 0
	existing := make(map[int]bool, len(snapshot))

	for id, active := range snapshot {
		existing[id] = true
		if user, ok := r.gallery.Get(id); ok {
			if user.IsActive != active {
				r.gallery.SetActive(id, active)
				updated++
			}
			continue
		}

		name, record, isActive, ok, err := r.repo.FetchFaceRow(cycleCtx, id)
		if err != nil {
			slog.Warn("reconciler: fetch face row failed", "enroll_id", id, "error", err)
			continue
		}
		if !ok {
			continue
		}
		vec, err := r.embedder.EmbedTemplate(cycleCtx, record)
		if err != nil {
			slog.Warn("reconciler: embed template failed", "enroll_id", id, "error", err)
			continue
		}
		r.gallery.Upsert(id, vec, name, isActive)
		added++
	}

	evicted := 0
	for _, id := range r.gallery.Ids() {
		if !existing[id] {
			r.gallery.Remove(id)
			evicted++
		}
	}

	if added > 0 || updated > 0 || evicted > 0 {
		slog.Info("reconciler: cycle complete", "added", added, "updated", updated, "evicted", evicted)
	}
}
