package vision

import (
	"context"
	"log/slog"
	"sync"

	"github.com/your-org/facegate/internal/models"
)

// userInfo is the gallery's in-memory mirror of a roster row.
type userInfo struct {
	Name     string
	IsActive bool
	HasFace  bool
}

// Repository is the subset of the repository contract the gallery and
// reconciler need: a light snapshot and a single-row fetch, both
// read-only from the gallery's perspective.
type Repository interface {
	SnapshotActiveFaceUsers(ctx context.Context) (map[int]bool, error)
	FetchFaceRow(ctx context.Context, enrollID int) (name string, record []byte, isActive bool, ok bool, err error)
}

// Embedder produces a face embedding from raw image bytes, used by the
// reconciler to build gallery rows for newly discovered users without
// depending on the full recognition engine's liveness gate.
type Embedder interface {
	EmbedTemplate(ctx context.Context, record []byte) ([]float32, error)
}

// Gallery is the authoritative in-memory set of enrolled users and
// their embeddings. It exclusively owns its arrays and user map; every
// mutation goes through LoadAll/Upsert/Remove and no caller retains a
// reference to the parallel slices across calls.
type Gallery struct {
	mu         sync.RWMutex
	labels     []int
	embeddings [][]float32
	users      map[int]userInfo
}

// NewGallery returns an empty gallery, ready for LoadAll or incremental
// Upsert calls.
func NewGallery() *Gallery {
	return &Gallery{users: make(map[int]userInfo)}
}

// LoadAll rebuilds the gallery from the store. The new triple is built
// off to the side and swapped in under a single exclusive lock so
// readers never observe a half-populated state.
func (g *Gallery) LoadAll(ctx context.Context, repo Repository, emb Embedder) error {
	snapshot, err := repo.SnapshotActiveFaceUsers(ctx)
	if err != nil {
		return err
	}

	labels := make([]int, 0, len(snapshot))
	embeddings := make([][]float32, 0, len(snapshot))
	users := make(map[int]userInfo, len(snapshot))

	for id, active := range snapshot {
		name, record, isActive, ok, err := repo.FetchFaceRow(ctx, id)
		if err != nil {
			slog.Warn("gallery load: fetch face row failed", "enroll_id", id, "error", err)
			continue
		}
		if !ok {
			continue
		}
		vec, err := emb.EmbedTemplate(ctx, record)
		if err != nil {
			slog.Warn("gallery load: embed template failed", "enroll_id", id, "error", err)
			continue
		}
		labels = append(labels, id)
		embeddings = append(embeddings, vec)
		users[id] = userInfo{Name: name, IsActive: isActive || active, HasFace: true}
	}

	g.mu.Lock()
	g.labels = labels
	g.embeddings = embeddings
	g.users = users
	g.mu.Unlock()

	return nil
}

// Upsert adds or replaces a user's gallery entry. Any prior entry for
// the id is removed first, so the arrays contain each id at most once.
func (g *Gallery) Upsert(enrollID int, embedding []float32, name string, isActive bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(enrollID)
	g.labels = append(g.labels, enrollID)
	g.embeddings = append(g.embeddings, embedding)
	g.users[enrollID] = userInfo{Name: name, IsActive: isActive, HasFace: true}
}

// Remove deletes a user from both the embedding list and the user map.
func (g *Gallery) Remove(enrollID int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(enrollID)
	delete(g.users, enrollID)
}

// removeLocked removes enrollID's embedding slot if present. Callers
// hold g.mu for writing.
func (g *Gallery) removeLocked(enrollID int) {
	for i, id := range g.labels {
		if id == enrollID {
			g.labels = append(g.labels[:i], g.labels[i+1:]...)
			g.embeddings = append(g.embeddings[:i], g.embeddings[i+1:]...)
			return
		}
	}
}

// SetActive mutates a gallery user's active flag in place, used by the
// reconciler's active-flag-update step and by admin_set_active.
func (g *Gallery) SetActive(enrollID int, active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.users[enrollID]
	if !ok {
		return
	}
	u.IsActive = active
	g.users[enrollID] = u
}

// Users returns a snapshot copy of the user map for concurrent read.
func (g *Gallery) Users() map[int]models.User {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[int]models.User, len(g.users))
	for id, u := range g.users {
		out[id] = models.User{EnrollID: id, Name: u.Name, HasFace: u.HasFace, IsActive: u.IsActive}
	}
	return out
}

// Get returns a single user's roster view, mirroring admin_get_user.
func (g *Gallery) Get(enrollID int) (models.User, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	u, ok := g.users[enrollID]
	if !ok {
		return models.User{}, false
	}
	return models.User{EnrollID: enrollID, Name: u.Name, HasFace: u.HasFace, IsActive: u.IsActive}, true
}

// Ids returns the current gallery id set, used by the reconciler's
// deletion step.
func (g *Gallery) Ids() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]int, len(g.labels))
	copy(out, g.labels)
	return out
}

// Len reports the number of embeddings currently held.
func (g *Gallery) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.labels)
}

// BestMatch finds the nearest gallery entry to probe under the shared
// read lock. The whole scan happens under one RLock so labels[i] and
// embeddings[i] never disagree about which user they describe, even as
// upserts and removes interleave between calls.
func (g *Gallery) BestMatch(probe []float32) (bestID int, bestScore float32, found bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for i, vec := range g.embeddings {
		score := cosineSimilarity(probe, vec)
		if !found || score > bestScore {
			bestID = g.labels[i]
			bestScore = score
			found = true
		}
	}
	return bestID, bestScore, found
}
