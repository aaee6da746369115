package vision

import "testing"

func TestGalleryUpsertAndMatch(t *testing.T) {
	g := NewGallery()
	g.Upsert(1000, []float32{1, 0, 0}, "Ada", true)

	id, score, found := g.BestMatch([]float32{1, 0, 0})
	if !found {
		t.Fatal("expected a match")
	}
	if id != 1000 {
		t.Fatalf("expected id 1000, got %d", id)
	}
	if score <= 0.99 {
		t.Fatalf("expected near-identical cosine score, got %f", score)
	}
}

func TestGalleryRemoveThenMatchMisses(t *testing.T) {
	g := NewGallery()
	g.Upsert(1000, []float32{1, 0, 0}, "Ada", true)
	g.Remove(1000)

	_, _, found := g.BestMatch([]float32{1, 0, 0})
	if found {
		t.Fatal("expected no match after remove")
	}
}

func TestGalleryUpsertReplacesPriorEntry(t *testing.T) {
	g := NewGallery()
	g.Upsert(1000, []float32{1, 0, 0}, "Ada", true)
	g.Upsert(1000, []float32{0, 1, 0}, "Ada Renamed", true)

	if g.Len() != 1 {
		t.Fatalf("expected exactly one entry for a re-upserted id, got %d", g.Len())
	}
	u, ok := g.Get(1000)
	if !ok || u.Name != "Ada Renamed" {
		t.Fatalf("expected updated name, got %+v ok=%v", u, ok)
	}
}

func TestGallerySetActiveMutatesInPlace(t *testing.T) {
	g := NewGallery()
	g.Upsert(1000, []float32{1, 0, 0}, "Ada", true)
	g.SetActive(1000, false)

	u, ok := g.Get(1000)
	if !ok || u.IsActive {
		t.Fatalf("expected is_active=false after SetActive, got %+v ok=%v", u, ok)
	}
	if g.Len() != 1 {
		t.Fatalf("SetActive must not touch the embedding list, got len %d", g.Len())
	}
}

func TestGalleryLabelsAndEmbeddingsStayAligned(t *testing.T) {
	g := NewGallery()
	for i := 0; i < 50; i++ {
		g.Upsert(1000+i, []float32{float32(i), 1, 0}, "user", true)
	}
	ids := g.Ids()
	if len(ids) != 50 {
		t.Fatalf("expected 50 ids, got %d", len(ids))
	}
	for i := 0; i < 50; i++ {
		id, _, found := g.BestMatch([]float32{float32(i), 1, 0})
		if !found || id != 1000+i {
			t.Fatalf("expected exact match for probe %d, got id=%d found=%v", i, id, found)
		}
	}
}
