// Package vision implements the recognition pipeline, the in-memory
// gallery, and the store reconciler that keeps the gallery in sync
// with the repository.
package vision

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/facegate/internal/models"
)

// Config carries the tunables the engine needs at construction time.
type Config struct {
	DetectorPath   string
	RecognizerPath string
	LivenessPath   string
	EmbeddingDim   int

	IntraOpThreads int
	InterOpThreads int

	DetectThreshold   float32
	LivenessThreshold float32
	MatchThreshold    float32
}

// Engine is the recognition engine: a single-flight wrapper
// around detect/liveness/embed, plus cosine nearest-neighbor lookup
// against a Gallery.
//
// The three inference steps are not re-entrant (the ONNX session
// objects keep state between binding inputs and running), so every
// call to Embed or Match serializes on gate. Input preparation
// (decode, resize, normalize) happens before the gate is taken and is
// safe to run concurrently across callers.
type Engine struct {
	gate sync.Mutex

	det  *detector
	emb  *embedder
	live *livenessNet

	cfg Config

	gallery *Gallery

	lastLiveness atomic.Pointer[models.LivenessResult]
}

// NewEngine loads the three opaque networks and returns a ready
// Engine. The caller must have already called
// ort.InitializeEnvironment(); NewEngine does not manage the shared
// ONNX Runtime environment lifecycle, only its own sessions.
func NewEngine(cfg Config, gallery *Gallery) (*Engine, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()
	if cfg.IntraOpThreads > 0 {
		_ = opts.SetIntraOpNumThreads(cfg.IntraOpThreads)
	}
	if cfg.InterOpThreads > 0 {
		_ = opts.SetInterOpNumThreads(cfg.InterOpThreads)
	}

	det, err := newDetector(cfg.DetectorPath, opts)
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}
	emb, err := newEmbedder(cfg.RecognizerPath, cfg.EmbeddingDim, opts)
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("load recognizer: %w", err)
	}
	live, err := newLivenessNet(cfg.LivenessPath, opts)
	if err != nil {
		det.Close()
		emb.Close()
		return nil, fmt.Errorf("load liveness net: %w", err)
	}

	return &Engine{det: det, emb: emb, live: live, cfg: cfg, gallery: gallery}, nil
}

// Close releases the three ONNX sessions.
func (e *Engine) Close() {
	e.det.Close()
	e.emb.Close()
	e.live.Close()
}

// LastLiveness returns the most recent liveness outcome, for telemetry
// fan-out back to operators. Safe for concurrent readers: published via
// an atomic pointer swap, never a partially written record.
func (e *Engine) LastLiveness() (models.LivenessResult, bool) {
	p := e.lastLiveness.Load()
	if p == nil {
		return models.LivenessResult{}, false
	}
	return *p, true
}

// Embed runs decode → detect → (optional liveness) → crop & embed
// under the single-flight gate. It returns one of the sentinel errors
// in errors.go for any non-fatal rejection: empty image, no face above
// threshold, zero-area box after clamping, or failed liveness.
func (e *Engine) Embed(ctx context.Context, imageB64 string, checkLiveness bool) (vec []float32, err error) {
	img, err := decodeImage(imageB64)
	if err != nil {
		return nil, errNoImage
	}

	w := img.Bounds().Dx()
	h := img.Bounds().Dy()

	detInput := toCHWFloat32(resizeTo(img, detectInputSize), true)

	e.gate.Lock()
	defer e.gate.Unlock()

	boxes, scores, err := e.det.detect(detInput, w, h)
	if err != nil || len(boxes) == 0 {
		return nil, errNoFace
	}

	bestIdx := 0
	for i, s := range scores {
		if s > scores[bestIdx] {
			bestIdx = i
		}
	}
	if scores[bestIdx] < e.cfg.DetectThreshold {
		return nil, errNoFace
	}

	faceBox := clampToBounds(boxes[bestIdx], w, h)
	if faceBox.area() <= 0 {
		return nil, errZeroAreaBox
	}

	if checkLiveness {
		ctxBox := clampToBounds(faceBox.scaled(2.7), w, h)
		ctxCrop := toCHWFloat32(cropAndResize(img, ctxBox, livenessInputSize), true)
		prob, err := e.live.score(ctxCrop)
		result := models.LivenessResult{Score: prob, Prob: prob, At: time.Now()}
		e.lastLiveness.Store(&result)
		if err != nil || prob < e.cfg.LivenessThreshold {
			return nil, errNotLive
		}
	}

	faceCrop := toCHWFloat32(cropAndResize(img, faceBox, embedInputSize), true)
	embedding, err := e.emb.extract(faceCrop)
	if err != nil {
		return nil, fmt.Errorf("extract embedding: %w", err)
	}
	return embedding, nil
}

// EmbedTemplate embeds an enrolled-template image with liveness
// disabled — a stored face row was never a live capture, so there is
// no liveness signal to check. It satisfies the Gallery's Embedder
// dependency. record is raw image bytes (as stored by the repository),
// not a base64 string, so it is re-encoded before reaching Embed.
func (e *Engine) EmbedTemplate(ctx context.Context, record []byte) ([]float32, error) {
	return e.Embed(ctx, base64.StdEncoding.EncodeToString(record), false)
}

// Match embeds the probe with liveness per cfg.LivenessThreshold
// policy, then scans the gallery under its read lock for the nearest
// neighbor.
func (e *Engine) Match(ctx context.Context, imageB64 string, withLiveness bool) models.MatchResult {
	vec, err := e.Embed(ctx, imageB64, withLiveness)
	if err != nil {
		return models.MatchResult{Matched: false}
	}

	bestID, bestScore, found := e.gallery.BestMatch(vec)
	if !found {
		return models.MatchResult{Matched: false}
	}
	return models.MatchResult{
		Matched:   bestScore > e.cfg.MatchThreshold,
		EnrollID:  bestID,
		Score:     bestScore,
		Embedding: vec,
	}
}
