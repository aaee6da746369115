package vision

import (
	"fmt"
	"math"

	ort "github.com/yalue/onnxruntime_go"
)

const embedInputSize = 112

// embedder wraps the ArcFace-style recognition network: 112×112 input,
// a fixed-length (model-dependent) L2-normalized output vector.
type embedder struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	dim     int
}

func newEmbedder(modelPath string, dim int, opts *ort.SessionOptions) (*embedder, error) {
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, embedInputSize, embedInputSize))
	if err != nil {
		return nil, fmt.Errorf("embedder input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(dim)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("embedder output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input.1"}, []string{"683"},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}, opts)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create embedder session: %w", err)
	}

	return &embedder{session: session, input: input, output: output, dim: dim}, nil
}

func (e *embedder) Close() {
	e.session.Destroy()
	e.input.Destroy()
	e.output.Destroy()
}

// extract runs the recognizer on a pre-resized 112×112 CHW tensor and
// returns its L2-normalized output vector.
func (e *embedder) extract(chw []float32) ([]float32, error) {
	copy(e.input.GetData(), chw)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("run embedder: %w", err)
	}

	out := make([]float32, e.dim)
	copy(out, e.output.GetData())
	normalize(out)
	return out, nil
}

// normalize L2-normalizes v in place. A zero vector is left unchanged
// rather than dividing by zero.
func normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// cosineSimilarity divides by the norms of both vectors, so it stays
// correct even if a caller (or an old gallery row) supplies embeddings
// that were never normalized.
func cosineSimilarity(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
