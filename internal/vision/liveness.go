package vision

import (
	"fmt"
	"math"

	ort "github.com/yalue/onnxruntime_go"
)

const livenessInputSize = 112

// livenessNet wraps the anti-spoof network: a 2-class softmax, "real"
// probability at index 1.
type livenessNet struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func newLivenessNet(modelPath string, opts *ort.SessionOptions) (*livenessNet, error) {
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, livenessInputSize, livenessInputSize))
	if err != nil {
		return nil, fmt.Errorf("liveness input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 2))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("liveness output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}, opts)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create liveness session: %w", err)
	}

	return &livenessNet{session: session, input: input, output: output}, nil
}

func (l *livenessNet) Close() {
	l.session.Destroy()
	l.input.Destroy()
	l.output.Destroy()
}

// score runs the network on a pre-resized 112×112 CHW context crop and
// returns the softmaxed "real" probability.
func (l *livenessNet) score(chw []float32) (float32, error) {
	copy(l.input.GetData(), chw)

	if err := l.session.Run(); err != nil {
		return 0, fmt.Errorf("run liveness net: %w", err)
	}

	logits := l.output.GetData()
	return softmaxReal(logits[0], logits[1]), nil
}

// softmaxReal applies a 2-class softmax and returns the probability
// mass on index 1 ("real").
func softmaxReal(spoofLogit, realLogit float32) float32 {
	a := float64(spoofLogit)
	b := float64(realLogit)
	m := math.Max(a, b)
	ea := math.Exp(a - m)
	eb := math.Exp(b - m)
	return float32(eb / (ea + eb))
}
