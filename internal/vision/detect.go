package vision

import (
	"fmt"
	"math"
	"sort"

	ort "github.com/yalue/onnxruntime_go"
)

const detectInputSize = 640

var detectStrides = [3]int{8, 16, 32}

// detector wraps the RetinaFace-style face detection network. The
// engine only ever keeps the highest-confidence candidate, but detect
// returns the full post-NMS set so callers can apply their own
// confidence floor and so tests can exercise NMS directly.
type detector struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	scores  [3]*ort.Tensor[float32]
	bboxes  [3]*ort.Tensor[float32]
}

// newDetector loads the detection model. opts is owned by the caller —
// the engine shares one SessionOptions per model across detector,
// embedder, and liveness sessions.
func newDetector(modelPath string, opts *ort.SessionOptions) (*detector, error) {
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, detectInputSize, detectInputSize))
	if err != nil {
		return nil, fmt.Errorf("detector input tensor: %w", err)
	}

	var scoreShapes [3]ort.Shape
	var bboxShapes [3]ort.Shape
	for i, stride := range detectStrides {
		n := (detectInputSize / stride) * (detectInputSize / stride) * 2
		scoreShapes[i] = ort.NewShape(1, int64(n), 1)
		bboxShapes[i] = ort.NewShape(1, int64(n), 4)
	}

	var scores, bboxes [3]*ort.Tensor[float32]
	inputNames := make([]string, 0, 7)
	outputNames := make([]string, 0, 6)
	outputs := make([]ort.ArbitraryTensor, 0, 6)

	inputNames = append(inputNames, "input.1")

	for i, stride := range detectStrides {
		s, err := ort.NewEmptyTensor[float32](scoreShapes[i])
		if err != nil {
			input.Destroy()
			return nil, fmt.Errorf("detector score tensor stride %d: %w", stride, err)
		}
		b, err := ort.NewEmptyTensor[float32](bboxShapes[i])
		if err != nil {
			input.Destroy()
			s.Destroy()
			return nil, fmt.Errorf("detector bbox tensor stride %d: %w", stride, err)
		}
		scores[i] = s
		bboxes[i] = b
		outputNames = append(outputNames, fmt.Sprintf("score_%d", stride), fmt.Sprintf("bbox_%d", stride))
		outputs = append(outputs, s, b)
	}

	session, err := ort.NewAdvancedSession(modelPath, inputNames, outputNames,
		[]ort.ArbitraryTensor{input}, outputs, opts)
	if err != nil {
		input.Destroy()
		for i := range scores {
			scores[i].Destroy()
			bboxes[i].Destroy()
		}
		return nil, fmt.Errorf("create detector session: %w", err)
	}

	return &detector{session: session, input: input, scores: scores, bboxes: bboxes}, nil
}

func (d *detector) Close() {
	d.session.Destroy()
	d.input.Destroy()
	for i := range d.scores {
		d.scores[i].Destroy()
		d.bboxes[i].Destroy()
	}
}

// detect runs the network on a pre-resized 640×640 CHW tensor and
// returns NMS-filtered candidates in original-image coordinates.
func (d *detector) detect(chw []float32, origW, origH int) ([]box, []float32, error) {
	copy(d.input.GetData(), chw)

	if err := d.session.Run(); err != nil {
		return nil, nil, fmt.Errorf("run detector: %w", err)
	}

	scaleX := float32(origW) / detectInputSize
	scaleY := float32(origH) / detectInputSize

	boxes, scores := decodeAll(d.scores, d.bboxes, scaleX, scaleY)

	keep := nms(boxes, scores, 0.4)
	outBoxes := make([]box, len(keep))
	outScores := make([]float32, len(keep))
	for i, idx := range keep {
		outBoxes[i] = clampToBounds(boxes[idx], origW, origH)
		outScores[i] = scores[idx]
	}
	return outBoxes, outScores, nil
}

func decodeAll(scoreTensors, bboxTensors [3]*ort.Tensor[float32], scaleX, scaleY float32) ([]box, []float32) {
	var boxes []box
	var scores []float32
	for i, stride := range detectStrides {
		b, s := decodeStride(stride, scoreTensors[i].GetData(), bboxTensors[i].GetData(), scaleX, scaleY)
		boxes = append(boxes, b...)
		scores = append(scores, s...)
	}
	return boxes, scores
}

// decodeStride turns one stride's raw (score, bbox-delta) pairs into
// image-space boxes via the standard anchor grid for that stride: two
// anchors per grid cell, anchor centers on an 8/16/32-pixel lattice.
func decodeStride(stride int, rawScores, rawBoxes []float32, scaleX, scaleY float32) ([]box, []float32) {
	grid := detectInputSize / stride
	var boxes []box
	var scores []float32
	idx := 0
	for y := 0; y < grid; y++ {
		for x := 0; x < grid; x++ {
			for a := 0; a < 2; a++ {
				score := rawScores[idx*2+1] // index 1 = face class
				if score < 0.02 {
					idx++
					continue
				}
				cx := float32(x*stride + stride/2)
				cy := float32(y*stride + stride/2)
				anchorSize := float32(stride * (a + 1))

				dx := rawBoxes[idx*4+0]
				dy := rawBoxes[idx*4+1]
				dw := rawBoxes[idx*4+2]
				dh := rawBoxes[idx*4+3]

				bx := cx + dx*anchorSize
				by := cy + dy*anchorSize
				bw := clampExp(dw) * anchorSize
				bh := clampExp(dh) * anchorSize

				b := box{
					X0: (bx - bw/2) * scaleX,
					Y0: (by - bh/2) * scaleY,
					X1: (bx + bw/2) * scaleX,
					Y1: (by + bh/2) * scaleY,
				}
				boxes = append(boxes, b)
				scores = append(scores, score)
				idx++
			}
		}
	}
	return boxes, scores
}

// clampExp bounds the width/height regression term before exponentiating,
// avoiding box explosions on an untrained or adversarial input.
func clampExp(v float32) float32 {
	if v > 4 {
		v = 4
	}
	if v < -4 {
		v = -4
	}
	return float32(math.Exp(float64(v)))
}

func iou(a, b box) float32 {
	x0 := maxF(a.X0, b.X0)
	y0 := maxF(a.Y0, b.Y0)
	x1 := minF(a.X1, b.X1)
	y1 := minF(a.Y1, b.Y1)

	inter := maxF(0, x1-x0) * maxF(0, y1-y0)
	union := a.area() + b.area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func nms(boxes []box, scores []float32, iouThreshold float32) []int {
	order := make([]int, len(boxes))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return scores[order[i]] > scores[order[j]] })

	keep := make([]int, 0, len(order))
	suppressed := make([]bool, len(boxes))
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)
		for _, j := range order {
			if j == i || suppressed[j] {
				continue
			}
			if iou(boxes[i], boxes[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}

func maxF(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
