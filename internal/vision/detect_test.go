package vision

import "testing"

func TestIoUIdenticalBoxes(t *testing.T) {
	b := box{X0: 0, Y0: 0, X1: 10, Y1: 10}
	if got := iou(b, b); got < 0.999 {
		t.Fatalf("iou of identical boxes should be 1, got %f", got)
	}
}

func TestIoUDisjointBoxes(t *testing.T) {
	a := box{X0: 0, Y0: 0, X1: 10, Y1: 10}
	b := box{X0: 100, Y0: 100, X1: 110, Y1: 110}
	if got := iou(a, b); got != 0 {
		t.Fatalf("iou of disjoint boxes should be 0, got %f", got)
	}
}

func TestNMSSuppressesOverlappingBox(t *testing.T) {
	boxes := []box{
		{X0: 0, Y0: 0, X1: 10, Y1: 10},
		{X0: 1, Y0: 1, X1: 11, Y1: 11}, // heavy overlap with boxes[0]
		{X0: 100, Y0: 100, X1: 110, Y1: 110},
	}
	scores := []float32{0.9, 0.8, 0.7}

	keep := nms(boxes, scores, 0.4)
	if len(keep) != 2 {
		t.Fatalf("expected 2 surviving boxes, got %d: %v", len(keep), keep)
	}
	for _, idx := range keep {
		if idx == 1 {
			t.Fatalf("expected lower-scoring overlapping box to be suppressed, kept indices: %v", keep)
		}
	}
}

func TestClampToBounds(t *testing.T) {
	b := clampToBounds(box{X0: -5, Y0: -5, X1: 200, Y1: 200}, 100, 80)
	if b.X0 != 0 || b.Y0 != 0 || b.X1 != 100 || b.Y1 != 80 {
		t.Fatalf("clampToBounds did not clamp correctly: %+v", b)
	}
}

func TestBoxScaledRecentersOnSameCenter(t *testing.T) {
	b := box{X0: 10, Y0: 10, X1: 20, Y1: 20}
	s := b.scaled(2.0)

	cx, cy := (b.X0+b.X1)/2, (b.Y0+b.Y1)/2
	scx, scy := (s.X0+s.X1)/2, (s.Y0+s.Y1)/2
	if cx != scx || cy != scy {
		t.Fatalf("scaled box should keep the same center, got center %v,%v vs %v,%v", cx, cy, scx, scy)
	}
	if s.X1-s.X0 != 2*(b.X1-b.X0) {
		t.Fatalf("scaled box width should double, got %f vs %f", s.X1-s.X0, b.X1-b.X0)
	}
}
