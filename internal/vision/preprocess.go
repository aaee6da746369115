package vision

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
)

// decodeImage turns transport-encoded bytes (base-64 of a compressed
// image) into a decoded image.Image. An empty or malformed payload is
// a non-fatal "no embedding" outcome, never an error the caller must
// special-case.
func decodeImage(b64 string) (image.Image, error) {
	if len(b64) == 0 {
		return nil, errNoImage
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) == 0 {
		return nil, errNoImage
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// box is a detector candidate clamped to image bounds.
type box struct {
	X0, Y0, X1, Y1 float32
}

// clampToBounds clamps b to the image's pixel bounds.
func clampToBounds(b box, w, h int) box {
	clamp := func(v float32, max float32) float32 {
		if v < 0 {
			return 0
		}
		if v > max {
			return max
		}
		return v
	}
	return box{
		X0: clamp(b.X0, float32(w)),
		Y0: clamp(b.Y0, float32(h)),
		X1: clamp(b.X1, float32(w)),
		Y1: clamp(b.Y1, float32(h)),
	}
}

func (b box) area() float32 {
	w := b.X1 - b.X0
	h := b.Y1 - b.Y0
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// scaled returns b re-centered and scaled by factor, used to build the
// larger liveness context box (2.7x) around a detected face's center.
func (b box) scaled(factor float32) box {
	cx := (b.X0 + b.X1) / 2
	cy := (b.Y0 + b.Y1) / 2
	hw := (b.X1 - b.X0) / 2 * factor
	hh := (b.Y1 - b.Y0) / 2 * factor
	return box{X0: cx - hw, Y0: cy - hh, X1: cx + hw, Y1: cy + hh}
}

// cropAndResize crops img to b (integer pixel bounds) and resizes the
// result to size×size in one step, since every caller here resizes
// immediately after cropping. Nearest-neighbor is sufficient for the
// fixed small input sizes the detector/embedder/liveness nets expect.
func cropAndResize(img image.Image, b box, size int) *image.RGBA {
	x0, y0 := int(b.X0), int(b.Y0)
	x1, y1 := int(b.X1), int(b.Y1)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	srcW, srcH := x1-x0, y1-y0

	out := image.NewRGBA(image.Rect(0, 0, size, size))
	for dy := 0; dy < size; dy++ {
		sy := y0 + dy*srcH/size
		for dx := 0; dx < size; dx++ {
			sx := x0 + dx*srcW/size
			out.Set(dx, dy, img.At(sx, sy))
		}
	}
	return out
}

// resizeTo resizes the whole image (no crop) to size×size, the shape
// the detector's fixed input tensor expects.
func resizeTo(img image.Image, size int) *image.RGBA {
	return cropAndResize(img, box{X0: 0, Y0: 0, X1: float32(img.Bounds().Dx()), Y1: float32(img.Bounds().Dy())}, size)
}

// toCHWFloat32 normalizes an RGBA image to [0,1] in channel-first
// (C,H,W) order with an R/B channel swap, the layout every ONNX model
// in this package expects for its input tensor.
func toCHWFloat32(img *image.RGBA, swapRB bool) []float32 {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	out := make([]float32, 3*w*h)
	plane := w * h
	i := 0
	for y := 0; y < h; y++ {
		rowOff := img.PixOffset(0, y)
		row := img.Pix[rowOff : rowOff+4*w]
		for x := 0; x < w; x++ {
			r := float32(row[4*x]) / 255
			g := float32(row[4*x+1]) / 255
			bl := float32(row[4*x+2]) / 255
			if swapRB {
				r, bl = bl, r
			}
			out[i] = r
			out[plane+i] = g
			out[2*plane+i] = bl
			i++
		}
	}
	return out
}
