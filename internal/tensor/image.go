package tensor

import (
	"fmt"
	"image"
	"image/color"
	"math"
)

// FromImage converts img into an (H, W, 3) uint8 RGB tensor.
func FromImage(img image.Image) *Tensor {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	buf := make([]byte, 0, h*w*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			buf = append(buf, c.R, c.G, c.B)
		}
	}
	return &Tensor{dtype: Uint8, shape: Shape{int64(h), int64(w), 3}, data: buf}
}

// ToImage renders an image tensor. Accepted layouts are (H, W), (H, W, C)
// and (C, H, W) with C of 1 or 3, optionally with a leading batch axis of 1.
// Float tensors whose maximum is at most 1 are treated as [0, 1] and scaled.
func ToImage(t *Tensor) (image.Image, error) {
	if t.Rank() == 4 {
		t = t.SqueezeLeading()
	}
	var h, w, c int
	chw := false
	switch {
	case t.Rank() == 2:
		h, w, c = int(t.shape[0]), int(t.shape[1]), 1
	case t.Rank() == 3 && (t.shape[2] == 1 || t.shape[2] == 3):
		h, w, c = int(t.shape[0]), int(t.shape[1]), int(t.shape[2])
	case t.Rank() == 3 && (t.shape[0] == 1 || t.shape[0] == 3):
		c, h, w = int(t.shape[0]), int(t.shape[1]), int(t.shape[2])
		chw = true
	default:
		return nil, fmt.Errorf("cannot render %s as an image", t)
	}

	values := t.Float32s()
	scale := float32(1)
	if t.dtype == Float32 {
		var maxV float32
		for _, v := range values {
			maxV = max(maxV, v)
		}
		if maxV <= 1 {
			scale = 255
		}
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	at := func(y, x, ch int) uint8 {
		var v float32
		if chw {
			v = values[ch*h*w+y*w+x]
		} else {
			v = values[(y*w+x)*c+ch]
		}
		return uint8(math.Max(0, math.Min(255, math.Round(float64(v*scale)))))
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if c == 1 {
				g := at(y, x, 0)
				img.SetRGBA(x, y, color.RGBA{R: g, G: g, B: g, A: 255})
				continue
			}
			img.SetRGBA(x, y, color.RGBA{R: at(y, x, 0), G: at(y, x, 1), B: at(y, x, 2), A: 255})
		}
	}
	return img, nil
}
