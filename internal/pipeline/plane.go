package pipeline

import (
	"math"

	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

// plane is an HWC image unpacked to float32 for arithmetic.
type plane struct {
	h, w, c int
	v       []float32
	dtype   tensor.DType
	flat    bool // originally (H, W)
}

func toPlane(key string, t *tensor.Tensor) (plane, error) {
	s := t.Shape()
	switch t.Rank() {
	case 2:
		return plane{h: int(s[0]), w: int(s[1]), c: 1, v: t.Float32s(), dtype: t.DType(), flat: true}, nil
	case 3:
		return plane{h: int(s[0]), w: int(s[1]), c: int(s[2]), v: t.Float32s(), dtype: t.DType()}, nil
	default:
		return plane{}, errdefs.Input("%s: want an (H, W) or (H, W, C) image, got %s", key, t)
	}
}

func newPlane(h, w, c int, dtype tensor.DType, flat bool) plane {
	return plane{h: h, w: w, c: c, v: make([]float32, h*w*c), dtype: dtype, flat: flat}
}

func (p plane) at(y, x, ch int) float32 {
	return p.v[(y*p.w+x)*p.c+ch]
}

func (p plane) set(y, x, ch int, v float32) {
	p.v[(y*p.w+x)*p.c+ch] = v
}

func (p plane) tensor() (*tensor.Tensor, error) {
	shape := tensor.Shape{int64(p.h), int64(p.w), int64(p.c)}
	if p.flat {
		shape = shape[:2]
	}
	t, err := tensor.FromFloat32(shape, p.v)
	if err != nil {
		return nil, err
	}
	return t.Cast(p.dtype)
}

func (p plane) resize(h, w int, nearest bool) plane {
	out := newPlane(h, w, p.c, p.dtype, p.flat)
	sy := float64(p.h) / float64(h)
	sx := float64(p.w) / float64(w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// pixel centers are aligned as in cv2.resize
			fy := (float64(y)+0.5)*sy - 0.5
			fx := (float64(x)+0.5)*sx - 0.5
			if nearest {
				ny := clampInt(int(math.Floor(float64(y)*sy)), 0, p.h-1)
				nx := clampInt(int(math.Floor(float64(x)*sx)), 0, p.w-1)
				for ch := 0; ch < p.c; ch++ {
					out.set(y, x, ch, p.at(ny, nx, ch))
				}
				continue
			}
			y0 := clampInt(int(math.Floor(fy)), 0, p.h-1)
			x0 := clampInt(int(math.Floor(fx)), 0, p.w-1)
			y1 := clampInt(y0+1, 0, p.h-1)
			x1 := clampInt(x0+1, 0, p.w-1)
			wy := float32(math.Max(0, math.Min(1, fy-float64(y0))))
			wx := float32(math.Max(0, math.Min(1, fx-float64(x0))))
			for ch := 0; ch < p.c; ch++ {
				top := p.at(y0, x0, ch)*(1-wx) + p.at(y0, x1, ch)*wx
				bottom := p.at(y1, x0, ch)*(1-wx) + p.at(y1, x1, ch)*wx
				out.set(y, x, ch, top*(1-wy)+bottom*wy)
			}
		}
	}
	return out
}

func (p plane) crop(y0, x0, h, w int) plane {
	out := newPlane(h, w, p.c, p.dtype, p.flat)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < p.c; ch++ {
				out.set(y, x, ch, p.at(y0+y, x0+x, ch))
			}
		}
	}
	return out
}

func (p plane) pad(h, w int, value float32) plane {
	out := newPlane(h, w, p.c, p.dtype, p.flat)
	for i := range out.v {
		out.v[i] = value
	}
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			for ch := 0; ch < p.c; ch++ {
				out.set(y, x, ch, p.at(y, x, ch))
			}
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
