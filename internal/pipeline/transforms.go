package pipeline

import (
	"fmt"
	"math"
	"strings"

	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/tensor"
	"github.com/ekisa-team/deployrt/mapsafe"
)

func keysOf(cfg config.StepConfig, def ...string) []string {
	if keys, ok := mapsafe.Strings(cfg, "keys"); ok {
		return keys
	}
	return def
}

// isMaskKey reports whether key holds a mask, which is resized with nearest
// neighbour so it stays binary.
func isMaskKey(key string) bool {
	return key == "mask" || strings.HasSuffix(key, "_mask")
}

// resize scales every key to the same target size.
type resize struct {
	keys      []string
	scale     []int // [w, h]
	keepRatio bool
	nearest   bool
}

func newResize(cfg config.StepConfig, _ Options) (Step, error) {
	scale, ok := mapsafe.Ints(cfg, "scale")
	if !ok {
		if n := mapsafe.Get(cfg, "scale", 0); n > 0 {
			scale = []int{n, n}
		}
	}
	if len(scale) != 2 || scale[0] <= 0 || scale[1] <= 0 {
		return nil, fmt.Errorf("resize needs scale [w, h]")
	}
	interp := mapsafe.Get(cfg, "interpolation", "bilinear")
	if interp != "bilinear" && interp != "nearest" {
		return nil, fmt.Errorf("unknown interpolation %q", interp)
	}
	return &resize{
		keys:      keysOf(cfg, "img"),
		scale:     scale,
		keepRatio: mapsafe.Get(cfg, "keep_ratio", false),
		nearest:   interp == "nearest",
	}, nil
}

func (s *resize) Name() string { return "Resize" }

func (s *resize) Transform(r Results) (Results, error) {
	out := r.Clone()
	for _, key := range s.keys {
		t, err := r.Tensor(key)
		if err != nil {
			return nil, err
		}
		p, err := toPlane(key, t)
		if err != nil {
			return nil, err
		}

		w, h := s.scale[0], s.scale[1]
		if s.keepRatio {
			f := math.Min(float64(s.scale[0])/float64(p.w), float64(s.scale[1])/float64(p.h))
			w = max(1, int(math.Round(float64(p.w)*f)))
			h = max(1, int(math.Round(float64(p.h)*f)))
		}

		resized, err := p.resize(h, w, s.nearest || isMaskKey(key)).tensor()
		if err != nil {
			return nil, errdefs.Input("%s: %v", key, err)
		}
		out[key] = resized
		out["img_shape"] = resized.Shape()
		out["scale_factor"] = []float64{float64(w) / float64(p.w), float64(h) / float64(p.h)}
	}
	return out, nil
}

// centerCrop cuts the central [h, w] window.
type centerCrop struct {
	keys []string
	size []int // [w, h]
}

func newCenterCrop(cfg config.StepConfig, _ Options) (Step, error) {
	size, ok := mapsafe.Ints(cfg, "crop_size")
	if !ok {
		if n := mapsafe.Get(cfg, "crop_size", 0); n > 0 {
			size = []int{n, n}
		}
	}
	if len(size) != 2 || size[0] <= 0 || size[1] <= 0 {
		return nil, fmt.Errorf("center crop needs crop_size")
	}
	return &centerCrop{keys: keysOf(cfg, "img"), size: size}, nil
}

func (s *centerCrop) Name() string { return "CenterCrop" }

func (s *centerCrop) Transform(r Results) (Results, error) {
	out := r.Clone()
	for _, key := range s.keys {
		t, err := r.Tensor(key)
		if err != nil {
			return nil, err
		}
		p, err := toPlane(key, t)
		if err != nil {
			return nil, err
		}
		w, h := min(s.size[0], p.w), min(s.size[1], p.h)
		cropped, err := p.crop((p.h-h)/2, (p.w-w)/2, h, w).tensor()
		if err != nil {
			return nil, errdefs.Input("%s: %v", key, err)
		}
		out[key] = cropped
		out["img_shape"] = cropped.Shape()
	}
	return out, nil
}

// pad extends images at the bottom and right to a multiple of divisor.
type pad struct {
	keys    []string
	divisor int
	value   float32
}

func newPad(cfg config.StepConfig, _ Options) (Step, error) {
	divisor := mapsafe.Get(cfg, "size_divisor", 32)
	if divisor <= 0 {
		return nil, fmt.Errorf("size_divisor must be positive")
	}
	return &pad{
		keys:    keysOf(cfg, "img"),
		divisor: divisor,
		value:   float32(mapsafe.Get(cfg, "pad_val", 0.0)),
	}, nil
}

func (s *pad) Name() string { return "Pad" }

func (s *pad) Transform(r Results) (Results, error) {
	out := r.Clone()
	for _, key := range s.keys {
		t, err := r.Tensor(key)
		if err != nil {
			return nil, err
		}
		p, err := toPlane(key, t)
		if err != nil {
			return nil, err
		}
		h := (p.h + s.divisor - 1) / s.divisor * s.divisor
		w := (p.w + s.divisor - 1) / s.divisor * s.divisor
		padded, err := p.pad(h, w, s.value).tensor()
		if err != nil {
			return nil, errdefs.Input("%s: %v", key, err)
		}
		out[key] = padded
		out["pad_shape"] = padded.Shape()
	}
	return out, nil
}

// normalize computes (x - mean) / std per channel in float32.
type normalize struct {
	keys      []string
	mean, std []float64
	toRGB     bool
}

func newNormalize(cfg config.StepConfig, _ Options) (Step, error) {
	mean, ok1 := mapsafe.Floats(cfg, "mean")
	std, ok2 := mapsafe.Floats(cfg, "std")
	if !ok1 || !ok2 || len(mean) != len(std) || len(mean) == 0 {
		return nil, fmt.Errorf("normalize needs mean and std of equal length")
	}
	for _, v := range std {
		if v == 0 {
			return nil, fmt.Errorf("std must be non-zero")
		}
	}
	return &normalize{
		keys:  keysOf(cfg, "img"),
		mean:  mean,
		std:   std,
		toRGB: mapsafe.Get(cfg, "to_rgb", false),
	}, nil
}

func (s *normalize) Name() string { return "Normalize" }

func (s *normalize) Transform(r Results) (Results, error) {
	out := r.Clone()
	for _, key := range s.keys {
		t, err := r.Tensor(key)
		if err != nil {
			return nil, err
		}
		p, err := toPlane(key, t)
		if err != nil {
			return nil, err
		}
		if p.c != len(s.mean) {
			return nil, errdefs.Input("%s has %d channels, normalize has %d", key, p.c, len(s.mean))
		}

		n := newPlane(p.h, p.w, p.c, tensor.Float32, p.flat)
		for y := 0; y < p.h; y++ {
			for x := 0; x < p.w; x++ {
				for ch := 0; ch < p.c; ch++ {
					src := ch
					if s.toRGB {
						src = p.c - 1 - ch
					}
					n.set(y, x, ch, float32((float64(p.at(y, x, src))-s.mean[ch])/s.std[ch]))
				}
			}
		}
		nt, err := n.tensor()
		if err != nil {
			return nil, errdefs.Input("%s: %v", key, err)
		}
		out[key] = nt
	}
	out["img_norm_cfg"] = map[string]any{"mean": s.mean, "std": s.std, "to_rgb": s.toRGB}
	return out, nil
}

// getMaskedImage writes img * (1 - mask) to masked_img.
type getMaskedImage struct {
	imgName  string
	maskName string
}

func newGetMaskedImage(cfg config.StepConfig, _ Options) (Step, error) {
	return &getMaskedImage{
		imgName:  mapsafe.Get(cfg, "img_name", "gt_img"),
		maskName: mapsafe.Get(cfg, "mask_name", "mask"),
	}, nil
}

func (s *getMaskedImage) Name() string { return "GetMaskedImage" }

func (s *getMaskedImage) Transform(r Results) (Results, error) {
	imgT, err := r.Tensor(s.imgName)
	if err != nil {
		return nil, err
	}
	maskT, err := r.Tensor(s.maskName)
	if err != nil {
		return nil, err
	}
	img, err := toPlane(s.imgName, imgT)
	if err != nil {
		return nil, err
	}
	mask, err := toPlane(s.maskName, maskT)
	if err != nil {
		return nil, err
	}
	if img.h != mask.h || img.w != mask.w || (mask.c != 1 && mask.c != img.c) {
		return nil, errdefs.Input("mask %s does not match image %s", maskT, imgT)
	}

	masked := newPlane(img.h, img.w, img.c, tensor.Float32, img.flat)
	for y := 0; y < img.h; y++ {
		for x := 0; x < img.w; x++ {
			for ch := 0; ch < img.c; ch++ {
				m := mask.at(y, x, min(ch, mask.c-1))
				masked.set(y, x, ch, img.at(y, x, ch)*(1-m))
			}
		}
	}
	t, err := masked.tensor()
	if err != nil {
		return nil, errdefs.Input("masked_img: %v", err)
	}
	out := r.Clone()
	out["masked_img"] = t
	return out, nil
}

// imageToTensor converts HWC to CHW; (H, W) becomes (1, H, W).
type imageToTensor struct {
	keys []string
}

func newImageToTensor(cfg config.StepConfig, _ Options) (Step, error) {
	return &imageToTensor{keys: keysOf(cfg, "img")}, nil
}

func (s *imageToTensor) Name() string { return "ImageToTensor" }

func (s *imageToTensor) Transform(r Results) (Results, error) {
	out := r.Clone()
	for _, key := range s.keys {
		t, err := r.Tensor(key)
		if err != nil {
			return nil, err
		}
		p, err := toPlane(key, t)
		if err != nil {
			return nil, err
		}
		chw := make([]float32, len(p.v))
		for y := 0; y < p.h; y++ {
			for x := 0; x < p.w; x++ {
				for ch := 0; ch < p.c; ch++ {
					chw[(ch*p.h+y)*p.w+x] = p.at(y, x, ch)
				}
			}
		}
		ft, err := tensor.FromFloat32(tensor.Shape{int64(p.c), int64(p.h), int64(p.w)}, chw)
		if err != nil {
			return nil, errdefs.Input("%s: %v", key, err)
		}
		ct, err := ft.Cast(p.dtype)
		if err != nil {
			return nil, errdefs.Input("%s: %v", key, err)
		}
		out[key] = ct
	}
	return out, nil
}

// MetaKey is where Collect stores the selected metadata.
const MetaKey = "meta"

// collect keeps only keys plus a meta dictionary of meta_keys.
type collect struct {
	keys     []string
	metaKeys []string
}

func newCollect(cfg config.StepConfig, _ Options) (Step, error) {
	keys, ok := mapsafe.Strings(cfg, "keys")
	if !ok || len(keys) == 0 {
		return nil, fmt.Errorf("collect needs keys")
	}
	metaKeys, _ := mapsafe.Strings(cfg, "meta_keys")
	return &collect{keys: keys, metaKeys: metaKeys}, nil
}

func (s *collect) Name() string { return "Collect" }

func (s *collect) Transform(r Results) (Results, error) {
	out := Results{}
	for _, key := range s.keys {
		v, ok := r[key]
		if !ok {
			return nil, errdefs.Input("collect: results have no %q (have %v)", key, r.Keys())
		}
		out[key] = v
	}
	meta := map[string]any{}
	for _, key := range s.metaKeys {
		if v, ok := r[key]; ok {
			meta[key] = v
		}
	}
	out[MetaKey] = meta
	return out, nil
}
