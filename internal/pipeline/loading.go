package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/tensor"
	"github.com/ekisa-team/deployrt/mapsafe"
)

// PathKey is where loaders look for the file of key.
func PathKey(key string) string {
	return key + "_path"
}

func resolvePath(prefix, path string) string {
	if prefix == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(prefix, path)
}

// loadImageFromFile reads results[key_path] into results[key] as an
// (H, W, 3) uint8 tensor. An image already present under key is kept, which
// lets callers feed decoded images through the same pipeline.
type loadImageFromFile struct {
	key       string
	grayscale bool
	prefix    string
}

func newLoadImageFromFile(cfg config.StepConfig, opts Options) (Step, error) {
	colorType := mapsafe.Get(cfg, "color_type", "color")
	if colorType != "color" && colorType != "grayscale" {
		return nil, fmt.Errorf("unknown color_type %q", colorType)
	}
	return &loadImageFromFile{
		key:       mapsafe.Get(cfg, "key", "img"),
		grayscale: colorType == "grayscale",
		prefix:    opts.DataPrefix,
	}, nil
}

func (s *loadImageFromFile) Name() string { return "LoadImageFromFile" }

func (s *loadImageFromFile) Transform(r Results) (Results, error) {
	out := r.Clone()
	t, ok := r[s.key].(*tensor.Tensor)
	if !ok {
		path, ok := r[PathKey(s.key)].(string)
		if !ok || path == "" {
			return nil, errdefs.Input("no image under %q and no path under %q", s.key, PathKey(s.key))
		}
		img, err := ReadImage(resolvePath(s.prefix, path))
		if err != nil {
			return nil, errdefs.Input("load %s: %v", s.key, err)
		}
		t = tensor.FromImage(img)
	}

	if s.grayscale && t.Rank() == 3 {
		g, err := grayscale(s.key, t)
		if err != nil {
			return nil, err
		}
		t = g
	}

	out[s.key] = t
	out["ori_shape"] = t.Shape()
	out["img_shape"] = t.Shape()
	return out, nil
}

func grayscale(key string, t *tensor.Tensor) (*tensor.Tensor, error) {
	p, err := toPlane(key, t)
	if err != nil {
		return nil, err
	}
	g := newPlane(p.h, p.w, 1, p.dtype, true)
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			var sum float32
			for ch := 0; ch < p.c; ch++ {
				sum += p.at(y, x, ch)
			}
			g.set(y, x, 0, sum/float32(p.c))
		}
	}
	out, err := g.tensor()
	if err != nil {
		return nil, errdefs.Input("%s: %v", key, err)
	}
	return out, nil
}

// loadMask builds a (H, W, 1) float32 hole mask: 1 inside the hole.
type loadMask struct {
	mode      string
	bboxShape []int
	imgShape  []int
	refKey    string
	key       string
	prefix    string
}

func newLoadMask(cfg config.StepConfig, opts Options) (Step, error) {
	s := &loadMask{
		mode:   mapsafe.Get(cfg, "mask_mode", "bbox"),
		refKey: mapsafe.Get(cfg, "ref_key", "gt_img"),
		key:    mapsafe.Get(cfg, "key", "mask"),
		prefix: opts.DataPrefix,
	}
	switch s.mode {
	case "bbox":
		if v, ok := mapsafe.Ints(cfg, "bbox_shape"); ok {
			s.bboxShape = v
		} else if cfgMap, ok := cfg["mask_config"].(map[string]any); ok {
			s.bboxShape, _ = mapsafe.Ints(cfgMap, "bbox_shape")
			s.imgShape, _ = mapsafe.Ints(cfgMap, "img_shape")
		}
		// Without a bbox_shape the hole is half the image in each dimension.
		if s.bboxShape != nil && (len(s.bboxShape) != 2 || s.bboxShape[0] <= 0 || s.bboxShape[1] <= 0) {
			return nil, fmt.Errorf("bbox_shape must be [h, w], got %v", s.bboxShape)
		}
	case "file":
	default:
		return nil, fmt.Errorf("unknown mask_mode %q", s.mode)
	}
	if v, ok := mapsafe.Ints(cfg, "img_shape"); ok {
		s.imgShape = v
	}
	return s, nil
}

func (s *loadMask) Name() string { return "LoadMask" }

func (s *loadMask) Transform(r Results) (Results, error) {
	out := r.Clone()
	var mask plane
	switch s.mode {
	case "bbox":
		h, w, err := s.targetSize(r)
		if err != nil {
			return nil, err
		}
		bh, bw := max(h/2, 1), max(w/2, 1)
		if s.bboxShape != nil {
			bh, bw = min(s.bboxShape[0], h), min(s.bboxShape[1], w)
		}
		top, left := (h-bh)/2, (w-bw)/2
		mask = newPlane(h, w, 1, tensor.Float32, false)
		for y := top; y < top+bh; y++ {
			for x := left; x < left+bw; x++ {
				mask.set(y, x, 0, 1)
			}
		}
		out["mask_bbox"] = []int{top, left, bh, bw}
	case "file":
		path, ok := r[PathKey(s.key)].(string)
		if !ok || path == "" {
			return nil, errdefs.Input("no mask path under %q", PathKey(s.key))
		}
		img, err := ReadImage(resolvePath(s.prefix, path))
		if err != nil {
			return nil, errdefs.Input("load mask: %v", err)
		}
		p, _ := toPlane(s.key, tensor.FromImage(img))
		mask = newPlane(p.h, p.w, 1, tensor.Float32, false)
		for y := 0; y < p.h; y++ {
			for x := 0; x < p.w; x++ {
				if p.at(y, x, 0) > 0 {
					mask.set(y, x, 0, 1)
				}
			}
		}
	}

	t, err := mask.tensor()
	if err != nil {
		return nil, errdefs.Input("mask: %v", err)
	}
	out[s.key] = t
	return out, nil
}

func (s *loadMask) targetSize(r Results) (int, int, error) {
	if ref, ok := r[s.refKey].(*tensor.Tensor); ok && ref.Rank() >= 2 {
		shape := ref.Shape()
		return int(shape[0]), int(shape[1]), nil
	}
	if len(s.imgShape) >= 2 {
		return s.imgShape[0], s.imgShape[1], nil
	}
	return 0, 0, errdefs.Input("bbox mask needs %q in results or img_shape", s.refKey)
}
