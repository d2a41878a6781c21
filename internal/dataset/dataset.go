// Package dataset reads list-style annotation files into samples and serves
// them in batches through a prefetching loader.
package dataset

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/pipeline"
	"github.com/ekisa-team/deployrt/internal/storage"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

// Sample is one dataset item.
type Sample struct {
	Index int
	// Raw is the image path, suitable for a processor's BuildInput.
	Raw string
	// Data is the output of the split pipeline; nil when the split declares
	// no pipeline.
	Data pipeline.Results
	// GT is the ground truth: *tensor.Tensor for inpainting, int for
	// classification, []Box for detection.
	GT any
}

// Box is one labelled detection box in pixel coordinates.
type Box struct {
	X1, Y1, X2, Y2 float64
	Label          int
}

// Dataset is a finite, indexable collection of samples.
type Dataset interface {
	Type() string
	Len() int
	Get(ctx context.Context, i int) (Sample, error)
}

type entry struct {
	path     string
	maskPath string
	label    int
	boxes    []Box
}

type parser func(fields []string) (entry, error)

type kind struct {
	imageKey string
	parse    parser
	gt       func(ctx context.Context, e entry, path string) (any, error)
}

var kinds = map[string]kind{
	"ImgInpaintingDataset":   {imageKey: "gt_img", parse: parseInpainting, gt: loadImageGT},
	"ImageNet":               {imageKey: "img", parse: parseClassification, gt: labelGT},
	"CustomDataset":          {imageKey: "img", parse: parseClassification, gt: labelGT},
	"SimpleDetectionDataset": {imageKey: "img", parse: parseDetection, gt: boxesGT},
}

// Types returns the supported dataset types, sorted.
func Types() []string {
	names := lo.Keys(kinds)
	sort.Strings(names)
	return names
}

// Build reads the split's annotation file and compiles its pipeline.
// ann_file and data_prefix may be s3:// URIs; they are localized through
// fetcher, which may be nil when only local paths are used.
func Build(ctx context.Context, cfg config.DatasetConfig, fetcher *storage.Fetcher) (Dataset, error) {
	k, ok := kinds[cfg.Type]
	if !ok {
		return nil, errdefs.Dataset("unknown dataset type %q (supported: %v)", cfg.Type, Types())
	}
	if cfg.AnnFile == "" {
		return nil, errdefs.Dataset("%s: ann_file is required", cfg.Type)
	}
	if fetcher == nil {
		fetcher = storage.NewFetcher(nil, "")
	}

	annFile, err := fetcher.Localize(ctx, cfg.AnnFile)
	if err != nil {
		return nil, errdefs.Dataset("%s: %v", cfg.Type, err)
	}
	prefix := cfg.DataPrefix
	if prefix != "" {
		if prefix, err = fetcher.Localize(ctx, prefix); err != nil {
			return nil, errdefs.Dataset("%s: %v", cfg.Type, err)
		}
	}

	entries, err := readAnnotations(annFile, k.parse)
	if err != nil {
		return nil, errdefs.Dataset("%s: %v", cfg.Type, err)
	}

	p, err := pipeline.Build(cfg.Pipeline, pipeline.Options{DataPrefix: prefix})
	if err != nil {
		return nil, err
	}

	return &listDataset{
		typ:      cfg.Type,
		kind:     k,
		entries:  entries,
		prefix:   prefix,
		pipeline: p,
		hasSteps: len(cfg.Pipeline) > 0,
	}, nil
}

type listDataset struct {
	typ      string
	kind     kind
	entries  []entry
	prefix   string
	pipeline *pipeline.Pipeline
	hasSteps bool
}

func (d *listDataset) Type() string { return d.typ }

func (d *listDataset) Len() int { return len(d.entries) }

func (d *listDataset) Get(ctx context.Context, i int) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	if i < 0 || i >= len(d.entries) {
		return Sample{}, errdefs.Dataset("index %d out of range [0, %d)", i, len(d.entries))
	}

	e := d.entries[i]
	path := d.resolve(e.path)
	s := Sample{Index: i, Raw: path}

	if d.hasSteps {
		r := pipeline.Results{pipeline.PathKey(d.kind.imageKey): path}
		if e.maskPath != "" {
			r[pipeline.PathKey("mask")] = d.resolve(e.maskPath)
		}
		data, err := d.pipeline.Run(r)
		if err != nil {
			return Sample{}, errdefs.Ensure(errdefs.ErrDataset, fmt.Errorf("sample %d: %w", i, err))
		}
		s.Data = data
	}

	gt, err := d.kind.gt(ctx, e, path)
	if err != nil {
		return Sample{}, errdefs.Dataset("sample %d: %v", i, err)
	}
	s.GT = gt
	return s, nil
}

func (d *listDataset) resolve(path string) string {
	if d.prefix == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(d.prefix, path)
}

func readAnnotations(path string, parse parser) ([]entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []entry
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		e, err := parse(strings.Fields(text))
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseInpainting(fields []string) (entry, error) {
	e := entry{path: fields[0]}
	if len(fields) > 1 {
		e.maskPath = fields[1]
	}
	return e, nil
}

func parseClassification(fields []string) (entry, error) {
	if len(fields) != 2 {
		return entry{}, fmt.Errorf("want \"path label\", got %d fields", len(fields))
	}
	label, err := strconv.Atoi(fields[1])
	if err != nil || label < 0 {
		return entry{}, fmt.Errorf("invalid label %q", fields[1])
	}
	return entry{path: fields[0], label: label}, nil
}

func parseDetection(fields []string) (entry, error) {
	e := entry{path: fields[0]}
	for _, f := range fields[1:] {
		parts := strings.Split(f, ",")
		if len(parts) != 5 {
			return entry{}, fmt.Errorf("box %q: want x1,y1,x2,y2,label", f)
		}
		var v [4]float64
		for i := range v {
			n, err := strconv.ParseFloat(parts[i], 64)
			if err != nil {
				return entry{}, fmt.Errorf("box %q: %w", f, err)
			}
			v[i] = n
		}
		label, err := strconv.Atoi(parts[4])
		if err != nil {
			return entry{}, fmt.Errorf("box %q: invalid label", f)
		}
		if v[2] < v[0] || v[3] < v[1] {
			return entry{}, fmt.Errorf("box %q: corners out of order", f)
		}
		e.boxes = append(e.boxes, Box{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3], Label: label})
	}
	return e, nil
}

func loadImageGT(_ context.Context, _ entry, path string) (any, error) {
	img, err := pipeline.ReadImage(path)
	if err != nil {
		return nil, err
	}
	return tensor.FromImage(img), nil
}

func labelGT(_ context.Context, e entry, _ string) (any, error) {
	return e.label, nil
}

func boxesGT(_ context.Context, e entry, _ string) (any, error) {
	return append([]Box(nil), e.boxes...), nil
}
