package detection

import (
	"github.com/ekisa-team/deployrt/internal/dataset"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/eval"
)

// IoUThreshold is the overlap a prediction needs to match a ground-truth box.
const IoUThreshold = 0.5

// metric counts greedy matches between predictions and ground truth of the
// same label, best-scoring predictions first.
type metric struct {
	tp, fp, gt int
}

func (m *metric) Add(result eval.Result, sample dataset.Sample) error {
	boxes, ok := sample.GT.([]dataset.Box)
	if !ok {
		return nil
	}
	r, ok := result.(Result)
	if !ok {
		return errdefs.Dataset("unexpected result %T", result)
	}

	m.gt += len(boxes)
	matched := make([]bool, len(boxes))
	for _, d := range r.Detections {
		best, bestIoU := -1, IoUThreshold
		for j, b := range boxes {
			if matched[j] || b.Label != d.Label {
				continue
			}
			if v := iou(d.Box, b); v >= bestIoU {
				best, bestIoU = j, v
			}
		}
		if best < 0 {
			m.fp++
			continue
		}
		matched[best] = true
		m.tp++
	}
	return nil
}

func (m *metric) Finalize() map[string]float64 {
	out := map[string]float64{"precision": 0, "recall": 0}
	if m.tp+m.fp > 0 {
		out["precision"] = float64(m.tp) / float64(m.tp+m.fp)
	}
	if m.gt > 0 {
		out["recall"] = float64(m.tp) / float64(m.gt)
	}
	return out
}

func iou(a, b dataset.Box) float64 {
	iw := min(a.X2, b.X2) - max(a.X1, b.X1)
	ih := min(a.Y2, b.Y2) - max(a.Y1, b.Y1)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := (a.X2-a.X1)*(a.Y2-a.Y1) + (b.X2-b.X1)*(b.Y2-b.Y1) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
