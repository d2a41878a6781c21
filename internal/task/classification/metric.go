package classification

import (
	"fmt"

	"github.com/ekisa-team/deployrt/internal/dataset"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/eval"
)

// metric reports top-1 and top-k accuracy in percent. k is the size of the
// ranking the results carry.
type metric struct {
	n, top1, topK int
	k             int
}

func (m *metric) Add(result eval.Result, sample dataset.Sample) error {
	label, ok := sample.GT.(int)
	if !ok {
		return nil
	}
	r, ok := result.(Result)
	if !ok {
		return errdefs.Dataset("unexpected result %T", result)
	}

	m.n++
	m.k = max(m.k, len(r.TopK))
	if r.Label == label {
		m.top1++
	}
	for _, s := range r.TopK {
		if s.Label == label {
			m.topK++
			break
		}
	}
	return nil
}

func (m *metric) Finalize() map[string]float64 {
	out := map[string]float64{"accuracy_top-1": 0}
	if m.n == 0 {
		return out
	}
	out["accuracy_top-1"] = 100 * float64(m.top1) / float64(m.n)
	if m.k > 1 {
		out[fmt.Sprintf("accuracy_top-%d", m.k)] = 100 * float64(m.topK) / float64(m.n)
	}
	return out
}
