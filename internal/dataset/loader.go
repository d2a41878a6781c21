package dataset

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ekisa-team/deployrt/internal/errdefs"
)

// Batch is a run of consecutive samples.
type Batch struct {
	Index   int
	Samples []Sample
}

// Loader serves a dataset in batches, in dataset order. Workers fetch the
// samples of upcoming batches in the background.
type Loader struct {
	ds        Dataset
	batchSize int
	workers   int
}

// NewLoader creates a loader. A workers value below 1 means one worker.
func NewLoader(ds Dataset, batchSize, workers int) (*Loader, error) {
	if ds == nil {
		return nil, errdefs.Dataset("loader needs a dataset")
	}
	if batchSize < 1 {
		return nil, errdefs.Dataset("batch size must be positive, got %d", batchSize)
	}
	return &Loader{ds: ds, batchSize: batchSize, workers: max(1, workers)}, nil
}

// Dataset returns the underlying dataset.
func (l *Loader) Dataset() Dataset {
	return l.ds
}

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int {
	return l.batchSize
}

// Len returns the number of batches per pass.
func (l *Loader) Len() int {
	return (l.ds.Len() + l.batchSize - 1) / l.batchSize
}

// Iter starts a new pass over the dataset. Every pass yields the same
// batches in the same order. The iterator must be closed.
func (l *Loader) Iter(ctx context.Context) *Iterator {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Batch, l.workers)
	it := &Iterator{ch: ch, cancel: cancel}

	go func() {
		defer close(ch)
		it.prodErr = l.produce(ctx, ch)
	}()
	return it
}

func (l *Loader) produce(ctx context.Context, ch chan<- Batch) error {
	n := l.ds.Len()
	for b, start := 0, 0; start < n; b, start = b+1, start+l.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+l.batchSize, n)
		samples := make([]Sample, end-start)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(l.workers)
		for i := start; i < end; i++ {
			g.Go(func() error {
				s, err := l.ds.Get(gctx, i)
				if err != nil {
					return err
				}
				samples[i-start] = s
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		select {
		case ch <- Batch{Index: b, Samples: samples}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Iterator walks one pass of a Loader.
type Iterator struct {
	ch      <-chan Batch
	cancel  context.CancelFunc
	cur     Batch
	prodErr error
	err     error
	done    bool
}

// Next advances to the next batch. It returns false at the end of the pass
// or on error; check Err afterwards.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	b, ok := <-it.ch
	if !ok {
		it.done = true
		it.err = it.prodErr
		return false
	}
	it.cur = b
	return true
}

// Value returns the current batch.
func (it *Iterator) Value() Batch {
	return it.cur
}

// Err returns the error that ended the pass, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Close stops background fetching. It is safe to call more than once.
func (it *Iterator) Close() error {
	it.cancel()
	for range it.ch {
	}
	it.done = true
	return nil
}
