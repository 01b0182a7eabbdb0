package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Progress is a point-in-time view of a batch or a whole run.
type Progress struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
	Pending   int `json:"pending"`
}

func (p Progress) add(o Progress) Progress {
	return Progress{
		Total:     p.Total + o.Total,
		Processed: p.Processed + o.Processed,
		Failed:    p.Failed + o.Failed,
		Skipped:   p.Skipped + o.Skipped,
		Cancelled: p.Cancelled + o.Cancelled,
		Pending:   p.Pending + o.Pending,
	}
}

type outcome int

const (
	succeeded outcome = iota
	failed
	skipped
	cancelled
)

// Batch is one chunk of a run. Its completion callback fires exactly once,
// after every unit reached a final outcome.
type Batch struct {
	ID    string
	Index int
	Keys  []string

	processed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	cancelled atomic.Int64
	pending   atomic.Int64

	once       sync.Once
	done       chan struct{}
	finishedAt atomic.Pointer[time.Time]
	onComplete func(*Batch)
}

func newBatch(id string, index int, keys []string, onComplete func(*Batch)) *Batch {
	b := &Batch{
		ID:         id,
		Index:      index,
		Keys:       keys,
		done:       make(chan struct{}),
		onComplete: onComplete,
	}
	b.pending.Store(int64(len(keys)))
	return b
}

func (b *Batch) Progress() Progress {
	return Progress{
		Total:     len(b.Keys),
		Processed: int(b.processed.Load()),
		Failed:    int(b.failed.Load()),
		Skipped:   int(b.skipped.Load()),
		Cancelled: int(b.cancelled.Load()),
		Pending:   int(b.pending.Load()),
	}
}

func (b *Batch) Done() <-chan struct{} { return b.done }

// FinishedAt is nil until the batch completes.
func (b *Batch) FinishedAt() *time.Time { return b.finishedAt.Load() }

func (b *Batch) finish(o outcome) {
	switch o {
	case succeeded:
		b.processed.Add(1)
	case failed:
		b.failed.Add(1)
	case skipped:
		b.skipped.Add(1)
	case cancelled:
		b.cancelled.Add(1)
	}
	if b.pending.Add(-1) == 0 {
		b.complete()
	}
}

func (b *Batch) complete() {
	b.once.Do(func() {
		now := time.Now()
		b.finishedAt.Store(&now)
		if b.onComplete != nil {
			b.onComplete(b)
		}
		close(b.done)
	})
}

// Run is one dispatch of units over a key set.
type Run struct {
	ID        string
	Name      string
	Window    string
	StartedAt time.Time
	Batches   []*Batch

	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops dispatch and cancels in-flight units. Units already finished
// keep their results.
func (r *Run) Cancel() { r.cancel() }

func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until every batch completed or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) Finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Run) Progress() Progress {
	var p Progress
	for _, b := range r.Batches {
		p = p.add(b.Progress())
	}
	return p
}

// chunk splits keys into consecutive slices of at most size elements.
func chunk(keys []string, size int) [][]string {
	if size <= 0 {
		size = len(keys)
	}
	var out [][]string
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		out = append(out, keys[start:end])
	}
	return out
}
