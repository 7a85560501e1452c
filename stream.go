package localfirst

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultChunkSize is used when StreamOptions.ChunkSize is zero.
const DefaultChunkSize = 50

// StreamStatus is how a Process call ended.
type StreamStatus int

const (
	StreamCompleted StreamStatus = iota
	// StreamCanceled means ctx ended before every chunk ran. It is a normal
	// outcome, not an error.
	StreamCanceled
)

func (s StreamStatus) String() string {
	if s == StreamCanceled {
		return "canceled"
	}
	return "completed"
}

// StreamOptions configures Process. All callbacks are optional and are never
// called concurrently with each other.
type StreamOptions[T any] struct {
	// ChunkSize is the number of items dispatched together. Default 50.
	ChunkSize int
	// PauseBetweenChunks yields between chunks. Default 0.
	PauseBetweenChunks time.Duration
	// MaxConcurrency caps parallel items inside a chunk. Default 0, the
	// whole chunk at once.
	MaxConcurrency int

	OnProgress      func(percent float64)
	OnBatchComplete func(processed, total int, chunk []T)
	OnError         func(err error, item T, index int)
}

// StreamResult is the outcome of Process. Results is indexed like the input;
// items that failed, or belong to a discarded chunk, hold the zero value.
type StreamResult[R any] struct {
	Status    StreamStatus
	Results   []R
	Processed int
	Failed    int
}

// Process runs fn over items in sequential chunks, items inside a chunk in
// parallel. Cancellation of ctx is checked before each chunk and during the
// pause; a chunk already dispatched runs to completion but its results are
// discarded along with its OnError calls. An item's error or panic is
// reported to OnError and does not stop the run.
func Process[T, R any](ctx context.Context, items []T, fn func(ctx context.Context, item T, index int) (R, error), opts StreamOptions[T]) StreamResult[R] {
	size := opts.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	total := len(items)
	res := StreamResult[R]{Results: make([]R, total)}

	for start := 0; start < total; start += size {
		if ctx.Err() != nil {
			res.Status = StreamCanceled
			return res
		}
		if start > 0 && opts.PauseBetweenChunks > 0 {
			if !pause(ctx, opts.PauseBetweenChunks) {
				res.Status = StreamCanceled
				return res
			}
		}

		end := min(start+size, total)
		chunk := items[start:end]
		out, failures := runChunk(ctx, chunk, start, fn, opts)

		if ctx.Err() != nil {
			res.Status = StreamCanceled
			return res
		}
		copy(res.Results[start:end], out)
		res.Processed = end
		res.Failed += len(failures)
		if opts.OnError != nil {
			for _, f := range failures {
				opts.OnError(f.err, chunk[f.index-start], f.index)
			}
		}

		if opts.OnProgress != nil {
			opts.OnProgress(float64(end) * 100 / float64(total))
		}
		if opts.OnBatchComplete != nil {
			opts.OnBatchComplete(end, total, chunk)
		}
	}

	res.Status = StreamCompleted
	return res
}

type itemFailure struct {
	index int
	err   error
}

// runChunk returns the chunk's results and its failures ordered by index.
func runChunk[T, R any](ctx context.Context, chunk []T, offset int, fn func(ctx context.Context, item T, index int) (R, error), opts StreamOptions[T]) ([]R, []itemFailure) {
	out := make([]R, len(chunk))
	errs := make([]error, len(chunk))
	var g errgroup.Group
	if opts.MaxConcurrency > 0 {
		g.SetLimit(opts.MaxConcurrency)
	}

	for i, item := range chunk {
		index := offset + i
		g.Go(func() error {
			r, err := callItem(ctx, fn, item, index)
			if err != nil {
				errs[i] = err
				return nil
			}
			out[i] = r
			return nil
		})
	}
	_ = g.Wait()

	var failures []itemFailure
	for i, err := range errs {
		if err != nil {
			failures = append(failures, itemFailure{index: offset + i, err: err})
		}
	}
	return out, failures
}

func callItem[T, R any](ctx context.Context, fn func(ctx context.Context, item T, index int) (R, error), item T, index int) (r R, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("item %d panicked: %v", index, p)
		}
	}()
	return fn(ctx, item, index)
}

func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
