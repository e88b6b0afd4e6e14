// internal/batch/batch.go
package batch

import (
	"context"

	"golang.org/x/sync/errgroup"

	custom_errors "github.com/phrazzld/gitpulse-sub011/internal/errors"
)

const (
	// DefaultBatchSize is the number of items handed to one worker call.
	DefaultBatchSize = 10
	// DefaultConcurrency is the number of batches allowed in flight at once.
	DefaultConcurrency = 3
)

// Options bound the fan-out.
type Options struct {
	BatchSize   int
	Concurrency int
}

// DefaultOptions returns 10 items per batch and 3 batches in flight.
func DefaultOptions() Options {
	return Options{BatchSize: DefaultBatchSize, Concurrency: DefaultConcurrency}
}

func (o Options) normalized() Options {
	if o.BatchSize < 1 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Concurrency < 1 {
		o.Concurrency = DefaultConcurrency
	}
	return o
}

// Worker processes one batch.
type Worker[T, R any] func(ctx context.Context, batch []T) ([]R, error)

// Split partitions items into consecutive batches of at most size items.
func Split[T any](items []T, size int) [][]T {
	if size < 1 {
		size = DefaultBatchSize
	}
	batches := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		batches = append(batches, items[start:end])
	}
	return batches
}

// Run splits items into batches and runs worker over them with bounded
// concurrency. Results are joined in batch order regardless of completion
// order.
//
// A NotFoundError from a batch counts as zero results for that batch. Any
// other error cancels the context seen by in-flight batches, prevents
// pending batches from starting, and is returned classified.
func Run[T, R any](ctx context.Context, items []T, opts Options, worker Worker[T, R]) ([]R, error) {
	opts = opts.normalized()
	batches := Split(items, opts.BatchSize)
	results := make([][]R, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for i, b := range batches {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			out, err := worker(gctx, b)
			if err != nil {
				ce := custom_errors.Classify(err)
				if ce.Kind == custom_errors.KindNotFound {
					return nil
				}
				return ce
			}
			results[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, custom_errors.Classify(err)
	}

	var total int
	for _, r := range results {
		total += len(r)
	}
	joined := make([]R, 0, total)
	for _, r := range results {
		joined = append(joined, r...)
	}
	return joined, nil
}
