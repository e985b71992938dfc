package sync

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ParallelMap runs fn over items with at most workers goroutines and returns
// the results in input order. fn reports failures inside R, so one item
// failing never cancels its siblings.
//
// The onProgress callback is called after each item is processed.
func ParallelMap[T any, R any](
	ctx context.Context,
	items []T,
	workers int,
	fn func(ctx context.Context, item T) R,
	onProgress func(done int64, total int64),
) []R {
	if len(items) == 0 {
		return nil
	}

	total := int64(len(items))
	out := make([]R, len(items))
	var done int64

	var g errgroup.Group
	g.SetLimit(normalizeWorkers(workers, len(items)))
	for i, item := range items {
		g.Go(func() error {
			out[i] = fn(ctx, item)
			n := atomic.AddInt64(&done, 1)
			if onProgress != nil {
				onProgress(n, total)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// normalizeWorkers ensures worker count is between 1 and item count.
func normalizeWorkers(workers, itemCount int) int {
	if workers < 1 {
		workers = 1
	}
	if workers > itemCount {
		workers = itemCount
	}
	return workers
}
