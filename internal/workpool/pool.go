// Package workpool runs independent per-voxel work on a bounded set of
// goroutines.
package workpool

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ProgressCallback reports progress during a parallel loop
type ProgressCallback func(completed, total int)

// Options configures a parallel loop
type Options struct {
	// Workers is the number of goroutines. Values < 1 mean runtime.NumCPU().
	Workers int

	// Progress, if set, is called after every finished chunk
	Progress ProgressCallback
}

// ForEach calls fn(i) for every i in [0, n). The range is split into one
// contiguous chunk per worker. The first error cancels the remaining chunks
// and is returned.
func ForEach(ctx context.Context, n int, opts Options, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}

	workers := opts.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}

	// Sequential path keeps small loops free of goroutine overhead
	if workers == 1 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(i); err != nil {
				return err
			}
		}
		if opts.Progress != nil {
			opts.Progress(n, n)
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	perWorker := (n + workers - 1) / workers
	var completed atomic.Int64

	for w := 0; w < workers; w++ {
		startIdx := w * perWorker
		endIdx := startIdx + perWorker
		if endIdx > n {
			endIdx = n
		}
		if startIdx >= n {
			break
		}

		g.Go(func() error {
			for i := startIdx; i < endIdx; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := fn(i); err != nil {
					return err
				}
			}
			done := completed.Add(int64(endIdx - startIdx))
			if opts.Progress != nil {
				opts.Progress(int(done), n)
			}
			return nil
		})
	}

	return g.Wait()
}
