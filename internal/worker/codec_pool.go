package worker

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// CodecPool bounds CPU-heavy image work so a burst of cover jobs cannot starve the
// other jobs running in the same process.
type CodecPool struct {
	sem *semaphore.Weighted
}

// NewCodecPool allows size concurrent codec operations.
func NewCodecPool(size int) *CodecPool {
	if size < 1 {
		size = 1
	}
	return &CodecPool{sem: semaphore.NewWeighted(int64(size))}
}

// Do runs fn once a slot is free. It returns ctx.Err() if the wait is cancelled.
func (p *CodecPool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
