package tzm

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// ctxMutex is a mutual-exclusion lock whose acquisition can be abandoned
// through a context.
type ctxMutex struct {
	sem *semaphore.Weighted
}

func newCtxMutex() *ctxMutex {
	return &ctxMutex{sem: semaphore.NewWeighted(1)}
}

// lock blocks until the lock is held or ctx is done. A context that is
// already done never acquires, even if the lock is free.
func (m *ctxMutex) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return nil
}

func (m *ctxMutex) unlock() {
	m.sem.Release(1)
}
