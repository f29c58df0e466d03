package importer

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTooManyImports is returned when every chunk-processing slot is occupied
// and the wait timeout expires. Clients should retry after a short delay.
var ErrTooManyImports = errors.New("too many concurrent imports, please try again later")

// ChunkLimiter bounds how many chunk requests process concurrently, so a
// burst of large imports cannot exhaust database connections or file
// handles. Waiters block up to maxWait for a slot.
type ChunkLimiter struct {
	slots   chan struct{}
	maxWait time.Duration

	mu     sync.Mutex
	active int
}

// NewChunkLimiter creates a limiter allowing maxConcurrent simultaneous
// chunk requests.
func NewChunkLimiter(maxConcurrent int, maxWait time.Duration) *ChunkLimiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &ChunkLimiter{
		slots:   make(chan struct{}, maxConcurrent),
		maxWait: maxWait,
	}
}

// Acquire blocks until a slot is free, the wait times out, or ctx is
// cancelled. Callers must Release after a successful Acquire.
func (l *ChunkLimiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.slots <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyImports
	}
}

// Release frees a slot acquired by Acquire.
func (l *ChunkLimiter) Release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()
	<-l.slots
}

// Active returns the number of chunk requests currently processing.
func (l *ChunkLimiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Drain blocks until no chunk requests remain active or ctx is cancelled.
// Used during graceful shutdown so in-flight rows finish committing.
func (l *ChunkLimiter) Drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.Active() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
