package sender

import (
	"context"
	"runtime"
)

// ConcurrencyLimiter bounds the number of PutLogs requests in flight across
// all lanes. It is a channel-based semaphore.
type ConcurrencyLimiter struct {
	sem chan struct{}
}

// NewConcurrencyLimiter creates a limiter allowing limit requests at once.
// If limit is <= 0, it defaults to DefaultConcurrency().
func NewConcurrencyLimiter(limit int) *ConcurrencyLimiter {
	if limit <= 0 {
		limit = DefaultConcurrency()
	}
	return &ConcurrencyLimiter{
		sem: make(chan struct{}, limit),
	}
}

// Acquire blocks until a slot is available or ctx is canceled.
func (l *ConcurrencyLimiter) Acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot. Must follow a successful Acquire.
func (l *ConcurrencyLimiter) Release() {
	<-l.sem
}

// InUse returns the number of slots currently in use.
// Note: This is a snapshot and may change immediately after the call.
func (l *ConcurrencyLimiter) InUse() int {
	return len(l.sem)
}

// DefaultConcurrency returns the default in-flight request limit.
func DefaultConcurrency() int {
	return runtime.NumCPU() * 2
}
