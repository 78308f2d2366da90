// Package sampling decides whether an incoming record is admitted to the
// ingest queue: probabilistic down-sampling first, then token-bucket rate
// limiting.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"golang.org/x/time/rate"
)

// ErrInvalidRate is returned for out-of-range sampler settings.
var ErrInvalidRate = errors.New("invalid sampling configuration")

// Config holds admission settings.
type Config struct {
	// DownSampleRate is the probability in (0, 1] that a record is kept.
	DownSampleRate float64
	// RateLimit is the number of records admitted per second. Zero disables
	// rate limiting.
	RateLimit int
}

// Option customizes a Sampler.
type Option func(*Sampler)

// WithSource replaces the random source used for down-sampling.
func WithSource(src rand.Source) Option {
	return func(s *Sampler) { s.rnd = rand.New(src) }
}

// Sampler applies down-sampling and rate limiting to incoming records.
type Sampler struct {
	rate    float64
	mu      sync.Mutex // guards rnd
	rnd     *rand.Rand
	limiter *rate.Limiter
}

// New validates cfg and builds a Sampler.
func New(cfg Config, opts ...Option) (*Sampler, error) {
	if cfg.DownSampleRate <= 0 || cfg.DownSampleRate > 1 {
		return nil, fmt.Errorf("%w: down_sample_rate must be in (0, 1], got %v", ErrInvalidRate, cfg.DownSampleRate)
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("%w: rate_limit must be >= 0, got %d", ErrInvalidRate, cfg.RateLimit)
	}

	s := &Sampler{
		rate: cfg.DownSampleRate,
		rnd:  rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), //nolint:gosec // sampling doesn't need crypto randomness
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), Burst(cfg.RateLimit))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Burst is the bucket capacity used for a given rate: a tenth of a second
// worth of tokens, at least one.
func Burst(limit int) int {
	if b := limit / 10; b > 1 {
		return b
	}
	return 1
}

// Keep draws once and reports whether the record survives down-sampling.
// It never blocks.
func (s *Sampler) Keep() bool {
	if s.rate >= 1.0 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64() < s.rate
}

// Wait blocks until the token bucket admits one record or ctx is done.
func (s *Sampler) Wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

// Admit runs down-sampling and then rate limiting. A false result with a nil
// error means the record was sampled out.
func (s *Sampler) Admit(ctx context.Context) (bool, error) {
	if !s.Keep() {
		return false, nil
	}
	if err := s.Wait(ctx); err != nil {
		return false, err
	}
	return true, nil
}
