package sampling

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{DownSampleRate: 1}, false},
		{"small rate", Config{DownSampleRate: 0.001}, false},
		{"rate limited", Config{DownSampleRate: 1, RateLimit: 100}, false},
		{"zero rate", Config{DownSampleRate: 0}, true},
		{"negative rate", Config{DownSampleRate: -1}, true},
		{"rate above one", Config{DownSampleRate: 1.1}, true},
		{"negative limit", Config{DownSampleRate: 1, RateLimit: -5}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%+v) err = %v, wantErr %v", tt.cfg, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRate) {
				t.Errorf("expected ErrInvalidRate, got %v", err)
			}
		})
	}
}

func TestKeepAlwaysAtFullRate(t *testing.T) {
	s, err := New(Config{DownSampleRate: 1})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 1000; i++ {
		if !s.Keep() {
			t.Fatal("rate 1 must keep every record")
		}
	}
}

func TestDownSampleConverges(t *testing.T) {
	rates := []float64{0.0034567, 0.15, 0.5, 0.63, 0.99}
	const n = 200000

	for _, r := range rates {
		s, err := New(Config{DownSampleRate: r}, WithSource(rand.NewPCG(42, uint64(r*1e6))))
		if err != nil {
			t.Fatal(err)
		}
		kept := 0
		for i := 0; i < n; i++ {
			if s.Keep() {
				kept++
			}
		}
		got := float64(kept) / n
		// five standard deviations of a binomial proportion
		tol := 5 * math.Sqrt(r*(1-r)/n)
		if math.Abs(got-r) > tol {
			t.Errorf("rate %v: retained fraction %v outside ±%v", r, got, tol)
		}
	}
}

func TestKeepConcurrent(t *testing.T) {
	s, err := New(Config{DownSampleRate: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	var kept atomic.Int64
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if s.Keep() {
					kept.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	if n := kept.Load(); n < 3500 || n > 4500 {
		t.Errorf("kept %d of 8000 draws at rate 0.5", n)
	}
}

func TestBurst(t *testing.T) {
	tests := []struct{ limit, want int }{
		{1, 1}, {10, 1}, {19, 1}, {20, 2}, {100, 10}, {543, 54},
	}
	for _, tt := range tests {
		if got := Burst(tt.limit); got != tt.want {
			t.Errorf("Burst(%d) = %d, want %d", tt.limit, got, tt.want)
		}
	}
}

func TestWaitUnlimitedDoesNotBlock(t *testing.T) {
	s, err := New(Config{DownSampleRate: 1})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	for i := 0; i < 10000; i++ {
		if err := s.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("unlimited waits took %v", d)
	}
}

func TestWaitRateLimited(t *testing.T) {
	s, err := New(Config{DownSampleRate: 1, RateLimit: 50})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := s.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	elapsed := time.Since(start)

	// 5 tokens of initial burst, 95 refilled at 50/s
	if elapsed < 1700*time.Millisecond || elapsed > 3*time.Second {
		t.Errorf("100 admissions at 50/s took %v", elapsed)
	}
}

func TestWaitCanceled(t *testing.T) {
	s, err := New(Config{DownSampleRate: 1, RateLimit: 1})
	if err != nil {
		t.Fatal(err)
	}
	// drain the single burst token
	if err := s.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Wait(ctx); err == nil {
		t.Error("expected error from canceled context")
	}
}

func TestAdmitSamplesBeforeLimiting(t *testing.T) {
	s, err := New(Config{DownSampleRate: 0.5, RateLimit: 1}, WithSource(rand.NewPCG(1, 2)))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	admitted := 0
	for i := 0; i < 20 && admitted < 1; i++ {
		ok, err := s.Admit(ctx)
		if err != nil {
			t.Fatalf("unexpected error before the first admission: %v", err)
		}
		if ok {
			admitted++
		}
	}
	if admitted != 1 {
		t.Fatalf("expected one admission, got %d", admitted)
	}

	// Sampled-out records never touch the bucket, so they never block on the
	// exhausted limiter. Only kept records report the canceled wait.
	errs, sampled := 0, 0
	for i := 0; i < 20; i++ {
		ok, err := s.Admit(ctx)
		switch {
		case err != nil:
			errs++
		case !ok:
			sampled++
		}
	}
	if errs+sampled != 20 {
		t.Errorf("errs=%d sampled=%d", errs, sampled)
	}
}
