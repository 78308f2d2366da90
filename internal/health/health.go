// Package health serves liveness and readiness probes for klog-ship.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the health of a component.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// DefaultCheckTimeout bounds a single readiness check.
const DefaultCheckTimeout = 2 * time.Second

// ComponentCheck is the result of one readiness check.
type ComponentCheck struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the JSON body returned by the probes.
type Response struct {
	Status     Status                    `json:"status"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
	Timestamp  string                    `json:"timestamp"`
}

// CheckFunc returns nil when the component is healthy.
type CheckFunc func(ctx context.Context) error

// Checker runs named readiness checks.
type Checker struct {
	mu           sync.RWMutex
	checks       map[string]CheckFunc
	timeout      time.Duration
	shuttingDown atomic.Bool
}

// New creates a Checker.
func New() *Checker {
	return &Checker{checks: make(map[string]CheckFunc), timeout: DefaultCheckTimeout}
}

// Register adds or replaces the check called name.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// SetShuttingDown fails both probes from now on.
func (c *Checker) SetShuttingDown() {
	c.shuttingDown.Store(true)
}

// Ready runs every check and returns the combined result.
func (c *Checker) Ready(ctx context.Context) Response {
	if c.shuttingDown.Load() {
		return shuttingDown()
	}

	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	resp := Response{Status: StatusUp, Components: make(map[string]ComponentCheck, len(names)), Timestamp: now()}
	for _, name := range names {
		c.mu.RLock()
		check := c.checks[name]
		c.mu.RUnlock()

		checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := check(checkCtx)
		cancel()
		if err != nil {
			resp.Status = StatusDown
			resp.Components[name] = ComponentCheck{Status: StatusDown, Message: err.Error()}
			continue
		}
		resp.Components[name] = ComponentCheck{Status: StatusUp}
	}
	return resp
}

// LiveHandler serves /live: up until shutdown begins.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			writeJSON(w, http.StatusServiceUnavailable, shuttingDown())
			return
		}
		writeJSON(w, http.StatusOK, Response{Status: StatusUp, Timestamp: now()})
	}
}

// ReadyHandler serves /ready: 503 when any check fails.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := c.Ready(r.Context())
		code := http.StatusOK
		if resp.Status == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

// Mount serves /live and /ready on mux.
func (c *Checker) Mount(mux *http.ServeMux) {
	mux.Handle("/live", c.LiveHandler())
	mux.Handle("/ready", c.ReadyHandler())
}

// QueueCheck fails while the queue holds more than ratio of its capacity.
func QueueCheck(length func() int64, capacity int, ratio float64) CheckFunc {
	return func(context.Context) error {
		n := length()
		if limit := int64(float64(capacity) * ratio); n > limit {
			return fmt.Errorf("queue at %d of %d records", n, capacity)
		}
		return nil
	}
}

// DeliveryCheck fails when requests failed since the previous check and no
// batch was delivered in the same window.
func DeliveryCheck(counters func() (sent, failed uint64)) CheckFunc {
	var mu sync.Mutex
	var lastSent, lastFailed uint64
	return func(context.Context) error {
		sent, failed := counters()
		mu.Lock()
		defer mu.Unlock()
		newSent, newFailed := sent-lastSent, failed-lastFailed
		lastSent, lastFailed = sent, failed
		if newFailed > 0 && newSent == 0 {
			return fmt.Errorf("%d failed requests and no delivery since last check", newFailed)
		}
		return nil
	}
}

func shuttingDown() Response {
	return Response{
		Status:    StatusDown,
		Timestamp: now(),
		Components: map[string]ComponentCheck{
			"process": {Status: StatusDown, Message: "shutting down"},
		},
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
