// Package health aggregates component checks for the daemon and serves
// them as liveness, readiness and detail endpoints next to /metrics.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status is the health of one component or of the whole daemon.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Result is the outcome of one check.
type Result struct {
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	Error       string        `json:"error,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ns"`
}

// Check inspects one component.
type Check func(ctx context.Context) Result

// Component is a named check. A failing critical component makes the
// daemon unhealthy; any other failure only degrades it.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker runs registered checks and keeps their last results.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]Result
	started    time.Time
	ready      bool
}

// NewChecker returns a checker that is not ready.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]Result),
		started:    time.Now(),
	}
}

// Register adds c, replacing a component of the same name.
func (c *Checker) Register(comp *Component) {
	if comp.Timeout <= 0 {
		comp.Timeout = 2 * time.Second
	}
	c.mu.Lock()
	c.components[comp.Name] = comp
	c.results[comp.Name] = Result{Status: StatusUnknown}
	c.mu.Unlock()
}

// RegisterFunc registers fn as a check that is healthy when fn returns nil.
func (c *Checker) RegisterFunc(name string, critical bool, fn func(ctx context.Context) error) {
	c.Register(&Component{Name: name, Critical: critical, Check: FromError(fn)})
}

// SetReady sets the readiness flag.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

// Ready reports the readiness flag.
func (c *Checker) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs every component concurrently and returns the results. A
// check that panics or outlives its timeout is unhealthy.
func (c *Checker) Check(ctx context.Context) map[string]Result {
	c.mu.RLock()
	comps := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		comps = append(comps, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]Result, len(comps))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, comp := range comps {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			r := run(ctx, comp)
			mu.Lock()
			results[comp.Name] = r
			mu.Unlock()
		}(comp)
	}
	wg.Wait()

	c.mu.Lock()
	for name, r := range results {
		if _, ok := c.components[name]; ok {
			c.results[name] = r
		}
	}
	c.mu.Unlock()
	return results
}

func run(ctx context.Context, comp *Component) Result {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	out := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- Result{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		out <- comp.Check(ctx)
	}()

	var r Result
	select {
	case r = <-out:
	case <-ctx.Done():
		r = Result{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	r.LastChecked = start
	r.Duration = time.Since(start)
	return r
}

// Overall aggregates the last results.
func (c *Checker) Overall() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusHealthy
	for name, r := range c.results {
		critical := c.components[name].Critical
		switch r.Status {
		case StatusUnhealthy:
			if critical {
				return StatusUnhealthy
			}
			status = StatusDegraded
		case StatusDegraded:
			status = StatusDegraded
		case StatusUnknown:
			if critical && status == StatusHealthy {
				status = StatusUnknown
			}
		}
	}
	return status
}

// Report is the body of the detail endpoint.
type Report struct {
	Status     Status            `json:"status"`
	Ready      bool              `json:"ready"`
	Uptime     string            `json:"uptime"`
	Components map[string]Result `json:"components,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Report runs the checks and summarizes them.
func (c *Checker) Report(ctx context.Context) Report {
	results := c.Check(ctx)
	c.mu.RLock()
	ready, uptime := c.ready, time.Since(c.started)
	c.mu.RUnlock()
	return Report{
		Status:     c.Overall(),
		Ready:      ready,
		Uptime:     uptime.Round(time.Second).String(),
		Components: results,
		Timestamp:  time.Now(),
	}
}

// Routes returns the HTTP handlers keyed by path.
func (c *Checker) Routes() map[string]http.Handler {
	return map[string]http.Handler{
		"/livez":   http.HandlerFunc(c.serveLive),
		"/readyz":  http.HandlerFunc(c.serveReady),
		"/healthz": http.HandlerFunc(c.serveHealth),
	}
}

func (c *Checker) serveLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now()})
}

func (c *Checker) serveReady(w http.ResponseWriter, r *http.Request) {
	if !c.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
		return
	}
	c.Check(r.Context())
	status := c.Overall()
	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "ready": true})
}

func (c *Checker) serveHealth(w http.ResponseWriter, r *http.Request) {
	rep := c.Report(r.Context())
	code := http.StatusOK
	if rep.Status == StatusUnhealthy || rep.Status == StatusUnknown {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// FromError adapts fn to a Check that is healthy when fn returns nil.
func FromError(fn func(ctx context.Context) error) Check {
	return func(ctx context.Context) Result {
		if err := fn(ctx); err != nil {
			return Result{Status: StatusUnhealthy, Error: err.Error()}
		}
		return Result{Status: StatusHealthy}
	}
}
