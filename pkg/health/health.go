// Package health provides a concurrent health-check framework. The store,
// the query cache and harvest freshness register Check functions, and the
// Checker runs them in parallel to produce an aggregate Report for liveness
// and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/resilience"
)

// Status is the health of one component or of the whole process.
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

func (s Status) severity() int {
	switch s {
	case StatusUp:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Check probes one dependency.
type Check func(ctx context.Context) ComponentHealth

type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report aggregates every registered check. Status is the worst component
// status.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

type namedCheck struct {
	name  string
	check Check
}

// Checker holds the registered checks. Registering a name twice replaces the
// earlier check.
type Checker struct {
	mu     sync.RWMutex
	checks []namedCheck
	logger *slog.Logger
}

func NewChecker() *Checker {
	return &Checker{logger: slog.Default().With("component", "health")}
}

func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.checks {
		if c.checks[i].name == name {
			c.checks[i].check = check
			return
		}
	}
	c.checks = append(c.checks, namedCheck{name: name, check: check})
}

// Run executes the checks in parallel and waits for all of them.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := slices.Clone(c.checks)
	c.mu.RUnlock()

	results := make([]ComponentHealth, len(checks))
	var wg sync.WaitGroup
	for i, nc := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			res := nc.check(ctx)
			res.Latency = time.Since(start).Round(time.Millisecond).String()
			results[i] = res
		}()
	}
	wg.Wait()

	report := Report{
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(checks)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	for i, nc := range checks {
		res := results[i]
		report.Components[nc.name] = res
		if res.Status.severity() > report.Status.severity() {
			report.Status = res.Status
		}
		if res.Status != StatusUp {
			c.logger.Debug("component unhealthy", "name", nc.name, "status", res.Status, "message", res.Message)
		}
	}
	return report
}

// LiveHandler answers 200 whenever the process can serve HTTP at all.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadyHandler answers 503 only when a component is down. A degraded report
// still answers 200 so an optional dependency cannot take the read API out
// of rotation.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		report := c.Run(ctx)
		status := http.StatusOK
		if report.Status == StatusDown {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// pingTimeout bounds a single dependency ping.
const pingTimeout = 2 * time.Second

// Ping adapts a ping function into a Check. Failure, including a ping slower
// than pingTimeout, reports failStatus.
func Ping(ping func(context.Context) error, failStatus Status) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := resilience.WithTimeout(ctx, pingTimeout, "ping", ping); err != nil {
			return ComponentHealth{Status: failStatus, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// Freshness reports degraded when the last successful harvest is older than
// maxAge, or when no harvest has run yet.
func Freshness(last func(context.Context) (time.Time, error), maxAge time.Duration, now func() time.Time) Check {
	return func(ctx context.Context) ComponentHealth {
		at, err := last(ctx)
		if err != nil {
			return ComponentHealth{Status: StatusDown, Message: err.Error()}
		}
		if at.IsZero() {
			return ComponentHealth{Status: StatusDegraded, Message: "no harvest run recorded"}
		}
		age := now().Sub(at)
		if age > maxAge {
			return ComponentHealth{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("last harvest %s ago", age.Round(time.Second)),
			}
		}
		return ComponentHealth{Status: StatusUp, Message: "last harvest " + at.UTC().Format(time.RFC3339)}
	}
}
