package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/aixgo-dev/agentcore/pkg/disp"
)

// HealthStatus is the outcome of a health check or of a whole report.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// Version is reported in health responses.
var Version = "dev"

const defaultCheckTimeout = time.Second

// HealthCheck is a named probe. A failing critical check makes the report
// unhealthy; any other failure only degrades it.
type HealthCheck struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// CheckResult is the outcome of one HealthCheck.
type CheckResult struct {
	Name   string       `json:"name"`
	Status HealthStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// EnvironmentSummary is the part of Environment.Stats shown in health
// reports.
type EnvironmentSummary struct {
	ID       string `json:"id"`
	Coops    int    `json:"coops"`
	Agents   int    `json:"agents"`
	Queued   int    `json:"queued_demands"`
	Stopping bool   `json:"stopping"`
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status      HealthStatus        `json:"status"`
	Version     string              `json:"version"`
	Uptime      string              `json:"uptime"`
	Environment *EnvironmentSummary `json:"environment,omitempty"`
	Checks      []CheckResult       `json:"checks"`
}

// HealthChecker runs checks in registration order. All checks of one
// report share a single timeout.
type HealthChecker struct {
	env     StatsSource
	timeout time.Duration
	started time.Time

	mu     sync.RWMutex
	checks []*HealthCheck
}

// NewHealthChecker creates a checker. env may be nil; otherwise every
// report carries an EnvironmentSummary.
func NewHealthChecker(env StatsSource) *HealthChecker {
	return &HealthChecker{
		env:     env,
		timeout: defaultCheckTimeout,
		started: time.Now(),
	}
}

// RegisterCheck adds check. A check with the same name replaces the
// earlier one.
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for i, c := range hc.checks {
		if c.Name == check.Name {
			hc.checks[i] = check
			return
		}
	}
	hc.checks = append(hc.checks, check)
}

// Check runs every registered check.
func (hc *HealthChecker) Check(ctx context.Context) HealthResponse {
	hc.mu.RLock()
	checks := append([]*HealthCheck(nil), hc.checks...)
	hc.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	resp := HealthResponse{
		Status:  HealthStatusHealthy,
		Version: Version,
		Uptime:  time.Since(hc.started).Round(time.Second).String(),
		Checks:  make([]CheckResult, 0, len(checks)),
	}
	for _, c := range checks {
		res := CheckResult{Name: c.Name, Status: HealthStatusHealthy}
		if err := probe(ctx, c); err != nil {
			res.Error = err.Error()
			res.Status = HealthStatusDegraded
			if c.Critical {
				res.Status = HealthStatusUnhealthy
			}
		}
		resp.Status = worse(resp.Status, res.Status)
		resp.Checks = append(resp.Checks, res)
	}

	if hc.env != nil {
		st := hc.env.Stats()
		sum := &EnvironmentSummary{ID: st.EnvID, Coops: st.Coops, Agents: st.Agents, Stopping: st.Stopping}
		for _, d := range st.Dispatchers {
			sum.Queued += d.TotalQueued()
		}
		resp.Environment = sum
	}
	return resp
}

// probe runs c and gives up when ctx expires.
func probe(ctx context.Context, c *HealthCheck) error {
	errc := make(chan error, 1)
	go func() { errc <- c.Probe(ctx) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func worse(a, b HealthStatus) HealthStatus {
	rank := map[HealthStatus]int{HealthStatusHealthy: 0, HealthStatusDegraded: 1, HealthStatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// HealthHandler serves the full report. Only an unhealthy report is a 503.
func HealthHandler(checker *HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := checker.Check(r.Context())
		code := http.StatusOK
		if resp.Status == HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

// LivenessHandler answers as long as the process serves HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler is ready only while every check passes.
func ReadinessHandler(checker *HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker.Check(r.Context()).Status != HealthStatusHealthy {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// PingCheck always passes.
func PingCheck() *HealthCheck {
	return &HealthCheck{
		Name:  "ping",
		Probe: func(context.Context) error { return nil },
	}
}

// EnvironmentCheck fails once the environment has started shutting down.
func EnvironmentCheck(src StatsSource) *HealthCheck {
	return &HealthCheck{
		Name:     "environment",
		Critical: true,
		Probe: func(context.Context) error {
			if src.Stats().Stopping {
				return errors.New("environment is stopping")
			}
			return nil
		},
	}
}

// DispatcherCheck fails when a dispatcher worker has faulted.
func DispatcherCheck(d disp.Dispatcher) *HealthCheck {
	return &HealthCheck{
		Name:     "dispatcher:" + d.Name(),
		Critical: true,
		Probe:    func(context.Context) error { return d.Err() },
	}
}
