package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentcore/agent"
	"github.com/aixgo-dev/agentcore/pkg/disp"
)

type fakeStats struct{ st agent.Stats }

func (f *fakeStats) Stats() agent.Stats { return f.st }

func sampleStats() agent.Stats {
	return agent.Stats{
		EnvID:       "env-1",
		Coops:       2,
		Agents:      5,
		NamedMboxes: 1,
		Dispatchers: []disp.Stats{{
			Name:        "pool",
			Kind:        "thread_pool",
			Workers:     4,
			BusyWorkers: 1,
			Agents:      5,
			Queues:      []disp.QueueStats{{Name: "pool/coop-1", Size: 3, Agents: 2}},
		}},
	}
}

func TestEnvironmentCollector(t *testing.T) {
	c := NewEnvironmentCollector(&fakeStats{st: sampleStats()})

	expected := `
# HELP agentcore_coops Number of registered cooperations
# TYPE agentcore_coops gauge
agentcore_coops{env="env-1"} 2
# HELP agentcore_queue_depth Number of demands waiting in an event queue
# TYPE agentcore_queue_depth gauge
agentcore_queue_depth{dispatcher="pool",env="env-1",queue="pool/coop-1"} 3
# HELP agentcore_dispatcher_workers Number of dispatcher worker goroutines
# TYPE agentcore_dispatcher_workers gauge
agentcore_dispatcher_workers{dispatcher="pool",env="env-1",kind="thread_pool"} 4
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"agentcore_coops", "agentcore_queue_depth", "agentcore_dispatcher_workers"))
	assert.Equal(t, 11, testutil.CollectAndCount(c))
}

func TestEnvironmentCollector_LiveEnvironment(t *testing.T) {
	counter := NewTraceCounter()
	env := agent.NewEnvironment(
		agent.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		agent.WithAutoshutdown(false),
		agent.WithTracer(counter),
	)
	defer func() {
		env.Stop()
		env.Wait()
	}()

	_, err := env.RegisterAgent(agent.DefineFunc(func(*agent.Agent) error { return nil }))
	require.NoError(t, err)

	reg, err := NewRegistry(NewEnvironmentCollector(env), counter)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["agentcore_coops"])
	assert.True(t, names["agentcore_trace_events_total"])
	assert.True(t, names["go_goroutines"])

	assert.Equal(t, 1.0, testutil.ToFloat64(counter.events.WithLabelValues(string(agent.TraceCoopRegistered))))
}

func TestFanOut(t *testing.T) {
	a, b := NewTraceCounter(), NewTraceCounter()
	FanOut(a, b).Trace(agent.TraceEvent{Kind: agent.TraceHandled})
	assert.Equal(t, 1.0, testutil.ToFloat64(a.events.WithLabelValues("handled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.events.WithLabelValues("handled")))
}

type faultyDispatcher struct {
	disp.Dispatcher
	err error
}

func (f faultyDispatcher) Name() string { return "faulty" }
func (f faultyDispatcher) Err() error   { return f.err }

func TestHealthChecker(t *testing.T) {
	stats := &fakeStats{st: sampleStats()}
	hc := NewHealthChecker(stats)
	hc.RegisterCheck(PingCheck())
	hc.RegisterCheck(EnvironmentCheck(stats))

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, resp.Status)
	require.Len(t, resp.Checks, 2)
	assert.Equal(t, "ping", resp.Checks[0].Name)
	assert.Equal(t, &EnvironmentSummary{ID: "env-1", Coops: 2, Agents: 5, Queued: 3}, resp.Environment)

	stats.st.Stopping = true
	resp = hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Equal(t, CheckResult{Name: "environment", Status: HealthStatusUnhealthy, Error: "environment is stopping"}, resp.Checks[1])
	assert.True(t, resp.Environment.Stopping)
}

func TestHealthChecker_DispatcherFault(t *testing.T) {
	hc := NewHealthChecker(nil)
	hc.RegisterCheck(DispatcherCheck(faultyDispatcher{err: errors.New("worker died")}))
	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Nil(t, resp.Environment)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "dispatcher:faulty", resp.Checks[0].Name)
}

func TestHealthChecker_NonCriticalDegrades(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	hc := NewHealthChecker(nil)
	hc.RegisterCheck(PingCheck())
	hc.RegisterCheck(&HealthCheck{Name: "slow", Probe: func(context.Context) error {
		<-block
		return nil
	}})
	hc.timeout = 10 * time.Millisecond

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, resp.Status)
	assert.Equal(t, HealthStatusDegraded, resp.Checks[1].Status)
	assert.Contains(t, resp.Checks[1].Error, "deadline")

	// Re-registering by name replaces the check.
	hc.RegisterCheck(&HealthCheck{Name: "slow", Probe: func(context.Context) error { return nil }})
	resp = hc.Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, resp.Status)
	assert.Len(t, resp.Checks, 2)
}

func TestServerHandler(t *testing.T) {
	stats := &fakeStats{st: sampleStats()}
	hc := NewHealthChecker(stats)
	hc.RegisterCheck(EnvironmentCheck(stats))
	reg, err := NewRegistry(NewEnvironmentCollector(stats))
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(0, hc, reg, nil).Handler())
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `agentcore_agents{env="env-1"} 5`)

	code, _ = get("/health/live")
	assert.Equal(t, http.StatusOK, code)

	code, _ = get("/health/ready")
	assert.Equal(t, http.StatusOK, code)

	stats.st.Stopping = true
	code, body = get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, `"status":"unhealthy"`)
	assert.Contains(t, body, `"queued_demands":3`)
}
