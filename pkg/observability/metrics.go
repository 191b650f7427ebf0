package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aixgo-dev/agentcore/agent"
)

const namespace = "agentcore"

// StatsSource is implemented by *agent.Environment.
type StatsSource interface {
	Stats() agent.Stats
}

// EnvironmentCollector exports a snapshot of Environment.Stats on every
// scrape.
type EnvironmentCollector struct {
	src StatsSource

	coops       *prometheus.Desc
	agents      *prometheus.Desc
	namedMboxes *prometheus.Desc
	stopGuards  *prometheus.Desc
	stopping    *prometheus.Desc
	timers      *prometheus.Desc
	workers     *prometheus.Desc
	busyWorkers *prometheus.Desc
	dispAgents  *prometheus.Desc
	queueDepth  *prometheus.Desc
}

// NewEnvironmentCollector creates a collector reading from src.
func NewEnvironmentCollector(src StatsSource) *EnvironmentCollector {
	env := []string{"env"}
	dispLabels := []string{"env", "dispatcher", "kind"}
	return &EnvironmentCollector{
		src:         src,
		coops:       prometheus.NewDesc(namespace+"_coops", "Number of registered cooperations", env, nil),
		agents:      prometheus.NewDesc(namespace+"_agents", "Number of agents in registered cooperations", env, nil),
		namedMboxes: prometheus.NewDesc(namespace+"_named_mboxes", "Number of live named mboxes", env, nil),
		stopGuards:  prometheus.NewDesc(namespace+"_stop_guards", "Number of installed stop guards", env, nil),
		stopping:    prometheus.NewDesc(namespace+"_stopping", "1 while the environment is shutting down", env, nil),
		timers:      prometheus.NewDesc(namespace+"_timers", "Number of scheduled timers", []string{"env", "type"}, nil),
		workers:     prometheus.NewDesc(namespace+"_dispatcher_workers", "Number of dispatcher worker goroutines", dispLabels, nil),
		busyWorkers: prometheus.NewDesc(namespace+"_dispatcher_busy_workers", "Number of workers running a demand", dispLabels, nil),
		dispAgents:  prometheus.NewDesc(namespace+"_dispatcher_agents", "Number of agents bound to a dispatcher", dispLabels, nil),
		queueDepth:  prometheus.NewDesc(namespace+"_queue_depth", "Number of demands waiting in an event queue", []string{"env", "dispatcher", "queue"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *EnvironmentCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.coops, c.agents, c.namedMboxes, c.stopGuards, c.stopping,
		c.timers, c.workers, c.busyWorkers, c.dispAgents, c.queueDepth,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *EnvironmentCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	env := st.EnvID

	gauge := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	gauge(c.coops, st.Coops, env)
	gauge(c.agents, st.Agents, env)
	gauge(c.namedMboxes, st.NamedMboxes, env)
	gauge(c.stopGuards, st.StopGuards, env)
	stopping := 0
	if st.Stopping {
		stopping = 1
	}
	gauge(c.stopping, stopping, env)
	gauge(c.timers, st.Timers.Single, env, "single")
	gauge(c.timers, st.Timers.Periodic, env, "periodic")

	for _, d := range st.Dispatchers {
		gauge(c.workers, d.Workers, env, d.Name, d.Kind)
		gauge(c.busyWorkers, d.BusyWorkers, env, d.Name, d.Kind)
		gauge(c.dispAgents, d.Agents, env, d.Name, d.Kind)
		for _, q := range d.Queues {
			gauge(c.queueDepth, q.Size, env, d.Name, q.Name)
		}
	}
}

// TraceCounter is an agent.Tracer that counts trace events by kind.
type TraceCounter struct {
	events *prometheus.CounterVec
}

// NewTraceCounter creates an unregistered counter.
func NewTraceCounter() *TraceCounter {
	return &TraceCounter{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trace_events_total",
				Help:      "Total number of runtime trace events",
			},
			[]string{"kind"},
		),
	}
}

// Trace implements agent.Tracer.
func (t *TraceCounter) Trace(ev agent.TraceEvent) {
	t.events.WithLabelValues(string(ev.Kind)).Inc()
}

// Describe implements prometheus.Collector.
func (t *TraceCounter) Describe(ch chan<- *prometheus.Desc) { t.events.Describe(ch) }

// Collect implements prometheus.Collector.
func (t *TraceCounter) Collect(ch chan<- prometheus.Metric) { t.events.Collect(ch) }

// NewRegistry returns a registry holding the Go runtime and process
// collectors plus cs.
func NewRegistry(cs ...prometheus.Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	base := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range append(base, cs...) {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// MetricsHandler returns an HTTP handler for the metrics in g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// FanOut returns a tracer that passes every event to each of ts.
func FanOut(ts ...agent.Tracer) agent.Tracer {
	return agent.TracerFunc(func(ev agent.TraceEvent) {
		for _, t := range ts {
			t.Trace(ev)
		}
	})
}
