package agents

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentcore"
	"github.com/aixgo-dev/agentcore/agent"
	"github.com/aixgo-dev/agentcore/pkg/config"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newEnv(t *testing.T, w io.Writer) *agent.Environment {
	t.Helper()
	env := agent.NewEnvironment(
		agent.WithLogger(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))),
		agent.WithAutoshutdown(false),
		agent.WithAbortHandler(func(err error) { t.Errorf("abort: %v", err) }),
	)
	t.Cleanup(func() {
		env.Stop()
		env.Wait()
	})
	return env
}

func build(t *testing.T, f agentcore.Factory, settings map[string]any) agent.Behavior {
	t.Helper()
	b, err := f(config.AgentConfig{Settings: settings})
	require.NoError(t, err)
	return b
}

// collect subscribes a helper agent to mbox name and forwards messages
// of type T to the returned channel.
func collect[T any](t *testing.T, env *agent.Environment, name string) <-chan T {
	t.Helper()
	ch := make(chan T, 100)
	_, err := env.RegisterAgent(agent.DefineFunc(func(a *agent.Agent) error {
		return agent.Subscribe(a, env.NamedMbox(name), func(m T) error {
			ch <- m
			return nil
		})
	}))
	require.NoError(t, err)
	return ch
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	var zero T
	return zero
}

func TestSettings(t *testing.T) {
	cfg := config.AgentConfig{Settings: map[string]any{
		"name":   "x",
		"count":  3,
		"flag":   true,
		"window": "250ms",
		"bad":    1.5,
		"neg":    -1,
	}}

	s, err := stringSetting(cfg, "name", "d")
	require.NoError(t, err)
	assert.Equal(t, "x", s)
	s, err = stringSetting(cfg, "missing", "d")
	require.NoError(t, err)
	assert.Equal(t, "d", s)
	_, err = stringSetting(cfg, "count", "")
	assert.Error(t, err)

	n, err := intSetting(cfg, "count", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = intSetting(cfg, "bad", 0)
	assert.Error(t, err)
	_, err = intSetting(cfg, "neg", 0)
	assert.Error(t, err)

	b, err := boolSetting(cfg, "flag", false)
	require.NoError(t, err)
	assert.True(t, b)

	d, err := durationSetting(cfg, "window", 0)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
	_, err = durationSetting(config.AgentConfig{Settings: map[string]any{"w": "soon"}}, "w", 0)
	assert.Error(t, err)
}

func TestFactories_RejectBadSettings(t *testing.T) {
	tests := []struct {
		name     string
		factory  agentcore.Factory
		settings map[string]any
	}{
		{"producer without schedule", NewProducer, map[string]any{"interval": "0s"}},
		{"producer bad count", NewProducer, map[string]any{"count": "many"}},
		{"aggregator zero size", NewAggregator, map[string]any{"size": 0}},
		{"aggregator bad window", NewAggregator, map[string]any{"window": 5}},
		{"logger bad level", NewLogger, map[string]any{"level": "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.factory(config.AgentConfig{Settings: tt.settings})
			assert.Error(t, err)
		})
	}
}

func TestRolesRegistered(t *testing.T) {
	roles := agentcore.DefaultRegistry().Roles()
	assert.Subset(t, roles, []string{RoleProducer, RoleAggregator, RoleLogger})
}

func TestProducer_CountAndDeregister(t *testing.T) {
	env := newEnv(t, io.Discard)
	events := collect[Event](t, env, "readings")

	coop, err := env.RegisterAgent(build(t, NewProducer, map[string]any{
		"target":               "readings",
		"interval":             "5ms",
		"count":                5,
		"deregister_when_done": true,
	}), agent.WithName("sensor"))
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		e := receive(t, events)
		assert.Equal(t, i, e.Seq)
		assert.Equal(t, "sensor", e.Source)
		assert.GreaterOrEqual(t, e.Value, 100.0)
		assert.Less(t, e.Value, 1000.0)
		assert.NotEmpty(t, e.ID)
	}

	select {
	case <-coop.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("producer coop was not deregistered")
	}
	assert.Equal(t, agent.DeregNormal, coop.Reason())
	assert.Empty(t, events)
}

func TestProducer_BadCron(t *testing.T) {
	ended := make(chan error, 1)
	env := agent.NewEnvironment(
		agent.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		agent.WithAutoshutdown(false),
		agent.WithAbortHandler(func(err error) { ended <- err }),
	)
	defer func() { env.Stop(); env.Wait() }()

	_, err := env.RegisterAgent(build(t, NewProducer, map[string]any{"cron": "every tuesday"}))
	require.NoError(t, err)

	select {
	case err := <-ended:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("start hook failure was not reported")
	}
}

func TestAggregator_SizeAndWindow(t *testing.T) {
	env := newEnv(t, io.Discard)
	batches := collect[Batch](t, env, DefaultBatchesMbox)

	_, err := env.RegisterAgent(build(t, NewAggregator, map[string]any{
		"size":   3,
		"window": "50ms",
	}), agent.WithName("agg"))
	require.NoError(t, err)

	in := env.NamedMbox(DefaultEventsMbox)
	for i, v := range []float64{5, 1, 9, 4, 2, 7, 3} {
		require.NoError(t, agent.Send(in, Event{Seq: i + 1, Value: v}))
	}

	first := receive(t, batches)
	require.Len(t, first.Events, 3)
	assert.Equal(t, "agg", first.Source)
	assert.Equal(t, 15.0, first.Sum)
	assert.Equal(t, 1.0, first.Min)
	assert.Equal(t, 9.0, first.Max)

	second := receive(t, batches)
	assert.Equal(t, []int{4, 5, 6}, seqs(second.Events))

	// The seventh event waits for the window.
	third := receive(t, batches)
	assert.Equal(t, []int{7}, seqs(third.Events))
	assert.Equal(t, 3.0, third.Sum)
}

func TestAggregator_FlushOnFinish(t *testing.T) {
	env := newEnv(t, io.Discard)
	batches := collect[Batch](t, env, DefaultBatchesMbox)

	coop, err := env.RegisterAgent(build(t, NewAggregator, map[string]any{"size": 10}))
	require.NoError(t, err)

	in := env.NamedMbox(DefaultEventsMbox)
	require.NoError(t, agent.Send(in, Event{Seq: 1, Value: 1}))
	require.NoError(t, agent.Send(in, Event{Seq: 2, Value: 2}))
	coop.Deregister(agent.DeregNormal)

	b := receive(t, batches)
	assert.Equal(t, []int{1, 2}, seqs(b.Events))
}

func TestLogger(t *testing.T) {
	out := &syncBuffer{}
	env := newEnv(t, out)

	coop, err := env.RegisterAgent(build(t, NewLogger, map[string]any{"source": "alerts", "level": "warn"}))
	require.NoError(t, err)

	mb := env.NamedMbox("alerts")
	require.NoError(t, agent.Send(mb, Event{Source: "s", Seq: 1, Value: 42}))
	require.NoError(t, agent.Send(mb, newBatch("agg", []Event{{Value: 1}, {Value: 3}})))
	coop.Deregister(agent.DeregNormal)

	select {
	case <-coop.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("logger coop did not finish")
	}
	logs := out.String()
	assert.Contains(t, logs, "level=WARN msg=\"event received\"")
	assert.Contains(t, logs, "value=42")
	assert.Contains(t, logs, "msg=\"batch received\"")
	assert.Contains(t, logs, "sum=4")
	assert.Contains(t, logs, "messages=2")
}

func TestPipelineFromConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(`
environment:
  exception_reaction: shutdown_environment
dispatchers:
  - name: pool
    kind: thread_pool
    threads: 2
coops:
  - name: pipeline
    dispatcher: pool
    agents:
      - name: sink
        role: logger
        settings:
          source: batches
      - name: agg
        role: aggregator
        settings:
          size: 2
  - name: sources
    parent: pipeline
    agents:
      - name: sensor
        role: producer
        settings:
          interval: 20ms
          count: 4
`))
	require.NoError(t, err)

	s, err := agentcore.Start(context.Background(), cfg,
		agentcore.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	batches := collect[Batch](t, s.Env(), DefaultBatchesMbox)
	b := receive(t, batches)
	assert.Len(t, b.Events, 2)
	assert.Equal(t, "agg", b.Source)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Wait(ctx))
}

func seqs(events []Event) []int {
	out := make([]int, len(events))
	for i, e := range events {
		out[i] = e.Seq
	}
	return out
}
