package agents

import (
	"fmt"
	"time"

	"github.com/aixgo-dev/agentcore/agent"
	"github.com/aixgo-dev/agentcore/pkg/config"
)

// Aggregator collects events into batches of up to size events. With a
// window set, a partial batch is flushed once the window since its first
// event has passed. Whatever is pending at deregistration is flushed too.
type Aggregator struct {
	source string
	target string
	size   int
	window time.Duration

	in, out    agent.Mbox
	idle       *agent.State
	collecting *agent.State
	pending    []Event
}

// NewAggregator builds an aggregator from cfg. Settings: source, target,
// size and window.
func NewAggregator(cfg config.AgentConfig) (agent.Behavior, error) {
	g := &Aggregator{}
	var err error
	if g.source, err = stringSetting(cfg, "source", DefaultEventsMbox); err != nil {
		return nil, err
	}
	if g.target, err = stringSetting(cfg, "target", DefaultBatchesMbox); err != nil {
		return nil, err
	}
	if g.size, err = intSetting(cfg, "size", 10); err != nil {
		return nil, err
	}
	if g.window, err = durationSetting(cfg, "window", 0); err != nil {
		return nil, err
	}
	if g.size == 0 {
		return nil, fmt.Errorf("aggregator size must be positive")
	}
	return g, nil
}

func (g *Aggregator) Define(a *agent.Agent) error {
	env := a.Env()
	g.in, g.out = env.NamedMbox(g.source), env.NamedMbox(g.target)

	g.idle = a.NewState("idle")
	opts := []agent.StateOption{agent.OnExit(func() { g.flush(a) })}
	if g.window > 0 {
		opts = append(opts, agent.TimeLimit(g.window, g.idle))
	}
	g.collecting = a.NewState("collecting", opts...)

	if err := agent.Subscribe(a, g.in, func(e Event) error {
		g.pending = append(g.pending, e)
		if len(g.pending) >= g.size {
			g.flush(a)
			return nil
		}
		return a.SwitchTo(g.collecting)
	}, agent.InState(g.idle)); err != nil {
		return err
	}
	if err := agent.Subscribe(a, g.in, func(e Event) error {
		g.pending = append(g.pending, e)
		if len(g.pending) >= g.size {
			return a.SwitchTo(g.idle)
		}
		return nil
	}, agent.InState(g.collecting)); err != nil {
		return err
	}
	return a.SwitchTo(g.idle)
}

func (g *Aggregator) OnFinish(a *agent.Agent) {
	g.flush(a)
	a.Env().ReleaseMbox(g.in)
	a.Env().ReleaseMbox(g.out)
}

func (g *Aggregator) flush(a *agent.Agent) {
	if len(g.pending) == 0 {
		return
	}
	b := newBatch(a.Name(), g.pending)
	g.pending = nil
	if err := agent.Send(g.out, b); err != nil {
		a.Logger().Warn("batch not sent", "events", len(b.Events), "error", err)
		return
	}
	a.Logger().Debug("batch flushed", "events", len(b.Events), "sum", b.Sum)
}
