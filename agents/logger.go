package agents

import (
	"context"
	"log/slog"

	"github.com/aixgo-dev/agentcore/agent"
	"github.com/aixgo-dev/agentcore/pkg/config"
)

// Logger writes every Event and Batch arriving at its source mbox to the
// agent's logger.
type Logger struct {
	source string
	level  slog.Level
	mb     agent.Mbox
	seen   int
}

// NewLogger builds a logger from cfg. Settings: source and level.
func NewLogger(cfg config.AgentConfig) (agent.Behavior, error) {
	l := &Logger{}
	var err error
	if l.source, err = stringSetting(cfg, "source", DefaultEventsMbox); err != nil {
		return nil, err
	}
	level, err := stringSetting(cfg, "level", "info")
	if err != nil {
		return nil, err
	}
	if err := l.level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) Define(a *agent.Agent) error {
	l.mb = a.Env().NamedMbox(l.source)
	if err := agent.Subscribe(a, l.mb, func(e Event) error {
		l.seen++
		a.Logger().Log(context.Background(), l.level, "event received",
			"source", e.Source, "seq", e.Seq, "value", e.Value)
		return nil
	}); err != nil {
		return err
	}
	return agent.Subscribe(a, l.mb, func(b Batch) error {
		l.seen++
		a.Logger().Log(context.Background(), l.level, "batch received",
			"source", b.Source, "events", len(b.Events), "sum", b.Sum, "min", b.Min, "max", b.Max)
		return nil
	})
}

func (l *Logger) OnFinish(a *agent.Agent) {
	a.Logger().Info("logger finished", "messages", l.seen)
	a.Env().ReleaseMbox(l.mb)
}
