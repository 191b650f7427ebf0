package agents

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/agentcore/agent"
	"github.com/aixgo-dev/agentcore/pkg/config"
)

type produceTick struct{}

// Producer emits an Event to a named mbox on every tick of its schedule.
//
// Settings: target (named mbox), interval (duration) or cron (expression),
// count (stop after that many events, 0 for no limit) and
// deregister_when_done.
type Producer struct {
	target     string
	interval   time.Duration
	cron       string
	count      int
	deregister bool

	mb    agent.Mbox
	timer agent.Timer
	seq   int
}

// NewProducer builds a producer from cfg.
func NewProducer(cfg config.AgentConfig) (agent.Behavior, error) {
	p := &Producer{}
	var err error
	if p.target, err = stringSetting(cfg, "target", DefaultEventsMbox); err != nil {
		return nil, err
	}
	if p.interval, err = durationSetting(cfg, "interval", time.Second); err != nil {
		return nil, err
	}
	if p.cron, err = stringSetting(cfg, "cron", ""); err != nil {
		return nil, err
	}
	if p.count, err = intSetting(cfg, "count", 0); err != nil {
		return nil, err
	}
	if p.deregister, err = boolSetting(cfg, "deregister_when_done", false); err != nil {
		return nil, err
	}
	if p.interval == 0 && p.cron == "" {
		return nil, fmt.Errorf("producer needs an interval or a cron expression")
	}
	return p, nil
}

func (p *Producer) Define(a *agent.Agent) error {
	p.mb = a.Env().NamedMbox(p.target)
	return agent.Subscribe(a, a.Direct(), func(produceTick) error {
		return p.produce(a)
	})
}

func (p *Producer) OnStart(a *agent.Agent) error {
	var err error
	if p.cron != "" {
		p.timer, err = agent.SendCron(a.Direct(), produceTick{}, p.cron)
	} else {
		p.timer, err = agent.SendPeriodic(a.Direct(), produceTick{}, p.interval, p.interval)
	}
	return err
}

func (p *Producer) OnFinish(a *agent.Agent) {
	p.timer.Cancel()
	a.Env().ReleaseMbox(p.mb)
}

func (p *Producer) produce(a *agent.Agent) error {
	if p.count > 0 && p.seq >= p.count {
		return nil
	}
	p.seq++
	e := Event{
		ID:     uuid.NewString(),
		Source: a.Name(),
		Seq:    p.seq,
		Value:  100 + cryptoRandFloat64()*900,
		Time:   time.Now(),
	}
	if err := agent.Send(p.mb, e); err != nil {
		return fmt.Errorf("send event %d: %w", e.Seq, err)
	}
	a.Logger().Debug("event produced", "seq", e.Seq, "value", e.Value)

	if p.count > 0 && p.seq == p.count {
		p.timer.Cancel()
		if p.deregister {
			a.DeregisterCoop(agent.DeregNormal)
		}
	}
	return nil
}

// cryptoRandFloat64 returns a cryptographically secure random float64 in [0.0, 1.0)
func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0.5
	}
	// Use top 53 bits to create a float64 in [0, 1)
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}
