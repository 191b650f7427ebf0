// Package agent is the core of the runtime: agents, message boxes,
// cooperations, states, message limits and the Environment that owns them.
//
// # Agents
//
// An application agent implements Behavior. Define runs during
// registration and installs subscriptions:
//
//	type counter struct{ n int }
//
//	type inc struct{}
//
//	func (c *counter) Define(a *agent.Agent) error {
//	    return agent.Subscribe(a, a.Direct(), func(inc) error {
//	        c.n++
//	        return nil
//	    })
//	}
//
// Exactly one demand of an agent runs at a time, on whatever dispatcher
// the agent is bound to, so a behavior needs no locks for its own fields.
//
// # Cooperations
//
// Agents are registered in groups:
//
//	env := agent.NewEnvironment()
//	coop := env.NewCoop(agent.WithCoopName("counters"))
//	a, _ := coop.AddAgent(&counter{})
//	if err := env.Register(coop); err != nil {
//	    return err
//	}
//	_ = agent.Send(a.Direct(), inc{})
//
// Registration is all or nothing: if one agent fails in Define, the
// subscriptions of every agent in the cooperation are removed and Register
// returns the error. Deregistration lets queued demands drain before the
// cooperation is reported as deregistered.
//
// # Messages
//
// Messages are plain Go values, keyed by their dynamic type. Send delivers
// an immutable message to every subscriber; SendMutable requires a single
// recipient. Delayed, periodic and cron messages go through the
// environment's timer thread.
package agent
