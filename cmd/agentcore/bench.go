package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/agentcore"
	"github.com/aixgo-dev/agentcore/agent"
	"github.com/aixgo-dev/agentcore/pkg/config"
	"github.com/aixgo-dev/agentcore/pkg/disp"
	"github.com/aixgo-dev/agentcore/pkg/disp/threadpool"
)

type benchParams struct {
	Kind     string
	Threads  int
	Agents   int
	Messages int
	Timeout  time.Duration
}

type benchResult struct {
	Kind      string        `json:"kind"`
	Threads   int           `json:"threads,omitempty"`
	Agents    int           `json:"agents"`
	Messages  int           `json:"messages"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	PerSecond float64       `json:"messages_per_second"`
}

type benchMsg struct{}

func newBenchCmd(g *globalFlags) *cobra.Command {
	var (
		p      benchParams
		format string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure message throughput of a dispatcher",
		Long:  "Registers a cooperation of agents on one dispatcher, sends messages round-robin to their direct mboxes and reports the rate.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			res, err := runBench(cmd.Context(), logger, p)
			if err != nil {
				return err
			}
			return writeBench(cmd.OutOrStdout(), res, format)
		},
	}
	cmd.Flags().StringVar(&p.Kind, "kind", threadpool.Kind, "dispatcher kind")
	cmd.Flags().IntVar(&p.Threads, "threads", 4, "worker threads for thread_pool")
	cmd.Flags().IntVar(&p.Agents, "agents", 16, "number of receiving agents")
	cmd.Flags().IntVar(&p.Messages, "messages", 100000, "number of messages")
	cmd.Flags().DurationVar(&p.Timeout, "timeout", time.Minute, "overall benchmark timeout")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	return cmd
}

func runBench(ctx context.Context, logger *slog.Logger, p benchParams) (benchResult, error) {
	if p.Agents <= 0 || p.Messages <= 0 {
		return benchResult{}, fmt.Errorf("agents and messages must be positive")
	}
	if p.Kind == threadpool.Kind && p.Threads <= 0 {
		return benchResult{}, fmt.Errorf("threads must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	ds, err := agentcore.NewDispatchers([]config.DispatcherConfig{{
		Name:    "bench",
		Kind:    p.Kind,
		Threads: p.Threads,
	}}, logger)
	if err != nil {
		return benchResult{}, err
	}

	env := agent.NewEnvironment(agent.WithLogger(logger), agent.WithAutoshutdown(false))
	defer func() {
		env.Stop()
		env.Wait()
	}()
	for _, d := range ds.All() {
		env.AddDispatcher(d)
	}

	binder, err := ds.Binder("bench", "bench")
	if err != nil {
		return benchResult{}, err
	}
	coop := env.NewCoop(agent.WithCoopName("bench"), agent.WithCoopBinder(binder))

	var remaining atomic.Int64
	remaining.Store(int64(p.Messages))
	done := make(chan struct{})
	receive := agent.DefineFunc(func(a *agent.Agent) error {
		return agent.Subscribe(a, a.Direct(), func(benchMsg) error {
			if remaining.Add(-1) == 0 {
				close(done)
			}
			return nil
		})
	})

	targets := make([]agent.Mbox, 0, p.Agents)
	for i := range p.Agents {
		a, err := coop.AddAgent(receive, agent.WithPriority(disp.Priority(i%disp.PriorityCount)))
		if err != nil {
			return benchResult{}, err
		}
		targets = append(targets, a.Direct())
	}
	if err := env.Register(coop); err != nil {
		return benchResult{}, err
	}

	start := time.Now()
	for i := range p.Messages {
		if err := agent.Send(targets[i%len(targets)], benchMsg{}); err != nil {
			return benchResult{}, err
		}
	}
	select {
	case <-done:
	case <-ctx.Done():
		return benchResult{}, fmt.Errorf("benchmark: %d messages unprocessed: %w", remaining.Load(), ctx.Err())
	}
	elapsed := time.Since(start)

	res := benchResult{
		Kind:      p.Kind,
		Agents:    p.Agents,
		Messages:  p.Messages,
		Elapsed:   elapsed,
		PerSecond: float64(p.Messages) / elapsed.Seconds(),
	}
	if p.Kind == threadpool.Kind {
		res.Threads = p.Threads
	}
	return res, nil
}

func writeBench(w io.Writer, res benchResult, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "text":
		_, err := fmt.Fprintf(w, "%s: %d messages to %d agents in %s (%.0f msg/s)\n",
			res.Kind, res.Messages, res.Agents, res.Elapsed.Round(time.Microsecond), res.PerSecond)
		return err
	}
	return fmt.Errorf("unknown format %q", format)
}
