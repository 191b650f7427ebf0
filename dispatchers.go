package agentcore

import (
	"fmt"
	"log/slog"

	"github.com/aixgo-dev/agentcore/pkg/config"
	"github.com/aixgo-dev/agentcore/pkg/disp"
	"github.com/aixgo-dev/agentcore/pkg/disp/activegroup"
	"github.com/aixgo-dev/agentcore/pkg/disp/activeobj"
	"github.com/aixgo-dev/agentcore/pkg/disp/onethread"
	"github.com/aixgo-dev/agentcore/pkg/disp/prio/oneperprio"
	"github.com/aixgo-dev/agentcore/pkg/disp/prio/quotedrr"
	"github.com/aixgo-dev/agentcore/pkg/disp/prio/strictlyordered"
	"github.com/aixgo-dev/agentcore/pkg/disp/threadpool"
)

type namedDispatcher struct {
	d      disp.Dispatcher
	binder func(group string) disp.Binder
}

// Dispatchers holds the named dispatchers built from configuration.
type Dispatchers struct {
	byName map[string]namedDispatcher
	order  []string
}

// NewDispatchers starts one dispatcher per entry of cfgs. opts are applied
// after the configured ones; by default a worker fault is only logged. On
// error the dispatchers started so far are shut down.
func NewDispatchers(cfgs []config.DispatcherConfig, logger *slog.Logger, opts ...disp.Option) (*Dispatchers, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ds := &Dispatchers{byName: make(map[string]namedDispatcher, len(cfgs))}
	for _, c := range cfgs {
		nd, err := newDispatcher(c, logger, opts)
		if err != nil {
			ds.Shutdown()
			return nil, fmt.Errorf("dispatcher %q: %w", c.Name, err)
		}
		ds.byName[c.Name] = nd
		ds.order = append(ds.order, c.Name)
	}
	return ds, nil
}

func newDispatcher(c config.DispatcherConfig, logger *slog.Logger, extra []disp.Option) (namedDispatcher, error) {
	lock, err := config.ParseLock(c.Lock)
	if err != nil {
		return namedDispatcher{}, err
	}
	opts := []disp.Option{
		disp.WithName(c.Name),
		disp.WithLogger(logger),
		disp.WithLockFactory(lock),
		disp.WithErrorHandler(func(name string, err error) {
			logger.Error("dispatcher fault", "component", "dispatcher", "dispatcher", name, "error", err)
		}),
	}
	opts = append(opts, extra...)

	switch c.Kind {
	case onethread.Kind:
		d := onethread.New(opts...)
		return namedDispatcher{d: d, binder: func(string) disp.Binder { return d.Binder() }}, nil
	case activeobj.Kind:
		d := activeobj.New(opts...)
		return namedDispatcher{d: d, binder: func(string) disp.Binder { return d.Binder() }}, nil
	case activegroup.Kind:
		d := activegroup.New(opts...)
		return namedDispatcher{d: d, binder: d.Binder}, nil
	case threadpool.Kind:
		params := threadpool.BindParams{MaxDemandsAtOnce: c.MaxDemandsAtOnce}
		if c.Fifo == config.FifoIndividual {
			params.Fifo = threadpool.FifoIndividual
		}
		d := threadpool.New(c.Threads, opts...)
		return namedDispatcher{d: d, binder: func(string) disp.Binder { return d.Binder(params) }}, nil
	case strictlyordered.Kind:
		d := strictlyordered.New(opts...)
		return namedDispatcher{d: d, binder: func(string) disp.Binder { return d.Binder() }}, nil
	case quotedrr.Kind:
		quotes, err := c.ParseQuotes()
		if err != nil {
			return namedDispatcher{}, err
		}
		d := quotedrr.New(quotes, opts...)
		return namedDispatcher{d: d, binder: func(string) disp.Binder { return d.Binder() }}, nil
	case oneperprio.Kind:
		d := oneperprio.New(opts...)
		return namedDispatcher{d: d, binder: func(string) disp.Binder { return d.Binder() }}, nil
	}
	return namedDispatcher{}, fmt.Errorf("unknown dispatcher kind %q", c.Kind)
}

// Binder returns the binder for the named dispatcher. The default
// dispatcher yields a nil binder, which leaves the environment's own
// one-thread dispatcher in place.
func (ds *Dispatchers) Binder(name, group string) (disp.Binder, error) {
	if name == "" || name == config.DefaultDispatcher {
		return nil, nil
	}
	nd, ok := ds.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown dispatcher %q", name)
	}
	return nd.binder(group), nil
}

// Get returns the named dispatcher.
func (ds *Dispatchers) Get(name string) (disp.Dispatcher, bool) {
	nd, ok := ds.byName[name]
	return nd.d, ok
}

// All returns the dispatchers in configuration order.
func (ds *Dispatchers) All() []disp.Dispatcher {
	out := make([]disp.Dispatcher, 0, len(ds.order))
	for _, name := range ds.order {
		out = append(out, ds.byName[name].d)
	}
	return out
}

// Shutdown stops every dispatcher and waits for its workers.
func (ds *Dispatchers) Shutdown() {
	for _, d := range ds.All() {
		d.Shutdown()
	}
	for _, d := range ds.All() {
		d.Wait()
	}
}
