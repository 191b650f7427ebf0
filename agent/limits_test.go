package agent

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gate struct{ ch chan struct{} }

type tock struct{ n int }

// gated subscribes to gate messages, which block until their channel is
// closed, and to ticks, which are counted.
func gated(ticks *atomic.Int32, limits ...Limit) (DefineFunc, []AgentOption) {
	def := func(a *Agent) error {
		if err := Subscribe(a, a.Direct(), func(g gate) error {
			<-g.ch
			return nil
		}); err != nil {
			return err
		}
		return Subscribe(a, a.Direct(), func(tick) error {
			ticks.Add(1)
			return nil
		})
	}
	return def, []AgentOption{WithLimits(limits...)}
}

func TestLimitThenDrop(t *testing.T) {
	tests := []struct {
		name  string
		limit Limit
	}{
		{"exact type", LimitThenDrop[tick](2)},
		{"logged", LimitThenDropLogged[tick](2)},
		// the blocking gate message holds one slot of an any limit
		{"any type", LimitThenDrop[any](3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, rec := newTestEnv(t)
			var ticks atomic.Int32
			def, opts := gated(&ticks, tt.limit)
			c, err := env.RegisterAgent(def, opts...)
			require.NoError(t, err)
			mb := c.Agents()[0].Direct()

			g := gate{ch: make(chan struct{})}
			require.NoError(t, Send(mb, g))
			for i := range 5 {
				require.NoError(t, Send(mb, tick{n: i}))
			}
			close(g.ch)

			require.Eventually(t, func() bool { return ticks.Load() == 2 }, time.Second, time.Millisecond)
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, int32(2), ticks.Load())

			// slots are released once handled
			require.NoError(t, Send(mb, tick{}))
			require.Eventually(t, func() bool { return ticks.Load() == 3 }, time.Second, time.Millisecond)
			assert.Empty(t, rec.all())
		})
	}
}

func TestLimitThenRedirect(t *testing.T) {
	env, rec := newTestEnv(t)

	var spare atomic.Int32
	backup, err := env.RegisterAgent(DefineFunc(func(a *Agent) error {
		return Subscribe(a, a.Direct(), func(tick) error {
			spare.Add(1)
			return nil
		})
	}))
	require.NoError(t, err)
	to := backup.Agents()[0].Direct()

	var ticks atomic.Int32
	def, opts := gated(&ticks, LimitThenRedirect[tick](1, func() Mbox { return to }))
	c, err := env.RegisterAgent(def, opts...)
	require.NoError(t, err)
	mb := c.Agents()[0].Direct()

	g := gate{ch: make(chan struct{})}
	require.NoError(t, Send(mb, g))
	for i := range 3 {
		require.NoError(t, Send(mb, tick{n: i}))
	}
	require.Eventually(t, func() bool { return spare.Load() == 2 }, time.Second, time.Millisecond)
	close(g.ch)
	require.Eventually(t, func() bool { return ticks.Load() == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, rec.all())
}

func TestLimitThenRedirect_NoTargetDrops(t *testing.T) {
	targets := map[string]func() Mbox{
		"nil":   func() Mbox { return nil },
		"panic": func() Mbox { panic("no backup configured") },
	}
	for name, to := range targets {
		t.Run(name, func(t *testing.T) {
			var kinds []TraceKind
			var mu sync.Mutex
			env, rec := newTestEnv(t, WithTracer(TracerFunc(func(ev TraceEvent) {
				mu.Lock()
				kinds = append(kinds, ev.Kind)
				mu.Unlock()
			})))

			var handled atomic.Int32
			c, err := env.RegisterAgent(DefineFunc(func(a *Agent) error {
				return Subscribe(a, a.Direct(), func(tick) error {
					handled.Add(1)
					return nil
				})
			}), WithLimits(LimitThenRedirect[tick](0, to)))
			require.NoError(t, err)

			require.NotPanics(t, func() {
				assert.NoError(t, Send(c.Agents()[0].Direct(), tick{}))
			})
			mu.Lock()
			assert.Contains(t, kinds, TraceOverflowDrop)
			mu.Unlock()
			assert.Zero(t, handled.Load())
			assert.Empty(t, rec.all())
		})
	}
}

func TestLimitThenRedirect_DepthExceeded(t *testing.T) {
	env, rec := newTestEnv(t)

	var self Mbox
	c, err := env.RegisterAgent(DefineFunc(func(a *Agent) error {
		self = a.Direct()
		return Subscribe(a, a.Direct(), func(tick) error { return nil })
	}), WithLimits(LimitThenRedirect[tick](0, func() Mbox { return self })))
	require.NoError(t, err)

	err = Send(c.Agents()[0].Direct(), tick{})
	var cv *ContractViolation
	require.ErrorAs(t, err, &cv)
	assert.ErrorIs(t, err, ErrRedirectDepth)
	require.Len(t, rec.all(), 1)
	assert.ErrorIs(t, rec.all()[0], ErrRedirectDepth)
}

func TestLimitThenTransform(t *testing.T) {
	env, _ := newTestEnv(t)

	got := make(chan int, 4)
	sink, err := env.RegisterAgent(DefineFunc(func(a *Agent) error {
		return Subscribe(a, a.Direct(), func(m tock) error {
			got <- m.n
			return nil
		})
	}))
	require.NoError(t, err)
	to := sink.Agents()[0].Direct()

	c, err := env.RegisterAgent(DefineFunc(func(a *Agent) error {
		return Subscribe(a, a.Direct(), func(tick) error { return nil })
	}), WithLimits(LimitThenTransform(0, func(m tick) Transformed {
		return MakeTransformed(to, tock{n: m.n * 10})
	})))
	require.NoError(t, err)

	require.NoError(t, Send(c.Agents()[0].Direct(), tick{n: 4}))
	select {
	case n := <-got:
		assert.Equal(t, 40, n)
	case <-time.After(time.Second):
		t.Fatal("transformed message not delivered")
	}
}

func TestLimitThenLogAbort(t *testing.T) {
	env, rec := newTestEnv(t)

	var logged atomic.Int32
	c, err := env.RegisterAgent(DefineFunc(func(a *Agent) error {
		return Subscribe(a, a.Direct(), func(tick) error { return nil })
	}), WithLimits(LimitThenLogAbort(0, func(m tick) { logged.Store(int32(m.n)) })))
	require.NoError(t, err)

	err = Send(c.Agents()[0].Direct(), tick{n: 9})
	assert.ErrorIs(t, err, ErrMessageLimitExceeded)
	assert.Equal(t, int32(9), logged.Load())
	require.Len(t, rec.all(), 1)
	assert.ErrorIs(t, rec.all()[0], ErrMessageLimitExceeded)
}

func TestLimits_Duplicate(t *testing.T) {
	env, _ := newTestEnv(t)

	c := env.NewCoop()
	_, err := c.AddAgent(DefineFunc(noop), WithLimits(LimitThenDrop[tick](1), LimitThenAbort[tick](2)))
	assert.ErrorIs(t, err, ErrDuplicateLimit)
	assert.ErrorIs(t, env.Register(c), ErrDuplicateLimit)

	_, err = env.RegisterAgent(DefineFunc(noop), WithLimits(LimitThenDrop[any](1), LimitThenDrop[any](2)))
	assert.ErrorIs(t, err, ErrDuplicateLimit)
}

func TestLimit_Accessors(t *testing.T) {
	l := LimitThenDrop[tick](5)
	assert.Equal(t, MessageType[tick](), l.Type())
	assert.Equal(t, 5, l.Max())
}
