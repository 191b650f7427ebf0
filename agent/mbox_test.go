package agent

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	mu   sync.Mutex
	seen map[string][]int
}

func newCounter() *counter { return &counter{seen: map[string][]int{}} }

func (c *counter) add(who string, n int) {
	c.mu.Lock()
	c.seen[who] = append(c.seen[who], n)
	c.mu.Unlock()
}

func (c *counter) get(who string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.seen[who]...)
}

func (c *counter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.seen {
		n += len(v)
	}
	return n
}

type tick struct{ n int }

func subscriberOf(mb Mbox, cnt *counter) DefineFunc {
	return func(a *Agent) error {
		return Subscribe(a, mb, func(m tick) error {
			cnt.add(a.Name(), m.n)
			return nil
		})
	}
}

func TestMPMC_BroadcastsToEverySubscriber(t *testing.T) {
	env, _ := newTestEnv(t)
	mb := env.NewMbox()
	cnt := newCounter()

	c := env.NewCoop()
	for _, name := range []string{"a", "b", "c"} {
		_, err := c.AddAgent(subscriberOf(mb, cnt), WithName(name))
		require.NoError(t, err)
	}
	require.NoError(t, env.Register(c))
	assert.Equal(t, 3, mb.SubscriberCount())

	for i := range 5 {
		require.NoError(t, Send(mb, tick{n: i}))
	}
	require.Eventually(t, func() bool { return cnt.total() == 15 }, time.Second, time.Millisecond)
	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, []int{0, 1, 2, 3, 4}, cnt.get(name))
	}
}

func TestSendMutable_FanOutIsContractViolation(t *testing.T) {
	env, rec := newTestEnv(t)
	mb := env.NewMbox()
	cnt := newCounter()

	c := env.NewCoop()
	for _, name := range []string{"a", "b"} {
		_, err := c.AddAgent(subscriberOf(mb, cnt), WithName(name))
		require.NoError(t, err)
	}
	require.NoError(t, env.Register(c))

	err := SendMutable(mb, tick{n: 1})
	var cv *ContractViolation
	require.ErrorAs(t, err, &cv)
	assert.ErrorIs(t, err, ErrMutableFanOut)

	require.NoError(t, Send(mb, tick{n: 2}))
	require.Eventually(t, func() bool { return cnt.total() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{2}, cnt.get("a"))
	assert.Equal(t, []int{2}, cnt.get("b"))
	assert.Empty(t, rec.all())
}

func TestSendMutable_DeregisteringSubscriberIsNotARecipient(t *testing.T) {
	env, rec := newTestEnv(t)
	mb := env.NewMbox()
	cnt := newCounter()

	_, err := env.RegisterAgent(subscriberOf(mb, cnt), WithName("live"))
	require.NoError(t, err)

	busy := make(chan struct{})
	release := make(chan struct{})
	leaving, err := env.RegisterAgent(DefineFunc(func(a *Agent) error {
		return Subscribe(a, mb, func(m tick) error {
			if m.n == 0 {
				close(busy)
				<-release
			}
			cnt.add(a.Name(), m.n)
			return nil
		})
	}), WithName("leaving"))
	require.NoError(t, err)

	require.NoError(t, Send(mb, tick{n: 0}))
	waitDone(t, busy, "leaving handler")

	leaving.Deregister(DeregNormal)
	assert.Equal(t, PhaseDeregistering, leaving.Agents()[0].Phase())
	assert.Equal(t, 1, mb.SubscriberCount())

	require.NoError(t, SendMutable(mb, tick{n: 1}))
	require.Eventually(t, func() bool { return len(cnt.get("live")) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{0, 1}, cnt.get("live"))

	close(release)
	waitDone(t, leaving.Done(), "leaving coop")
	assert.Equal(t, []int{0}, cnt.get("leaving"))
	assert.Equal(t, 1, mb.SubscriberCount())
	assert.Empty(t, rec.all())
}

func TestSendMutable_SingleSubscriber(t *testing.T) {
	env, _ := newTestEnv(t)
	mb := env.NewMbox()
	cnt := newCounter()

	c, err := env.RegisterAgent(subscriberOf(mb, cnt), WithName("only"))
	require.NoError(t, err)

	require.NoError(t, SendMutable(mb, tick{n: 7}))
	require.NoError(t, SendMutable(c.Agents()[0].Direct(), tick{n: 8}))
	require.Eventually(t, func() bool { return cnt.total() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{7}, cnt.get("only"))
}

func TestSend_NilMessage(t *testing.T) {
	env, _ := newTestEnv(t)
	assert.ErrorIs(t, Send(env.NewMbox(), nil), ErrNilMessage)
}

func TestDirectMbox(t *testing.T) {
	env, _ := newTestEnv(t)

	owner := env.NewCoop()
	o, err := owner.AddAgent(DefineFunc(func(a *Agent) error {
		return Subscribe(a, a.Direct(), func(tick) error { return nil })
	}))
	require.NoError(t, err)
	require.NoError(t, env.Register(owner))
	assert.Equal(t, MboxDirect, o.Direct().Kind())
	assert.Equal(t, 1, o.Direct().SubscriberCount())

	_, err = env.RegisterAgent(DefineFunc(func(a *Agent) error {
		return Subscribe(a, o.Direct(), func(tick) error { return nil })
	}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIllegalSubscriber)

	_, err = env.RegisterAgent(DefineFunc(func(a *Agent) error {
		return SetDeliveryFilter(a, a.Direct(), func(tick) bool { return true })
	}))
	assert.ErrorIs(t, err, ErrFilterOnDirectMbox)
}

func TestSubscribe_Duplicate(t *testing.T) {
	env, _ := newTestEnv(t)
	mb := env.NewMbox()
	_, err := env.RegisterAgent(DefineFunc(func(a *Agent) error {
		if err := Subscribe(a, mb, func(tick) error { return nil }); err != nil {
			return err
		}
		return Subscribe(a, mb, func(tick) error { return nil })
	}))
	assert.ErrorIs(t, err, ErrDuplicateSubscription)
	assert.Equal(t, 0, mb.SubscriberCount())
}

func TestUnsubscribe(t *testing.T) {
	env, _ := newTestEnv(t)
	mb := env.NewMbox()
	cnt := newCounter()

	type stop struct{}
	c, err := env.RegisterAgent(DefineFunc(func(a *Agent) error {
		if err := Subscribe(a, mb, func(m tick) error {
			cnt.add("sub", m.n)
			return nil
		}); err != nil {
			return err
		}
		return Subscribe(a, a.Direct(), func(stop) error {
			Unsubscribe[tick](a, mb)
			return nil
		})
	}))
	require.NoError(t, err)

	require.NoError(t, Send(mb, tick{n: 1}))
	require.NoError(t, Send(c.Agents()[0].Direct(), stop{}))
	require.Eventually(t, func() bool { return mb.SubscriberCount() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, Send(mb, tick{n: 2}))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []int{1}, cnt.get("sub"))
	assert.Equal(t, 1, c.Agents()[0].SubscriptionCount())
}

func TestDeliveryFilter(t *testing.T) {
	env, _ := newTestEnv(t)
	mb := env.NewMbox()
	cnt := newCounter()

	c := env.NewCoop()
	_, err := c.AddAgent(DefineFunc(func(a *Agent) error {
		if err := Subscribe(a, mb, func(m tick) error {
			cnt.add("even", m.n)
			return nil
		}); err != nil {
			return err
		}
		return SetDeliveryFilter(a, mb, func(m tick) bool { return m.n%2 == 0 })
	}), WithName("even"))
	require.NoError(t, err)
	_, err = c.AddAgent(subscriberOf(mb, cnt), WithName("all"))
	require.NoError(t, err)
	_, err = c.AddAgent(DefineFunc(func(a *Agent) error {
		if err := Subscribe(a, mb, func(m tick) error {
			cnt.add("broken", m.n)
			return nil
		}); err != nil {
			return err
		}
		return SetDeliveryFilter(a, mb, func(tick) bool { panic("bad filter") })
	}), WithName("broken"))
	require.NoError(t, err)
	require.NoError(t, env.Register(c))

	for i := range 4 {
		require.NoError(t, Send(mb, tick{n: i}))
	}
	require.Eventually(t, func() bool { return cnt.total() == 6 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{0, 2}, cnt.get("even"))
	assert.Equal(t, []int{0, 1, 2, 3}, cnt.get("all"))
	assert.Empty(t, cnt.get("broken"))
}

func TestSendMutable_FilterNarrowsFanOut(t *testing.T) {
	env, _ := newTestEnv(t)
	mb := env.NewMbox()
	cnt := newCounter()

	c := env.NewCoop()
	for _, name := range []string{"odd", "even"} {
		want := 0
		if name == "odd" {
			want = 1
		}
		_, err := c.AddAgent(DefineFunc(func(a *Agent) error {
			if err := Subscribe(a, mb, func(m tick) error {
				cnt.add(a.Name(), m.n)
				return nil
			}); err != nil {
				return err
			}
			return SetDeliveryFilter(a, mb, func(m tick) bool { return m.n%2 == want })
		}), WithName(name))
		require.NoError(t, err)
	}
	require.NoError(t, env.Register(c))

	require.NoError(t, SendMutable(mb, tick{n: 3}))
	require.Eventually(t, func() bool { return cnt.total() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{3}, cnt.get("odd"))
}

func TestNamedMbox_RefCounting(t *testing.T) {
	env, _ := newTestEnv(t)

	first := env.NamedMbox("jobs")
	second := env.NamedMbox("jobs")
	assert.Same(t, first, second)
	assert.Equal(t, "jobs", first.Name())
	assert.Equal(t, []string{"jobs"}, env.NamedMboxes())

	c, err := env.RegisterAgent(subscriberOf(first, newCounter()))
	require.NoError(t, err)

	env.ReleaseMbox(first)
	env.ReleaseMbox(second)
	assert.Equal(t, []string{"jobs"}, env.NamedMboxes(), "subscription keeps the name alive")
	assert.Same(t, first, env.NamedMbox("jobs"))
	env.ReleaseMbox(first)

	c.Deregister(DeregNormal)
	waitDone(t, c.Done(), "deregistration")
	assert.Empty(t, env.NamedMboxes())

	again := env.NamedMbox("jobs")
	defer env.ReleaseMbox(again)
	assert.NotEqual(t, first.ID(), again.ID())
}

func TestDeadletterHandler(t *testing.T) {
	env, _ := newTestEnv(t)

	var working *State
	var regular, dead atomic.Int32
	type toggle struct{}
	c, err := env.RegisterAgent(DefineFunc(func(a *Agent) error {
		working = a.NewState("working")
		if err := Subscribe(a, a.Direct(), func(tick) error {
			regular.Add(1)
			return nil
		}, InState(working)); err != nil {
			return err
		}
		if err := Subscribe(a, a.Direct(), func(toggle) error {
			return a.SwitchTo(working)
		}); err != nil {
			return err
		}
		return SubscribeDeadletter(a, a.Direct(), func(tick) error {
			dead.Add(1)
			return nil
		})
	}))
	require.NoError(t, err)
	mb := c.Agents()[0].Direct()

	require.NoError(t, Send(mb, tick{}))
	require.NoError(t, Send(mb, toggle{}))
	require.NoError(t, Send(mb, tick{}))
	require.Eventually(t, func() bool { return regular.Load()+dead.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), dead.Load())
	assert.Equal(t, int32(1), regular.Load())
}
