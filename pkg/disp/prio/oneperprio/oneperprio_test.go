package oneperprio

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentcore/pkg/disp"
	"github.com/aixgo-dev/agentcore/pkg/disp/disptest"
)

func TestDispatcher_PrioritiesRunInParallel(t *testing.T) {
	d := New(disp.WithName("opp"))
	defer func() {
		d.Shutdown()
		d.Wait()
	}()

	var running atomic.Int32
	release := make(chan struct{})
	block := func(any) {
		running.Add(1)
		<-release
	}
	a := disptest.NewAgent(1, disp.P1)
	b := disptest.NewAgent(1, disp.P6)
	a.OnDemand = block
	b.OnDemand = block
	require.NoError(t, disptest.BindAll(d.Binder(), a, b))

	a.Push(1)
	b.Push(1)
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, d.Stats().BusyWorkers)
	close(release)
}

func TestDispatcher_SamePriorityIsFIFO(t *testing.T) {
	d := New()
	defer func() {
		d.Shutdown()
		d.Wait()
	}()

	var order []int
	a := disptest.NewAgent(1, disp.P2)
	b := disptest.NewAgent(2, disp.P2)
	a.OnDemand = func(p any) { order = append(order, p.(int)) }
	b.OnDemand = a.OnDemand
	require.NoError(t, disptest.BindAll(d.Binder(), a, b))

	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			a.Push(i)
		} else {
			b.Push(i)
		}
	}
	require.Eventually(t, func() bool { return a.Count()+b.Count() == 100 }, time.Second, time.Millisecond)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestDispatcher_Stats(t *testing.T) {
	d := New(disp.WithName("opp"))
	defer func() {
		d.Shutdown()
		d.Wait()
	}()
	b := d.Binder()
	a := disptest.NewAgent(1, disp.P3)
	require.NoError(t, disptest.BindAll(b, a))

	st := d.Stats()
	assert.Equal(t, disp.PriorityCount, st.Workers)
	assert.Equal(t, 1, st.Agents)
	assert.Equal(t, "opp/p3", st.Queues[4].Name)
	assert.Equal(t, 1, st.Queues[4].Agents)

	b.Unbind(a)
	assert.Equal(t, 0, d.Stats().Agents)

	assert.ErrorIs(t, b.Preallocate(disptest.NewAgent(1, disp.Priority(12))), disp.ErrInvalidPriority)
}
