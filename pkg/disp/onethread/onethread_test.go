package onethread

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentcore/pkg/disp"
	"github.com/aixgo-dev/agentcore/pkg/disp/disptest"
)

func TestDispatcher_TotalOrderAcrossAgents(t *testing.T) {
	d := New(disp.WithName("single"))
	defer func() {
		d.Shutdown()
		d.Wait()
	}()

	var mu sync.Mutex
	var order []int
	agents := make([]*disptest.Agent, 3)
	for i := range agents {
		a := disptest.NewAgent(1, disp.P0)
		a.OnDemand = func(payload any) {
			mu.Lock()
			order = append(order, payload.(int))
			mu.Unlock()
		}
		agents[i] = a
	}
	require.NoError(t, disptest.BindAll(d.Binder(), agents...))

	for i := 0; i < 300; i++ {
		agents[i%3].Push(i)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 300
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestDispatcher_Stats(t *testing.T) {
	d := New(disp.WithName("stats"))
	a := disptest.NewAgent(1, disp.P0)
	b := d.Binder()
	require.NoError(t, disptest.BindAll(b, a))

	st := d.Stats()
	assert.Equal(t, "stats", st.Name)
	assert.Equal(t, Kind, st.Kind)
	assert.Equal(t, 1, st.Workers)
	assert.Equal(t, 1, st.Agents)

	b.Unbind(a)
	assert.Equal(t, 0, d.Stats().Agents)

	d.Shutdown()
	d.Wait()
	assert.ErrorIs(t, b.Preallocate(a), disp.ErrShutdown)
}

type faulty struct{}

func (faulty) HandleDemand(any) { panic("internal fault") }

func TestDispatcher_WorkerFault(t *testing.T) {
	d := New()
	a := disptest.NewAgent(1, disp.P0)
	require.NoError(t, disptest.BindAll(d.Binder(), a))

	a.Queue().Push(disp.Demand{Receiver: faulty{}})

	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher kept running after a worker fault")
	}
	assert.ErrorIs(t, d.Err(), disp.ErrWorkerFault)
}
