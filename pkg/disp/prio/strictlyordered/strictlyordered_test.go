package strictlyordered

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentcore/pkg/disp"
	"github.com/aixgo-dev/agentcore/pkg/disp/disptest"
)

func TestDispatcher_HighestPriorityFirst(t *testing.T) {
	d := New(disp.WithName("so"))
	defer func() {
		d.Shutdown()
		d.Wait()
	}()

	started := make(chan struct{})
	release := make(chan struct{})
	blocker := disptest.NewAgent(1, disp.P0)
	blocker.OnDemand = func(any) {
		close(started)
		<-release
	}

	var order []string
	record := func(tag string) func(any) {
		return func(any) { order = append(order, tag) }
	}
	low := disptest.NewAgent(1, disp.P1)
	mid := disptest.NewAgent(1, disp.P4)
	high := disptest.NewAgent(1, disp.P7)
	low.OnDemand = record("low")
	mid.OnDemand = record("mid")
	high.OnDemand = record("high")
	require.NoError(t, disptest.BindAll(d.Binder(), blocker, low, mid, high))

	blocker.Push("block")
	<-started
	low.Push(1)
	mid.Push(1)
	high.Push(1)
	low.Push(2)
	high.Push(2)
	close(release)

	require.Eventually(t, func() bool { return low.Count()+mid.Count()+high.Count() == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"high", "high", "mid", "low", "low"}, order)
}

func TestBinder_RejectsInvalidPriority(t *testing.T) {
	d := New()
	defer func() {
		d.Shutdown()
		d.Wait()
	}()
	err := d.Binder().Preallocate(disptest.NewAgent(1, disp.Priority(9)))
	assert.ErrorIs(t, err, disp.ErrInvalidPriority)
}

func TestDispatcher_StatsPerPriority(t *testing.T) {
	d := New(disp.WithName("so"))
	defer func() {
		d.Shutdown()
		d.Wait()
	}()
	require.NoError(t, disptest.BindAll(d.Binder(), disptest.NewAgent(1, disp.P2), disptest.NewAgent(1, disp.P2)))

	st := d.Stats()
	require.Len(t, st.Queues, disp.PriorityCount)
	assert.Equal(t, "so/p7", st.Queues[0].Name)
	assert.Equal(t, 2, st.Agents)
	assert.Equal(t, 2, st.Queues[5].Agents)
}
