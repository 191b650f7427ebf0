package disp

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	seen []any
}

func (r *recorder) HandleDemand(payload any) {
	r.mu.Lock()
	r.seen = append(r.seen, payload)
	r.mu.Unlock()
}

func (r *recorder) values() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.seen...)
}

type panicker struct{}

func (panicker) HandleDemand(any) { panic("boom") }

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"p0", P0, false},
		{"p7", P7, false},
		{"3", P3, false},
		{"p8", P0, true},
		{"high", P0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePriority(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidPriority))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDescending(t *testing.T) {
	d := Descending()
	require.Len(t, d, PriorityCount)
	assert.Equal(t, P7, d[0])
	assert.Equal(t, P0, d[len(d)-1])
}

func TestQueue_FIFO(t *testing.T) {
	for name, f := range map[string]LockFactory{
		"simple":   SimpleLockFactory(),
		"combined": CombinedLockFactory(10),
		"spin":     SpinLockFactory(),
	} {
		t.Run(name, func(t *testing.T) {
			q := NewQueue(f)
			r := &recorder{}
			for i := 0; i < 200; i++ {
				q.Push(Demand{Receiver: r, Payload: i})
			}
			assert.Equal(t, 200, q.Len())

			for i := 0; i < 200; i++ {
				d, ok := q.Pop()
				require.True(t, ok)
				assert.Equal(t, i, d.Payload)
			}
			assert.Equal(t, 0, q.Len())
		})
	}
}

func TestQueue_CloseUnblocksPop(t *testing.T) {
	q := NewQueue(nil)
	done := make(chan bool)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Close")
	}

	q.Push(Demand{Receiver: &recorder{}, Payload: 1})
	assert.Equal(t, 0, q.Len(), "push after close must be discarded")
}

func TestWorker_RunsDemandsInOrder(t *testing.T) {
	q := NewQueue(nil)
	w := StartWorker(q, NewParams("test"))
	r := &recorder{}
	for i := 0; i < 50; i++ {
		q.Push(Demand{Receiver: r, Payload: i})
	}

	require.Eventually(t, func() bool { return len(r.values()) == 50 }, time.Second, time.Millisecond)
	for i, v := range r.values() {
		assert.Equal(t, i, v)
	}
	w.Stop()
	assert.NoError(t, w.Err())
}

func TestWorker_FaultStopsWorker(t *testing.T) {
	var reported error
	var mu sync.Mutex
	p := NewParams("faulty", WithErrorHandler(func(name string, err error) {
		mu.Lock()
		reported = err
		mu.Unlock()
	}))

	q := NewQueue(nil)
	w := StartWorker(q, p)
	q.Push(Demand{Receiver: panicker{}})

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after fault")
	}
	require.Error(t, w.Err())
	assert.True(t, errors.Is(w.Err(), ErrWorkerFault))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, errors.Is(reported, ErrWorkerFault))
}

func TestStats_TotalQueued(t *testing.T) {
	s := Stats{Queues: []QueueStats{{Size: 2}, {Size: 5}}}
	assert.Equal(t, 7, s.TotalQueued())
}
