package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostd/outpostd/model"
	"github.com/outpostd/outpostd/store"
)

type fakeScheduler struct {
	mx       sync.Mutex
	enqueued []bool
	urgent   int
}

func (f *fakeScheduler) MessageEnqueued(urgent bool) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.enqueued = append(f.enqueued, urgent)
}

func (f *fakeScheduler) RequestUrgent() {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.urgent++
}

func newService(t *testing.T, opts *Opts) (*Service, *fakeScheduler) {
	t.Helper()
	st, err := store.Open(&store.Opts{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.SetAcceptedTypes([]string{"hardware-info"}))

	if opts == nil {
		opts = &Opts{}
	}
	opts.Store = st
	svc := New(opts)
	sched := &fakeScheduler{}
	svc.SetScheduler(sched)
	return svc, sched
}

func TestSendQueuesAndNotifies(t *testing.T) {
	svc, sched := newService(t, nil)

	seq, err := svc.Send(&model.Message{Type: "hardware-info"}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, seq)

	seq, err = svc.Send(&model.Message{Type: "hardware-info"}, true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, seq)

	assert.Equal(t, []bool{false, true}, sched.enqueued)
}

func TestSubscribeAndDispatchOrder(t *testing.T) {
	svc, _ := newService(t, nil)

	var mx sync.Mutex
	var got []string
	svc.Subscribe([]string{"ping-target"}, func(msg *model.Message, seq uint64) error {
		mx.Lock()
		defer mx.Unlock()
		got = append(got, "first")
		return nil
	})
	svc.Subscribe([]string{"ping-target", "other"}, func(msg *model.Message, seq uint64) error {
		mx.Lock()
		defer mx.Unlock()
		got = append(got, "second")
		return nil
	})

	svc.HandleInbound(&model.Message{Type: "ping-target"}, 7)
	svc.HandleInbound(&model.Message{Type: "unrelated"}, 8)

	mx.Lock()
	defer mx.Unlock()
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestHungSubscriberIsSkipped(t *testing.T) {
	svc, _ := newService(t, &Opts{DispatchTimeout: 50 * time.Millisecond})

	block := make(chan struct{})
	defer close(block)
	svc.Subscribe([]string{"ping-target"}, func(msg *model.Message, seq uint64) error {
		<-block
		return nil
	})

	var mx sync.Mutex
	var delivered []uint64
	svc.Subscribe([]string{"ping-target"}, func(msg *model.Message, seq uint64) error {
		mx.Lock()
		defer mx.Unlock()
		delivered = append(delivered, seq)
		return nil
	})

	start := time.Now()
	svc.HandleInbound(&model.Message{Type: "ping-target"}, 5)
	svc.HandleInbound(&model.Message{Type: "ping-target"}, 6)
	elapsed := time.Since(start)

	mx.Lock()
	defer mx.Unlock()
	assert.Equal(t, []uint64{5, 6}, delivered,
		"healthy subscriber should receive every message despite the hung one")
	assert.Less(t, elapsed, time.Second, "hung subscriber must not stall dispatch indefinitely")
}

func TestUnsubscribe(t *testing.T) {
	svc, _ := newService(t, nil)

	calls := 0
	id := svc.Subscribe([]string{"ping-target"}, func(msg *model.Message, seq uint64) error {
		calls++
		return nil
	})
	svc.HandleInbound(&model.Message{Type: "ping-target"}, 1)
	svc.Unsubscribe(id)
	svc.HandleInbound(&model.Message{Type: "ping-target"}, 2)

	assert.Equal(t, 1, calls)
}

func TestClientTypesAdvertised(t *testing.T) {
	svc, _ := newService(t, nil)

	svc.Subscribe([]string{"ping-target", "accepted-types"}, func(msg *model.Message, seq uint64) error { return nil })
	svc.RegisterClientTypes([]string{"upgrade"})

	assert.Equal(t, []string{"accepted-types", "ping-target", "upgrade"}, svc.ClientTypes())
}

func TestEvents(t *testing.T) {
	svc, _ := newService(t, nil)

	var mx sync.Mutex
	var got []string
	id := svc.OnEvent(func(name string, payload map[string]interface{}) {
		mx.Lock()
		defer mx.Unlock()
		got = append(got, name)
	})
	svc.OnEvent(func(name string, payload map[string]interface{}) {
		panic("bad listener")
	})

	svc.Fire("exchange-done", nil)
	svc.RemoveEventListener(id)
	svc.Fire("exchange-failed", nil)

	mx.Lock()
	defer mx.Unlock()
	assert.Equal(t, []string{"exchange-done"}, got)
}

func TestRequestUrgentExchange(t *testing.T) {
	svc, sched := newService(t, nil)
	svc.RequestUrgentExchange()
	assert.Equal(t, 1, sched.urgent)
}
