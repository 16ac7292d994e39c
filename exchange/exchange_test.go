package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostd/outpostd/identity"
	"github.com/outpostd/outpostd/model"
	"github.com/outpostd/outpostd/registration"
	"github.com/outpostd/outpostd/store"
	"github.com/outpostd/outpostd/testsupport"
	"github.com/outpostd/outpostd/transport"
)

type recordedEvent struct {
	name    string
	payload map[string]interface{}
}

type eventRecorder struct {
	mx     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) Fire(name string, payload map[string]interface{}) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.events = append(r.events, recordedEvent{name, payload})
}

func (r *eventRecorder) names() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.name)
	}
	return out
}

func (r *eventRecorder) count(name string) int {
	n := 0
	for _, got := range r.names() {
		if got == name {
			n++
		}
	}
	return n
}

type inboundRecorder struct {
	mx       sync.Mutex
	messages []*model.Message
	seqs     []uint64
}

func (r *inboundRecorder) HandleInbound(msg *model.Message, serverSequence uint64) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.messages = append(r.messages, msg)
	r.seqs = append(r.seqs, serverSequence)
}

func (r *inboundRecorder) received() []*model.Message {
	r.mx.Lock()
	defer r.mx.Unlock()
	out := make([]*model.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

type harness struct {
	store     *store.MessageStore
	transport *testsupport.FakeTransport
	ping      *testsupport.FakePing
	events    *eventRecorder
	inbound   *inboundRecorder
	exchanger *Exchanger
}

func newHarness(t *testing.T, opts *Opts) *harness {
	t.Helper()
	st, err := store.Open(&store.Opts{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.SetIdentity(&identity.Identity{
		AccountName:   "onboarding",
		ComputerTitle: "Truck 7",
		SecureID:      "secure-abc",
		InsecureID:    "42",
	}))
	require.NoError(t, st.SetAcceptedTypes([]string{"register", "resynchronize", "hardware-info", "load-average"}))

	h := &harness{
		store:     st,
		transport: testsupport.NewFakeTransport(),
		ping:      testsupport.NewFakePing(),
		events:    &eventRecorder{},
		inbound:   &inboundRecorder{},
	}
	if opts == nil {
		opts = &Opts{}
	}
	opts.Store = st
	opts.Transport = h.transport
	opts.Ping = h.ping
	opts.Registrar = registration.New(st, h.transport)
	opts.Events = h.events
	opts.Inbound = h.inbound
	h.exchanger = New(opts)
	return h
}

func TestAcknowledgmentPrunesAndNumberingContinues(t *testing.T) {
	h := newHarness(t, nil)

	seq1, err := h.store.Enqueue(&model.Message{Type: "hardware-info", Payload: map[string]interface{}{"cpus": 8}})
	require.NoError(t, err)
	seq2, err := h.store.Enqueue(&model.Message{Type: "load-average", Payload: map[string]interface{}{"load": 0.5}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, seq1)
	assert.EqualValues(t, 2, seq2)

	require.NoError(t, h.exchanger.Exchange(context.Background()))

	sent := h.transport.Exchanges()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Messages, 2)
	assert.EqualValues(t, 1, sent[0].Messages[0].Sequence)
	assert.Equal(t, "hardware-info", sent[0].Messages[0].Message.Type)
	assert.Equal(t, 2, sent[0].TotalMessages)
	assert.Equal(t, []string{"secure-abc"}, h.transport.SecureIDs())

	pending, err := h.store.Pending(10)
	require.NoError(t, err)
	assert.Empty(t, pending, "acknowledged messages should be pruned")

	seq3, err := h.store.Enqueue(&model.Message{Type: "load-average"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, seq3, "numbering continues past acknowledged messages")

	assert.Equal(t, 1, h.events.count("impending-exchange"))
	assert.Equal(t, 1, h.events.count("exchange-done"))
}

func TestDesyncTriggersResynchronize(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.store.Enqueue(&model.Message{Type: "hardware-info"})
	require.NoError(t, err)
	_, err = h.store.Enqueue(&model.Message{Type: "load-average"})
	require.NoError(t, err)

	// First exchange: server acknowledges both.
	require.NoError(t, h.exchanger.Exchange(context.Background()))
	require.EqualValues(t, 2, h.store.AckedThrough())

	_, err = h.store.Enqueue(&model.Message{Type: "load-average", Payload: map[string]interface{}{"load": 0.9}})
	require.NoError(t, err)

	// Server lost state: it now expects sequence 1 again.
	h.transport.QueueResponse(&transport.ExchangeResponse{
		AcceptedUpToSequence: 0,
		NextExpectedSequence: 1,
	})
	require.NoError(t, h.exchanger.Exchange(context.Background()))

	assert.Equal(t, 1, h.events.count("resynchronize"))

	// The surviving message was renumbered from 1 and a resynchronize
	// notice queued after it.
	pending, err := h.store.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.EqualValues(t, 1, pending[0].Sequence)
	assert.Equal(t, "load-average", pending[0].Message.Type)
	assert.EqualValues(t, 2, pending[1].Sequence)
	assert.Equal(t, "resynchronize", pending[1].Message.Type)

	// The desync pulled the next exchange forward.
	select {
	case <-h.exchanger.urgentCh:
	default:
		t.Error("expected an urgent exchange request after resynchronization")
	}
}

func TestAckAppliedBeforeAcceptedTypesShrink(t *testing.T) {
	h := newHarness(t, nil)

	seq, err := h.store.Enqueue(&model.Message{Type: "load-average"})
	require.NoError(t, err)
	require.EqualValues(t, 1, seq)

	// One response both acknowledges the batch and stops accepting its
	// type. The acknowledged message must be pruned, not held back.
	h.transport.QueueResponse(&transport.ExchangeResponse{
		AcceptedUpToSequence: 1,
		NextExpectedSequence: 2,
		AcceptedTypes:        []string{"register", "resynchronize", "hardware-info"},
	})
	require.NoError(t, h.exchanger.Exchange(context.Background()))
	assert.EqualValues(t, 1, h.store.AckedThrough())

	require.NoError(t, h.store.SetAcceptedTypes([]string{"register", "resynchronize", "hardware-info", "load-average"}))
	pending, err := h.store.Pending(10)
	require.NoError(t, err)
	assert.Empty(t, pending, "acknowledged message must not resurface once its type is re-accepted")
}

func TestUnknownIDReregistersAndResumes(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.store.Enqueue(&model.Message{Type: "hardware-info"})
	require.NoError(t, err)

	// The rejection triggers re-registration within the same cycle, and
	// the exchange resumes under the fresh credential.
	h.transport.SetRegisterResult(&transport.RegistrationResponse{
		SecureID:   "secure-fresh",
		InsecureID: "43",
	}, nil)
	h.transport.QueueResponse(&transport.ExchangeResponse{UnknownID: true})
	require.NoError(t, h.exchanger.Exchange(context.Background()))

	require.Len(t, h.transport.Registrations(), 1)
	ids := h.transport.SecureIDs()
	require.Len(t, ids, 2)
	assert.Equal(t, "secure-abc", ids[0])
	assert.Equal(t, "secure-fresh", ids[1])
	assert.Equal(t, 1, h.events.count("registration-done"))
	assert.Equal(t, 1, h.events.count("exchange-done"))
	assert.Equal(t, 0, h.events.count("exchange-failed"))
}

func TestUnknownIDRegistrationFailureBacksOff(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.store.Enqueue(&model.Message{Type: "hardware-info"})
	require.NoError(t, err)

	h.transport.SetRegisterResult(nil, model.ErrAuthentication.WithDetail("account unknown"))
	h.transport.QueueResponse(&transport.ExchangeResponse{UnknownID: true})
	err = h.exchanger.Exchange(context.Background())
	assert.True(t, errors.Is(err, model.ErrAuthentication))
	assert.False(t, h.store.Identity().Registered(), "rejected credentials should be discarded")
	assert.Equal(t, 1, h.events.count("registration-failed"))
	assert.Equal(t, 1, h.events.count("exchange-failed"))
}

func TestAcceptedTypesChanges(t *testing.T) {
	h := newHarness(t, nil)

	// packages is not accepted yet, so this message is held.
	_, err := h.store.Enqueue(&model.Message{Type: "packages"})
	require.NoError(t, err)

	h.transport.QueueResponse(&transport.ExchangeResponse{
		AcceptedTypes: []string{"register", "resynchronize", "hardware-info", "packages"},
	})
	require.NoError(t, h.exchanger.Exchange(context.Background()))

	assert.True(t, h.store.Accepts("packages"))
	assert.False(t, h.store.Accepts("load-average"))
	assert.Equal(t, 2, h.events.count("message-type-acceptance-changed"))

	// The newly accepted type released a held message, so the next
	// exchange was pulled forward and carries it.
	select {
	case <-h.exchanger.urgentCh:
	default:
		t.Error("expected an urgent exchange request after a held message became sendable")
	}
	require.NoError(t, h.exchanger.Exchange(context.Background()))
	sent := h.transport.Exchanges()
	last := sent[len(sent)-1]
	require.Len(t, last.Messages, 1)
	assert.Equal(t, "packages", last.Messages[0].Message.Type)
}

func TestInboundDeliveryAndServerSequence(t *testing.T) {
	h := newHarness(t, nil)

	h.transport.QueueResponse(&transport.ExchangeResponse{
		ServerSequence: 5,
		Messages: []*model.Message{
			{Type: "ping-target", Payload: map[string]interface{}{"url": "https://ping.example.com"}},
			{Type: "accepted-types"},
		},
	})
	require.NoError(t, h.exchanger.Exchange(context.Background()))

	msgs := h.inbound.received()
	require.Len(t, msgs, 2)
	assert.Equal(t, "ping-target", msgs[0].Type)
	assert.Equal(t, []uint64{5, 6}, h.inbound.seqs)
	assert.EqualValues(t, 7, h.store.ServerSequence())

	// The next request reports the sequence we expect next.
	require.NoError(t, h.exchanger.Exchange(context.Background()))
	sent := h.transport.Exchanges()
	assert.EqualValues(t, 7, sent[len(sent)-1].NextExpectedSequence)
}

func TestSetIntervalsMessage(t *testing.T) {
	h := newHarness(t, nil)

	h.transport.QueueResponse(&transport.ExchangeResponse{
		Messages: []*model.Message{
			{Type: "set-intervals", Payload: map[string]interface{}{"exchange": 600, "urgent-exchange": 20}},
		},
	})
	require.NoError(t, h.exchanger.Exchange(context.Background()))

	regular, urgent := h.exchanger.intervals()
	assert.Equal(t, 600*time.Second, regular)
	assert.Equal(t, 20*time.Second, urgent)
	assert.Empty(t, h.inbound.received(), "interval control messages are consumed internally")
}

func TestIntervalOverridesFromResponse(t *testing.T) {
	h := newHarness(t, nil)

	h.transport.QueueResponse(&transport.ExchangeResponse{
		ExchangeIntervalSeconds: 120,
	})
	require.NoError(t, h.exchanger.Exchange(context.Background()))

	regular, urgent := h.exchanger.intervals()
	assert.Equal(t, 120*time.Second, regular)
	assert.Equal(t, h.exchanger.opts.UrgentInterval, urgent)
}

func TestServerUUIDChange(t *testing.T) {
	h := newHarness(t, nil)

	h.transport.QueueResponse(&transport.ExchangeResponse{ServerUUID: "server-a"})
	require.NoError(t, h.exchanger.Exchange(context.Background()))
	assert.Equal(t, 0, h.events.count("server-uuid-changed"),
		"first sighting of a uuid is not a change")

	h.transport.QueueResponse(&transport.ExchangeResponse{ServerUUID: "server-b"})
	require.NoError(t, h.exchanger.Exchange(context.Background()))
	assert.Equal(t, 1, h.events.count("server-uuid-changed"))
	assert.Equal(t, "server-b", h.store.ServerUUID())
}

func TestBacklogPullsExchangeForward(t *testing.T) {
	h := newHarness(t, &Opts{MaxMessagesPerExchange: 1})

	_, err := h.store.Enqueue(&model.Message{Type: "hardware-info"})
	require.NoError(t, err)
	_, err = h.store.Enqueue(&model.Message{Type: "load-average"})
	require.NoError(t, err)

	require.NoError(t, h.exchanger.Exchange(context.Background()))

	sent := h.transport.Exchanges()
	require.Len(t, sent[0].Messages, 1)
	assert.Equal(t, 2, sent[0].TotalMessages)

	select {
	case <-h.exchanger.urgentCh:
	default:
		t.Error("expected an urgent exchange request while a backlog remains")
	}
}

func TestMessageEnqueuedThreshold(t *testing.T) {
	h := newHarness(t, &Opts{UrgentPendingThreshold: 2})

	_, err := h.store.Enqueue(&model.Message{Type: "hardware-info"})
	require.NoError(t, err)
	h.exchanger.MessageEnqueued(false)
	select {
	case <-h.exchanger.urgentCh:
		t.Error("below the threshold no urgent exchange should be requested")
	default:
	}

	_, err = h.store.Enqueue(&model.Message{Type: "load-average"})
	require.NoError(t, err)
	h.exchanger.MessageEnqueued(false)
	select {
	case <-h.exchanger.urgentCh:
	default:
		t.Error("reaching the threshold should request an urgent exchange")
	}

	h.exchanger.MessageEnqueued(true)
	select {
	case <-h.exchanger.urgentCh:
	default:
		t.Error("urgent messages always request an urgent exchange")
	}
}

func TestScheduleLoopServesUrgentRequests(t *testing.T) {
	h := newHarness(t, &Opts{
		ExchangeInterval: time.Hour,
		UrgentInterval:   10 * time.Millisecond,
		PingInterval:     time.Hour,
	})

	h.exchanger.Start()
	defer h.exchanger.Stop()

	_, err := h.store.Enqueue(&model.Message{Type: "hardware-info", Urgent: true})
	require.NoError(t, err)
	h.exchanger.MessageEnqueued(true)

	require.Eventually(t, func() bool {
		return len(h.transport.Exchanges()) >= 1 && h.exchanger.State() == Idle
	}, 2*time.Second, 10*time.Millisecond, "urgent request should trigger an exchange well before the regular interval")
}

func TestScheduleLoopBacksOffOnFailure(t *testing.T) {
	h := newHarness(t, &Opts{
		ExchangeInterval: time.Hour,
		UrgentInterval:   5 * time.Millisecond,
		PingInterval:     time.Hour,
		InitialBackoff:   10 * time.Millisecond,
		MaxBackoff:       20 * time.Millisecond,
	})

	h.transport.QueueError(model.ErrTransport.WithDetail("server down"))

	h.exchanger.Start()
	defer h.exchanger.Stop()
	h.exchanger.RequestUrgent()

	require.Eventually(t, func() bool {
		return len(h.transport.Exchanges()) >= 2
	}, 2*time.Second, 5*time.Millisecond, "failed exchange should be retried after backoff")
}

func TestPingTriggersUrgentExchange(t *testing.T) {
	h := newHarness(t, &Opts{
		ExchangeInterval: time.Hour,
		UrgentInterval:   5 * time.Millisecond,
		PingInterval:     10 * time.Millisecond,
	})
	h.ping.Set(true, nil)

	h.exchanger.Start()
	defer h.exchanger.Stop()

	require.Eventually(t, func() bool {
		return len(h.transport.Exchanges()) >= 1
	}, 2*time.Second, 10*time.Millisecond, "a positive ping should trigger an exchange")
	assert.Greater(t, h.ping.Calls(), 0)
}

func TestPingShortensBackoff(t *testing.T) {
	h := newHarness(t, &Opts{
		ExchangeInterval: time.Hour,
		UrgentInterval:   5 * time.Millisecond,
		PingInterval:     10 * time.Millisecond,
		InitialBackoff:   time.Hour,
		MaxBackoff:       time.Hour,
	})

	h.transport.QueueError(model.ErrTransport.WithDetail("server down"))
	h.ping.Set(false, nil)

	h.exchanger.Start()
	defer h.exchanger.Stop()
	h.exchanger.RequestUrgent()

	// The backoff delay is an hour, so a second exchange can only happen if
	// the reachable ping pulled the retry forward.
	require.Eventually(t, func() bool {
		return len(h.transport.Exchanges()) >= 2
	}, 2*time.Second, 10*time.Millisecond, "a successful ping during backoff should trigger a retry")
}
