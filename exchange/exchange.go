// package exchange drives the sequenced message exchange with the
// management server. A single goroutine owns the schedule: it wakes on the
// regular interval, sooner when an urgent exchange has been requested, and
// backs off exponentially after failures. Between exchanges it pings the
// server so inbound messages don't wait for the next full interval.
//
// Exactly one exchange runs at a time. Urgent requests that arrive while an
// exchange is in flight are deferred, not dropped: the loop serves them as
// soon as the current exchange finishes.
package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/getlantern/golog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/outpostd/outpostd/model"
	"github.com/outpostd/outpostd/ping"
	"github.com/outpostd/outpostd/registration"
	"github.com/outpostd/outpostd/store"
	"github.com/outpostd/outpostd/transport"
)

var (
	log = golog.LoggerFor("exchange")

	meter              = otel.Meter("outpostd/exchange")
	exchangeCounter, _ = meter.Int64Counter("exchanges", metric.WithDescription("completed exchanges"))
	failureCounter, _  = meter.Int64Counter("exchange_failures", metric.WithDescription("failed exchanges"))
	sentCounter, _     = meter.Int64Counter("messages_sent", metric.WithDescription("messages delivered to the server"))
	receivedCounter, _ = meter.Int64Counter("messages_received", metric.WithDescription("messages received from the server"))
	resyncCounter, _   = meter.Int64Counter("resynchronizations", metric.WithDescription("sequence desync recoveries"))
)

// State is where the exchanger currently is in its lifecycle.
type State int

const (
	// Idle means waiting for the next scheduled exchange.
	Idle State = iota
	// Registering means obtaining an identity before the first exchange.
	Registering
	// Exchanging means an exchange is in flight.
	Exchanging
	// Backoff means the last attempt failed and the next one is delayed.
	Backoff
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Registering:
		return "registering"
	case Exchanging:
		return "exchanging"
	case Backoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Events receives lifecycle notifications. The broker fans these out to
// local collaborators.
type Events interface {
	Fire(name string, payload map[string]interface{})
}

// InboundHandler consumes server-originated messages in server order.
type InboundHandler interface {
	HandleInbound(msg *model.Message, serverSequence uint64)
}

type Opts struct {
	Store     *store.MessageStore
	Transport transport.Transport
	Ping      ping.Client
	Registrar *registration.Registrar
	Events    Events
	Inbound   InboundHandler

	// ClientTypes reports the message types local collaborators can handle,
	// advertised to the server on every exchange.
	ClientTypes func() []string

	// ExchangeInterval is the regular exchange cadence. Defaults to 15m.
	ExchangeInterval time.Duration
	// UrgentInterval is how soon an urgent exchange runs after being
	// requested. Defaults to 10s.
	UrgentInterval time.Duration
	// PingInterval is the cadence of the cheap message poll. Defaults to 30s.
	PingInterval time.Duration
	// MaxMessagesPerExchange bounds the batch size. Defaults to 100.
	MaxMessagesPerExchange int
	// UrgentPendingThreshold is the pending-message count at which the next
	// exchange is pulled forward even without an urgent message. Defaults
	// to 10.
	UrgentPendingThreshold int
	// InitialBackoff and MaxBackoff bound the failure backoff. Default to
	// 5s and 5m.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (opts *Opts) ApplyDefaults() {
	if opts.ExchangeInterval <= 0 {
		opts.ExchangeInterval = 15 * time.Minute
	}
	if opts.UrgentInterval <= 0 {
		opts.UrgentInterval = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.MaxMessagesPerExchange <= 0 {
		opts.MaxMessagesPerExchange = 100
	}
	if opts.UrgentPendingThreshold <= 0 {
		opts.UrgentPendingThreshold = 10
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 5 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
}

// Exchanger owns the exchange schedule and the sequence reconciliation
// logic.
type Exchanger struct {
	opts *Opts

	urgentCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	backoff *backoff.ExponentialBackOff

	mx               sync.Mutex
	state            State
	exchangeInterval time.Duration
	urgentInterval   time.Duration
}

func New(opts *Opts) *Exchanger {
	opts.ApplyDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.InitialBackoff
	bo.MaxInterval = opts.MaxBackoff
	bo.MaxElapsedTime = 0

	return &Exchanger{
		opts:             opts,
		urgentCh:         make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
		backoff:          bo,
		state:            Idle,
		exchangeInterval: opts.ExchangeInterval,
		urgentInterval:   opts.UrgentInterval,
	}
}

// State returns the exchanger's current lifecycle state.
func (e *Exchanger) State() State {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.state
}

func (e *Exchanger) setState(s State) {
	e.mx.Lock()
	e.state = s
	e.mx.Unlock()
}

func (e *Exchanger) intervals() (regular time.Duration, urgent time.Duration) {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.exchangeInterval, e.urgentInterval
}

// RequestUrgent pulls the next exchange forward to the urgent interval.
// Safe to call from any goroutine and while an exchange is in flight, in
// which case the urgent exchange runs right after the current one.
func (e *Exchanger) RequestUrgent() {
	select {
	case e.urgentCh <- struct{}{}:
	default:
	}
}

// MessageEnqueued tells the exchanger that the queue grew. Urgent messages
// and a backlog past the pending threshold both pull the next exchange
// forward.
func (e *Exchanger) MessageEnqueued(urgent bool) {
	if urgent {
		e.RequestUrgent()
		return
	}
	count, err := e.opts.Store.PendingCount()
	if err != nil {
		log.Errorf("unable to count pending messages: %v", err)
		return
	}
	if count >= e.opts.UrgentPendingThreshold {
		log.Debugf("%d messages pending, pulling exchange forward", count)
		e.RequestUrgent()
	}
}

// Start launches the schedule loop. Stop it with Stop, which waits for any
// in-flight exchange to finish.
func (e *Exchanger) Start() {
	go e.run()
}

// Stop shuts the loop down. An exchange already in flight is allowed to
// complete so its acknowledgments are persisted.
func (e *Exchanger) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

func (e *Exchanger) run() {
	defer close(e.doneCh)

	regular, _ := e.intervals()
	timer := time.NewTimer(regular)
	defer timer.Stop()
	pinger := time.NewTicker(e.opts.PingInterval)
	defer pinger.Stop()

	reschedule := func(d time.Duration) {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}

	for {
		select {
		case <-e.stopCh:
			return
		case <-e.urgentCh:
			_, urgent := e.intervals()
			reschedule(urgent)
		case <-pinger.C:
			state := e.State()
			if state != Idle && state != Backoff {
				continue
			}
			has, err := e.opts.Ping.HasMessages(context.Background())
			if err != nil {
				log.Debugf("ping failed: %v", err)
				continue
			}
			if has {
				e.RequestUrgent()
				continue
			}
			// In backoff, a reachable server is reason enough to retry
			// early. The unregistered case never touched the network, so
			// it proves nothing.
			if state == Backoff && e.opts.Registrar.Identity().Registered() {
				e.RequestUrgent()
			}
		case <-timer.C:
			err := e.Exchange(context.Background())
			switch {
			case err == nil:
				e.setState(Idle)
				e.backoff.Reset()
				regular, _ := e.intervals()
				reschedule(regular)
			default:
				e.setState(Backoff)
				delay := e.backoff.NextBackOff()
				log.Errorf("exchange failed, next attempt in %v: %v", delay, err)
				reschedule(delay)
			}
		}
	}
}

// Exchange performs one complete exchange: ensure registration, send the
// pending batch, reconcile sequences and deliver inbound messages. It is
// synchronous and returns the classified error on failure.
func (e *Exchanger) Exchange(ctx context.Context) error {
	if err := e.register(ctx); err != nil {
		return err
	}

	e.setState(Exchanging)
	e.fire("impending-exchange", nil)

	req, err := e.buildRequest()
	if err != nil {
		return err
	}

	resp, err := e.attempt(ctx, req)
	if err != nil {
		if !errors.Is(err, model.ErrAuthentication) {
			failureCounter.Add(ctx, 1)
			e.fire("exchange-failed", nil)
			return err
		}
		// The server no longer recognizes our identity. Discard the
		// credential and re-register right away; only a registration
		// failure sends us into backoff. On success the exchange resumes
		// within the same cycle under the fresh credential.
		if resetErr := e.opts.Registrar.HandleUnknownID(); resetErr != nil {
			log.Errorf("unable to reset identity: %v", resetErr)
		}
		if regErr := e.register(ctx); regErr != nil {
			failureCounter.Add(ctx, 1)
			e.fire("exchange-failed", nil)
			return err
		}
		e.setState(Exchanging)
		resp, err = e.attempt(ctx, req)
		if err != nil {
			failureCounter.Add(ctx, 1)
			e.fire("exchange-failed", nil)
			return err
		}
	}

	if err := e.handleResponse(ctx, req, resp); err != nil {
		return err
	}

	exchangeCounter.Add(ctx, 1)
	sentCounter.Add(ctx, int64(len(req.Messages)))
	receivedCounter.Add(ctx, int64(len(resp.Messages)))
	e.fire("exchange-done", nil)
	return nil
}

// attempt performs a single exchange round trip, folding the in-band
// unknown-id signal into the same authentication error the transport
// raises for a 401.
func (e *Exchanger) attempt(ctx context.Context, req *transport.ExchangeRequest) (*transport.ExchangeResponse, error) {
	secureID := e.opts.Registrar.Identity().SecureID
	resp, err := e.opts.Transport.Exchange(ctx, req, secureID)
	if err != nil {
		return nil, err
	}
	if resp.UnknownID {
		return nil, model.ErrAuthentication.WithDetail("server reported unknown id")
	}
	return resp, nil
}

func (e *Exchanger) register(ctx context.Context) error {
	if e.opts.Registrar.Identity().Registered() {
		return nil
	}
	e.setState(Registering)
	if err := e.opts.Registrar.EnsureRegistered(ctx); err != nil {
		e.fire("registration-failed", nil)
		return err
	}
	e.fire("registration-done", nil)
	return nil
}

func (e *Exchanger) buildRequest() (*transport.ExchangeRequest, error) {
	st := e.opts.Store
	pending, err := st.Pending(e.opts.MaxMessagesPerExchange)
	if err != nil {
		return nil, err
	}
	total, err := st.PendingCount()
	if err != nil {
		return nil, err
	}

	var clientTypes []string
	if e.opts.ClientTypes != nil {
		clientTypes = e.opts.ClientTypes()
	}

	return &transport.ExchangeRequest{
		ClientAPI:            model.ClientAPI,
		ServerAPI:            model.ClientAPI,
		Messages:             pending,
		TotalMessages:        total,
		NextExpectedSequence: st.ServerSequence(),
		AcceptedTypesDigest:  transport.TypesDigest(st.AcceptedTypes()),
		ClientAcceptedTypes:  clientTypes,
	}, nil
}

func (e *Exchanger) handleResponse(ctx context.Context, req *transport.ExchangeRequest, resp *transport.ExchangeResponse) error {
	e.trackServerUUID(resp.ServerUUID)

	// Reconcile the acknowledgment before touching accepted types: pruning
	// keys off the batch's types still being accepted, so shrinking the set
	// first would strand already-acknowledged messages as held.
	if err := e.reconcileSequences(resp); err != nil {
		return err
	}

	if resp.AcceptedTypes != nil {
		if err := e.updateAcceptedTypes(resp.AcceptedTypes); err != nil {
			return err
		}
	}

	e.deliverInbound(resp)
	e.applyIntervalOverrides(resp.ExchangeIntervalSeconds, resp.UrgentIntervalSeconds)

	// More sendable messages than fit in one batch: don't sit out a full
	// interval with a backlog.
	if req.TotalMessages > len(req.Messages) {
		e.RequestUrgent()
	}
	return nil
}

// reconcileSequences applies the server's acknowledgment. The normal case
// prunes acknowledged messages. A next-expected-sequence at or below what
// the server already acknowledged means the server lost state: renumber the
// surviving queue from the point the server declared and queue a
// resynchronize notice so producers can re-report.
func (e *Exchanger) reconcileSequences(resp *transport.ExchangeResponse) error {
	st := e.opts.Store
	ackedBefore := st.AckedThrough()
	next := resp.NextExpectedSequence
	if next == 0 {
		// Server made no sequence claim, nothing to reconcile.
		return nil
	}

	if next > ackedBefore {
		return st.Acknowledge(next - 1)
	}

	resyncCounter.Add(context.Background(), 1)
	log.Errorf("server expects sequence %d but %d is already acknowledged, resynchronizing", next, ackedBefore)
	if err := st.Rebase(next); err != nil {
		return err
	}
	if _, err := st.Enqueue(&model.Message{Type: "resynchronize", Urgent: true}); err != nil {
		return err
	}
	e.fire("resynchronize", map[string]interface{}{"next-expected-sequence": next})
	e.RequestUrgent()
	return nil
}

func (e *Exchanger) deliverInbound(resp *transport.ExchangeResponse) {
	st := e.opts.Store
	seq := resp.ServerSequence
	for _, msg := range resp.Messages {
		if msg.Type == "set-intervals" {
			e.applyIntervalsMessage(msg)
		} else if e.opts.Inbound != nil {
			e.opts.Inbound.HandleInbound(msg, seq)
		}
		seq++
		if err := st.SetServerSequence(seq); err != nil {
			log.Errorf("unable to persist server sequence %d: %v", seq, err)
			return
		}
	}
}

// updateAcceptedTypes replaces the accepted set and reports each change as
// an event. Newly accepted types may release held messages, which warrants
// an urgent exchange.
func (e *Exchanger) updateAcceptedTypes(types []string) error {
	st := e.opts.Store
	before := make(map[string]bool)
	for _, t := range st.AcceptedTypes() {
		before[t] = true
	}
	heldBefore, err := st.HeldCount()
	if err != nil {
		return err
	}

	if err := st.SetAcceptedTypes(types); err != nil {
		return err
	}

	after := make(map[string]bool)
	for _, t := range types {
		after[t] = true
		if !before[t] {
			e.fire("message-type-acceptance-changed", map[string]interface{}{"type": t, "accepted": true})
		}
	}
	for t := range before {
		if !after[t] {
			e.fire("message-type-acceptance-changed", map[string]interface{}{"type": t, "accepted": false})
		}
	}

	heldAfter, err := st.HeldCount()
	if err != nil {
		return err
	}
	if heldAfter < heldBefore {
		log.Debugf("%d held messages became sendable", heldBefore-heldAfter)
		e.RequestUrgent()
	}
	return nil
}

func (e *Exchanger) trackServerUUID(uuid string) {
	if uuid == "" {
		return
	}
	st := e.opts.Store
	old := st.ServerUUID()
	if old == uuid {
		return
	}
	if err := st.SetServerUUID(uuid); err != nil {
		log.Errorf("unable to persist server uuid: %v", err)
		return
	}
	if old != "" {
		log.Debugf("server uuid changed from %v to %v", old, uuid)
		e.fire("server-uuid-changed", map[string]interface{}{"old": old, "new": uuid})
	}
}

func (e *Exchanger) applyIntervalsMessage(msg *model.Message) {
	var exchangeSecs, urgentSecs int
	if v, ok := msg.Payload["exchange"]; ok {
		exchangeSecs = toInt(v)
	}
	if v, ok := msg.Payload["urgent-exchange"]; ok {
		urgentSecs = toInt(v)
	}
	e.applyIntervalOverrides(exchangeSecs, urgentSecs)
}

func (e *Exchanger) applyIntervalOverrides(exchangeSecs, urgentSecs int) {
	if exchangeSecs <= 0 && urgentSecs <= 0 {
		return
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	if exchangeSecs > 0 {
		e.exchangeInterval = time.Duration(exchangeSecs) * time.Second
		log.Debugf("exchange interval set to %v", e.exchangeInterval)
	}
	if urgentSecs > 0 {
		e.urgentInterval = time.Duration(urgentSecs) * time.Second
		log.Debugf("urgent exchange interval set to %v", e.urgentInterval)
	}
}

func (e *Exchanger) fire(name string, payload map[string]interface{}) {
	if e.opts.Events != nil {
		e.opts.Events.Fire(name, payload)
	}
}

// msgpack decodes integers into whichever width fits, so interval payloads
// arrive as any of these.
func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
