// package broker is the local hub between producer and consumer processes
// on this host and the exchange with the server. Producers hand it messages
// for durable queuing, consumers subscribe to message types, and the
// exchanger feeds server-originated messages back through it.
//
// Inbound dispatch preserves server order per subscriber but never lets one
// hung subscriber stall the rest: each delivery is bounded by the dispatch
// timeout and skipped if the subscriber doesn't take it in time.
package broker

import (
	"sort"
	"sync"
	"time"

	"github.com/getlantern/golog"
	"github.com/google/uuid"

	"github.com/outpostd/outpostd/model"
	"github.com/outpostd/outpostd/store"
)

var (
	log = golog.LoggerFor("broker")
)

// Scheduler is the part of the exchanger the broker pokes when the queue
// grows. Wired after construction because the exchanger needs the broker
// too.
type Scheduler interface {
	// MessageEnqueued signals that a message entered the queue. Urgent
	// messages pull the next exchange forward.
	MessageEnqueued(urgent bool)

	// RequestUrgent pulls the next exchange forward unconditionally.
	RequestUrgent()
}

// Handler consumes one inbound message. The message's server sequence is
// included so consumers can deduplicate across restarts.
type Handler func(msg *model.Message, serverSequence uint64) error

// EventHandler consumes one broker lifecycle event.
type EventHandler func(name string, payload map[string]interface{})

type Opts struct {
	Store *store.MessageStore
	// DispatchTimeout bounds each subscriber delivery. Defaults to 5s.
	DispatchTimeout time.Duration
}

func (opts *Opts) ApplyDefaults() {
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 5 * time.Second
	}
}

type subscriber struct {
	id      string
	types   map[string]bool
	handler Handler
}

type eventListener struct {
	id      string
	handler EventHandler
}

// Service is the broker hub. Safe for concurrent use.
type Service struct {
	opts *Opts

	mx          sync.Mutex
	scheduler   Scheduler
	subscribers []*subscriber
	listeners   []*eventListener
	clientTypes map[string]bool
}

func New(opts *Opts) *Service {
	opts.ApplyDefaults()
	return &Service{
		opts:        opts,
		clientTypes: make(map[string]bool),
	}
}

// SetScheduler wires the exchanger in. Must be called before messages flow.
func (s *Service) SetScheduler(sched Scheduler) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.scheduler = sched
}

// Send durably queues a message for the server and returns its assigned
// sequence number. The message is accepted even when its type is not
// currently server-accepted; it is held and sent once the server accepts
// the type.
func (s *Service) Send(msg *model.Message, urgent bool) (uint64, error) {
	msg.Urgent = urgent
	seq, err := s.opts.Store.Enqueue(msg)
	if err != nil {
		return 0, err
	}

	s.mx.Lock()
	sched := s.scheduler
	s.mx.Unlock()
	if sched != nil {
		sched.MessageEnqueued(urgent)
	}
	return seq, nil
}

// Subscribe registers handler for the given message types and returns a
// subscription id for Unsubscribe. Subscribed types are advertised to the
// server as client-accepted on the next exchange.
func (s *Service) Subscribe(types []string, handler Handler) string {
	sub := &subscriber{
		id:      uuid.NewString(),
		types:   make(map[string]bool, len(types)),
		handler: handler,
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, t := range types {
		sub.types[t] = true
		s.clientTypes[t] = true
	}
	s.subscribers = append(s.subscribers, sub)
	return sub.id
}

// Unsubscribe removes a subscription. Types stay advertised: another local
// process may re-subscribe, and narrowing the advertisement mid-session
// would race with in-flight server sends.
func (s *Service) Unsubscribe(id string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for i, sub := range s.subscribers {
		if sub.id == id {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

// RegisterClientTypes advertises additional client-accepted message types
// without subscribing, for processes that poll rather than subscribe.
func (s *Service) RegisterClientTypes(types []string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, t := range types {
		s.clientTypes[t] = true
	}
}

// ClientTypes returns the sorted set of locally handled message types.
func (s *Service) ClientTypes() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	out := make([]string, 0, len(s.clientTypes))
	for t := range s.clientTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// AcceptedTypes returns the message types the server currently accepts.
func (s *Service) AcceptedTypes() []string {
	return s.opts.Store.AcceptedTypes()
}

// IsRegistered reports whether this host holds a server-issued identity.
func (s *Service) IsRegistered() bool {
	return s.opts.Store.Identity().Registered()
}

// RequestUrgentExchange pulls the next exchange forward on behalf of a
// local process.
func (s *Service) RequestUrgentExchange() {
	s.mx.Lock()
	sched := s.scheduler
	s.mx.Unlock()
	if sched != nil {
		sched.RequestUrgent()
	}
}

// HandleInbound dispatches a server-originated message to every subscriber
// of its type, in subscription order. A subscriber that doesn't finish
// within the dispatch timeout is skipped with an error logged; later
// subscribers and later messages still get delivered.
func (s *Service) HandleInbound(msg *model.Message, serverSequence uint64) {
	s.mx.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		if sub.types[msg.Type] {
			subs = append(subs, sub)
		}
	}
	s.mx.Unlock()

	if len(subs) == 0 {
		log.Debugf("no subscriber for inbound message of type '%v', dropping", msg.Type)
		return
	}

	for _, sub := range subs {
		if err := s.dispatch(sub, msg, serverSequence); err != nil {
			log.Error(err)
		}
	}
}

func (s *Service) dispatch(sub *subscriber, msg *model.Message, serverSequence uint64) error {
	done := make(chan error, 1)
	go func() {
		done <- sub.handler(msg, serverSequence)
	}()

	timer := time.NewTimer(s.opts.DispatchTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return model.TypedError(err).WithDetail("subscriber %v failed on '%v'", sub.id, msg.Type)
		}
		return nil
	case <-timer.C:
		return model.ErrSubscriberTimeout.WithDetail("subscriber %v took more than %v on '%v'",
			sub.id, s.opts.DispatchTimeout, msg.Type)
	}
}

// OnEvent registers an event listener and returns its id.
func (s *Service) OnEvent(handler EventHandler) string {
	l := &eventListener{id: uuid.NewString(), handler: handler}
	s.mx.Lock()
	defer s.mx.Unlock()
	s.listeners = append(s.listeners, l)
	return l.id
}

// RemoveEventListener drops an event listener.
func (s *Service) RemoveEventListener(id string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Fire broadcasts a lifecycle event to all listeners. Listener panics are
// contained so one bad collaborator can't take the broker down.
func (s *Service) Fire(name string, payload map[string]interface{}) {
	s.mx.Lock()
	listeners := make([]*eventListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mx.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("event listener %v panicked on '%v': %v", l.id, name, r)
				}
			}()
			l.handler(name, payload)
		}()
	}
}
