// package web exposes the broker to local producer and consumer processes
// over a websocket endpoint speaking the binary envelope protocol from
// package model. One websocket connection multiplexes any number of
// concurrent requests, subscriptions and event streams.
package web

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/getlantern/golog"

	"github.com/outpostd/outpostd/broker"
	"github.com/outpostd/outpostd/model"
)

var (
	log = golog.LoggerFor("web")
)

type Handler interface {
	http.Handler

	// ActiveConnections tells us how many active client connections the Handler has in flight
	ActiveConnections() int
}

type Opts struct {
	Service *broker.Service
	// AckTimeout bounds how long a pushed inbound message waits for the
	// client's acknowledgment. Defaults to 5s.
	AckTimeout time.Duration
}

func (opts *Opts) ApplyDefaults() {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
}

type handler struct {
	opts              *Opts
	upgrader          *websocket.Upgrader
	activeConnections int64
}

func NewHandler(opts *Opts) Handler {
	opts.ApplyDefaults()
	return &handler{
		opts:     opts,
		upgrader: &websocket.Upgrader{},
	}
}

func (h *handler) ActiveConnections() int {
	return int(atomic.LoadInt64(&h.activeConnections))
}

func (h *handler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	ws, err := h.upgrader.Upgrade(resp, req, nil)
	if err != nil {
		log.Errorf("unable to upgrade to websocket: %v", err)
		return
	}
	defer ws.Close()

	atomic.AddInt64(&h.activeConnections, 1)
	defer atomic.AddInt64(&h.activeConnections, -1)

	c := &conn{
		handler: h,
		ws:      ws,
		out:     make(chan model.Envelope, 64),
		acks:    make(map[model.Sequence]chan struct{}),
		stopCh:  make(chan struct{}),
	}
	c.run()
}

type conn struct {
	handler *handler
	ws      *websocket.Conn
	builder model.EnvelopeBuilder

	out      chan model.Envelope
	stopCh   chan struct{}
	stopOnce sync.Once

	mx            sync.Mutex
	acks          map[model.Sequence]chan struct{}
	subscriptions []string
	eventListener string
}

func (c *conn) run() {
	svc := c.handler.opts.Service

	// Every connection hears broker lifecycle events. Pushes are
	// fire-and-forget.
	c.eventListener = svc.OnEvent(func(name string, payload map[string]interface{}) {
		env, err := c.builder.NewEvent(name, payload)
		if err != nil {
			log.Errorf("unable to build event envelope: %v", err)
			return
		}
		c.send(env)
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()

	c.readPump()
	c.stop()
	wg.Wait()

	svc.RemoveEventListener(c.eventListener)
	c.mx.Lock()
	subs := c.subscriptions
	c.subscriptions = nil
	c.mx.Unlock()
	for _, id := range subs {
		svc.Unsubscribe(id)
	}
}

func (c *conn) stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *conn) send(env model.Envelope) {
	select {
	case c.out <- env:
	case <-c.stopCh:
	}
}

func (c *conn) writePump() {
	for {
		select {
		case env := <-c.out:
			if err := c.ws.WriteMessage(websocket.BinaryMessage, env); err != nil {
				log.Debugf("error writing: %v", err)
				c.stop()
				return
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *conn) readPump() {
	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("error reading: %v", err)
			}
			return
		}
		env := model.Envelope(b)
		if !env.Valid() {
			log.Errorf("dropping malformed envelope of %d bytes", len(b))
			continue
		}
		c.handleEnvelope(env)
	}
}

func (c *conn) handleEnvelope(env model.Envelope) {
	svc := c.handler.opts.Service
	seq := env.Sequence()

	switch env.Type() {
	case model.TypeACK:
		c.mx.Lock()
		ch, found := c.acks[seq]
		delete(c.acks, seq)
		c.mx.Unlock()
		if found {
			close(ch)
		}
	case model.TypeSend:
		send, err := env.Send()
		if err != nil {
			c.sendError(seq, model.Error{Code: model.ErrCodeUnmarshal, Description: err.Error()})
			return
		}
		queueSeq, err := svc.Send(send.Message, send.Urgent)
		if err != nil {
			c.sendError(seq, *model.TypedError(err))
			return
		}
		result, err := c.builder.NewSendResult(seq, queueSeq)
		if err != nil {
			c.sendError(seq, model.Error{Code: model.ErrCodeMarshal, Description: err.Error()})
			return
		}
		c.send(result)
	case model.TypeSubscribe:
		sub, err := env.Subscribe()
		if err != nil {
			c.sendError(seq, model.Error{Code: model.ErrCodeUnmarshal, Description: err.Error()})
			return
		}
		id := svc.Subscribe(sub.Types, c.deliver)
		c.mx.Lock()
		c.subscriptions = append(c.subscriptions, id)
		c.mx.Unlock()
		c.send(c.builder.NewAck(seq))
	case model.TypeClientTypes:
		ct, err := env.ClientTypes()
		if err != nil {
			c.sendError(seq, model.Error{Code: model.ErrCodeUnmarshal, Description: err.Error()})
			return
		}
		svc.RegisterClientTypes(ct.Types)
		c.send(c.builder.NewAck(seq))
	case model.TypeAcceptedTypes:
		result, err := c.builder.NewAcceptedTypesResult(seq, svc.AcceptedTypes())
		if err != nil {
			c.sendError(seq, model.Error{Code: model.ErrCodeMarshal, Description: err.Error()})
			return
		}
		c.send(result)
	case model.TypeIsRegistered:
		c.send(c.builder.NewIsRegisteredResult(seq, svc.IsRegistered()))
	case model.TypeFireEvent:
		evt, err := env.Event()
		if err != nil {
			c.sendError(seq, model.Error{Code: model.ErrCodeUnmarshal, Description: err.Error()})
			return
		}
		svc.Fire(evt.Name, evt.Payload)
		c.send(c.builder.NewAck(seq))
	default:
		c.sendError(seq, model.Error{Code: model.ErrCodeProtocol,
			Description: "unknown envelope type"})
	}
}

// deliver pushes one inbound message to the connected client and waits for
// its acknowledgment, so that the broker's per-subscriber ordering and
// timeout semantics extend across the IPC boundary.
func (c *conn) deliver(msg *model.Message, serverSequence uint64) error {
	env, err := c.builder.NewInbound(msg, serverSequence)
	if err != nil {
		return err
	}

	ackCh := make(chan struct{})
	c.mx.Lock()
	c.acks[env.Sequence()] = ackCh
	c.mx.Unlock()
	defer func() {
		c.mx.Lock()
		delete(c.acks, env.Sequence())
		c.mx.Unlock()
	}()

	c.send(env)

	timer := time.NewTimer(c.handler.opts.AckTimeout)
	defer timer.Stop()
	select {
	case <-ackCh:
		return nil
	case <-timer.C:
		return model.ErrSubscriberTimeout.WithDetail("client did not acknowledge '%v' within %v",
			msg.Type, c.handler.opts.AckTimeout)
	case <-c.stopCh:
		return model.ErrSubscriberTimeout.WithDetail("connection closed while delivering '%v'", msg.Type)
	}
}

func (c *conn) sendError(seq model.Sequence, err model.Error) {
	c.send(c.builder.NewError(seq, &err))
}
