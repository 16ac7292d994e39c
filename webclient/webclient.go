// package webclient connects a local producer or consumer process to the
// broker's websocket endpoint. It multiplexes concurrent requests over one
// connection, correlating responses by envelope sequence, and dispatches
// pushed inbound messages and events to registered handlers.
package webclient

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/getlantern/golog"

	"github.com/outpostd/outpostd/model"
)

var (
	log = golog.LoggerFor("webclient")
)

// InboundHandler consumes one pushed server-originated message.
type InboundHandler func(msg *model.Message, serverSequence uint64)

// EventHandler consumes one broker lifecycle event.
type EventHandler func(name string, payload map[string]interface{})

type Opts struct {
	// RequestTimeout bounds each request/response round trip. Defaults
	// to 10s.
	RequestTimeout time.Duration
}

func (opts *Opts) ApplyDefaults() {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
}

// Client is a connection to the broker. Safe for concurrent use.
type Client struct {
	opts    *Opts
	conn    *websocket.Conn
	builder model.EnvelopeBuilder

	writeMx sync.Mutex

	mx            sync.Mutex
	pending       map[model.Sequence]chan model.Envelope
	handlers      map[string][]InboundHandler
	eventHandlers []EventHandler

	inboundCh chan model.Envelope

	closeOnce sync.Once
	closedCh  chan struct{}
}

// Dial connects to the broker at url (a ws:// address).
func Dial(url string, opts *Opts) (*Client, error) {
	if opts == nil {
		opts = &Opts{}
	}
	opts.ApplyDefaults()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		opts:      opts,
		conn:      conn,
		pending:   make(map[model.Sequence]chan model.Envelope),
		handlers:  make(map[string][]InboundHandler),
		inboundCh: make(chan model.Envelope, 16),
		closedCh:  make(chan struct{}),
	}
	go c.read()
	go c.dispatchLoop()
	return c, nil
}

// Send queues msg with the broker and returns the durable sequence number
// it was assigned.
func (c *Client) Send(msg *model.Message, urgent bool) (uint64, error) {
	env, err := c.builder.NewSend(&model.Send{Message: msg, Urgent: urgent})
	if err != nil {
		return 0, err
	}
	resp, err := c.roundTrip(env)
	if err != nil {
		return 0, err
	}
	result, err := resp.SendResult()
	if err != nil {
		return 0, err
	}
	return result.Sequence, nil
}

// Subscribe registers handler for the given message types. Pushed messages
// are acknowledged automatically after the handler returns, so a handler
// that blocks past the broker's dispatch timeout forfeits the message.
func (c *Client) Subscribe(types []string, handler InboundHandler) error {
	c.mx.Lock()
	for _, t := range types {
		c.handlers[t] = append(c.handlers[t], handler)
	}
	c.mx.Unlock()

	env, err := c.builder.NewSubscribe(types...)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(env)
	return err
}

// RegisterClientTypes advertises message types this process can handle
// without subscribing to them.
func (c *Client) RegisterClientTypes(types ...string) error {
	env, err := c.builder.NewClientTypes(types...)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(env)
	return err
}

// AcceptedTypes returns the message types the server currently accepts.
func (c *Client) AcceptedTypes() ([]string, error) {
	resp, err := c.roundTrip(c.builder.NewAcceptedTypes())
	if err != nil {
		return nil, err
	}
	result, err := resp.AcceptedTypesResult()
	if err != nil {
		return nil, err
	}
	return result.Types, nil
}

// IsRegistered reports whether the broker holds a server-issued identity.
func (c *Client) IsRegistered() (bool, error) {
	resp, err := c.roundTrip(c.builder.NewIsRegistered())
	if err != nil {
		return false, err
	}
	return resp.IsRegisteredResult(), nil
}

// FireEvent broadcasts an event through the broker to all local listeners.
func (c *Client) FireEvent(name string, payload map[string]interface{}) error {
	env, err := c.builder.NewFireEvent(name, payload)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(env)
	return err
}

// OnEvent registers a handler for broker lifecycle events.
func (c *Client) OnEvent(handler EventHandler) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.eventHandlers = append(c.eventHandlers, handler)
}

// Close tears the connection down. The broker drops this connection's
// subscriptions on its side.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		c.conn.Close()
	})
}

func (c *Client) roundTrip(env model.Envelope) (model.Envelope, error) {
	respCh := make(chan model.Envelope, 1)
	seq := env.Sequence()
	c.mx.Lock()
	c.pending[seq] = respCh
	c.mx.Unlock()
	defer func() {
		c.mx.Lock()
		delete(c.pending, seq)
		c.mx.Unlock()
	}()

	if err := c.write(env); err != nil {
		return nil, model.ErrTransport.WithError(err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		if resp.Type() == model.TypeError {
			return nil, resp.Error()
		}
		return resp, nil
	case <-timer.C:
		return nil, model.ErrTransport.WithDetail("no response within %v", c.opts.RequestTimeout)
	case <-c.closedCh:
		return nil, model.ErrTransport.WithDetail("connection closed")
	}
}

func (c *Client) write(env model.Envelope) error {
	c.writeMx.Lock()
	defer c.writeMx.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, env)
}

func (c *Client) read() {
	defer c.Close()

	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closedCh:
			default:
				log.Debugf("error reading: %v", err)
			}
			return
		}
		env := model.Envelope(b)
		if !env.Valid() {
			log.Errorf("dropping malformed envelope of %d bytes", len(b))
			continue
		}

		switch env.Type() {
		case model.TypeInbound:
			// Handlers run on a separate goroutine so a handler that calls
			// back into the client doesn't starve the read loop. Envelope
			// order is preserved by the single dispatcher.
			select {
			case c.inboundCh <- env:
			case <-c.closedCh:
				return
			}
		case model.TypeEvent:
			c.dispatchEvent(env)
		default:
			c.mx.Lock()
			respCh, found := c.pending[env.Sequence()]
			c.mx.Unlock()
			if found {
				respCh <- env
			} else {
				log.Debugf("dropping uncorrelated response of type %d", env.Type())
			}
		}
	}
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case env := <-c.inboundCh:
			c.dispatchInbound(env)
		case <-c.closedCh:
			return
		}
	}
}

func (c *Client) dispatchInbound(env model.Envelope) {
	msg, serverSequence, err := env.Inbound()
	if err != nil {
		log.Errorf("unable to decode inbound message: %v", err)
		return
	}

	c.mx.Lock()
	handlers := make([]InboundHandler, len(c.handlers[msg.Type]))
	copy(handlers, c.handlers[msg.Type])
	c.mx.Unlock()

	for _, handler := range handlers {
		handler(msg, serverSequence)
	}
	if err := c.write(c.builder.Ack(env)); err != nil {
		log.Debugf("unable to acknowledge inbound message: %v", err)
	}
}

func (c *Client) dispatchEvent(env model.Envelope) {
	evt, err := env.Event()
	if err != nil {
		log.Errorf("unable to decode event: %v", err)
		return
	}
	c.mx.Lock()
	handlers := make([]EventHandler, len(c.eventHandlers))
	copy(handlers, c.eventHandlers)
	c.mx.Unlock()
	for _, handler := range handlers {
		handler(evt.Name, evt.Payload)
	}
}
