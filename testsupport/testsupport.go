// package testsupport provides in-memory doubles for the pieces that
// normally talk to the network, plus small helpers shared by tests across
// packages.
package testsupport

import (
	"context"
	"sync"

	"github.com/outpostd/outpostd/model"
	"github.com/outpostd/outpostd/transport"
)

type exchangeResult struct {
	resp *transport.ExchangeResponse
	err  error
}

// FakeTransport records every payload it is handed and answers from a queue
// of canned responses. When the queue runs dry it acknowledges the whole
// batch, which is what a healthy server does.
type FakeTransport struct {
	mx sync.Mutex

	exchangeQueue []exchangeResult
	exchanges     []*transport.ExchangeRequest
	secureIDs     []string

	registerResp  *transport.RegistrationResponse
	registerErr   error
	registrations []*transport.RegistrationRequest

	serverSequence uint64
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

// QueueResponse arranges for a future Exchange call to return resp.
func (ft *FakeTransport) QueueResponse(resp *transport.ExchangeResponse) {
	ft.mx.Lock()
	defer ft.mx.Unlock()
	ft.exchangeQueue = append(ft.exchangeQueue, exchangeResult{resp: resp})
}

// QueueError arranges for a future Exchange call to fail with err.
func (ft *FakeTransport) QueueError(err error) {
	ft.mx.Lock()
	defer ft.mx.Unlock()
	ft.exchangeQueue = append(ft.exchangeQueue, exchangeResult{err: err})
}

func (ft *FakeTransport) Exchange(ctx context.Context, req *transport.ExchangeRequest, secureID string) (*transport.ExchangeResponse, error) {
	ft.mx.Lock()
	defer ft.mx.Unlock()

	ft.exchanges = append(ft.exchanges, req)
	ft.secureIDs = append(ft.secureIDs, secureID)

	if len(ft.exchangeQueue) > 0 {
		next := ft.exchangeQueue[0]
		ft.exchangeQueue = ft.exchangeQueue[1:]
		return next.resp, next.err
	}

	resp := &transport.ExchangeResponse{
		ServerSequence: ft.serverSequence,
	}
	if len(req.Messages) > 0 {
		last := req.Messages[len(req.Messages)-1].Sequence
		resp.AcceptedUpToSequence = last
		resp.NextExpectedSequence = last + 1
	}
	return resp, nil
}

// Exchanges returns all recorded exchange payloads, oldest first.
func (ft *FakeTransport) Exchanges() []*transport.ExchangeRequest {
	ft.mx.Lock()
	defer ft.mx.Unlock()
	out := make([]*transport.ExchangeRequest, len(ft.exchanges))
	copy(out, ft.exchanges)
	return out
}

// SecureIDs returns the secure id sent with each exchange.
func (ft *FakeTransport) SecureIDs() []string {
	ft.mx.Lock()
	defer ft.mx.Unlock()
	out := make([]string, len(ft.secureIDs))
	copy(out, ft.secureIDs)
	return out
}

// SetRegisterResult controls what Register returns.
func (ft *FakeTransport) SetRegisterResult(resp *transport.RegistrationResponse, err error) {
	ft.mx.Lock()
	defer ft.mx.Unlock()
	ft.registerResp, ft.registerErr = resp, err
}

func (ft *FakeTransport) Register(ctx context.Context, req *transport.RegistrationRequest) (*transport.RegistrationResponse, error) {
	ft.mx.Lock()
	defer ft.mx.Unlock()
	ft.registrations = append(ft.registrations, req)
	if ft.registerErr != nil {
		return nil, ft.registerErr
	}
	if ft.registerResp != nil {
		return ft.registerResp, nil
	}
	return nil, model.ErrAuthentication.WithDetail("no registration result configured")
}

// Registrations returns all recorded registration requests.
func (ft *FakeTransport) Registrations() []*transport.RegistrationRequest {
	ft.mx.Lock()
	defer ft.mx.Unlock()
	out := make([]*transport.RegistrationRequest, len(ft.registrations))
	copy(out, ft.registrations)
	return out
}

// FakePing answers HasMessages from a settable flag.
type FakePing struct {
	mx       sync.Mutex
	messages bool
	err      error
	calls    int
}

func NewFakePing() *FakePing {
	return &FakePing{}
}

func (fp *FakePing) Set(messages bool, err error) {
	fp.mx.Lock()
	defer fp.mx.Unlock()
	fp.messages, fp.err = messages, err
}

func (fp *FakePing) HasMessages(ctx context.Context) (bool, error) {
	fp.mx.Lock()
	defer fp.mx.Unlock()
	fp.calls++
	return fp.messages, fp.err
}

func (fp *FakePing) Calls() int {
	fp.mx.Lock()
	defer fp.mx.Unlock()
	return fp.calls
}
