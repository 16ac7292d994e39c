// package transport sends exchange batches and registration requests to
// the management server over HTTP and maps the outcome onto the broker's
// failure taxonomy. It knows nothing about scheduling or the queue: the
// exchanger owns retries.
package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/getlantern/golog"
	"github.com/getlantern/msgpack"

	"github.com/outpostd/outpostd/model"
	"github.com/outpostd/outpostd/util"
)

const (
	userAgent = "outpostd-client/1.0"

	headerMessageAPI = "X-Message-API"
	headerComputerID = "X-Computer-ID"
)

var (
	log = golog.LoggerFor("transport")
)

// ExchangeRequest is one batch of queued messages plus the client's view of
// both sequence directions.
type ExchangeRequest struct {
	// ClientAPI is the newest message API this client speaks.
	ClientAPI string `msgpack:"client-api"`
	// ServerAPI is the message API all messages in this batch were produced
	// against.
	ServerAPI string `msgpack:"server-api"`
	// Messages is the batch, each entry carrying its queue sequence number.
	Messages []*model.QueuedMessage `msgpack:"messages"`
	// TotalMessages is the total number of sendable pending messages, which
	// may exceed the batch size.
	TotalMessages int `msgpack:"total-messages"`
	// NextExpectedSequence is the sequence we expect the server's next
	// message to us to carry.
	NextExpectedSequence uint64 `msgpack:"next-expected-sequence"`
	// AcceptedTypesDigest is an md5 digest of the sorted accepted type set
	// we currently hold; the server sends the full set back only when ours
	// is stale.
	AcceptedTypesDigest []byte `msgpack:"accepted-types-digest"`
	// ClientAcceptedTypes advertises the message types local collaborators
	// can handle, so the server knows which directives it may send.
	ClientAcceptedTypes []string `msgpack:"client-accepted-types,omitempty"`
}

// ExchangeResponse is the server's answer to an exchange.
type ExchangeResponse struct {
	// AcceptedUpToSequence acknowledges receipt of all our messages with
	// sequence <= this value.
	AcceptedUpToSequence uint64 `msgpack:"accepted-up-to-sequence"`
	// NextExpectedSequence is the sequence the server expects from us next.
	// Normally AcceptedUpToSequence+1; lower than what we have already seen
	// acknowledged means the server lost state and we must resend.
	NextExpectedSequence uint64 `msgpack:"next-expected-sequence"`
	// ServerSequence is the sequence the server's next message will carry.
	ServerSequence uint64 `msgpack:"server-sequence"`
	// AcceptedTypes replaces our accepted type set when present.
	AcceptedTypes []string `msgpack:"accepted-types,omitempty"`
	// Messages are server-originated messages, in server send order.
	Messages []*model.Message `msgpack:"messages,omitempty"`
	// ServerUUID identifies the server installation.
	ServerUUID string `msgpack:"server-uuid,omitempty"`
	// ExchangeIntervalSeconds, when nonzero, overrides the regular exchange
	// interval.
	ExchangeIntervalSeconds int `msgpack:"exchange-interval,omitempty"`
	// UrgentIntervalSeconds, when nonzero, overrides the urgent exchange
	// interval.
	UrgentIntervalSeconds int `msgpack:"urgent-exchange-interval,omitempty"`
	// UnknownID is the in-band signal that our secure id was rejected.
	UnknownID bool `msgpack:"unknown-id,omitempty"`
}

// RegistrationRequest claims an identity with the server.
type RegistrationRequest struct {
	AccountName     string `msgpack:"account-name"`
	ComputerTitle   string `msgpack:"computer-title"`
	RegistrationKey string `msgpack:"registration-key,omitempty"`
	Hostname        string `msgpack:"hostname,omitempty"`
	ClientAPI       string `msgpack:"client-api"`
}

// RegistrationResponse carries the server-issued credential.
type RegistrationResponse struct {
	SecureID   string `msgpack:"secure-id"`
	InsecureID string `msgpack:"insecure-id"`
	ServerUUID string `msgpack:"server-uuid,omitempty"`
}

// Transport abstracts the wire protocol to the management server.
type Transport interface {
	// Exchange sends one batch and returns the server's response. secureID
	// identifies this host and may be empty before registration.
	Exchange(ctx context.Context, req *ExchangeRequest, secureID string) (*ExchangeResponse, error)

	// Register claims an identity with the server.
	Register(ctx context.Context, req *RegistrationRequest) (*RegistrationResponse, error)
}

type httpTransport struct {
	exchangeURL string
	registerURL string
	client      *http.Client
}

// NewHTTP returns a Transport that POSTs MessagePack-encoded payloads to
// the given endpoints. requestTimeout bounds each request end to end.
func NewHTTP(exchangeURL, registerURL string, requestTimeout time.Duration) Transport {
	return &httpTransport{
		exchangeURL: exchangeURL,
		registerURL: registerURL,
		client:      &http.Client{Timeout: requestTimeout},
	}
}

func (t *httpTransport) Exchange(ctx context.Context, req *ExchangeRequest, secureID string) (*ExchangeResponse, error) {
	start := time.Now()
	body, err := t.post(ctx, t.exchangeURL, req, secureID, req.ClientAPI)
	if err != nil {
		return nil, err
	}

	resp := &ExchangeResponse{}
	if err := msgpack.Unmarshal(body, resp); err != nil {
		return nil, model.ErrProtocol.WithDetail("unable to decode exchange response: %v", err)
	}
	log.Debugf("Exchanged %d messages, received %d, in %v",
		len(req.Messages), len(resp.Messages), util.FormatDelta(time.Since(start)))
	return resp, nil
}

func (t *httpTransport) Register(ctx context.Context, req *RegistrationRequest) (*RegistrationResponse, error) {
	body, err := t.post(ctx, t.registerURL, req, "", req.ClientAPI)
	if err != nil {
		return nil, err
	}

	resp := &RegistrationResponse{}
	if err := msgpack.Unmarshal(body, resp); err != nil {
		return nil, model.ErrProtocol.WithDetail("unable to decode registration response: %v", err)
	}
	if resp.SecureID == "" {
		return nil, model.ErrAuthentication.WithDetail("server did not issue a secure id")
	}
	return resp, nil
}

func (t *httpTransport) post(ctx context.Context, url string, payload interface{}, secureID, messageAPI string) ([]byte, error) {
	encoded, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, model.ErrProtocol.WithDetail("unable to encode payload: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, model.ErrTransport.WithError(err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set(headerMessageAPI, messageAPI)
	if secureID != "" {
		httpReq.Header.Set(headerComputerID, secureID)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, model.ErrTransport.WithDetail("error contacting %v: %v", url, err)
	}
	defer httpResp.Body.Close()

	switch httpResp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, model.ErrAuthentication.WithDetail("server returned %d", httpResp.StatusCode)
	default:
		return nil, model.ErrTransport.WithDetail("server returned unexpected status %d", httpResp.StatusCode)
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, model.ErrTransport.WithError(err)
	}
	return body, nil
}
