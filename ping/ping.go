// package ping implements the lightweight poll that runs between full
// exchanges. A ping only asks one question, "does the server hold messages
// for me", so it stays cheap enough to run on a short interval and while
// exchanges are backing off.
package ping

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/getlantern/golog"
	"github.com/getlantern/msgpack"

	"github.com/outpostd/outpostd/model"
)

var (
	log = golog.LoggerFor("ping")
)

// Client asks the ping endpoint whether the server holds messages for this
// host.
type Client interface {
	// HasMessages returns true when the server holds undelivered messages.
	// It returns false without touching the network when the host has no
	// insecure id yet.
	HasMessages(ctx context.Context) (bool, error)
}

type pingResponse struct {
	Messages bool   `msgpack:"messages"`
	Error    string `msgpack:"error,omitempty"`
}

type httpClient struct {
	url        string
	insecureID func() string
	client     *http.Client
}

// NewHTTP returns a Client that POSTs to pingURL. insecureID is consulted
// on every ping so registration completing mid-run is picked up without
// rewiring.
func NewHTTP(pingURL string, insecureID func() string, timeout time.Duration) Client {
	return &httpClient{
		url:        pingURL,
		insecureID: insecureID,
		client:     &http.Client{Timeout: timeout},
	}
}

func (c *httpClient) HasMessages(ctx context.Context) (bool, error) {
	id := c.insecureID()
	if id == "" {
		return false, nil
	}

	form := url.Values{"insecure_id": {id}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url,
		strings.NewReader(form.Encode()))
	if err != nil {
		return false, model.ErrTransport.WithError(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, model.ErrTransport.WithDetail("error pinging %v: %v", c.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, model.ErrTransport.WithDetail("ping returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, model.ErrTransport.WithError(err)
	}
	decoded := &pingResponse{}
	if err := msgpack.Unmarshal(body, decoded); err != nil {
		return false, model.ErrProtocol.WithDetail("unable to decode ping response: %v", err)
	}
	if decoded.Error != "" {
		return false, model.ErrProtocol.WithDetail("ping server reported: %v", decoded.Error)
	}
	if decoded.Messages {
		log.Debug("Server holds messages for us")
	}
	return decoded.Messages, nil
}
