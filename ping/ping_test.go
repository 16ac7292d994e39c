package ping

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/getlantern/msgpack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostd/outpostd/model"
)

func pingServer(t *testing.T, messages bool, capture *string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if capture != nil {
			*capture = r.PostForm.Get("insecure_id")
		}
		resp, err := msgpack.Marshal(&pingResponse{Messages: messages})
		require.NoError(t, err)
		w.Write(resp)
	}))
}

func TestHasMessages(t *testing.T) {
	var gotID string
	srv := pingServer(t, true, &gotID)
	defer srv.Close()

	c := NewHTTP(srv.URL, func() string { return "42" }, time.Second)
	has, err := c.HasMessages(context.Background())
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, "42", gotID)
}

func TestNoMessages(t *testing.T) {
	srv := pingServer(t, false, nil)
	defer srv.Close()

	c := NewHTTP(srv.URL, func() string { return "42" }, time.Second)
	has, err := c.HasMessages(context.Background())
	require.NoError(t, err)
	assert.False(t, has)
}

func TestSkipsWithoutInsecureID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("ping endpoint should not be contacted before registration")
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, func() string { return "" }, time.Second)
	has, err := c.HasMessages(context.Background())
	require.NoError(t, err)
	assert.False(t, has)
}

func TestServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, err := msgpack.Marshal(&pingResponse{Error: "unknown computer"})
		require.NoError(t, err)
		w.Write(resp)
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, func() string { return "17" }, time.Second)
	_, err := c.HasMessages(context.Background())
	assert.True(t, errors.Is(err, model.ErrProtocol))
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewHTTP(srv.URL, func() string { return "17" }, time.Second)
	_, err := c.HasMessages(context.Background())
	assert.True(t, errors.Is(err, model.ErrTransport))
}
