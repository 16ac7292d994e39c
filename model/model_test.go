package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	b := &EnvelopeBuilder{}

	send, err := b.NewSend(&Send{
		Message: &Message{
			Type:    "hardware-info",
			Payload: map[string]interface{}{"cpu": "x86_64"},
			Urgent:  true,
		},
	})
	require.NoError(t, err)
	require.True(t, send.Valid())
	assert.EqualValues(t, LatestVersion, send.Version())
	assert.EqualValues(t, TypeSend, send.Type())
	assert.EqualValues(t, 1, send.Sequence())

	decoded, err := send.Send()
	require.NoError(t, err)
	assert.Equal(t, "hardware-info", decoded.Message.Type)
	assert.Equal(t, "x86_64", decoded.Message.Payload["cpu"])
	assert.True(t, decoded.Message.Urgent)
}

func TestEnvelopeSequences(t *testing.T) {
	b := &EnvelopeBuilder{}

	first := b.NewAcceptedTypes()
	second := b.NewIsRegistered()
	assert.EqualValues(t, 1, first.Sequence())
	assert.EqualValues(t, 2, second.Sequence())

	// acks reuse the acked envelope's sequence instead of consuming one
	ack := b.Ack(first)
	assert.EqualValues(t, TypeACK, ack.Type())
	assert.EqualValues(t, 1, ack.Sequence())
	next := b.NewIsRegistered()
	assert.EqualValues(t, 4, next.Sequence())
}

func TestEnvelopeError(t *testing.T) {
	b := &EnvelopeBuilder{}

	env := b.NewError(Sequence(99), ErrSubscriberTimeout.WithDetail("subscriber %q", "package-manager"))
	assert.EqualValues(t, TypeError, env.Type())
	assert.EqualValues(t, 99, env.Sequence())

	err := env.Error()
	assert.EqualValues(t, ErrCodeSubscriberTimeout, err.Code)
	assert.Contains(t, err.Description, "package-manager")
	assert.True(t, errors.Is(err, ErrSubscriberTimeout))
}

func TestEnvelopeResults(t *testing.T) {
	b := &EnvelopeBuilder{}

	req := b.NewIsRegistered()
	resp := b.NewIsRegisteredResult(req.Sequence(), true)
	assert.Equal(t, req.Sequence(), resp.Sequence())
	assert.True(t, resp.IsRegisteredResult())
	assert.False(t, b.NewIsRegisteredResult(0, false).IsRegisteredResult())

	sendResult, err := b.NewSendResult(Sequence(7), 42)
	require.NoError(t, err)
	assert.EqualValues(t, 7, sendResult.Sequence())
	decoded, err := sendResult.SendResult()
	require.NoError(t, err)
	assert.EqualValues(t, 42, decoded.Sequence)

	types, err := b.NewAcceptedTypesResult(Sequence(8), []string{"hardware-info", "packages"})
	require.NoError(t, err)
	decodedTypes, err := types.AcceptedTypesResult()
	require.NoError(t, err)
	assert.Equal(t, []string{"hardware-info", "packages"}, decodedTypes.Types)
}

func TestEnvelopeInbound(t *testing.T) {
	b := &EnvelopeBuilder{}

	env, err := b.NewInbound(&Message{
		Type:    "ping-target",
		Payload: map[string]interface{}{"url": "https://ping.example.com"},
	}, 17)
	require.NoError(t, err)
	assert.EqualValues(t, TypeInbound, env.Type())

	msg, serverSequence, err := env.Inbound()
	require.NoError(t, err)
	assert.Equal(t, "ping-target", msg.Type)
	assert.EqualValues(t, 17, serverSequence)
}

func TestTypedError(t *testing.T) {
	assert.Same(t, ErrTransport, TypedError(ErrTransport))
	wrapped := TypedError(errors.New("boom"))
	assert.EqualValues(t, ErrCodeUnknownError, wrapped.Code)
	assert.Equal(t, "boom", wrapped.Description)

	detailed := ErrAuthentication.WithError(errors.New("secure id rejected"))
	assert.True(t, errors.Is(detailed, ErrAuthentication))
	assert.False(t, errors.Is(detailed, ErrTransport))
}
