package model

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/getlantern/msgpack"
)

const (
	LatestVersion = 1
)

// Envelope types for the local IPC bus.
const (
	TypeACK                 = 1
	TypeError               = 2
	TypeSend                = 3
	TypeSendResult          = 4
	TypeSubscribe           = 5
	TypeAcceptedTypes       = 6
	TypeAcceptedTypesResult = 7
	TypeIsRegistered        = 8
	TypeIsRegisteredResult  = 9
	TypeFireEvent           = 10
	TypeEvent               = 11
	TypeInbound             = 12
	TypeClientTypes         = 13
)

var (
	enc = binary.LittleEndian // typical byte order for most CPU architectures
)

type Version uint8

type Sequence uint32

type Type uint8

// Envelope is a frame on the local IPC bus, encoded as follows:
//
//	+---------+----------+------+----------------+--------------+
//	| Version | Sequence | Type | Payload Length |    Payload   |
//	+---------+----------+------+----------------+--------------+
//	|    1    |     4    |  1   |        4       | <=4294967296 |
//	+---------+----------+------+----------------+--------------+
//
// All multi-byte numeric values are encoded in Little Endian byte order.
// The sequence number correlates requests with responses and pushed
// messages with their acknowledgments; it is local to one connection and
// unrelated to the durable queue's sequence numbers.
type Envelope []byte

func (env Envelope) Version() Version {
	return Version(env[0])
}

func (env Envelope) Sequence() Sequence {
	return Sequence(enc.Uint32(env[1:]))
}

func (env Envelope) SetSequence(sequence Sequence) {
	enc.PutUint32(env[1:], uint32(sequence))
}

func (env Envelope) Type() Type {
	return Type(env[5])
}

func (env Envelope) PayloadLength() int {
	return int(enc.Uint32(env[6:]))
}

func (env Envelope) Payload() []byte {
	return env[10 : 10+env.PayloadLength()]
}

// Valid reports whether the frame is long enough and self-consistent.
func (env Envelope) Valid() bool {
	return len(env) >= 10 && len(env) >= 10+env.PayloadLength()
}

// EnvelopeBuilder builds envelopes with monotonically increasing sequence
// numbers. The zero value is ready for use and safe for concurrent use.
type EnvelopeBuilder struct {
	seq uint32
}

// NewEnvelope constructs a new envelope of the given type
func (b *EnvelopeBuilder) NewEnvelope(envType Type, payload []byte) Envelope {
	payloadLength := len(payload)
	env := make(Envelope, 10+payloadLength)
	env[0] = byte(LatestVersion)
	env.SetSequence(Sequence(atomic.AddUint32(&b.seq, 1)))
	env[5] = byte(envType)
	enc.PutUint32(env[6:], uint32(payloadLength))
	copy(env[10:], payload)
	return env
}

func (b *EnvelopeBuilder) newEnvelopePacked(envType Type, payload interface{}) (Envelope, error) {
	encoded, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return b.NewEnvelope(envType, encoded), nil
}

// Ack acknowledges the given envelope. Acks reuse the sequence number of
// the envelope they acknowledge rather than consuming a new one.
func (b *EnvelopeBuilder) Ack(env Envelope) Envelope {
	return b.NewAck(env.Sequence())
}

func (b *EnvelopeBuilder) NewAck(sequence Sequence) Envelope {
	env := b.NewEnvelope(TypeACK, nil)
	env.SetSequence(sequence)
	return env
}

// NewError builds an error response to the envelope with the given sequence.
func (b *EnvelopeBuilder) NewError(sequence Sequence, err *Error) Envelope {
	descriptionBytes := []byte(err.Description)
	payload := make([]byte, 1+len(descriptionBytes))
	payload[0] = err.Code
	copy(payload[1:], descriptionBytes)

	env := b.NewEnvelope(TypeError, payload)
	env.SetSequence(sequence)
	return env
}

func (env Envelope) Error() *Error {
	payload := env.Payload()
	return &Error{
		Code:        payload[0],
		Description: string(payload[1:]),
	}
}

// Send asks the broker to enqueue a message for delivery to the server.
// It is encoded with MessagePack.
type Send struct {
	Message *Message
	Urgent  bool
}

func (env Envelope) Send() (*Send, error) {
	result := &Send{}
	err := msgpack.Unmarshal(env.Payload(), result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *EnvelopeBuilder) NewSend(payload *Send) (Envelope, error) {
	return b.newEnvelopePacked(TypeSend, payload)
}

// SendResult reports the durable queue sequence number assigned to a sent
// message. It is encoded with MessagePack.
type SendResult struct {
	Sequence uint64
}

func (env Envelope) SendResult() (*SendResult, error) {
	result := &SendResult{}
	err := msgpack.Unmarshal(env.Payload(), result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *EnvelopeBuilder) NewSendResult(sequence Sequence, queueSequence uint64) (Envelope, error) {
	env, err := b.newEnvelopePacked(TypeSendResult, &SendResult{Sequence: queueSequence})
	if err != nil {
		return nil, err
	}
	env.SetSequence(sequence)
	return env, nil
}

// Subscribe registers the connection for fan-out of inbound messages with
// the given type tags. It is encoded with MessagePack.
type Subscribe struct {
	Types []string
}

func (env Envelope) Subscribe() (*Subscribe, error) {
	result := &Subscribe{}
	err := msgpack.Unmarshal(env.Payload(), result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *EnvelopeBuilder) NewSubscribe(types ...string) (Envelope, error) {
	return b.newEnvelopePacked(TypeSubscribe, &Subscribe{Types: types})
}

// ClientTypes advertises message types this collaborator is able to handle,
// so that the server knows which directives it may send. It is encoded with
// MessagePack.
type ClientTypes struct {
	Types []string
}

func (env Envelope) ClientTypes() (*ClientTypes, error) {
	result := &ClientTypes{}
	err := msgpack.Unmarshal(env.Payload(), result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *EnvelopeBuilder) NewClientTypes(types ...string) (Envelope, error) {
	return b.newEnvelopePacked(TypeClientTypes, &ClientTypes{Types: types})
}

// AcceptedTypesResult carries the server-accepted message type tags.
// It is encoded with MessagePack.
type AcceptedTypesResult struct {
	Types []string
}

func (env Envelope) AcceptedTypesResult() (*AcceptedTypesResult, error) {
	result := &AcceptedTypesResult{}
	err := msgpack.Unmarshal(env.Payload(), result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *EnvelopeBuilder) NewAcceptedTypes() Envelope {
	return b.NewEnvelope(TypeAcceptedTypes, nil)
}

func (b *EnvelopeBuilder) NewAcceptedTypesResult(sequence Sequence, types []string) (Envelope, error) {
	env, err := b.newEnvelopePacked(TypeAcceptedTypesResult, &AcceptedTypesResult{Types: types})
	if err != nil {
		return nil, err
	}
	env.SetSequence(sequence)
	return env, nil
}

// IsRegisteredResult reports whether the broker holds a valid credential.
//
//	+------------+
//	| Registered |
//	+------------+
//	|      1     |
//	+------------+
//
type IsRegisteredResult []byte

func (b *EnvelopeBuilder) NewIsRegistered() Envelope {
	return b.NewEnvelope(TypeIsRegistered, nil)
}

func (b *EnvelopeBuilder) NewIsRegisteredResult(sequence Sequence, registered bool) Envelope {
	payload := make(IsRegisteredResult, 1)
	if registered {
		payload[0] = 1
	}
	env := b.NewEnvelope(TypeIsRegisteredResult, payload)
	env.SetSequence(sequence)
	return env
}

func (env Envelope) IsRegisteredResult() bool {
	return len(env.Payload()) > 0 && env.Payload()[0] == 1
}

// Event is a broadcast-style in-process notification, either fired by a
// collaborator (TypeFireEvent) or pushed by the broker (TypeEvent). It is
// encoded with MessagePack.
type Event struct {
	Name    string
	Payload map[string]interface{}
}

func (env Envelope) Event() (*Event, error) {
	result := &Event{}
	err := msgpack.Unmarshal(env.Payload(), result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *EnvelopeBuilder) NewFireEvent(name string, payload map[string]interface{}) (Envelope, error) {
	return b.newEnvelopePacked(TypeFireEvent, &Event{Name: name, Payload: payload})
}

func (b *EnvelopeBuilder) NewEvent(name string, payload map[string]interface{}) (Envelope, error) {
	return b.newEnvelopePacked(TypeEvent, &Event{Name: name, Payload: payload})
}

// NewInbound pushes a server-originated message to a subscribed connection.
// The message's server sequence number is carried in the first 8 bytes of
// the payload so consumers can deduplicate across restarts.
func (b *EnvelopeBuilder) NewInbound(msg *Message, serverSequence uint64) (Envelope, error) {
	encoded, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 8+len(encoded))
	enc.PutUint64(payload, serverSequence)
	copy(payload[8:], encoded)
	return b.NewEnvelope(TypeInbound, payload), nil
}

func (env Envelope) Inbound() (*Message, uint64, error) {
	payload := env.Payload()
	if len(payload) < 8 {
		return nil, 0, ErrProtocol.WithDetail("inbound payload too short")
	}
	msg, err := UnmarshalMessage(payload[8:])
	if err != nil {
		return nil, 0, err
	}
	return msg, enc.Uint64(payload), nil
}
