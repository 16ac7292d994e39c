package model

import (
	"github.com/getlantern/msgpack"
)

const (
	// ClientAPI is the message API version spoken by this client.
	ClientAPI = "3.2"
)

// Message is a single record bound for the management server (or received
// from it). The broker treats the payload as opaque: it only ever inspects
// the type tag and the urgency hint.
type Message struct {
	// Type is the message type tag, drawn from the open set of types
	// negotiated with the server (e.g. "hardware-info", "packages").
	Type string `msgpack:"type"`

	// Payload is an arbitrary nested mapping of primitives/arrays/mappings.
	Payload map[string]interface{} `msgpack:"payload"`

	// API is the message API version the message was produced against.
	// Empty means ClientAPI at the time of enqueue.
	API string `msgpack:"api,omitempty"`

	// Urgent requests an exchange ahead of the regular schedule.
	Urgent bool `msgpack:"urgent,omitempty"`

	// Timestamp is seconds since epoch, assigned at enqueue if missing.
	Timestamp int64 `msgpack:"timestamp,omitempty"`
}

// QueuedMessage is a Message together with the local sequence number it was
// assigned at enqueue time.
type QueuedMessage struct {
	Sequence uint64   `msgpack:"sequence"`
	Message  *Message `msgpack:"message"`
}

// Marshal encodes the message with MessagePack.
func (msg *Message) Marshal() ([]byte, error) {
	return msgpack.Marshal(msg)
}

// UnmarshalMessage decodes a MessagePack-encoded Message.
func UnmarshalMessage(b []byte) (*Message, error) {
	msg := &Message{}
	err := msgpack.Unmarshal(b, msg)
	if err != nil {
		return nil, err
	}
	return msg, nil
}
