// Package protocol defines the wire format spoken between game clients,
// dashboards and the relay: inbound envelopes, outbound messages and the
// typed error reply.
package protocol

import (
	"bytes"
	"encoding/json"
	"time"
)

// Envelope is a message received from a client.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is a message sent to a client.
type Message struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// NewMessage stamps an outbound message with the current time.
func NewMessage(msgType string, data any) Message {
	return Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Decode parses a raw client frame into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, NewError(MalformedEnvelope, "invalid JSON envelope: %v", err)
	}
	if env.Type == "" {
		return Envelope{}, NewError(MalformedEnvelope, "envelope is missing a type")
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into dst. An absent or null
// payload leaves dst at its zero value.
func DecodePayload(env Envelope, dst any) error {
	trimmed := bytes.TrimSpace(env.Payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return NewError(MalformedEnvelope, "invalid %s payload: %v", env.Type, err)
	}
	return nil
}
