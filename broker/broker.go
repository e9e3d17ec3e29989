// Package broker carries decision requests and responses between relay
// instances and decision workers.
package broker

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrClosed = errors.New("broker is closed")

// Message is the envelope exchanged over a broker channel.
type Message struct {
	SessionID string          `json:"session_id"`
	ServerID  string          `json:"server_id"` // relay instance that published or should consume
	Data      json.RawMessage `json:"data"`
}

// MarshalBinary implements encoding.BinaryMarshaler for the Redis client.
func (m Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

// MessageBroker is a publish/subscribe transport.
type MessageBroker interface {
	Publish(ctx context.Context, channel string, message Message) error
	// Subscribe delivers messages on channel until ctx is cancelled. The
	// returned channel is closed when the subscription ends.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Type() string
	Close() error
}
