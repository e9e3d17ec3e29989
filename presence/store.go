// Package presence records which relay instance holds each live connection,
// what role it plays and which session it watches.
package presence

import (
	"context"
	"time"
)

// Record is the presence entry for one connection.
type Record struct {
	ConnectionID  string    `json:"connection_id"`
	ServerID      string    `json:"server_id"` // ID of the relay instance holding the connection
	Role          string    `json:"role"`
	SessionID     string    `json:"session_id,omitempty"`
	ParticipantID string    `json:"participant_id,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
}

// Store defines the interface for presence bookkeeping.
type Store interface {
	// Put creates or replaces a record.
	Put(ctx context.Context, record *Record) error
	// Get retrieves a record by connection ID. A missing record is (nil, nil).
	Get(ctx context.Context, connectionID string) (*Record, error)
	// Delete removes a record.
	Delete(ctx context.Context, connectionID string) error
	// RefreshTTL extends the record's lifetime in the store.
	RefreshTTL(ctx context.Context, connectionID string) error
}
