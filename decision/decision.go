// Package decision defines the contract with the decision engine that reacts
// to the movement of a session's participants, plus the engines the relay
// ships with.
package decision

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/V-prajit/Terminator/pattern"
	"github.com/V-prajit/Terminator/protocol"
)

// Participant is the per-slot part of a decision request.
type Participant struct {
	ID              string          `json:"id"`
	CurrentPosition int             `json:"currentPosition"`
	RecentPositions []int           `json:"recentPositions"`
	RecentMoves     []protocol.Move `json:"recentMoves"`
}

// Request is assembled by the session manager from a session snapshot.
type Request struct {
	RequestID           string                    `json:"requestId,omitempty"`
	SessionID           string                    `json:"sessionId"`
	Participants        []Participant             `json:"participants"`
	CrossPatternMetrics map[string]pattern.Metric `json:"crossPatternMetrics"`
	ElapsedTime         float64                   `json:"elapsedTime"`
	Tick                uint64                    `json:"tick"`
}

// Response is what an engine returns for a Request.
type Response struct {
	RequestID string                 `json:"requestId,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
	Decision  string                 `json:"decision"`
	Params    json.RawMessage        `json:"params,omitempty"`
	Explain   string                 `json:"explain"`
	Debate    []protocol.DebateEntry `json:"debate,omitempty"`
}

var ErrEmptyDecision = errors.New("decision response has no decision")

// Validate checks the structural shape of a response. Decision semantics are
// the engine's business.
func (r Response) Validate() error {
	if r.Decision == "" {
		return ErrEmptyDecision
	}
	if len(r.Params) > 0 && !json.Valid(r.Params) {
		return errors.New("decision params are not valid JSON")
	}
	return nil
}

// Relay converts the response into the form recorded by the session manager.
func (r Response) Relay() protocol.DecisionRelay {
	return protocol.DecisionRelay{
		Decision: r.Decision,
		Params:   r.Params,
		Explain:  r.Explain,
		Debate:   r.Debate,
	}
}

// Engine turns a request into a decision. Implementations enforce their own
// timeouts through ctx.
type Engine interface {
	Decide(ctx context.Context, req Request) (Response, error)
	Name() string
}
