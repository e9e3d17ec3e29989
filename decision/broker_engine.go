package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/V-prajit/Terminator/broker"
)

var ErrEngineNotStarted = errors.New("broker engine is not started")

// BrokerEngine hands requests to remote decision workers over a message
// broker and correlates their responses by request id. Responses addressed
// to other relay instances are ignored.
type BrokerEngine struct {
	broker          broker.MessageBroker
	serverID        string
	requestChannel  string
	responseChannel string
	logger          *slog.Logger

	mu      sync.Mutex
	started bool
	pending map[string]chan Response
}

func NewBrokerEngine(b broker.MessageBroker, serverID, requestChannel, responseChannel string, logger *slog.Logger) *BrokerEngine {
	return &BrokerEngine{
		broker:          b,
		serverID:        serverID,
		requestChannel:  requestChannel,
		responseChannel: responseChannel,
		logger:          logger,
		pending:         make(map[string]chan Response),
	}
}

func (e *BrokerEngine) Name() string { return "broker" }

// Start subscribes to the response channel. Responses are routed until ctx is
// cancelled.
func (e *BrokerEngine) Start(ctx context.Context) error {
	messages, err := e.broker.Subscribe(ctx, e.responseChannel)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", e.responseChannel, err)
	}
	e.mu.Lock()
	e.started = true
	e.mu.Unlock()

	go func() {
		for msg := range messages {
			e.route(msg)
		}
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
	}()
	return nil
}

func (e *BrokerEngine) route(msg broker.Message) {
	if msg.ServerID != e.serverID {
		return
	}
	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		e.logger.Warn("invalid decision response", "session_id", msg.SessionID, "error", err)
		return
	}
	e.mu.Lock()
	ch, ok := e.pending[resp.RequestID]
	delete(e.pending, resp.RequestID)
	e.mu.Unlock()
	if !ok {
		e.logger.Debug("late or unknown decision response", "request_id", resp.RequestID)
		return
	}
	ch <- resp
}

// Decide publishes the request and waits for the matching response or ctx.
func (e *BrokerEngine) Decide(ctx context.Context, req Request) (Response, error) {
	req.RequestID = uuid.NewString()
	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}

	ch := make(chan Response, 1)
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return Response{}, ErrEngineNotStarted
	}
	e.pending[req.RequestID] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, req.RequestID)
		e.mu.Unlock()
	}()

	err = e.broker.Publish(ctx, e.requestChannel, broker.Message{
		SessionID: req.SessionID,
		ServerID:  e.serverID,
		Data:      data,
	})
	if err != nil {
		return Response{}, fmt.Errorf("publish decision request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
