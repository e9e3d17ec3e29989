package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/V-prajit/Terminator/broker"
	"github.com/V-prajit/Terminator/metrics"
)

// Worker answers decision requests arriving over a broker with a local
// engine. It is the remote end of BrokerEngine.
type Worker struct {
	Broker          broker.MessageBroker
	Engine          Engine
	RequestChannel  string
	ResponseChannel string
	Timeout         time.Duration
	Logger          *slog.Logger
}

// Run serves requests until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	requests, err := w.Broker.Subscribe(ctx, w.RequestChannel)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", w.RequestChannel, err)
	}
	w.Logger.Info("decision worker listening",
		"engine", w.Engine.Name(),
		"broker", w.Broker.Type(),
		"channel", w.RequestChannel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-requests:
			if !ok {
				return nil
			}
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg broker.Message) {
	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		w.Logger.Warn("invalid decision request", "server_id", msg.ServerID, "error", err)
		return
	}
	metrics.DecisionRequests.WithLabelValues(w.Engine.Name()).Inc()

	decideCtx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()
	resp, err := w.Engine.Decide(decideCtx, req)
	if err == nil {
		err = resp.Validate()
	}
	if err != nil {
		w.Logger.Warn("decision failed", "session_id", req.SessionID, "request_id", req.RequestID, "error", err)
		return
	}
	resp.RequestID = req.RequestID
	resp.SessionID = req.SessionID

	data, err := json.Marshal(resp)
	if err != nil {
		w.Logger.Error("failed to encode decision response", "error", err)
		return
	}
	err = w.Broker.Publish(ctx, w.ResponseChannel, broker.Message{
		SessionID: req.SessionID,
		ServerID:  msg.ServerID,
		Data:      data,
	})
	if err != nil {
		w.Logger.Error("failed to publish decision response", "session_id", req.SessionID, "error", err)
		return
	}
	w.Logger.Debug("decision published", "session_id", req.SessionID, "decision", resp.Decision)
}
