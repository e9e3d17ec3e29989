package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/V-prajit/Terminator/decision"
	"github.com/V-prajit/Terminator/metrics"
	"github.com/V-prajit/Terminator/protocol"
	"github.com/V-prajit/Terminator/session"
)

// Dispatcher routes inbound envelopes to the session manager and hands the
// resulting deliveries to the registry.
type Dispatcher struct {
	manager         *session.Manager
	registry        *Registry
	engine          decision.Engine
	decisionTimeout time.Duration
	logger          *slog.Logger

	// serialises role changes so two joins on one connection cannot interleave
	// their registry updates. Only in-memory work runs under it; transport
	// closes and presence writes happen after it is released.
	mu sync.Mutex
	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. engine may be nil, in which case
// decisions only arrive through decision_relay.
func NewDispatcher(manager *session.Manager, registry *Registry, engine decision.Engine, decisionTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		manager:         manager,
		registry:        registry,
		engine:          engine,
		decisionTimeout: decisionTimeout,
		logger:          logger,
	}
}

type handlerFunc func(ctx context.Context, c *Connection, env protocol.Envelope) error

func (d *Dispatcher) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.TypeJoinAsPlayer:    d.handleJoinAsPlayer,
		protocol.TypeJoinAsDashboard: d.handleJoinAsDashboard,
		protocol.TypePlayerMove:      d.handlePlayerMove,
		protocol.TypePlayerUpdate:    d.handlePlayerUpdate,
		protocol.TypeGameState:       d.handleGameState,
		protocol.TypeDecisionRelay:   d.handleDecisionRelay,
		protocol.TypeCreateSession:   d.handleCreateSession,
		protocol.TypeJoinSession:     d.handleJoinSession,
		protocol.TypeLeaveSession:    d.handleLeaveSession,
		protocol.TypeGetSessionInfo:  d.handleGetSessionInfo,
		protocol.TypePing:            d.handlePing,
	}
}

// Handle processes one raw frame from c. Every failure is answered with an
// error envelope to c only.
func (d *Dispatcher) Handle(ctx context.Context, c *Connection, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		d.replyError(c, err)
		return
	}
	metrics.MessagesReceived.WithLabelValues(env.Type).Inc()

	h, ok := d.handlers()[env.Type]
	if !ok {
		d.replyError(c, protocol.NewError(protocol.MalformedEnvelope, "unknown message type %q", env.Type))
		return
	}
	if !c.Claims.Allows(env.Type) {
		d.replyError(c, protocol.NewError(protocol.InvalidRoleForOperation, "%s is not permitted by the token scopes", env.Type))
		return
	}
	if err := h(ctx, c, env); err != nil {
		d.replyError(c, err)
	}
}

func (d *Dispatcher) replyError(c *Connection, err error) {
	perr := toProtocolError(err)
	metrics.ErrorReplies.WithLabelValues(string(perr.Type)).Inc()
	d.logger.Debug("error reply", "connection_id", c.ID, "error_type", perr.Type, "message", perr.Message)
	d.registry.Send(c, perr.Reply())
}

func toProtocolError(err error) *protocol.Error {
	var perr *protocol.Error
	switch {
	case errors.As(err, &perr):
		return perr
	case errors.Is(err, session.ErrSessionNotFound):
		return protocol.NewError(protocol.SessionNotFound, "%v", err)
	case errors.Is(err, session.ErrSessionFull):
		return protocol.NewError(protocol.SessionFull, "%v", err)
	case errors.Is(err, session.ErrSessionAlreadyExists):
		return protocol.NewError(protocol.SessionAlreadyExists, "%v", err)
	case errors.Is(err, session.ErrMissingParticipantID):
		return protocol.NewError(protocol.MissingParticipantID, "%v", err)
	case errors.Is(err, session.ErrParticipantNotFound):
		return protocol.NewError(protocol.InvalidRoleForOperation, "%v", err)
	default:
		return protocol.NewError(protocol.MalformedEnvelope, "%v", err)
	}
}

func requireParticipant(c *Connection, op string) (string, error) {
	role, sessionID, participantID := c.assignment()
	if role != RoleParticipant || sessionID == "" {
		return "", protocol.NewError(protocol.InvalidRoleForOperation, "%s requires a participant in a session, connection is %s", op, role)
	}
	return participantID, nil
}

func defaultParticipantID(c *Connection, requested string) string {
	if requested != "" {
		return requested
	}
	if c.Claims != nil {
		return c.Claims.Subject
	}
	return ""
}

func (d *Dispatcher) joinParticipant(c *Connection, participantID, sessionID string, md protocol.Metadata) error {
	d.mu.Lock()
	res, err := d.manager.JoinAsParticipant(participantID, c.ID, sessionID, md)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	changed := []*Connection{c}
	// A newer connection took over the slot.
	for _, other := range d.registry.ByParticipant(participantID) {
		if other != c {
			other.assign(RoleUnassigned, "", "", nil)
			changed = append(changed, other)
		}
	}
	c.assign(RoleParticipant, res.SessionID, participantID, md)
	d.registry.Deliver(res.Deliveries)
	d.mu.Unlock()

	d.registry.syncPresence(changed...)
	return nil
}

func (d *Dispatcher) joinSpectator(c *Connection, sessionID string, md protocol.Metadata) error {
	d.mu.Lock()
	res, err := d.manager.JoinAsSpectator(c.ID, sessionID)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	c.assign(RoleSpectator, res.SessionID, "", md)
	d.registry.Deliver(res.Deliveries)
	d.mu.Unlock()

	d.registry.syncPresence(c)
	return nil
}

func (d *Dispatcher) handleJoinAsPlayer(_ context.Context, c *Connection, env protocol.Envelope) error {
	var p protocol.JoinAsPlayer
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	pid := defaultParticipantID(c, p.ParticipantID)
	if pid == "" {
		return protocol.NewError(protocol.MissingParticipantID, "join_as_player requires a participantId")
	}
	return d.joinParticipant(c, pid, p.SessionID, p.Metadata)
}

func (d *Dispatcher) handleJoinAsDashboard(_ context.Context, c *Connection, env protocol.Envelope) error {
	var p protocol.JoinAsDashboard
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	if c.Role() == RoleParticipant {
		return protocol.NewError(protocol.InvalidRoleForOperation, "a participant must leave its session before joining as a dashboard")
	}
	sessionID := p.SessionID
	if sessionID == "" {
		s, err := d.manager.CreateSession("")
		if err != nil {
			return err
		}
		sessionID = s.ID
	}
	return d.joinSpectator(c, sessionID, p.Metadata)
}

func (d *Dispatcher) handlePlayerMove(_ context.Context, c *Connection, env protocol.Envelope) error {
	pid, err := requireParticipant(c, env.Type)
	if err != nil {
		return err
	}
	move, err := protocol.DecodeMove(env)
	if err != nil {
		return err
	}
	deliveries, err := d.manager.RecordMove(pid, move)
	if err != nil {
		return err
	}
	d.registry.Deliver(deliveries)
	d.maybeRequestDecision(c.SessionID())
	return nil
}

func (d *Dispatcher) handlePlayerUpdate(_ context.Context, c *Connection, env protocol.Envelope) error {
	pid, err := requireParticipant(c, env.Type)
	if err != nil {
		return err
	}
	var update protocol.StatUpdate
	if err := protocol.DecodePayload(env, &update); err != nil {
		return err
	}
	deliveries, err := d.manager.UpdateStats(pid, update)
	if err != nil {
		return err
	}
	d.registry.Deliver(deliveries)
	return nil
}

func (d *Dispatcher) handleGameState(_ context.Context, c *Connection, env protocol.Envelope) error {
	pid, err := requireParticipant(c, env.Type)
	if err != nil {
		return err
	}
	deliveries, err := d.manager.RelayGameState(pid, env.Payload)
	if err != nil {
		return err
	}
	d.registry.Deliver(deliveries)
	return nil
}

func (d *Dispatcher) handleDecisionRelay(_ context.Context, c *Connection, env protocol.Envelope) error {
	pid, err := requireParticipant(c, env.Type)
	if err != nil {
		return err
	}
	var relay protocol.DecisionRelay
	if err := protocol.DecodePayload(env, &relay); err != nil {
		return err
	}
	if relay.Decision == "" {
		return protocol.NewError(protocol.MalformedEnvelope, "decision_relay requires a decision")
	}
	_, deliveries, err := d.manager.RecordDecision(c.SessionID(), pid, relay)
	if err != nil {
		return err
	}
	metrics.DecisionsRecorded.WithLabelValues("relay").Inc()
	d.registry.Deliver(deliveries)
	return nil
}

func (d *Dispatcher) handleCreateSession(_ context.Context, c *Connection, env protocol.Envelope) error {
	var p protocol.CreateSession
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	s, err := d.manager.CreateSession(p.SessionID)
	if err != nil {
		return err
	}
	d.registry.Send(c, protocol.NewMessage(protocol.TypeSessionCreated, map[string]any{
		"sessionId": s.ID,
		"snapshot":  s.Snapshot(),
	}))
	if c.Role() == RoleUnassigned {
		return d.joinSpectator(c, s.ID, nil)
	}
	return nil
}

func (d *Dispatcher) handleJoinSession(_ context.Context, c *Connection, env protocol.Envelope) error {
	var p protocol.JoinSession
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	if p.SessionID == "" {
		return protocol.NewError(protocol.MalformedEnvelope, "join_session requires a sessionId")
	}
	if _, err := d.manager.GetSession(p.SessionID); err != nil {
		return err
	}

	pid := defaultParticipantID(c, p.ParticipantID)
	if p.AsSpectator || pid == "" {
		if c.Role() == RoleParticipant {
			return protocol.NewError(protocol.InvalidRoleForOperation, "a participant must leave its session before spectating")
		}
		return d.joinSpectator(c, p.SessionID, p.Metadata)
	}
	return d.joinParticipant(c, pid, p.SessionID, p.Metadata)
}

func (d *Dispatcher) handleLeaveSession(_ context.Context, c *Connection, env protocol.Envelope) error {
	if c.Role() == RoleUnassigned {
		return protocol.NewError(protocol.InvalidRoleForOperation, "connection is not in a session")
	}

	d.mu.Lock()
	_, deliveries, err := d.manager.LeaveConnection(c.ID)
	c.assign(RoleUnassigned, "", "", nil)
	if err == nil {
		d.registry.Deliver(deliveries)
	}
	d.mu.Unlock()

	d.registry.syncPresence(c)
	return err
}

func (d *Dispatcher) handleGetSessionInfo(_ context.Context, c *Connection, env protocol.Envelope) error {
	var p protocol.GetSessionInfo
	if err := protocol.DecodePayload(env, &p); err != nil {
		return err
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = c.SessionID()
	}
	if sessionID == "" {
		return protocol.NewError(protocol.InvalidRoleForOperation, "get_session_info needs a sessionId when the connection is not in a session")
	}
	info, err := d.manager.Info(sessionID)
	if err != nil {
		return err
	}
	d.registry.Send(c, protocol.NewMessage(protocol.TypeSessionInfo, info))
	return nil
}

func (d *Dispatcher) handlePing(_ context.Context, c *Connection, _ protocol.Envelope) error {
	msg := protocol.NewMessage(protocol.TypePong, nil)
	msg.Data = map[string]any{"timestamp": msg.Timestamp}
	d.registry.Send(c, msg)
	return nil
}

// maybeRequestDecision asks the engine for a decision when one is due. The
// engine runs outside the connection's read loop.
func (d *Dispatcher) maybeRequestDecision(sessionID string) {
	if d.engine == nil || sessionID == "" {
		return
	}
	req, due := d.manager.DecisionRequest(sessionID)
	if !due {
		return
	}
	metrics.DecisionRequests.WithLabelValues(d.engine.Name()).Inc()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.decisionTimeout)
		defer cancel()

		resp, err := d.engine.Decide(ctx, req)
		if err == nil {
			err = resp.Validate()
		}
		if err != nil {
			d.logger.Warn("decision engine failed", "session_id", sessionID, "engine", d.engine.Name(), "error", err)
			return
		}
		_, deliveries, err := d.manager.RecordDecision(sessionID, "", resp.Relay())
		if err != nil {
			d.logger.Debug("dropping decision for gone session", "session_id", sessionID, "error", err)
			return
		}
		metrics.DecisionsRecorded.WithLabelValues(d.engine.Name()).Inc()
		d.registry.Deliver(deliveries)
	}()
}

// Disconnect handles a transport drop or forced termination of c. Closing
// the transport happens outside the dispatcher lock, so a peer that is slow
// to close only delays its own caller.
func (d *Dispatcher) Disconnect(c *Connection, code int, reason string) {
	d.mu.Lock()
	deliveries := d.manager.Disconnect(c.ID)
	removed := d.registry.detach(c)
	if removed {
		d.registry.Deliver(deliveries)
	}
	d.mu.Unlock()

	d.registry.release(c, removed, code, reason)
}

// RunExpiry sweeps idle sessions every interval until ctx is cancelled.
func (d *Dispatcher) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Expire()
		}
	}
}

// Expire runs one sweep: idle sessions are deleted and their connections
// told so, and slots past the disconnect grace are freed.
func (d *Dispatcher) Expire() {
	d.mu.Lock()
	expired, deliveries := d.manager.Sweep()
	d.registry.Deliver(deliveries)
	var cleared []*Connection
	for _, exp := range expired {
		msg := protocol.NewMessage(protocol.TypeSessionExpired, map[string]any{"sessionId": exp.SessionID})
		for _, id := range exp.ConnectionIDs {
			c, ok := d.registry.Get(id)
			if !ok || c.SessionID() != exp.SessionID {
				continue
			}
			d.registry.Send(c, msg)
			c.assign(RoleUnassigned, "", "", nil)
			cleared = append(cleared, c)
		}
		d.logger.Info("session expired", "session_id", exp.SessionID, "connections", len(exp.ConnectionIDs))
	}
	d.mu.Unlock()

	d.registry.syncPresence(cleared...)
}

// Wait blocks until in-flight decision requests have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown closes every connection.
func (d *Dispatcher) Shutdown(reason string) {
	for _, c := range d.registry.Connections() {
		d.Disconnect(c, websocket.CloseGoingAway, reason)
	}
	d.wg.Wait()
}
