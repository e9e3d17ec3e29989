package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/V-prajit/Terminator/metrics"
	"github.com/V-prajit/Terminator/presence"
	"github.com/V-prajit/Terminator/protocol"
	"github.com/V-prajit/Terminator/session"
)

const presenceTimeout = 2 * time.Second

// Registry tracks the live connections of this relay instance and fans out
// session deliveries to them. Presence records are mirrored to the presence
// store so other instances can see who is connected where.
type Registry struct {
	serverID   string
	store      presence.Store
	sendBuffer int
	logger     *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
	order []*Connection // registration order
}

// NewRegistry creates a registry. store may be nil.
func NewRegistry(serverID string, store presence.Store, sendBuffer int, logger *slog.Logger) *Registry {
	return &Registry{
		serverID:   serverID,
		store:      store,
		sendBuffer: sendBuffer,
		logger:     logger,
		conns:      make(map[string]*Connection),
	}
}

// Register wraps transport in a new Connection and starts its write pump.
func (r *Registry) Register(transport Transport, claims *CustomClaims) *Connection {
	c := newConnection(uuid.NewString(), transport, r.sendBuffer, claims, r.logger)

	r.mu.Lock()
	r.conns[c.ID] = c
	r.order = append(r.order, c)
	r.mu.Unlock()

	go c.writePump()
	r.putPresence(c)

	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
	r.logger.Info("connection registered", "connection_id", c.ID, "server_id", r.serverID)
	return c
}

// Get returns a registered connection.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Unregister removes the connection and closes it. It reports whether the
// connection was still registered.
func (r *Registry) Unregister(c *Connection, code int, reason string) bool {
	removed := r.detach(c)
	r.release(c, removed, code, reason)
	return removed
}

// detach drops c from the connection set without touching its transport, so
// callers holding their own locks can run it and defer the I/O to release.
func (r *Registry) detach(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID]; !ok {
		return false
	}
	delete(r.conns, c.ID)
	for i, oc := range r.order {
		if oc == c {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// release closes the transport and, when detach removed c, drops its
// presence record. It may block on the network.
func (r *Registry) release(c *Connection, detached bool, code int, reason string) {
	c.Close(code, reason)
	if !detached {
		return
	}

	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		if err := r.store.Delete(ctx, c.ID); err != nil {
			r.logger.Warn("failed to delete presence record", "connection_id", c.ID, "error", err)
		}
	}
	metrics.ActiveConnections.Dec()
	r.logger.Info("connection unregistered", "connection_id", c.ID, "reason", reason)
}

// SetRole records the connection's role within a session and writes its
// presence record.
func (r *Registry) SetRole(c *Connection, role Role, sessionID, participantID string, md protocol.Metadata) {
	c.assign(role, sessionID, participantID, md)
	r.putPresence(c)
}

// syncPresence writes the presence records of conns after their roles were
// assigned in memory.
func (r *Registry) syncPresence(conns ...*Connection) {
	for _, c := range conns {
		r.putPresence(c)
	}
}

// Touch marks activity from the client.
func (r *Registry) Touch(c *Connection) {
	c.touch(time.Now())
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := r.store.RefreshTTL(ctx, c.ID); err != nil {
		r.logger.Debug("failed to refresh presence TTL", "connection_id", c.ID, "error", err)
	}
}

func (r *Registry) putPresence(c *Connection) {
	if r.store == nil {
		return
	}
	role, sessionID, participantID := c.assignment()
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	err := r.store.Put(ctx, &presence.Record{
		ConnectionID:  c.ID,
		ServerID:      r.serverID,
		Role:          string(role),
		SessionID:     sessionID,
		ParticipantID: participantID,
		ConnectedAt:   c.ConnectedAt,
	})
	if err != nil {
		r.logger.Warn("failed to write presence record", "connection_id", c.ID, "error", err)
	}
}

// Connections returns the registered connections in registration order.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Connection(nil), r.order...)
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ForEachSubscriber calls fn for every writable connection attached to the
// session, in registration order.
func (r *Registry) ForEachSubscriber(sessionID string, fn func(c *Connection)) {
	for _, c := range r.Connections() {
		role, sid, _ := c.assignment()
		if role == RoleUnassigned || sid != sessionID || !c.Writable() {
			continue
		}
		fn(c)
	}
}

// ByParticipant returns the connections currently bound to participantID.
func (r *Registry) ByParticipant(participantID string) []*Connection {
	var out []*Connection
	for _, c := range r.Connections() {
		if role, _, pid := c.assignment(); role == RoleParticipant && pid == participantID {
			out = append(out, c)
		}
	}
	return out
}

// Send queues msg for c. Failures are counted and logged, never returned.
func (r *Registry) Send(c *Connection, msg protocol.Message) {
	if err := c.Send(msg); err != nil {
		metrics.SendFailures.Inc()
		if err == errSendQueueFull {
			c.markUnhealthy()
		}
		r.logger.Warn("dropping outbound message", "connection_id", c.ID, "type", msg.Type, "error", err)
	}
}

// Deliver fans out session deliveries. Each recipient is attempted
// independently.
func (r *Registry) Deliver(deliveries []session.Delivery) {
	for _, d := range deliveries {
		if d.Target != "" {
			if c, ok := r.Get(d.Target); ok && c.Writable() {
				r.Send(c, d.Message)
			}
			continue
		}
		r.ForEachSubscriber(d.SessionID, func(c *Connection) {
			if c.ID != d.Exclude {
				r.Send(c, d.Message)
			}
		})
	}
}

// CloseAll closes every connection, typically on shutdown.
func (r *Registry) CloseAll(reason string) {
	for _, c := range r.Connections() {
		r.Unregister(c, websocket.CloseGoingAway, reason)
	}
}

// Stats reports registry counts by role.
func (r *Registry) Stats() map[string]any {
	byRole := map[Role]int{}
	for _, c := range r.Connections() {
		byRole[c.Role()]++
	}
	return map[string]any{
		"server_id":         r.serverID,
		"total_connections": r.Count(),
		"by_role":           byRole,
	}
}
