package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/V-prajit/Terminator/metrics"
	"github.com/V-prajit/Terminator/protocol"
)

const (
	websocketRetryDelay = 200 * time.Millisecond
)

var (
	errConnectionClosed = errors.New("connection closed")
	errSendQueueFull    = errors.New("send queue full")
)

// Role is what a connection does within a session.
type Role string

const (
	RoleUnassigned  Role = "unassigned"
	RoleParticipant Role = "participant"
	RoleSpectator   Role = "spectator"
)

// Transport is the write side of a client connection.
type Transport interface {
	WriteJSON(v any) error
	Ping() error
	Close(code int, reason string) error
}

// wsTransport adapts a gorilla connection. Writes are serialised and retried
// a bounded number of times.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	maxRetries   uint64
	logger       *slog.Logger
	mu           sync.Mutex
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration, maxRetries int, logger *slog.Logger) *wsTransport {
	return &wsTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
		maxRetries:   uint64(maxRetries),
		logger:       logger,
	}
}

func (t *wsTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	operation := func() error {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return backoff.Permanent(err)
		}
		err := t.conn.WriteJSON(v)
		if errors.Is(err, websocket.ErrCloseSent) {
			return backoff.Permanent(err)
		}
		return err
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(websocketRetryDelay), t.maxRetries),
		context.Background(),
	)
	return backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		t.logger.Debug("retrying websocket write", "error", err, "next_attempt", d)
	})
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) Close(code int, reason string) error {
	err := t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(t.writeTimeout),
	)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		t.logger.Debug("error sending close message", "error", err)
	}
	return t.conn.Close()
}

// Connection is one live client. Outbound messages go through a bounded
// queue drained by writePump, so a slow client never blocks a broadcast.
type Connection struct {
	ID          string
	ConnectedAt time.Time
	Claims      *CustomClaims

	transport Transport
	send      chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger

	lastActivity atomic.Int64 // unix nanoseconds
	healthy      atomic.Bool

	mu            sync.RWMutex
	role          Role
	participantID string
	sessionID     string
	metadata      protocol.Metadata
}

func newConnection(id string, transport Transport, sendBuffer int, claims *CustomClaims, logger *slog.Logger) *Connection {
	now := time.Now()
	c := &Connection{
		ID:          id,
		ConnectedAt: now,
		Claims:      claims,
		transport:   transport,
		send:        make(chan protocol.Message, sendBuffer),
		done:        make(chan struct{}),
		logger:      logger.With("connection_id", id),
		role:        RoleUnassigned,
	}
	c.lastActivity.Store(now.UnixNano())
	c.healthy.Store(true)
	return c
}

func (c *Connection) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) ParticipantID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.participantID
}

func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Connection) Metadata() protocol.Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metadata
}

func (c *Connection) assignment() (Role, string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role, c.sessionID, c.participantID
}

func (c *Connection) assign(role Role, sessionID, participantID string, md protocol.Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
	c.sessionID = sessionID
	c.participantID = participantID
	if md != nil {
		c.metadata = md
	}
	if role == RoleUnassigned {
		c.sessionID, c.participantID = "", ""
	}
}

// LastActivity returns when the client was last heard from.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

// Healthy is false once a write to the client has failed.
func (c *Connection) Healthy() bool {
	return c.healthy.Load()
}

func (c *Connection) markUnhealthy() {
	c.healthy.Store(false)
}

// Writable reports whether messages are still accepted for this client.
func (c *Connection) Writable() bool {
	select {
	case <-c.done:
		return false
	default:
		return c.Healthy()
	}
}

// Send queues msg for delivery.
func (c *Connection) Send(msg protocol.Message) error {
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errConnectionClosed
	default:
		return errSendQueueFull
	}
}

func (c *Connection) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if !c.Healthy() {
				continue
			}
			if err := c.transport.WriteJSON(msg); err != nil {
				metrics.SendFailures.Inc()
				c.markUnhealthy()
				c.logger.Warn("write failed, marking connection unhealthy", "type", msg.Type, "error", err)
				continue
			}
			metrics.MessagesSent.Inc()
		}
	}
}

func (c *Connection) ping() error {
	return c.transport.Ping()
}

// Close stops the write pump and closes the transport. Safe to call more
// than once.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.transport.Close(code, reason); err != nil {
			c.logger.Debug("transport close", "error", err)
		}
	})
}
