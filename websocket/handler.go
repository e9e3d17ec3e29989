package websocket

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/V-prajit/Terminator/config"
	"github.com/V-prajit/Terminator/metrics"
	"github.com/V-prajit/Terminator/protocol"
	"github.com/V-prajit/Terminator/session"
)

// Handler upgrades HTTP requests and runs the read loop of each connection.
type Handler struct {
	registry     *Registry
	dispatcher   *Dispatcher
	manager      *session.Manager
	jwtValidator *JWTValidator
	authConfig   *config.AuthConfig
	wsConfig     *config.WebSocketConfig
	upgrader     websocket.Upgrader
	logger       *slog.Logger
}

// NewHandler creates a websocket handler. jwtValidator may be nil when auth
// is disabled.
func NewHandler(registry *Registry, dispatcher *Dispatcher, manager *session.Manager, jwtValidator *JWTValidator, authConfig *config.AuthConfig, wsConfig *config.WebSocketConfig, logger *slog.Logger) *Handler {
	return &Handler{
		registry:     registry,
		dispatcher:   dispatcher,
		manager:      manager,
		jwtValidator: jwtValidator,
		authConfig:   authConfig,
		wsConfig:     wsConfig,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: time.Duration(wsConfig.HandshakeTimeout) * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// HandleWebSocket handles incoming websocket connections
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.registry.Count() >= h.wsConfig.MaxConnections {
		h.logger.Warn("connection limit reached", "remote_addr", r.RemoteAddr)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	var claims *CustomClaims
	if h.authConfig.Enabled {
		if h.jwtValidator == nil {
			h.logger.Error("auth is enabled but the JWT validator is not initialized")
			http.Error(w, "Internal server configuration error", http.StatusInternalServerError)
			return
		}
		tokenString := r.URL.Query().Get(h.authConfig.TokenQueryParam)
		if tokenString == "" {
			metrics.AuthFailures.WithLabelValues("missing_token").Inc()
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}
		var err error
		claims, err = h.jwtValidator.ValidateToken(r.Context(), tokenString)
		if err != nil {
			metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
			h.logger.Info("invalid token", "remote_addr", r.RemoteAddr, "error", err)
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}
		metrics.AuthSuccess.Inc()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(int64(h.wsConfig.MessageSizeLimit))

	transport := newWSTransport(conn, time.Duration(h.wsConfig.WriteTimeout)*time.Second, h.wsConfig.MaxRetries, h.logger)
	c := h.registry.Register(transport, claims)
	defer h.dispatcher.Disconnect(c, websocket.CloseNormalClosure, "client disconnected")

	conn.SetPongHandler(func(string) error {
		h.registry.Touch(c)
		return nil
	})

	h.registry.Send(c, protocol.NewMessage(protocol.TypeWelcome, map[string]any{
		"connectionId": c.ID,
		"stats":        h.manager.Stats(),
	}))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				h.logger.Debug("read error", "connection_id", c.ID, "error", err)
			}
			return
		}
		h.registry.Touch(c)
		h.dispatcher.Handle(r.Context(), c, msg)
	}
}

// Stats merges registry and session manager counts for the health endpoint.
func (h *Handler) Stats() map[string]any {
	return map[string]any{
		"connections": h.registry.Stats(),
		"sessions":    h.manager.Stats(),
	}
}
