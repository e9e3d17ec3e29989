package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s. Must be 'text' or 'json'", c.Log.Format)
	}

	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TokenQueryParam == "" {
			return errors.New("auth.tokenQueryParam must be configured when auth is enabled")
		}
	}

	switch strings.ToLower(c.Broker.Type) {
	case "none":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for redis broker")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified for kafka broker")
		}
	case "nats":
		if c.Broker.NATS.URL == "" {
			return errors.New("nats url must be specified for nats broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'none', 'redis', 'kafka' or 'nats'", c.Broker.Type)
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}
	if c.WebSocket.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}
	if c.WebSocket.PingInterval < 1 {
		return errors.New("ping interval must be at least 1 second")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ActivityTimeout {
		return errors.New("ping interval should be less than activity timeout")
	}
	if c.WebSocket.SendBuffer < 1 {
		return errors.New("send buffer must be positive")
	}

	if c.Session.Capacity < 1 {
		return errors.New("session capacity must be positive")
	}
	if c.Session.IdleTimeout < 1 || c.Session.SweepInterval < 1 {
		return errors.New("session idle timeout and sweep interval must be at least 1 second")
	}
	if c.Session.DisconnectGrace < 0 {
		return errors.New("session disconnect grace cannot be negative")
	}
	if c.Session.DecisionHistory < 1 || c.Session.DebateHistory < 1 || c.Session.MoveHistory < 1 {
		return errors.New("session history sizes must be positive")
	}

	switch strings.ToLower(c.Presence.Type) {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid presence type: %s. Must be 'memory' or 'redis'", c.Presence.Type)
	}
	if c.Presence.TTL <= c.WebSocket.ActivityTimeout {
		return errors.New("presence TTL should be greater than activity timeout")
	}

	switch strings.ToLower(c.Decision.Engine) {
	case "heuristic":
	case "lua":
		if c.Decision.ScriptPath == "" {
			return errors.New("decision.scriptPath must be set for the lua engine")
		}
	case "broker":
		if strings.ToLower(c.Broker.Type) == "none" {
			return errors.New("the broker decision engine needs broker.type to be set")
		}
		if c.Decision.RequestChannel == "" || c.Decision.ResponseChannel == "" {
			return errors.New("decision request and response channels must be configured")
		}
	default:
		return fmt.Errorf("invalid decision engine: %s. Must be 'heuristic', 'lua' or 'broker'", c.Decision.Engine)
	}
	if c.Decision.MinInterval < 0 || c.Decision.Timeout < 1 {
		return errors.New("decision minInterval cannot be negative and timeout must be positive")
	}

	return nil
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "TERMINATOR_PORT")

	// Log
	v.BindEnv("log.level", "TERMINATOR_LOG_LEVEL")
	v.BindEnv("log.format", "TERMINATOR_LOG_FORMAT")

	// Auth
	v.BindEnv("auth.enabled", "TERMINATOR_AUTH_ENABLED")
	v.BindEnv("auth.jwtSecret", "TERMINATOR_AUTH_JWT_SECRET")
	v.BindEnv("auth.tokenQueryParam", "TERMINATOR_AUTH_TOKEN_PARAM")
	v.BindEnv("auth.revocationListKey", "TERMINATOR_AUTH_REVOCATION_KEY")

	// Redis
	v.BindEnv("redis.address", "TERMINATOR_REDIS_ADDRESS")
	v.BindEnv("redis.password", "TERMINATOR_REDIS_PASSWORD")

	// Broker
	v.BindEnv("broker.type", "TERMINATOR_BROKER_TYPE")
	v.BindEnv("broker.kafka.brokers", "TERMINATOR_KAFKA_BROKERS")
	v.BindEnv("broker.kafka.groupID", "TERMINATOR_KAFKA_GROUPID")
	v.BindEnv("broker.nats.url", "TERMINATOR_NATS_URL")

	// WebSocket
	v.BindEnv("websocket.maxConnections", "TERMINATOR_MAX_CONNECTIONS")
	v.BindEnv("websocket.pingInterval", "TERMINATOR_PING_INTERVAL")
	v.BindEnv("websocket.activityTimeout", "TERMINATOR_ACTIVITY_TIMEOUT")
	v.BindEnv("websocket.writeTimeout", "TERMINATOR_WRITE_TIMEOUT")

	// Session
	v.BindEnv("session.capacity", "TERMINATOR_SESSION_CAPACITY")
	v.BindEnv("session.idleTimeout", "TERMINATOR_SESSION_IDLE_TIMEOUT")
	v.BindEnv("session.disconnectGrace", "TERMINATOR_SESSION_DISCONNECT_GRACE")

	// Presence
	v.BindEnv("presence.type", "TERMINATOR_PRESENCE_TYPE")

	// Decision
	v.BindEnv("decision.engine", "TERMINATOR_DECISION_ENGINE")
	v.BindEnv("decision.scriptPath", "TERMINATOR_DECISION_SCRIPT")
}
