package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 15)
	v.SetDefault("server.writeTimeout", 15)
	v.SetDefault("server.shutdownTimeout", 10)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// Auth
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwtSecret", "default-secret")
	v.SetDefault("auth.tokenQueryParam", "token")
	v.SetDefault("auth.revocationListKey", "jwt:revoked")

	// Redis
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 100)
	v.SetDefault("redis.poolTimeout", 5)

	// Broker
	v.SetDefault("broker.type", "none")
	v.SetDefault("broker.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("broker.kafka.groupID", "terminator")
	v.SetDefault("broker.nats.url", "nats://localhost:4222")

	// WebSocket
	v.SetDefault("websocket.maxConnections", 10000)
	v.SetDefault("websocket.messageSizeLimit", 64*1024)
	v.SetDefault("websocket.handshakeTimeout", 10)
	v.SetDefault("websocket.pingInterval", 25)
	v.SetDefault("websocket.activityTimeout", 60)
	v.SetDefault("websocket.writeTimeout", 10)
	v.SetDefault("websocket.sendBuffer", 256)
	v.SetDefault("websocket.maxRetries", 3)

	// Session
	v.SetDefault("session.capacity", 2)
	v.SetDefault("session.idleTimeout", 30*60)
	v.SetDefault("session.sweepInterval", 60)
	v.SetDefault("session.disconnectGrace", 0)
	v.SetDefault("session.decisionHistory", 50)
	v.SetDefault("session.debateHistory", 30)
	v.SetDefault("session.moveHistory", 10)
	v.SetDefault("session.replayDecisions", 5)
	v.SetDefault("session.replayDebate", 3)

	// Presence
	v.SetDefault("presence.type", "memory")
	v.SetDefault("presence.ttl", 90)

	// Decision
	v.SetDefault("decision.engine", "heuristic")
	v.SetDefault("decision.minInterval", 2000)
	v.SetDefault("decision.timeout", 5000)
	v.SetDefault("decision.scriptPath", "")
	v.SetDefault("decision.requestChannel", "decision-requests")
	v.SetDefault("decision.responseChannel", "decision-responses")

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")
}
