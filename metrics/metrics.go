// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "The current number of registered connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "The total number of connections accepted.",
	})
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_received_total",
		Help: "The total number of envelopes received from clients, by type.",
	}, []string{"type"})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_sent_total",
		Help: "The total number of messages written to clients.",
	})
	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_send_failures_total",
		Help: "The total number of outbound messages that could not be delivered.",
	})
	ErrorReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_error_replies_total",
		Help: "The total number of error envelopes returned to clients, by error type.",
	}, []string{"error_type"})
	HealthTerminations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_health_terminations_total",
		Help: "The total number of connections closed by the health monitor.",
	})

	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "The current number of live sessions.",
	})
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_expired_total",
		Help: "The total number of sessions deleted by the idle sweep.",
	})
	ParticipantsJoined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_participants_joined_total",
		Help: "The total number of participant slots filled, reconnections excluded.",
	})
	DecisionsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_decisions_recorded_total",
		Help: "The total number of decisions recorded, by source.",
	}, []string{"source"})

	// Decision engine metrics
	DecisionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_decision_requests_total",
		Help: "The total number of decision requests issued, by engine.",
	}, []string{"engine"})
	BrokerPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_broker_publish_retries_total",
		Help: "The total number of retries when publishing to the message broker.",
	}, []string{"broker_type"})

	// Auth metrics
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_auth_success_total",
		Help: "The total number of successful handshake authentications.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_auth_failures_total",
		Help: "The total number of failed handshake authentications.",
	}, []string{"reason"})
)

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	logger.Info("starting metrics server", "addr", srv.Addr, "path", path)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
