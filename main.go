package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/V-prajit/Terminator/broker"
	"github.com/V-prajit/Terminator/config"
	"github.com/V-prajit/Terminator/decision"
	"github.com/V-prajit/Terminator/metrics"
	"github.com/V-prajit/Terminator/presence"
	"github.com/V-prajit/Terminator/server"
	"github.com/V-prajit/Terminator/services"
	"github.com/V-prajit/Terminator/session"
	"github.com/V-prajit/Terminator/websocket"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize config: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()
	logger := services.NewLogger(cfg.Log, os.Stdout)

	// Responses from a remote decision worker are routed back by this ID.
	serverID := uuid.New().String()
	logger.Info("starting relay instance", "server_id", serverID, "environment", env)

	var redisClient *redis.Client
	if services.NeedsRedis(cfg) {
		var err error
		redisClient, err = services.NewRedisClient(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer services.CloseRedisClient(redisClient)
	}

	var presenceStore presence.Store
	presenceTTL := time.Duration(cfg.Presence.TTL) * time.Second
	switch strings.ToLower(cfg.Presence.Type) {
	case "redis":
		presenceStore = presence.NewRedisStore(redisClient, presenceTTL)
	default:
		presenceStore = presence.NewMemoryStore(presenceTTL)
	}

	logger.Info("initializing message broker", "type", cfg.Broker.Type)
	messageBroker, err := services.NewBroker(cfg.Broker, redisClient, cfg.Broker.Kafka.GroupID+"-"+serverID, logger)
	if err != nil {
		logger.Error("failed to create message broker", "type", cfg.Broker.Type, "error", err)
		os.Exit(1)
	}

	engine, err := newEngine(ctx, cfg, messageBroker, serverID, logger)
	if err != nil {
		logger.Error("failed to create decision engine", "engine", cfg.Decision.Engine, "error", err)
		os.Exit(1)
	}
	logger.Info("decision engine ready", "engine", engine.Name())

	var jwtValidator *websocket.JWTValidator
	if cfg.Auth.Enabled {
		jwtValidator = websocket.NewJWTValidator(&cfg.Auth, redisClient, logger)
		logger.Info("JWT authentication is enabled")
	} else {
		logger.Info("JWT authentication is disabled")
	}

	manager := session.NewManager(cfg.SessionManager(), logger)
	registry := websocket.NewRegistry(serverID, presenceStore, cfg.WebSocket.SendBuffer, logger)
	dispatcher := websocket.NewDispatcher(manager, registry, engine, time.Duration(cfg.Decision.Timeout)*time.Millisecond, logger)
	handler := websocket.NewHandler(registry, dispatcher, manager, jwtValidator, &cfg.Auth, &cfg.WebSocket, logger)

	monitor := &websocket.Monitor{
		Registry:  registry,
		Terminate: dispatcher.Disconnect,
		Interval:  time.Duration(cfg.WebSocket.PingInterval) * time.Second,
		Timeout:   time.Duration(cfg.WebSocket.ActivityTimeout) * time.Second,
		Logger:    logger,
	}
	go monitor.Run(ctx)
	go dispatcher.RunExpiry(ctx, time.Duration(cfg.Session.SweepInterval)*time.Second)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path, logger)
	}

	srv := server.NewServer(
		":"+strconv.Itoa(cfg.Server.Port),
		handler.HandleWebSocket,
		handler.Stats,
		time.Duration(cfg.Server.ReadTimeout)*time.Second,
		time.Duration(cfg.Server.WriteTimeout)*time.Second,
		logger,
	)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server failed", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx, dispatcher, messageBroker); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	cancel()
	if closer, ok := engine.(interface{ Close() }); ok {
		closer.Close()
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", "error", err)
		}
	}
}

// newEngine builds the decision engine selected by the config. The broker
// engine needs a broker and starts listening for responses on ctx.
func newEngine(ctx context.Context, cfg *config.AppConfig, messageBroker broker.MessageBroker, serverID string, logger *slog.Logger) (decision.Engine, error) {
	switch strings.ToLower(cfg.Decision.Engine) {
	case "", "heuristic":
		return decision.NewHeuristicEngine(), nil
	case "lua":
		engine, err := decision.NewLuaEngine(cfg.Decision.ScriptPath)
		if err != nil {
			return nil, err
		}
		return engine, nil
	case "broker":
		if messageBroker == nil {
			return nil, errors.New("the broker decision engine needs broker.type to be set")
		}
		engine := decision.NewBrokerEngine(messageBroker, serverID, cfg.Decision.RequestChannel, cfg.Decision.ResponseChannel, logger)
		if err := engine.Start(ctx); err != nil {
			return nil, err
		}
		return engine, nil
	default:
		return nil, fmt.Errorf("unknown decision engine: %s", cfg.Decision.Engine)
	}
}
