// Command backend is a standalone decision worker. It subscribes to the
// decision request channel of the configured broker, runs a local engine and
// publishes the answer back to the relay instance that asked.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/V-prajit/Terminator/config"
	"github.com/V-prajit/Terminator/decision"
	"github.com/V-prajit/Terminator/services"
)

// Workers share one group so each request is answered once.
const workerGroup = "decision-workers"

func main() {
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if strings.EqualFold(cfg.Broker.Type, "redis") {
		var err error
		redisClient, err = services.NewRedisClient(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer services.CloseRedisClient(redisClient)
	}

	messageBroker, err := services.NewBroker(cfg.Broker, redisClient, workerGroup, logger)
	if err != nil {
		logger.Error("failed to create message broker", "error", err)
		os.Exit(1)
	}
	if messageBroker == nil {
		logger.Error("the decision worker needs broker.type to be redis, kafka or nats")
		os.Exit(1)
	}
	defer messageBroker.Close()

	var engine decision.Engine = decision.NewHeuristicEngine()
	if cfg.Decision.ScriptPath != "" {
		luaEngine, err := decision.NewLuaEngine(cfg.Decision.ScriptPath)
		if err != nil {
			logger.Error("failed to load decision script", "path", cfg.Decision.ScriptPath, "error", err)
			os.Exit(1)
		}
		defer luaEngine.Close()
		engine = luaEngine
	}

	worker := &decision.Worker{
		Broker:          messageBroker,
		Engine:          engine,
		RequestChannel:  cfg.Decision.RequestChannel,
		ResponseChannel: cfg.Decision.ResponseChannel,
		Timeout:         time.Duration(cfg.Decision.Timeout) * time.Millisecond,
		Logger:          logger,
	}
	if err := worker.Run(ctx); err != nil {
		logger.Error("decision worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("decision worker shut down")
}
