package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/V-prajit/Terminator/session"
)

type AppConfig struct {
	Server    ServerConfig
	Log       LogConfig
	Auth      AuthConfig
	Redis     RedisConfig
	Broker    BrokerConfig
	WebSocket WebSocketConfig
	Session   SessionConfig
	Presence  PresenceConfig
	Decision  DecisionConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Port            int
	ReadTimeout     int // Seconds
	WriteTimeout    int // Seconds
	ShutdownTimeout int // Seconds
}

type LogConfig struct {
	Level  string
	Format string // text or json
}

type AuthConfig struct {
	Enabled           bool
	JWTSecret         string
	TokenQueryParam   string
	RevocationListKey string
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int // Seconds
}

type BrokerConfig struct {
	Type  string // none, redis, kafka or nats
	Kafka KafkaConfig
	NATS  NATSConfig
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

type NATSConfig struct {
	URL string
}

type WebSocketConfig struct {
	MaxConnections   int
	MessageSizeLimit int
	HandshakeTimeout int // Seconds
	PingInterval     int // Seconds
	ActivityTimeout  int // Seconds
	WriteTimeout     int // Seconds
	SendBuffer       int
	MaxRetries       int
}

type SessionConfig struct {
	Capacity        int
	IdleTimeout     int // Seconds
	SweepInterval   int // Seconds
	DisconnectGrace int // Seconds, 0 keeps slots until leave or expiry
	DecisionHistory int
	DebateHistory   int
	MoveHistory     int
	ReplayDecisions int
	ReplayDebate    int
}

type PresenceConfig struct {
	Type string // memory or redis
	TTL  int    // Seconds
}

type DecisionConfig struct {
	Engine          string // heuristic, lua or broker
	MinInterval     int    // Milliseconds
	Timeout         int    // Milliseconds
	ScriptPath      string
	RequestChannel  string
	ResponseChannel string
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

var (
	instance *AppConfig
	once     sync.Once
)

// Initialize loads the configuration for env once per process. A .env file
// and the YAML file are both optional; defaults and TERMINATOR_ variables
// cover a bare run.
func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		instance, initErr = Load(env, "./configs", ".")
	})
	return initErr
}

// Load reads a fresh configuration from the given search paths.
func Load(env string, paths ...string) (*AppConfig, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("TERMINATOR")

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func Get() *AppConfig {
	return instance
}

// SessionManager converts the session section into session.Config.
func (c *AppConfig) SessionManager() session.Config {
	s := c.Session
	return session.Config{
		Capacity:         s.Capacity,
		IdleTimeout:      time.Duration(s.IdleTimeout) * time.Second,
		DisconnectGrace:  time.Duration(s.DisconnectGrace) * time.Second,
		DecisionHistory:  s.DecisionHistory,
		DebateHistory:    s.DebateHistory,
		MoveHistory:      s.MoveHistory,
		ReplayDecisions:  s.ReplayDecisions,
		ReplayDebate:     s.ReplayDebate,
		DecisionInterval: time.Duration(c.Decision.MinInterval) * time.Millisecond,
	}
}
