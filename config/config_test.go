package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, env, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config."+env+".yaml"), []byte(body), 0o644))
	return dir
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("missing", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "none", cfg.Broker.Type)
	assert.Equal(t, "memory", cfg.Presence.Type)
	assert.Equal(t, "heuristic", cfg.Decision.Engine)
	assert.Equal(t, 2, cfg.Session.Capacity)
	assert.Equal(t, 50, cfg.Session.DecisionHistory)
	assert.Equal(t, 30, cfg.Session.DebateHistory)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := writeConfig(t, "test", `
server:
  port: 9000
broker:
  type: nats
  nats:
    url: nats://queue:4222
session:
  capacity: 3
  disconnectGrace: 20
decision:
  engine: lua
  scriptPath: ./policy.lua
`)
	t.Setenv("TERMINATOR_SESSION_IDLE_TIMEOUT", "120")
	t.Setenv("TERMINATOR_LOG_FORMAT", "json")

	cfg, err := Load("test", dir)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "nats://queue:4222", cfg.Broker.NATS.URL)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "./policy.lua", cfg.Decision.ScriptPath)

	sm := cfg.SessionManager()
	assert.Equal(t, 3, sm.Capacity)
	assert.Equal(t, 2*time.Minute, sm.IdleTimeout)
	assert.Equal(t, 20*time.Second, sm.DisconnectGrace)
	assert.Equal(t, 2*time.Second, sm.DecisionInterval)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := writeConfig(t, "broken", "server: [port")
	_, err := Load("broken", dir)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *AppConfig {
		cfg, err := Load("missing", t.TempDir())
		require.NoError(t, err)
		return cfg
	}

	testCases := []struct {
		name   string
		mutate func(c *AppConfig)
		valid  bool
	}{
		{name: "Defaults", mutate: func(c *AppConfig) {}, valid: true},
		{name: "Bad port", mutate: func(c *AppConfig) { c.Server.Port = 0 }},
		{name: "Unknown broker", mutate: func(c *AppConfig) { c.Broker.Type = "rabbit" }},
		{name: "Kafka without group", mutate: func(c *AppConfig) {
			c.Broker.Type = "kafka"
			c.Broker.Kafka.GroupID = ""
		}},
		{name: "Auth with default secret", mutate: func(c *AppConfig) { c.Auth.Enabled = true }},
		{name: "Auth with secret", mutate: func(c *AppConfig) {
			c.Auth.Enabled = true
			c.Auth.JWTSecret = "s3cr3t-value"
		}, valid: true},
		{name: "Zero capacity", mutate: func(c *AppConfig) { c.Session.Capacity = 0 }},
		{name: "Negative grace", mutate: func(c *AppConfig) { c.Session.DisconnectGrace = -1 }},
		{name: "Lua without script", mutate: func(c *AppConfig) { c.Decision.Engine = "lua" }},
		{name: "Broker engine without broker", mutate: func(c *AppConfig) { c.Decision.Engine = "broker" }},
		{name: "Broker engine with redis", mutate: func(c *AppConfig) {
			c.Decision.Engine = "broker"
			c.Broker.Type = "redis"
		}, valid: true},
		{name: "Presence TTL too short", mutate: func(c *AppConfig) { c.Presence.TTL = 10 }},
		{name: "Ping slower than activity timeout", mutate: func(c *AppConfig) { c.WebSocket.PingInterval = 120 }},
		{name: "Zero ping interval", mutate: func(c *AppConfig) { c.WebSocket.PingInterval = 0 }},
		{name: "Negative ping interval", mutate: func(c *AppConfig) { c.WebSocket.PingInterval = -5 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base(t)
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
