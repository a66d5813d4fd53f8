// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	LogLevel    string

	Sandbox Sandbox
	Agent   Agent
	Turn    Turn
}

// Sandbox configures the Docker-backed sandbox provider.
type Sandbox struct {
	Image       string
	Network     string
	Runtime     string // Docker runtime: "" = default (runc), "runsc" = gVisor
	Memory      string // human form, e.g. "2g"
	NanoCPUs    float64
	WorkDir     string
	TTL         time.Duration // idle time before the reaper auto-pauses
	WaitTimeout time.Duration // bound on waiting for a concurrent provision
	PollEvery   time.Duration
}

// Agent configures the agent runtime reached inside each sandbox.
type Agent struct {
	Port         int    // port the agent server listens on inside the sandbox
	ServeCommand string // command executed in the sandbox to start the server
	StartTimeout time.Duration
	CacheSize    int
	CacheTTL     time.Duration
}

// Turn configures the per-prompt streaming pipeline.
type Turn struct {
	InactivityTimeout time.Duration // no agent event for this long ends the turn
	HeartbeatEvery    time.Duration
	ReplayFrames      int // duplex frames replayed to a late attacher
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/shipd.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Sandbox: Sandbox{
			Image:       getEnv("SANDBOX_IMAGE", "shipd-sandbox:latest"),
			Network:     getEnv("SANDBOX_NETWORK", "shipd-net"),
			Runtime:     getEnv("SANDBOX_RUNTIME", ""),
			Memory:      getEnv("SANDBOX_MEMORY", "2g"),
			NanoCPUs:    getEnvFloat("SANDBOX_CPUS", 2.0),
			WorkDir:     getEnv("SANDBOX_WORKDIR", "/workspace"),
			TTL:         getEnvDuration("SANDBOX_TTL", 30*time.Minute),
			WaitTimeout: getEnvDuration("SANDBOX_WAIT_TIMEOUT", 30*time.Second),
			PollEvery:   getEnvDuration("SANDBOX_POLL_INTERVAL", time.Second),
		},
		Agent: Agent{
			Port:         getEnvInt("AGENT_PORT", 4096),
			ServeCommand: getEnv("AGENT_SERVE_COMMAND", "opencode serve --hostname 0.0.0.0 --port 4096"),
			StartTimeout: getEnvDuration("AGENT_START_TIMEOUT", 30*time.Second),
			CacheSize:    getEnvInt("AGENT_CLIENT_CACHE_SIZE", 64),
			CacheTTL:     getEnvDuration("AGENT_CLIENT_CACHE_TTL", 30*time.Minute),
		},
		Turn: Turn{
			InactivityTimeout: getEnvDuration("TURN_INACTIVITY_TIMEOUT", 120*time.Second),
			HeartbeatEvery:    getEnvDuration("TURN_HEARTBEAT_INTERVAL", 10*time.Second),
			ReplayFrames:      getEnvInt("WS_REPLAY_FRAMES", 64),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("SANDBOX_IMAGE cannot be empty")
	}
	if c.Sandbox.WorkDir == "" {
		return fmt.Errorf("SANDBOX_WORKDIR cannot be empty")
	}
	if c.Agent.Port <= 0 || c.Agent.Port > 65535 {
		return fmt.Errorf("AGENT_PORT must be a valid port, got %d", c.Agent.Port)
	}
	if c.Sandbox.WaitTimeout <= 0 {
		return fmt.Errorf("SANDBOX_WAIT_TIMEOUT must be > 0")
	}
	if c.Sandbox.PollEvery <= 0 {
		return fmt.Errorf("SANDBOX_POLL_INTERVAL must be > 0")
	}
	if c.Turn.InactivityTimeout <= 0 {
		return fmt.Errorf("TURN_INACTIVITY_TIMEOUT must be > 0")
	}
	if c.Turn.HeartbeatEvery <= 0 {
		return fmt.Errorf("TURN_HEARTBEAT_INTERVAL must be > 0")
	}
	if c.Agent.CacheSize <= 0 {
		return fmt.Errorf("AGENT_CLIENT_CACHE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
