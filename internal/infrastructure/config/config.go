package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Logging      LogConfig
	Orchestrator OrchestratorConfig
	Timer        TimerConfig
	Watchdog     WatchdogConfig
	Network      NetworkConfig
	Content      ContentConfig
	Sandbox      SandboxConfig
	RateLimit    RateLimitConfig
}

// ServerConfig holds the embedder API configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	// CORSOrigins is a comma separated list of allowed origins.
	CORSOrigins     []string      `envconfig:"CORS_ORIGINS" default:"*"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// OrchestratorConfig controls the reactor and the session bookkeeping it owns.
type OrchestratorConfig struct {
	// InboxSize is the buffer of each inbound channel.
	InboxSize int `envconfig:"ORCH_INBOX_SIZE" default:"256"`
	// MaxFrozenPipelines bounds how many navigated-away documents one tab keeps
	// alive for instant traversal. Older ones are discarded and reloaded.
	MaxFrozenPipelines int `envconfig:"ORCH_MAX_FROZEN" default:"8"`
	// EventLoopPolicy is one of "same-site", "per-tab", "dedicated".
	EventLoopPolicy string `envconfig:"ORCH_EVENT_LOOP_POLICY" default:"same-site"`
	// CheckInvariants verifies tree and history bookkeeping after every message.
	CheckInvariants bool `envconfig:"ORCH_CHECK_INVARIANTS" default:"true"`
	ViewportWidth   int  `envconfig:"ORCH_VIEWPORT_WIDTH" default:"1024"`
	ViewportHeight  int  `envconfig:"ORCH_VIEWPORT_HEIGHT" default:"768"`
}

// TimerConfig holds timer scheduler limits.
type TimerConfig struct {
	MaxPerPipeline      int           `envconfig:"TIMER_MAX_PER_PIPELINE" default:"1024"`
	MinPeriodicInterval time.Duration `envconfig:"TIMER_MIN_INTERVAL" default:"4ms"`
}

// WatchdogConfig holds hang monitor configuration.
type WatchdogConfig struct {
	Enabled       bool          `envconfig:"WATCHDOG_ENABLED" default:"true"`
	Interval      time.Duration `envconfig:"WATCHDOG_INTERVAL" default:"1s"`
	HangThreshold time.Duration `envconfig:"WATCHDOG_HANG_THRESHOLD" default:"10s"`
	TerminateHung bool          `envconfig:"WATCHDOG_TERMINATE_HUNG" default:"false"`
}

// NetworkConfig holds fetcher configuration for the network event bridge.
type NetworkConfig struct {
	Timeout          time.Duration `envconfig:"NET_TIMEOUT" default:"30s"`
	MaxRedirects     int           `envconfig:"NET_MAX_REDIRECTS" default:"10"`
	RetryMax         int           `envconfig:"NET_RETRY_MAX" default:"2"`
	UserAgent        string        `envconfig:"NET_USER_AGENT" default:"Constellation/1.0"`
	BreakerFailures  uint32        `envconfig:"NET_BREAKER_FAILURES" default:"5"`
	BreakerOpenDelay time.Duration `envconfig:"NET_BREAKER_TIMEOUT" default:"30s"`
	// RequestsPerSecond caps outgoing fetches. Zero means unlimited.
	RequestsPerSecond float64 `envconfig:"NET_RPS" default:"0"`
}

// ContentConfig holds in-process content event loop limits.
type ContentConfig struct {
	ScriptTimeout     time.Duration `envconfig:"CONTENT_SCRIPT_TIMEOUT" default:"5s"`
	HeartbeatInterval time.Duration `envconfig:"CONTENT_HEARTBEAT" default:"250ms"`
	InboxSize         int           `envconfig:"CONTENT_INBOX_SIZE" default:"1024"`
}

// SandboxConfig selects the sandbox profile handed to content processes.
type SandboxConfig struct {
	// Platform overrides runtime.GOOS when non-empty.
	Platform string `envconfig:"SANDBOX_PLATFORM"`
	// ProfilePath points at a YAML file that replaces the built-in profiles.
	ProfilePath string `envconfig:"SANDBOX_PROFILE_PATH"`
}

// RateLimitConfig holds embedder API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate rejects values the orchestrator cannot run with.
func (c *Config) Validate() error {
	switch c.Orchestrator.EventLoopPolicy {
	case "same-site", "per-tab", "dedicated":
	default:
		return fmt.Errorf("unknown event loop policy %q", c.Orchestrator.EventLoopPolicy)
	}
	if c.Orchestrator.InboxSize <= 0 {
		return fmt.Errorf("inbox size must be positive, got %d", c.Orchestrator.InboxSize)
	}
	if c.Orchestrator.MaxFrozenPipelines < 0 {
		return fmt.Errorf("max frozen pipelines must not be negative, got %d", c.Orchestrator.MaxFrozenPipelines)
	}
	if c.Content.HeartbeatInterval <= 0 {
		return fmt.Errorf("content heartbeat interval must be positive, got %s", c.Content.HeartbeatInterval)
	}
	if c.Watchdog.Enabled && c.Watchdog.Interval <= 0 {
		return fmt.Errorf("watchdog interval must be positive, got %s", c.Watchdog.Interval)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "0.0.0.0",
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Orchestrator: OrchestratorConfig{
			InboxSize:          256,
			MaxFrozenPipelines: 8,
			EventLoopPolicy:    "same-site",
			CheckInvariants:    true,
			ViewportWidth:      1024,
			ViewportHeight:     768,
		},
		Timer: TimerConfig{
			MaxPerPipeline:      1024,
			MinPeriodicInterval: 4 * time.Millisecond,
		},
		Watchdog: WatchdogConfig{
			Enabled:       true,
			Interval:      time.Second,
			HangThreshold: 10 * time.Second,
			TerminateHung: false,
		},
		Network: NetworkConfig{
			Timeout:          30 * time.Second,
			MaxRedirects:     10,
			RetryMax:         2,
			UserAgent:        "Constellation/1.0",
			BreakerFailures:  5,
			BreakerOpenDelay: 30 * time.Second,
		},
		Content: ContentConfig{
			ScriptTimeout:     5 * time.Second,
			HeartbeatInterval: 250 * time.Millisecond,
			InboxSize:         1024,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
