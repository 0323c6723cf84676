// Package config loads and validates the gateway configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/salonkit/concierge/internal/ratelimit"
)

// Config is the main configuration structure for the concierge gateway.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Telegram  TelegramConfig   `yaml:"telegram"`
	Realtime  RealtimeConfig   `yaml:"realtime"`
	Stream    StreamConfig     `yaml:"stream"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Cache     CacheConfig      `yaml:"cache"`
	Booking   BookingConfig    `yaml:"booking"`
	Profiles  ProfilesConfig   `yaml:"profiles"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the health and metrics HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelegramConfig configures the delivery channel.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	// EditRate is the outbound API budget in calls per second.
	EditRate float64 `yaml:"edit_rate"`
	// EditBurst is the outbound API burst capacity.
	EditBurst int `yaml:"edit_burst"`
}

// RealtimeConfig configures the streaming inference connection pool.
type RealtimeConfig struct {
	URL          string `yaml:"url"`
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	Instructions string `yaml:"instructions"`

	// PoolSize is the number of duplex sessions kept open.
	PoolSize int `yaml:"pool_size"`
	// SessionCapacity is the maximum conversations bound to one session.
	SessionCapacity int `yaml:"session_capacity"`
	// AcquireTimeout bounds how long a turn waits for session capacity.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// ConnectAttempts caps reconnect retries before terminal failure.
	ConnectAttempts int `yaml:"connect_attempts"`

	// PingInterval is the liveness probe period.
	PingInterval time.Duration `yaml:"ping_interval"`
	// PingBaseTimeout is the probe timeout with a clean failure history.
	PingBaseTimeout time.Duration `yaml:"ping_base_timeout"`
	// PingMaxTimeout caps the adaptive probe timeout.
	PingMaxTimeout time.Duration `yaml:"ping_max_timeout"`
	// PingGrowthFactor widens the timeout per accumulated failure.
	PingGrowthFactor float64 `yaml:"ping_growth_factor"`

	// FailureThreshold opens a session's circuit breaker.
	FailureThreshold int `yaml:"failure_threshold"`
	// RecoveryTimeout is the circuit cooldown before reconnecting.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`

	// CleanupInterval drives the pool's periodic sweep.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// DeepCleanupInterval drives the pool's deep sweep.
	DeepCleanupInterval time.Duration `yaml:"deep_cleanup_interval"`

	// FirstEventTimeout cancels a turn that produced no events at all.
	FirstEventTimeout time.Duration `yaml:"first_event_timeout"`
}

// StreamConfig configures response relay behavior.
type StreamConfig struct {
	// EditInterval is the minimum spacing between streamed message edits.
	EditInterval time.Duration `yaml:"edit_interval"`
}

// CacheConfig holds per-operation reference data TTLs.
type CacheConfig struct {
	ServicesTTL   time.Duration `yaml:"services_ttl"`
	StaffTTL      time.Duration `yaml:"staff_ttl"`
	SlotsTTL      time.Duration `yaml:"slots_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// BookingConfig configures the external scheduling service client.
type BookingConfig struct {
	BaseURL      string        `yaml:"base_url"`
	CompanyID    int64         `yaml:"company_id"`
	PartnerToken string        `yaml:"partner_token"`
	UserToken    string        `yaml:"user_token"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ProfilesConfig configures the user profile store.
type ProfilesConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the configuration file, expands environment variables, and
// applies defaults. Validation is the caller's next step.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Telegram.EditRate == 0 {
		cfg.Telegram.EditRate = 25 // Telegram allows ~30 calls/s per bot
	}
	if cfg.Telegram.EditBurst == 0 {
		cfg.Telegram.EditBurst = 10
	}

	rt := &cfg.Realtime
	if rt.PoolSize == 0 {
		rt.PoolSize = 3
	}
	if rt.SessionCapacity == 0 {
		rt.SessionCapacity = 20
	}
	if rt.AcquireTimeout == 0 {
		rt.AcquireTimeout = 10 * time.Second
	}
	if rt.ConnectAttempts == 0 {
		rt.ConnectAttempts = 10
	}
	if rt.PingInterval == 0 {
		rt.PingInterval = 20 * time.Second
	}
	if rt.PingBaseTimeout == 0 {
		rt.PingBaseTimeout = 5 * time.Second
	}
	if rt.PingMaxTimeout == 0 {
		rt.PingMaxTimeout = 30 * time.Second
	}
	if rt.PingGrowthFactor == 0 {
		rt.PingGrowthFactor = 0.5
	}
	if rt.FailureThreshold == 0 {
		rt.FailureThreshold = 5
	}
	if rt.RecoveryTimeout == 0 {
		rt.RecoveryTimeout = 30 * time.Second
	}
	if rt.CleanupInterval == 0 {
		rt.CleanupInterval = time.Minute
	}
	if rt.DeepCleanupInterval == 0 {
		rt.DeepCleanupInterval = 10 * time.Minute
	}
	if rt.FirstEventTimeout == 0 {
		rt.FirstEventTimeout = 20 * time.Second
	}

	if cfg.Stream.EditInterval == 0 {
		cfg.Stream.EditInterval = 700 * time.Millisecond
	}

	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = ratelimit.DefaultConfig().Requests
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = ratelimit.DefaultConfig().Window
	}

	if cfg.Cache.ServicesTTL == 0 {
		cfg.Cache.ServicesTTL = time.Hour
	}
	if cfg.Cache.StaffTTL == 0 {
		cfg.Cache.StaffTTL = time.Hour
	}
	if cfg.Cache.SlotsTTL == 0 {
		cfg.Cache.SlotsTTL = 2 * time.Minute
	}
	if cfg.Cache.SweepInterval == 0 {
		cfg.Cache.SweepInterval = 5 * time.Minute
	}

	if cfg.Booking.Timeout == 0 {
		cfg.Booking.Timeout = 15 * time.Second
	}

	if cfg.Profiles.Path == "" {
		cfg.Profiles.Path = "concierge.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects configurations the process cannot start with. Missing
// credentials are fatal here rather than at first use.
func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if c.Realtime.URL == "" {
		return fmt.Errorf("realtime.url is required")
	}
	if c.Realtime.APIKey == "" {
		return fmt.Errorf("realtime.api_key is required")
	}
	if c.Booking.BaseURL == "" {
		return fmt.Errorf("booking.base_url is required")
	}
	if c.Booking.PartnerToken == "" {
		return fmt.Errorf("booking.partner_token is required")
	}
	if c.Booking.CompanyID == 0 {
		return fmt.Errorf("booking.company_id is required")
	}
	if c.Realtime.PoolSize < 1 || c.Realtime.PoolSize > 10 {
		return fmt.Errorf("realtime.pool_size must be between 1 and 10, got %d", c.Realtime.PoolSize)
	}
	if c.Realtime.SessionCapacity < 1 {
		return fmt.Errorf("realtime.session_capacity must be positive")
	}
	if c.Realtime.PingBaseTimeout > c.Realtime.PingMaxTimeout {
		return fmt.Errorf("realtime.ping_base_timeout exceeds ping_max_timeout")
	}
	return nil
}
