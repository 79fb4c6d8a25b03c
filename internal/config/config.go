package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Config represents the gateway hub configuration
type Config struct {
	Port        int    `json:"port"`
	InstanceID  string `json:"instance_id,omitempty"` // generated if empty
	PublicURL   string `json:"public_url,omitempty"`  // base URL clients use to reach this fleet
	DataDir     string `json:"data_dir,omitempty"`
	SecretsFile string `json:"secrets_file,omitempty"`

	Database     DatabaseConfig     `json:"database"`
	Cluster      ClusterConfig      `json:"cluster"`
	Gateway      GatewayConfig      `json:"gateway"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	RateLimiting RateLimitingConfig `json:"rateLimiting,omitempty"`
	Debug        DebugConfig        `json:"debug,omitempty"`
}

// DatabaseConfig contains device registry database settings
type DatabaseConfig struct {
	Path string `json:"path"`
}

// ClusterConfig contains the shared-state settings used when running more
// than one gateway instance. When Enabled is false the hub runs single-node
// with in-process presence and dispatch state.
type ClusterConfig struct {
	Enabled bool   `json:"enabled"`
	NATSURL string `json:"nats_url,omitempty"` // e.g. nats://127.0.0.1:4222
}

// GatewayConfig contains connection lifecycle settings
type GatewayConfig struct {
	HeartbeatIntervalSeconds  int `json:"heartbeat_interval_seconds,omitempty"`  // default 30
	RegistrationWindowSeconds int `json:"registration_window_seconds,omitempty"` // default 15
	SessionTTLHours           int `json:"session_ttl_hours,omitempty"`           // default 720 (30 days)
}

// HeartbeatInterval returns the client heartbeat interval.
func (g GatewayConfig) HeartbeatInterval() time.Duration {
	if g.HeartbeatIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(g.HeartbeatIntervalSeconds) * time.Second
}

// RegistrationWindow returns how long an unregistered socket may stay open.
func (g GatewayConfig) RegistrationWindow() time.Duration {
	if g.RegistrationWindowSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(g.RegistrationWindowSeconds) * time.Second
}

// SessionTTL returns the session token lifetime.
func (g GatewayConfig) SessionTTL() time.Duration {
	if g.SessionTTLHours <= 0 {
		return 720 * time.Hour
	}
	return time.Duration(g.SessionTTLHours) * time.Hour
}

// DispatchConfig contains dispatch queue settings
type DispatchConfig struct {
	DefaultTimeoutMs  int64  `json:"default_timeout_ms,omitempty"`  // default 30000
	RetentionSeconds  int    `json:"retention_seconds,omitempty"`   // resolved-request retention, default 300
	SweepIntervalMs   int64  `json:"sweep_interval_ms,omitempty"`   // deadline sweeper period, default 1000
	MaxPendingPerInst int    `json:"max_pending,omitempty"`         // back-pressure bound, default 1000
	StatsRolloverCron string `json:"stats_rollover_cron,omitempty"` // default "0 * * * *" (hourly)
}

// DefaultTimeout returns the timeout applied when a caller passes none.
func (d DispatchConfig) DefaultTimeout() time.Duration {
	if d.DefaultTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.DefaultTimeoutMs) * time.Millisecond
}

// Retention returns how long resolved requests are kept for duplicate
// detection before being purged.
func (d DispatchConfig) Retention() time.Duration {
	if d.RetentionSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(d.RetentionSeconds) * time.Second
}

// SweepInterval returns the deadline sweeper period.
func (d DispatchConfig) SweepInterval() time.Duration {
	if d.SweepIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(d.SweepIntervalMs) * time.Millisecond
}

// MaxPending returns the per-instance bound on outstanding requests.
func (d DispatchConfig) MaxPending() int {
	if d.MaxPendingPerInst <= 0 {
		return 1000
	}
	return d.MaxPendingPerInst
}

// RolloverCron returns the cron spec for the hourly stats rollover.
func (d DispatchConfig) RolloverCron() string {
	if d.StatsRolloverCron == "" {
		return "0 * * * *"
	}
	return d.StatsRolloverCron
}

// RateLimitingConfig contains rate limiting settings for the REST surface
type RateLimitingConfig struct {
	Enabled                bool                `json:"enabled"`
	Anonymous              RateLimitTierConfig `json:"anonymous"`
	Authenticated          RateLimitTierConfig `json:"authenticated"`
	CleanupIntervalSeconds int                 `json:"cleanupIntervalSeconds"`
}

// RateLimitTierConfig defines rate limiting for a specific tier
type RateLimitTierConfig struct {
	WindowSeconds int `json:"windowSeconds"`
	MaxRequests   int `json:"maxRequests"`
}

// DebugConfig contains debugging and logging settings
type DebugConfig struct {
	LogFrameContent bool `json:"log_frame_content,omitempty"` // Enable logging of frame payloads (privacy risk!)
	VerboseLogging  bool `json:"verbose_logging,omitempty"`
}

// Default returns a default configuration
func Default() *Config {
	return &Config{
		Port: 18790,
		Database: DatabaseConfig{
			Path: "hub.db",
		},
		Cluster: ClusterConfig{
			Enabled: false,
			NATSURL: "${VALET_NATS_URL}",
		},
		Gateway: GatewayConfig{
			HeartbeatIntervalSeconds:  30,
			RegistrationWindowSeconds: 15,
			SessionTTLHours:           720,
		},
		Dispatch: DispatchConfig{
			DefaultTimeoutMs: 30000,
			RetentionSeconds: 300,
		},
		RateLimiting: RateLimitingConfig{
			Enabled: true,
			Anonymous: RateLimitTierConfig{
				WindowSeconds: 60,
				MaxRequests:   60,
			},
			Authenticated: RateLimitTierConfig{
				WindowSeconds: 60,
				MaxRequests:   600,
			},
			CleanupIntervalSeconds: 300,
		},
	}
}

// Load loads configuration from a file, creating a default one if missing.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.ensureInstanceID()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		fmt.Printf("Created default configuration at %s\n", path)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnvVars()
	cfg.ensureInstanceID()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for obvious mistakes
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Cluster.Enabled && c.Cluster.NATSURL == "" {
		return fmt.Errorf("cluster mode requires nats_url")
	}
	return nil
}

// expandEnvVars expands ${ENV_VAR} placeholders in configuration values
func (c *Config) expandEnvVars() {
	c.DataDir = os.ExpandEnv(c.DataDir)
	c.SecretsFile = os.ExpandEnv(c.SecretsFile)
	c.PublicURL = os.ExpandEnv(c.PublicURL)
	c.Database.Path = os.ExpandEnv(c.Database.Path)
	c.Cluster.NATSURL = os.ExpandEnv(c.Cluster.NATSURL)
}

// ensureInstanceID assigns a stable random instance id when none is
// configured. Every instance in a fleet must have a distinct id; presence
// routing depends on it.
func (c *Config) ensureInstanceID() {
	if c.InstanceID == "" {
		c.InstanceID = "inst_" + uuid.New().String()[:8]
	}
}
