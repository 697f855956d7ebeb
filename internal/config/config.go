package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/grouptip/internal/common"
	"github.com/Veraticus/grouptip/internal/model"
	"github.com/spf13/viper"
)

// Config is the typed application configuration.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Server     ServerConfig     `mapstructure:"server"`
	Fees       FeesConfig       `mapstructure:"fees"`
	Tokens     []TokenConfig    `mapstructure:"tokens"`
	Pools      PoolsConfig      `mapstructure:"pools"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Settlement SettlementConfig `mapstructure:"settlement"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DatabaseConfig selects and locates the store.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// NotifyConfig configures post-settlement notification delivery.
type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	// WebhookSecret signs webhook bodies with HMAC-SHA256 when set.
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr       string `mapstructure:"addr"`
	AdminToken string `mapstructure:"admin_token"`
	// TLS serves HTTPS with a self-signed localhost certificate kept in CertDir.
	TLS     bool   `mapstructure:"tls"`
	CertDir string `mapstructure:"cert_dir"`
}

// FeesConfig configures where withheld fees land.
type FeesConfig struct {
	CollectorID string `mapstructure:"collector_id"`
}

// TokenConfig is one entry of the static token registry.
type TokenConfig struct {
	ID             string `mapstructure:"id"`
	Symbol         string `mapstructure:"symbol"`
	Precision      uint8  `mapstructure:"precision"`
	FeeBasisPoints uint16 `mapstructure:"fee_bps"`
	Active         bool   `mapstructure:"active"`
}

// PoolsConfig bounds pool creation.
type PoolsConfig struct {
	// MinAmount is the smallest pool total in display units. Empty allows any
	// positive amount.
	MinAmount   string        `mapstructure:"min_amount"`
	MinDuration time.Duration `mapstructure:"min_duration"`
	MaxDuration time.Duration `mapstructure:"max_duration"`
}

// SchedulerConfig controls the expiry sweep.
type SchedulerConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepBatch    int           `mapstructure:"sweep_batch"`
}

// SettlementConfig controls settlement policy.
type SettlementConfig struct {
	// ResumeAfter is how long a pool may sit in FINALIZING before the sweep
	// resumes its settlement.
	ResumeAfter time.Duration `mapstructure:"resume_after"`
	// RefundFee returns the withheld fee to the funder when nobody claimed.
	RefundFee bool `mapstructure:"refund_fee"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "$HOME/.local/share/grouptip/grouptip.db")
	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.max_attempts", 3)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cert_dir", "$HOME/.config/grouptip/certs")
	v.SetDefault("fees.collector_id", "treasury")
	v.SetDefault("pools.min_duration", time.Minute)
	v.SetDefault("pools.max_duration", 7*24*time.Hour)
	v.SetDefault("scheduler.sweep_interval", time.Minute)
	v.SetDefault("scheduler.sweep_batch", 100)
	v.SetDefault("settlement.resume_after", 2*time.Minute)
	v.SetDefault("settlement.refund_fee", true)
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}

	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Logging.File = ExpandPath(cfg.Logging.File)
	cfg.Server.CertDir = ExpandPath(cfg.Server.CertDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("%w: database.path is required for sqlite", common.ErrMissingConfig)
		}
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("%w: database.dsn is required for postgres", common.ErrMissingConfig)
		}
	default:
		return fmt.Errorf("%w: unknown database.driver %q", common.ErrInvalidConfig, c.Database.Driver)
	}

	if c.Pools.MinDuration <= 0 || c.Pools.MaxDuration < c.Pools.MinDuration {
		return fmt.Errorf("%w: pool duration bounds %s..%s", common.ErrInvalidConfig, c.Pools.MinDuration, c.Pools.MaxDuration)
	}
	if c.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("%w: scheduler.sweep_interval must be positive", common.ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Fees.CollectorID) == "" {
		return fmt.Errorf("%w: fees.collector_id", common.ErrMissingConfig)
	}

	seen := make(map[string]struct{}, len(c.Tokens))
	for _, tok := range c.Tokens {
		if strings.TrimSpace(tok.ID) == "" {
			return fmt.Errorf("%w: token with empty id", common.ErrInvalidConfig)
		}
		if _, dup := seen[tok.ID]; dup {
			return fmt.Errorf("%w: duplicate token %q", common.ErrInvalidConfig, tok.ID)
		}
		seen[tok.ID] = struct{}{}
		if tok.FeeBasisPoints > 10_000 {
			return fmt.Errorf("%w: token %q fee_bps %d exceeds 10000", common.ErrInvalidConfig, tok.ID, tok.FeeBasisPoints)
		}
	}
	return nil
}

// ModelTokens converts the configured tokens to registry entries.
func (c *Config) ModelTokens() []model.Token {
	tokens := make([]model.Token, 0, len(c.Tokens))
	for _, tok := range c.Tokens {
		symbol := tok.Symbol
		if symbol == "" {
			symbol = strings.ToUpper(tok.ID)
		}
		tokens = append(tokens, model.Token{
			ID:             tok.ID,
			Symbol:         symbol,
			Precision:      tok.Precision,
			FeeBasisPoints: tok.FeeBasisPoints,
			Active:         tok.Active,
		})
	}
	return tokens
}
