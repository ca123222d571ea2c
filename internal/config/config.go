package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	TxMaxRetries       int           `mapstructure:"TX_MAX_RETRIES"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	LockTTL            time.Duration `mapstructure:"LOCK_TTL"`
	LockWait           time.Duration `mapstructure:"LOCK_WAIT"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	CycleSweepEnabled  bool          `mapstructure:"CYCLE_SWEEP_ENABLED"`
	CycleSweepInterval time.Duration `mapstructure:"CYCLE_SWEEP_INTERVAL"`
	NoteTypeCacheTTL   time.Duration `mapstructure:"NOTE_TYPE_CACHE_TTL"`
	MetricsNamespace   string        `mapstructure:"METRICS_NAMESPACE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "TX_MAX_RETRIES",
	"REDIS_URL", "LOCK_TTL", "LOCK_WAIT",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"CYCLE_SWEEP_ENABLED", "CYCLE_SWEEP_INTERVAL", "NOTE_TYPE_CACHE_TTL", "METRICS_NAMESPACE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("TX_MAX_RETRIES", 3)
	v.SetDefault("LOCK_TTL", "10s")
	v.SetDefault("LOCK_WAIT", "2s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("CYCLE_SWEEP_ENABLED", true)
	v.SetDefault("CYCLE_SWEEP_INTERVAL", "1h")
	v.SetDefault("NOTE_TYPE_CACHE_TTL", "5m")
	v.SetDefault("METRICS_NAMESPACE", "dialysis")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks settings that Load cannot default safely.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.TxMaxRetries < 0 {
		return fmt.Errorf("TX_MAX_RETRIES must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"LOCK_TTL":             c.LockTTL,
		"REQUEST_TIMEOUT":      c.RequestTimeout,
		"CYCLE_SWEEP_INTERVAL": c.CycleSweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.LockWait < 0 {
		return fmt.Errorf("LOCK_WAIT must not be negative")
	}
	return nil
}
