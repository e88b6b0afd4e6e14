// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/phrazzld/gitpulse-sub011/internal/auth"
	"github.com/phrazzld/gitpulse-sub011/internal/batch"
	"github.com/phrazzld/gitpulse-sub011/internal/progressive"
	"github.com/phrazzld/gitpulse-sub011/internal/ratelimit"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel string `mapstructure:"LOG_LEVEL"`
	HTTPAddr string `mapstructure:"HTTP_ADDR"`

	GithubAPIURL            string `mapstructure:"GITHUB_API_URL"`
	GithubAppID             int64  `mapstructure:"GITHUB_APP_ID"`
	GithubAppPrivateKey     string `mapstructure:"GITHUB_APP_PRIVATE_KEY"`
	GithubAppPrivateKeyPath string `mapstructure:"GITHUB_APP_PRIVATE_KEY_PATH"`

	BatchSize        int `mapstructure:"BATCH_SIZE"`
	BatchConcurrency int `mapstructure:"BATCH_CONCURRENCY"`

	InitialPageLimit     int `mapstructure:"INITIAL_PAGE_LIMIT"`
	IncrementalPageLimit int `mapstructure:"INCREMENTAL_PAGE_LIMIT"`

	RateLimitLowWater        float64       `mapstructure:"RATE_LIMIT_LOW_WATER"`
	RateLimitMinWait         time.Duration `mapstructure:"RATE_LIMIT_MIN_WAIT"`
	RateLimitRefreshInterval time.Duration `mapstructure:"RATE_LIMIT_REFRESH_INTERVAL"`
	RateLimitRPS             float64       `mapstructure:"RATE_LIMIT_RPS"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	// DisableSideEffects skips the identity call during credential resolution.
	// Meant for running against recorded fixtures.
	DisableSideEffects bool `mapstructure:"DISABLE_SIDE_EFFECTS"`

	// PrivateKey is the PEM loaded from GITHUB_APP_PRIVATE_KEY or the file
	// at GITHUB_APP_PRIVATE_KEY_PATH.
	PrivateKey []byte `mapstructure:"-"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Load from .env file if it exists
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // Ignore error if file not found

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return LoadConfigFrom(v)
}

// LoadConfigFrom applies defaults to v, decodes it and validates the result.
func LoadConfigFrom(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}

	key, err := loadPrivateKey(cfg.GithubAppPrivateKey, cfg.GithubAppPrivateKeyPath)
	if err != nil {
		return nil, err
	}
	cfg.PrivateKey = key

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	policy := ratelimit.DefaultPolicy()
	limits := progressive.DefaultLimits()

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GITHUB_API_URL", "")
	v.SetDefault("GITHUB_APP_ID", 0)
	v.SetDefault("GITHUB_APP_PRIVATE_KEY", "")
	v.SetDefault("GITHUB_APP_PRIVATE_KEY_PATH", "")
	v.SetDefault("BATCH_SIZE", batch.DefaultBatchSize)
	v.SetDefault("BATCH_CONCURRENCY", batch.DefaultConcurrency)
	v.SetDefault("INITIAL_PAGE_LIMIT", limits.Initial)
	v.SetDefault("INCREMENTAL_PAGE_LIMIT", limits.Incremental)
	v.SetDefault("RATE_LIMIT_LOW_WATER", policy.LowWaterFraction)
	v.SetDefault("RATE_LIMIT_MIN_WAIT", policy.MinWait.String())
	v.SetDefault("RATE_LIMIT_REFRESH_INTERVAL", policy.RefreshInterval.String())
	v.SetDefault("RATE_LIMIT_RPS", policy.RequestsPerSecond)
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("DISABLE_SIDE_EFFECTS", false)
}

func loadPrivateKey(inline, path string) ([]byte, error) {
	if inline != "" {
		// Single-line env values carry escaped newlines.
		return []byte(strings.ReplaceAll(inline, `\n`, "\n")), nil
	}
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read GITHUB_APP_PRIVATE_KEY_PATH: %w", err)
	}
	return data, nil
}

func (c *Config) validate() error {
	if c.GithubAppID < 0 {
		return errors.New("GITHUB_APP_ID must not be negative")
	}
	if (c.GithubAppID != 0) != (len(c.PrivateKey) > 0) {
		return errors.New("GITHUB_APP_ID and a private key must be configured together")
	}
	if c.BatchSize < 1 || c.BatchConcurrency < 1 {
		return errors.New("BATCH_SIZE and BATCH_CONCURRENCY must be positive")
	}
	if c.InitialPageLimit < 1 || c.InitialPageLimit > 100 || c.IncrementalPageLimit < 1 || c.IncrementalPageLimit > 100 {
		return errors.New("page limits must be between 1 and 100")
	}
	if c.RateLimitLowWater < 0 || c.RateLimitLowWater >= 1 {
		return errors.New("RATE_LIMIT_LOW_WATER must be in [0, 1)")
	}
	if c.RateLimitRPS < 0 {
		return errors.New("RATE_LIMIT_RPS must not be negative")
	}
	return nil
}

// AppCredentials returns the GitHub App identity, empty when not configured.
func (c *Config) AppCredentials() auth.AppCredentials {
	return auth.AppCredentials{AppID: c.GithubAppID, PrivateKey: c.PrivateKey}
}

// RateLimitPolicy returns the guard policy.
func (c *Config) RateLimitPolicy() ratelimit.Policy {
	p := ratelimit.DefaultPolicy()
	p.LowWaterFraction = c.RateLimitLowWater
	p.MinWait = c.RateLimitMinWait
	p.RefreshInterval = c.RateLimitRefreshInterval
	p.RequestsPerSecond = c.RateLimitRPS
	if c.RateLimitRPS > 0 {
		p.Burst = max(1, int(c.RateLimitRPS))
	}
	return p
}

// BatchOptions returns the fan-out bounds.
func (c *Config) BatchOptions() batch.Options {
	return batch.Options{BatchSize: c.BatchSize, Concurrency: c.BatchConcurrency}
}

// PageLimits returns the progressive loading page sizes.
func (c *Config) PageLimits() progressive.Limits {
	return progressive.Limits{Initial: c.InitialPageLimit, Incremental: c.IncrementalPageLimit}
}
