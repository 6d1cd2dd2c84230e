package httpfetch

import (
	"time"

	"github.com/NamanBalaji/piecework/internal/config"
)

type ConfigOption func(*Config)

type Config struct {
	Connections int
	Headers     map[string]string
	MaxRetries  int
	RetryDelay  time.Duration
	BufferSize  int
	// RateLimit caps the combined read rate in bytes per second. Zero means unlimited.
	RateLimit int64
}

func defaultConfig() *Config {
	return &Config{
		Connections: 5,
		Headers:     make(map[string]string),
		MaxRetries:  3,
		RetryDelay:  2 * time.Second,
		BufferSize:  32 * 1024,
	}
}

// FromConfig maps the http section of the configuration file onto options.
func FromConfig(cfg *config.HttpConfig) []ConfigOption {
	if cfg == nil {
		return nil
	}

	return []ConfigOption{
		WithConnections(cfg.Split),
		WithMaxRetries(cfg.MaxRetries),
		WithRetryDelay(cfg.RetryDelay),
		WithRateLimit(int64(cfg.RateLimit.Bytes())),
	}
}

func WithConnections(connections int) ConfigOption {
	return func(cfg *Config) {
		if connections > 0 {
			cfg.Connections = connections
		}
	}
}

func WithHeaders(headers map[string]string) ConfigOption {
	return func(cfg *Config) {
		cfg.Headers = headers
	}
}

func WithMaxRetries(maxRetries int) ConfigOption {
	return func(cfg *Config) {
		if maxRetries >= 0 {
			cfg.MaxRetries = maxRetries
		}
	}
}

func WithRetryDelay(retryDelay time.Duration) ConfigOption {
	return func(cfg *Config) {
		if retryDelay > 0 {
			cfg.RetryDelay = retryDelay
		}
	}
}

func WithBufferSize(size int) ConfigOption {
	return func(cfg *Config) {
		if size > 0 {
			cfg.BufferSize = size
		}
	}
}

func WithRateLimit(bytesPerSecond int64) ConfigOption {
	return func(cfg *Config) {
		cfg.RateLimit = max(bytesPerSecond, 0)
	}
}
