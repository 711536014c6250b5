package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	GatewayURL  string `env:"GATEWAY_URL" envDefault:"ws://localhost:9090/gateway"`
	AuthDir     string `env:"AUTH_DIR" envDefault:"./wa-auth"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	MaxRetryAttempts  int `env:"MAX_RETRY_ATTEMPTS" envDefault:"3"`
	RetryDelaySeconds int `env:"RETRY_DELAY_SECONDS" envDefault:"5"`

	RateLimitWindowMinutes int `env:"RATE_LIMIT_WINDOW_MINUTES" envDefault:"15"`
	RateLimitMaxRequests   int `env:"RATE_LIMIT_MAX_REQUESTS" envDefault:"10"`

	SessionRetentionHours int `env:"SESSION_RETENTION_HOURS" envDefault:"24"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMinutes) * time.Minute
}

func (c *Config) SessionRetention() time.Duration {
	return time.Duration(c.SessionRetentionHours) * time.Hour
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
