// Package config loads client settings from the environment, an optional
// .env file, and command-line flags, in increasing order of precedence.
package config

import (
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the client configuration.
type Config struct {
	APIBaseURL       string        `env:"MEETUP_API_BASE_URL"        envDefault:"http://localhost:8080"`
	RequestTimeout   time.Duration `env:"MEETUP_REQUEST_TIMEOUT"     envDefault:"15s"`
	StatePath        string        `env:"MEETUP_STATE_PATH"          envDefault:"./data/meetup-client.db"`
	PollInterval     time.Duration `env:"MEETUP_POLL_INTERVAL"       envDefault:"30s"`
	FeedPollInterval time.Duration `env:"MEETUP_FEED_POLL_INTERVAL"  envDefault:"60s"`
	PublicRoutes     []string      `env:"MEETUP_PUBLIC_ROUTES"       envDefault:"/,/login,/register,/events" envSeparator:","`

	Email    string `env:"MEETUP_EMAIL"`
	Password string `env:"MEETUP_PASSWORD"`

	PreserveSessionOnOffline bool `env:"MEETUP_PRESERVE_SESSION_ON_OFFLINE"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisChannel  string `env:"REDIS_CHANNEL" envDefault:"meetup:invalidate"`

	PushEnabled bool `env:"PUSH_ENABLED"`

	// Demo runs against an in-process fake API. Flag only.
	Demo bool
}

// ParseConfig reads .env (if present), the environment and then flags.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.APIBaseURL, "api", cfg.APIBaseURL, "remote API base URL")
	fs.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "per-request timeout")
	fs.StringVar(&cfg.StatePath, "state", cfg.StatePath, "path of the local state database")
	fs.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "pending-work refresh interval")
	fs.DurationVar(&cfg.FeedPollInterval, "feed-poll", cfg.FeedPollInterval, "feed refresh interval")
	fs.StringVar(&cfg.Email, "email", cfg.Email, "sign in with this email")
	fs.BoolVar(&cfg.PushEnabled, "push", cfg.PushEnabled, "listen for server push invalidations")
	fs.BoolVar(&cfg.Demo, "demo", cfg.Demo, "run against an in-process fake API")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.PublicRoutes = cleanRoutes(cfg.PublicRoutes)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that the environment parser cannot.
func (c Config) Validate() error {
	if !c.Demo {
		u, err := url.Parse(c.APIBaseURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("invalid MEETUP_API_BASE_URL %q", c.APIBaseURL)
		}
	}
	if strings.TrimSpace(c.StatePath) == "" {
		return fmt.Errorf("MEETUP_STATE_PATH is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("MEETUP_REQUEST_TIMEOUT must be positive")
	}
	if c.PollInterval <= 0 || c.FeedPollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.Email != "" && c.Password == "" {
		return fmt.Errorf("MEETUP_PASSWORD is required with MEETUP_EMAIL")
	}
	return nil
}

func cleanRoutes(routes []string) []string {
	out := make([]string, 0, len(routes))
	for _, r := range routes {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
