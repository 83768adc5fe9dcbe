// Package shield provides the HTTP middleware in front of the dipcrawl API:
// security headers, a JSON body limit and per-client rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack(cfg, logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"log/slog"
	"net/http"
)

// Config tunes the API stack.
type Config struct {
	// MaxBody bounds request bodies in bytes. Default: 4 MiB.
	MaxBody int64 `yaml:"max_body"`
	// RatePerSecond is the sustained request rate allowed per client IP.
	// Zero disables rate limiting.
	RatePerSecond float64 `yaml:"rate_per_second"`
	// Burst is the bucket size per client. Default: 2 x rate, at least 1.
	Burst int `yaml:"burst"`
	// Exclude lists path prefixes exempt from rate limiting.
	Exclude []string `yaml:"exclude"`
}

func (c *Config) defaults() {
	if c.MaxBody <= 0 {
		c.MaxBody = 4 << 20
	}
	if c.Burst <= 0 {
		c.Burst = max(int(2*c.RatePerSecond), 1)
	}
	if c.Exclude == nil {
		c.Exclude = []string{"/health"}
	}
}

// APIStack returns the middleware stack for the JSON API, outermost first:
// SecurityHeaders, MaxBody, then the rate limiter when enabled.
func APIStack(cfg Config, logger *slog.Logger) []func(http.Handler) http.Handler {
	cfg.defaults()
	stack := []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxBody(cfg.MaxBody),
	}
	if cfg.RatePerSecond > 0 {
		stack = append(stack, NewRateLimiter(cfg, logger).Middleware)
	}
	return stack
}
