// Package profile is the Domain Intelligence Profile store: one versioned
// record per registrable domain holding what worked last time, with pure
// policy functions deciding how an outcome changes it.
package profile

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/hazyhaar/dipcrawl/crawler/internal/classify"
	"github.com/hazyhaar/dipcrawl/crawler/internal/robots"
)

// Strategy is a retrieval strategy. Constants are declared in cost order.
type Strategy string

const (
	FetchOnly       Strategy = "fetch_only"
	JSONEndpoint    Strategy = "json_endpoint"
	FetchThenRender Strategy = "fetch_then_render"
	RenderAlways    Strategy = "render_always"
)

// Cost ranks strategies; unknown strategies rank as fetch_only.
func (s Strategy) Cost() int {
	switch s {
	case JSONEndpoint:
		return 1
	case FetchThenRender:
		return 2
	case RenderAlways:
		return 3
	}
	return 0
}

// ParseStrategy validates s.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case FetchOnly, JSONEndpoint, FetchThenRender, RenderAlways:
		return st, nil
	}
	return "", fmt.Errorf("profile: unknown strategy %q", s)
}

// Endpoint is a JSON endpoint discovered while rendering a page. PagePattern
// is a path glob on the page URL ("/articles/*"); EndpointTemplate is the
// endpoint URL where {1}, {2}... stand for the segments matched by the
// pattern's wildcards.
type Endpoint struct {
	PagePattern      string    `json:"page_pattern"`
	EndpointTemplate string    `json:"endpoint_template"`
	ContentType      string    `json:"content_type"`
	ShapeKeys        []string  `json:"shape_keys,omitempty"`
	Hits             int       `json:"hits"`
	Failures         int       `json:"failures"`
	LastSeenAt       time.Time `json:"last_seen_at"`
}

// Resolve returns the endpoint URL for pageURL's path, or false when the
// pattern does not match.
func (e Endpoint) Resolve(pagePath string) (string, bool) {
	if ok, _ := path.Match(e.PagePattern, pagePath); !ok {
		return "", false
	}
	pat := strings.Split(strings.Trim(e.PagePattern, "/"), "/")
	segs := strings.Split(strings.Trim(pagePath, "/"), "/")
	out := e.EndpointTemplate
	n := 0
	for i, p := range pat {
		if i >= len(segs) || !strings.ContainsAny(p, "*?[") {
			continue
		}
		n++
		out = strings.ReplaceAll(out, fmt.Sprintf("{%d}", n), segs[i])
	}
	return out, true
}

// Cooldown reasons.
const (
	CooldownChallenge      = "challenge"
	CooldownRenderFailures = "render_failures"
)

// RateLimit is the learned politeness setting of a domain.
type RateLimit struct {
	MaxConcurrent   int           `json:"max_concurrent"`
	MinInterval     time.Duration `json:"min_interval"`
	LastThrottledAt time.Time     `json:"last_throttled_at,omitempty"`
}

// Stats are the rolling counters of a domain.
type Stats struct {
	Successes                   int64                `json:"successes"`
	Failures                    map[string]int64     `json:"failures,omitempty"`
	Unchanged                   int64                `json:"unchanged"`
	AvgLatencyMs                map[Strategy]float64 `json:"avg_latency_ms,omitempty"`
	RenderInvocations           int64                `json:"render_invocations"`
	NeedsRenderObservations     int64                `json:"needs_render_observations"`
	ConsecutiveNeedsRender      int                  `json:"consecutive_needs_render"`
	ConsecutiveCheaperSuccesses int                  `json:"consecutive_cheaper_successes"`
	CheaperStrategy             Strategy             `json:"cheaper_strategy,omitempty"`
	ConsecutiveRenderFailures   int                  `json:"consecutive_render_failures"`
	ConsecutiveFailures         int                  `json:"consecutive_failures"`
}

// Validator is the last seen ETag/Last-Modified pair of one URL.
type Validator struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	SeenAt       time.Time `json:"seen_at"`
}

// Profile is the Domain Intelligence Profile of one registrable domain.
type Profile struct {
	Domain             string          `json:"domain"`
	PreferredStrategy  Strategy        `json:"preferred_strategy"`
	KnownJSONEndpoints []Endpoint      `json:"known_json_endpoints,omitempty"`
	Robots             *robots.Rules   `json:"robots_rules,omitempty"`
	RateLimit          RateLimit       `json:"rate_limit"`
	FingerprintHints   []classify.Hint `json:"fingerprint_hints,omitempty"`
	Stats              Stats           `json:"stats"`
	SupportsHead       bool            `json:"supports_head"`
	WaitSelector       string          `json:"wait_selector,omitempty"`
	Validators         []Validator     `json:"validators,omitempty"`
	CooldownUntil      time.Time       `json:"cooldown_until,omitempty"`
	CooldownReason     string          `json:"cooldown_reason,omitempty"`
	LastVerifiedAt     time.Time       `json:"last_verified_at,omitempty"`
	LastSeenAt         time.Time       `json:"last_seen_at"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	Version            int64           `json:"version"`
}

// InCooldown reports whether the domain is suppressed at now.
func (p *Profile) InCooldown(now time.Time) bool {
	return now.Before(p.CooldownUntil)
}

// NeedsReprobe reports a profile never verified, verified longer than ttl
// ago, with expired robots rules, or with failureThreshold consecutive
// failures.
func (p *Profile) NeedsReprobe(now time.Time, ttl time.Duration, failureThreshold int) bool {
	if p.LastVerifiedAt.IsZero() || now.Sub(p.LastVerifiedAt) >= ttl {
		return true
	}
	if p.Robots.Expired(now) {
		return true
	}
	return failureThreshold > 0 && p.Stats.ConsecutiveFailures >= failureThreshold
}

// ValidatorFor returns the stored validators of url.
func (p *Profile) ValidatorFor(url string) (Validator, bool) {
	for i := len(p.Validators) - 1; i >= 0; i-- {
		if p.Validators[i].URL == url {
			return p.Validators[i], true
		}
	}
	return Validator{}, false
}

// MatchEndpoint returns the first known endpoint matching pagePath.
func (p *Profile) MatchEndpoint(pagePath string) (Endpoint, string, bool) {
	for _, e := range p.KnownJSONEndpoints {
		if u, ok := e.Resolve(pagePath); ok {
			return e, u, true
		}
	}
	return Endpoint{}, "", false
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	c := *p
	c.KnownJSONEndpoints = append([]Endpoint(nil), p.KnownJSONEndpoints...)
	for i := range c.KnownJSONEndpoints {
		c.KnownJSONEndpoints[i].ShapeKeys = append([]string(nil), p.KnownJSONEndpoints[i].ShapeKeys...)
	}
	if p.Robots != nil {
		r := *p.Robots
		c.Robots = &r
	}
	c.FingerprintHints = append([]classify.Hint(nil), p.FingerprintHints...)
	c.Validators = append([]Validator(nil), p.Validators...)
	c.Stats.Failures = make(map[string]int64, len(p.Stats.Failures))
	for k, v := range p.Stats.Failures {
		c.Stats.Failures[k] = v
	}
	c.Stats.AvgLatencyMs = make(map[Strategy]float64, len(p.Stats.AvgLatencyMs))
	for k, v := range p.Stats.AvgLatencyMs {
		c.Stats.AvgLatencyMs[k] = v
	}
	return &c
}
