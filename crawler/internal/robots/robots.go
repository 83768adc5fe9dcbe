// Package robots evaluates cached robots.txt bodies for the crawler's user
// agent. Parsing follows Google's rules through temoto/robotstxt: 4xx means
// full allow, 5xx full disallow.
package robots

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

// Mode is the compliance mode.
type Mode string

const (
	ModeStrict Mode = "strict"
	ModeOff    Mode = "off"
)

// ParseMode validates a mode string. The empty string is strict.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeStrict:
		return ModeStrict, nil
	case ModeOff:
		return ModeOff, nil
	}
	return "", fmt.Errorf("robots: unknown mode %q (want strict or off)", s)
}

// Rules is a fetched robots.txt, as stored on a domain profile.
type Rules struct {
	Status     int           `json:"status"`
	Body       string        `json:"body,omitempty"`
	CrawlDelay time.Duration `json:"crawl_delay,omitempty"`
	FetchedAt  time.Time     `json:"fetched_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

// Expired reports whether the rules must be fetched again.
func (r *Rules) Expired(now time.Time) bool {
	return r == nil || r.FetchedAt.IsZero() || !now.Before(r.ExpiresAt)
}

// Decision is the verdict for one URL.
type Decision struct {
	Allowed    bool
	CrawlDelay time.Duration
}

type cacheKey struct {
	domain    string
	fetchedAt int64
}

// Checker tests URLs against Rules. Parsed bodies are cached per domain and
// fetch time. Safe for concurrent use.
type Checker struct {
	mode  Mode
	agent string

	mu    sync.Mutex
	cache map[cacheKey]*robotstxt.RobotsData
}

// maxCached bounds the parsed-rules cache; it is reset when full.
const maxCached = 1024

// NewChecker creates a Checker for agent.
func NewChecker(mode Mode, agent string) *Checker {
	return &Checker{mode: mode, agent: agent, cache: make(map[cacheKey]*robotstxt.RobotsData)}
}

// Mode returns the compliance mode.
func (c *Checker) Mode() Mode { return c.mode }

// Build turns a probe answer into Rules valid for ttl. Status 0 (robots.txt
// unreachable) is stored as-is and allows crawling until the next probe.
func (c *Checker) Build(status int, body []byte, fetchedAt time.Time, ttl time.Duration) Rules {
	r := Rules{Status: status, Body: string(body), FetchedAt: fetchedAt, ExpiresAt: fetchedAt.Add(ttl)}
	if data, err := parse(status, body); err == nil {
		r.CrawlDelay = data.FindGroup(c.agent).CrawlDelay
	}
	return r
}

// Check decides whether rawURL may be fetched under rules for domain. Mode
// off and missing rules allow everything.
func (c *Checker) Check(domain string, rules *Rules, rawURL string) Decision {
	if c.mode == ModeOff || rules == nil {
		return Decision{Allowed: true}
	}
	data := c.parsed(domain, rules)
	if data == nil {
		return Decision{Allowed: true}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Decision{Allowed: false}
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	g := data.FindGroup(c.agent)
	return Decision{Allowed: data.TestAgent(path, c.agent), CrawlDelay: g.CrawlDelay}
}

func (c *Checker) parsed(domain string, rules *Rules) *robotstxt.RobotsData {
	key := cacheKey{domain: domain, fetchedAt: rules.FetchedAt.UnixNano()}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.cache[key]; ok {
		return d
	}
	d, err := parse(rules.Status, []byte(rules.Body))
	if err != nil {
		d = nil
	}
	if len(c.cache) >= maxCached {
		c.cache = make(map[cacheKey]*robotstxt.RobotsData)
	}
	c.cache[key] = d
	return d
}

// parse treats an unparseable 2xx body as allow-all.
func parse(status int, body []byte) (*robotstxt.RobotsData, error) {
	if status == 0 {
		return nil, fmt.Errorf("robots: not fetched")
	}
	d, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil && status >= 200 && status < 300 {
		return robotstxt.FromString("")
	}
	return d, err
}
