package jobs

import (
	"fmt"
	"net/url"
	"path"
)

// validate rejects malformed globs and depths above limit.
func (c *Crawl) validate(limit int) error {
	if c.MaxDepth < 0 || c.MaxDepth > limit {
		return fmt.Errorf("crawl max_depth must be within 0..%d", limit)
	}
	for _, g := range append(append([]string(nil), c.Include...), c.Exclude...) {
		if _, err := path.Match(g, "/"); err != nil {
			return fmt.Errorf("crawl glob %q: %w", g, err)
		}
	}
	return nil
}

// allows reports whether a discovered link is in scope. Globs are matched
// against the URL path.
func (c *Crawl) allows(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	for _, g := range c.Exclude {
		if ok, _ := path.Match(g, p); ok {
			return false
		}
	}
	if len(c.Include) == 0 {
		return true
	}
	for _, g := range c.Include {
		if ok, _ := path.Match(g, p); ok {
			return true
		}
	}
	return false
}
