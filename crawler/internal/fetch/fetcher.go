// Package fetch is the cheap retrieval tier: conditional, asset-free HTTP
// with HEAD-first revalidation, a redirect cap and SSRF checks on every hop.
// It never touches the domain profile; callers decide what an outcome means.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/hazyhaar/dipcrawl/safeurl"
)

// Tier is the value of Result.Tier for this package.
const Tier = "fetch"

// Request is one retrieval.
type Request struct {
	URL          string
	ETag         string
	LastModified string
	// UseHead sends a conditional HEAD before the GET. Set it only when the
	// domain is known to answer HEAD reliably.
	UseHead bool
}

// Result is a completed retrieval. NotModified results carry no body.
type Result struct {
	FinalURL     string
	Status       int
	Header       http.Header
	Body         []byte
	ContentType  string // media type without parameters
	ETag         string
	LastModified string
	NotModified  bool
	UsedHead     bool
	Tier         string
	FetchedAt    time.Time
	Elapsed      time.Duration
}

// Config configures the fetcher.
type Config struct {
	Timeout      time.Duration `yaml:"timeout"`       // per request. Default: 8s.
	MaxBytes     int64         `yaml:"max_bytes"`     // body cap. Default: 10MB.
	MaxRedirects int           `yaml:"max_redirects"` // Default: 5.
	UserAgent    string        `yaml:"user_agent"`
	// URLValidator runs before the request and on every redirect hop.
	// Default: safeurl.ValidateURL.
	URLValidator safeurl.Validator `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 8 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
	if c.UserAgent == "" {
		c.UserAgent = "dipcrawl/1.0 (+https://github.com/hazyhaar/dipcrawl)"
	}
	if c.URLValidator == nil {
		c.URLValidator = safeurl.ValidateURL
	}
}

// Fetcher performs conditional HTTP retrievals. Safe for concurrent use.
type Fetcher struct {
	client *http.Client
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithTransport replaces the HTTP transport (tests, proxies).
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.client.Transport = rt }
}

// New creates a Fetcher. The transport negotiates gzip and decompresses
// transparently, so no Accept-Encoding header is set by hand.
func New(cfg Config, opts ...Option) *Fetcher {
	cfg.defaults()
	validate := cfg.URLValidator
	maxRedirects := cfg.MaxRedirects
	f := &Fetcher{
		config: cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	f.client = &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("%w (%d)", errTooManyRedirects, len(via))
			}
			for _, prev := range via {
				if prev.URL.String() == req.URL.String() {
					return fmt.Errorf("%w: loop on %s", errTooManyRedirects, req.URL)
				}
			}
			if err := validate(req.URL.String()); err != nil {
				return fmt.Errorf("redirect blocked: %w", err)
			}
			return nil
		},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch retrieves req.URL. A 304, or a HEAD answer whose validators match
// the supplied ones, yields NotModified without downloading the body.
// Failures are *Error; on KindHTTPStatus the Result is returned as well so
// callers can inspect error and challenge pages.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	if err := f.config.URLValidator(req.URL); err != nil {
		return nil, &Error{Kind: KindBlockedURL, URL: req.URL, Err: err}
	}
	start := f.now()

	if req.UseHead && (req.ETag != "" || req.LastModified != "") {
		res, ok := f.head(ctx, req)
		if ok {
			res.Elapsed = f.now().Sub(start)
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, classify(req.URL, ctx.Err())
		}
	}

	res, err := f.get(ctx, req)
	if res != nil {
		res.Elapsed = f.now().Sub(start)
	}
	return res, err
}

// head reports ok when the HEAD answer alone settles the request
// (not modified).
func (f *Fetcher) head(ctx context.Context, req Request) (*Result, bool) {
	ctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	hreq, err := f.newRequest(ctx, http.MethodHead, req)
	if err != nil {
		return nil, false
	}
	resp, err := f.client.Do(hreq)
	if err != nil {
		f.logger.DebugContext(ctx, "fetch: head failed, falling back to get", "url", req.URL, "error", err)
		return nil, false
	}
	resp.Body.Close()

	etag := resp.Header.Get("ETag")
	lastMod := resp.Header.Get("Last-Modified")
	unchanged := resp.StatusCode == http.StatusNotModified
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		unchanged = (req.ETag != "" && etag == req.ETag) ||
			(req.ETag == "" && req.LastModified != "" && lastMod == req.LastModified)
	}
	if !unchanged {
		return nil, false
	}
	return &Result{
		FinalURL:     resp.Request.URL.String(),
		Status:       http.StatusNotModified,
		Header:       resp.Header,
		ETag:         firstNonEmpty(etag, req.ETag),
		LastModified: firstNonEmpty(lastMod, req.LastModified),
		NotModified:  true,
		UsedHead:     true,
		Tier:         Tier,
		FetchedAt:    f.now().UTC(),
	}, true
}

func (f *Fetcher) get(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	greq, err := f.newRequest(ctx, http.MethodGet, req)
	if err != nil {
		return nil, &Error{Kind: KindBlockedURL, URL: req.URL, Err: err}
	}
	resp, err := f.client.Do(greq)
	if err != nil {
		return nil, classify(req.URL, err)
	}
	defer resp.Body.Close()

	res := &Result{
		FinalURL:     resp.Request.URL.String(),
		Status:       resp.StatusCode,
		Header:       resp.Header,
		ContentType:  mediaType(resp.Header.Get("Content-Type")),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Tier:         Tier,
		FetchedAt:    f.now().UTC(),
	}

	if resp.StatusCode == http.StatusNotModified {
		res.NotModified = true
		res.ETag = firstNonEmpty(res.ETag, req.ETag)
		res.LastModified = firstNonEmpty(res.LastModified, req.LastModified)
		return res, nil
	}

	body, err := safeurl.LimitedReadAll(resp.Body, f.config.MaxBytes)
	if err != nil {
		return nil, classify(req.URL, err)
	}
	res.Body = body

	f.logger.DebugContext(ctx, "fetch: fetched",
		"url", req.URL, "final_url", res.FinalURL, "status", resp.StatusCode, "size", len(body))

	if resp.StatusCode >= 400 {
		return res, &Error{
			Kind:       KindHTTPStatus,
			URL:        req.URL,
			Status:     resp.StatusCode,
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), f.now()),
		}
	}
	return res, nil
}

func (f *Fetcher) newRequest(ctx context.Context, method string, req Request) (*http.Request, error) {
	r, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, err
	}
	r.Header.Set("User-Agent", f.config.UserAgent)
	r.Header.Set("Accept", "text/html,application/xhtml+xml,application/json,application/pdf;q=0.9,*/*;q=0.8")
	if req.ETag != "" {
		r.Header.Set("If-None-Match", req.ETag)
	}
	if req.LastModified != "" {
		r.Header.Set("If-Modified-Since", req.LastModified)
	}
	return r, nil
}

// ProbeResult is the outcome of a first-contact probe.
type ProbeResult struct {
	HeadReliable bool
	HeadStatus   int
	RobotsStatus int // 0 when robots.txt could not be retrieved
	RobotsBody   []byte
	FetchedAt    time.Time
}

// maxRobotsBytes caps robots.txt (Google documents 500 KiB).
const maxRobotsBytes = 500 << 10

// Probe sends a HEAD to rawURL and fetches the host's robots.txt. HEAD is
// reliable when it answers 2xx with a validator. Only a blocked URL is an
// error; every other failure is reported in the result.
func (f *Fetcher) Probe(ctx context.Context, rawURL string) (*ProbeResult, error) {
	if err := f.config.URLValidator(rawURL); err != nil {
		return nil, &Error{Kind: KindBlockedURL, URL: rawURL, Err: err}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{Kind: KindBlockedURL, URL: rawURL, Err: err}
	}
	pr := &ProbeResult{FetchedAt: f.now().UTC()}

	hctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	hreq, err := http.NewRequestWithContext(hctx, http.MethodHead, rawURL, nil)
	if err == nil {
		hreq.Header.Set("User-Agent", f.config.UserAgent)
		if resp, err := f.client.Do(hreq); err == nil {
			resp.Body.Close()
			pr.HeadStatus = resp.StatusCode
			pr.HeadReliable = resp.StatusCode >= 200 && resp.StatusCode < 300 &&
				(resp.Header.Get("ETag") != "" || resp.Header.Get("Last-Modified") != "")
		}
	}
	cancel()

	robotsURL := (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}).String()
	rctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()
	rreq, err := http.NewRequestWithContext(rctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return pr, nil
	}
	rreq.Header.Set("User-Agent", f.config.UserAgent)
	resp, err := f.client.Do(rreq)
	if err != nil {
		f.logger.DebugContext(ctx, "fetch: robots.txt unreachable", "url", robotsURL, "error", err)
		return pr, nil
	}
	defer resp.Body.Close()
	pr.RobotsStatus = resp.StatusCode
	if body, err := safeurl.LimitedReadAll(resp.Body, maxRobotsBytes); err == nil {
		pr.RobotsBody = body
	}
	return pr, nil
}

// UserAgent is the agent string sent with every request.
func (f *Fetcher) UserAgent() string { return f.config.UserAgent }

func mediaType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return mt
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
