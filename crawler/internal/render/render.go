// Package render is the headless-browser tier. It executes a page in a
// pooled, stealth-configured Chrome, blocks assets and trackers, captures
// JSON responses, and returns the final DOM. Policy (cooldowns, strategy)
// belongs to the caller.
package render

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/dipcrawl/crawler/internal/classify"
	"github.com/hazyhaar/dipcrawl/safeurl"
)

// Tier is the tier name recorded on results produced here.
const Tier = "render"

// Config configures a Renderer.
type Config struct {
	// Budget bounds navigation plus wait. Default: 5s.
	Budget time.Duration `yaml:"budget"`
	// StableWait is the DOM quiet period awaited after load when no wait
	// selector is known. Default: 300ms.
	StableWait time.Duration `yaml:"stable_wait"`
	// CaptureGrace bounds DOM capture after the budget expired. Default: 2s.
	CaptureGrace time.Duration `yaml:"capture_grace"`
	// BlockTypes lists resource types to block (images, fonts, media,
	// stylesheets). Nil means DefaultBlockedTypes.
	BlockTypes []string `yaml:"block_types"`
	// BlockHosts lists hosts to block. Nil means DefaultBlockedHosts.
	BlockHosts []string `yaml:"block_hosts"`
	// MaxJSONResponses bounds captured JSON responses. Default: 32.
	MaxJSONResponses int `yaml:"max_json_responses"`

	URLValidator safeurl.Validator `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Budget <= 0 {
		c.Budget = 5 * time.Second
	}
	if c.StableWait <= 0 {
		c.StableWait = 300 * time.Millisecond
	}
	if c.CaptureGrace <= 0 {
		c.CaptureGrace = 2 * time.Second
	}
	if c.BlockTypes == nil {
		c.BlockTypes = DefaultBlockedTypes
	}
	if c.BlockHosts == nil {
		c.BlockHosts = DefaultBlockedHosts
	}
	if c.MaxJSONResponses <= 0 {
		c.MaxJSONResponses = 32
	}
	if c.URLValidator == nil {
		c.URLValidator = safeurl.ValidateURL
	}
}

// Request describes one render.
type Request struct {
	URL string
	// WaitSelector, when set, is awaited instead of load + DOM-stable.
	WaitSelector string
	// Budget overrides Config.Budget when positive.
	Budget time.Duration
}

// Result is the rendered DOM.
type Result struct {
	FinalURL      string         `json:"final_url"`
	HTML          []byte         `json:"-"`
	Partial       bool           `json:"partial"`
	JSONResponses []JSONResponse `json:"json_responses,omitempty"`
	Tier          string         `json:"tier"`
	FetchedAt     time.Time      `json:"fetched_at"`
	Elapsed       time.Duration  `json:"elapsed"`
}

// Renderer executes pages on a Pool.
type Renderer struct {
	cfg        Config
	pool       *Pool
	classifier *classify.Classifier
	blocker    *blocker
	client     *http.Client
	logger     *slog.Logger
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Renderer) { r.logger = l } }

// WithClassifier sets the classifier used for challenge detection.
func WithClassifier(c *classify.Classifier) Option { return func(r *Renderer) { r.classifier = c } }

// New creates a Renderer drawing browsers from pool.
func New(cfg Config, pool *Pool, opts ...Option) *Renderer {
	cfg.defaults()
	r := &Renderer{
		cfg:     cfg,
		pool:    pool,
		blocker: newBlocker(cfg.BlockTypes, cfg.BlockHosts),
		client:  &http.Client{Timeout: cfg.Budget},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.classifier == nil {
		r.classifier = classify.New(classify.Config{})
	}
	return r
}

// Pool returns the underlying browser pool.
func (r *Renderer) Pool() *Pool { return r.pool }

// Render loads req.URL in a browser and returns its final DOM. On budget
// expiry it returns the partial DOM together with a KindTimeout error.
func (r *Renderer) Render(ctx context.Context, req Request) (*Result, error) {
	if err := r.cfg.URLValidator(req.URL); err != nil {
		return nil, &Error{Kind: KindBlockedURL, URL: req.URL, Err: err}
	}
	budget := r.cfg.Budget
	if req.Budget > 0 {
		budget = req.Budget
	}

	inst, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, r.acquireError(req.URL, err)
	}
	broken := false
	defer func() {
		if broken {
			r.pool.Discard(inst)
		} else {
			r.pool.Release(inst)
		}
	}()

	start := time.Now()
	page, err := stealth.Page(inst.Browser)
	if err != nil {
		broken = true
		return nil, &Error{Kind: KindBrowser, URL: req.URL, Err: err}
	}
	defer page.Close()

	capture := &jsonCapture{max: r.cfg.MaxJSONResponses}
	router := page.HijackRequests()
	if err := router.Add("*", "", r.intercept(capture)); err != nil {
		broken = true
		return nil, &Error{Kind: KindBrowser, URL: req.URL, Err: err}
	}
	go router.Run()
	defer router.Stop()

	rctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	p := page.Context(rctx)

	navErr := p.Navigate(req.URL)
	if navErr == nil {
		navErr = r.wait(p, req.WaitSelector)
	}
	partial := false
	if navErr != nil {
		switch {
		case ctx.Err() != nil:
			return nil, &Error{Kind: KindCanceled, URL: req.URL, Err: ctx.Err()}
		case errors.Is(rctx.Err(), context.DeadlineExceeded):
			partial = true
		default:
			var ne *rod.NavigationError
			if errors.As(navErr, &ne) {
				return nil, &Error{Kind: KindNavigation, URL: req.URL, Err: navErr}
			}
			broken = true
			return nil, &Error{Kind: KindBrowser, URL: req.URL, Err: navErr}
		}
	}

	cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CaptureGrace)
	defer ccancel()
	cp := page.Context(cctx)
	html, err := cp.HTML()
	if err != nil {
		if partial {
			return nil, &Error{Kind: KindTimeout, URL: req.URL, Err: navErr}
		}
		broken = true
		return nil, &Error{Kind: KindBrowser, URL: req.URL, Err: err}
	}
	finalURL := req.URL
	if info, err := cp.Info(); err == nil && info.URL != "" {
		finalURL = info.URL
	}

	res := &Result{
		FinalURL:      finalURL,
		HTML:          []byte(html),
		Partial:       partial,
		JSONResponses: capture.responses(),
		Tier:          Tier,
		FetchedAt:     time.Now().UTC(),
		Elapsed:       time.Since(start),
	}

	cls := r.classifier.Classify(classify.Input{Body: res.HTML, ContentType: "text/html"})
	if cls.Challenge != "" {
		return res, &Error{Kind: KindChallenge, URL: req.URL, Challenge: cls.Challenge}
	}
	if partial {
		r.logger.Debug("render: budget exhausted, returning partial DOM", "url", req.URL, "budget", budget)
		return res, &Error{Kind: KindTimeout, URL: req.URL, Err: navErr}
	}
	return res, nil
}

func (r *Renderer) wait(p *rod.Page, selector string) error {
	if selector != "" {
		_, err := p.Element(selector)
		return err
	}
	if err := p.WaitLoad(); err != nil {
		return err
	}
	return p.WaitDOMStable(r.cfg.StableWait, 0)
}

// intercept blocks assets and trackers and records JSON XHR/fetch
// responses. Everything else continues untouched.
func (r *Renderer) intercept(capture *jsonCapture) func(*rod.Hijack) {
	return func(h *rod.Hijack) {
		typ := h.Request.Type()
		u := h.Request.URL()
		if r.blocker.shouldBlock(typ, u.Hostname()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		if (typ == proto.NetworkResourceTypeXHR || typ == proto.NetworkResourceTypeFetch) && h.Request.Method() == http.MethodGet {
			if err := r.cfg.URLValidator(u.String()); err != nil {
				h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
				return
			}
			if err := h.LoadResponse(r.client, true); err != nil {
				h.Response.Fail(proto.NetworkErrorReasonFailed)
				return
			}
			capture.observe(u.String(), h.Response.Payload().ResponseCode,
				h.Response.Headers().Get("Content-Type"), h.Response.Payload().Body)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	}
}

func (r *Renderer) acquireError(rawURL string, err error) error {
	if errors.Is(err, ErrPoolClosed) {
		return &Error{Kind: KindPoolClosed, URL: rawURL, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindCanceled, URL: rawURL, Err: err}
	}
	if re, ok := AsError(err); ok {
		re.URL = rawURL
		return re
	}
	return &Error{Kind: KindBrowser, URL: rawURL, Err: err}
}
