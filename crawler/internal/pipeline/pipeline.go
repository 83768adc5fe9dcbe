// Package pipeline is the escalation state machine. For one URL it consults
// the domain profile, fetches cheaply, classifies, and only escalates to a
// known JSON endpoint or the browser when the classifier says the page needs
// rendering. It is the single place where tier outcomes become transitions,
// and it folds every terminal outcome back into the domain profile.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/hazyhaar/dipcrawl/crawler/internal/classify"
	"github.com/hazyhaar/dipcrawl/crawler/internal/fetch"
	"github.com/hazyhaar/dipcrawl/crawler/internal/pdftext"
	"github.com/hazyhaar/dipcrawl/crawler/internal/politeness"
	"github.com/hazyhaar/dipcrawl/crawler/internal/profile"
	"github.com/hazyhaar/dipcrawl/crawler/internal/render"
	"github.com/hazyhaar/dipcrawl/crawler/internal/robots"
	"github.com/hazyhaar/dipcrawl/kit"
	"github.com/hazyhaar/dipcrawl/safeurl"

	"golang.org/x/sync/singleflight"
)

// Renderer is the browser tier. *render.Renderer implements it.
type Renderer interface {
	Render(ctx context.Context, req render.Request) (*render.Result, error)
}

// Config tunes the escalation policy.
type Config struct {
	// MaxRetries bounds the retries after a 429/503. Default: 2.
	MaxRetries int `yaml:"max_retries"`
	// BackoffBase and BackoffMax shape the full-jitter backoff. Defaults: 500ms, 10s.
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	// MaxRetryAfter is the longest Retry-After worth waiting for inside a
	// run; longer ones abstain at once. Default: 30s.
	MaxRetryAfter time.Duration `yaml:"max_retry_after"`
	// ReprobeTTL is how long a probe stays valid. Default: 24h.
	ReprobeTTL time.Duration `yaml:"reprobe_ttl"`
	// ReprobeFailures consecutive failures force a new probe. Default: 5.
	ReprobeFailures int `yaml:"reprobe_failures"`
	// RobotsTTL is the validity of a fetched robots.txt. Default: 24h.
	RobotsTTL time.Duration `yaml:"robots_ttl"`
	// DomainConcurrency caps any learned per-domain concurrency. Default: 2.
	DomainConcurrency int `yaml:"domain_concurrency"`
	// MaxLinks bounds the links discovered per page. Default: 500.
	MaxLinks int `yaml:"max_links"`

	// Rand feeds the backoff jitter; nil uses math/rand/v2.
	Rand func() float64 `yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.MaxRetryAfter <= 0 {
		c.MaxRetryAfter = 30 * time.Second
	}
	if c.ReprobeTTL <= 0 {
		c.ReprobeTTL = 24 * time.Hour
	}
	if c.ReprobeFailures <= 0 {
		c.ReprobeFailures = 5
	}
	if c.RobotsTTL <= 0 {
		c.RobotsTTL = 24 * time.Hour
	}
	if c.DomainConcurrency <= 0 {
		c.DomainConcurrency = 2
	}
	if c.MaxLinks <= 0 {
		c.MaxLinks = 500
	}
}

// Request is one escalation run.
type Request struct {
	URL string
	// IgnoreValidators skips the conditional request (forced re-extraction).
	IgnoreValidators bool
	// DiscoverLinks fills Outcome.Links on HTML success.
	DiscoverLinks bool
}

// Outcome is the result of a run. Content is set on done_success, and on
// a render timeout where it holds the partial DOM (Partial is then true).
type Outcome struct {
	URL    string       `json:"url"`
	Domain string       `json:"domain"`
	State  State        `json:"state"`
	Reason string       `json:"reason,omitempty"`
	Class  Class        `json:"class,omitempty"`
	Trace  []Transition `json:"trace"`

	Content     []byte           `json:"-"`
	ContentType string           `json:"content_type,omitempty"`
	FinalURL    string           `json:"final_url,omitempty"`
	FetchedAt   time.Time        `json:"fetched_at,omitempty"`
	Tier        string           `json:"tier,omitempty"`
	Strategy    profile.Strategy `json:"strategy,omitempty"`
	Partial     bool             `json:"partial,omitempty"`

	Classification *classify.Classification `json:"classification,omitempty"`
	RenderInvoked  bool                     `json:"render_invoked"`
	Attempts       int                      `json:"fetch_attempts"`
	Links          []string                 `json:"-"`

	FetchElapsed  time.Duration `json:"fetch_elapsed"`
	RenderElapsed time.Duration `json:"render_elapsed,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Pipeline runs the state machine. Safe for concurrent use.
type Pipeline struct {
	cfg        Config
	fetcher    *fetch.Fetcher
	renderer   Renderer
	classifier *classify.Classifier
	profiles   *profile.Store
	robots     *robots.Checker
	limiter    *politeness.Limiter
	backoff    politeness.Backoff
	logger     *slog.Logger
	now        func() time.Time
	onOutcome  func(ctx context.Context, out *Outcome)

	probes singleflight.Group // keyed by domain
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithRenderer enables the render tier. Without it, pages that need
// rendering end in done_insufficient.
func WithRenderer(r Renderer) Option { return func(p *Pipeline) { p.renderer = r } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// WithOutcomeHook is called once per run with the final outcome (metrics).
func WithOutcomeHook(fn func(ctx context.Context, out *Outcome)) Option {
	return func(p *Pipeline) { p.onOutcome = fn }
}

// New creates a Pipeline.
func New(cfg Config, f *fetch.Fetcher, c *classify.Classifier, store *profile.Store,
	rc *robots.Checker, lim *politeness.Limiter, opts ...Option) *Pipeline {
	cfg.defaults()
	p := &Pipeline{
		cfg:        cfg,
		fetcher:    f,
		classifier: c,
		profiles:   store,
		robots:     rc,
		limiter:    lim,
		backoff:    politeness.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax, Rand: cfg.Rand},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// run is the mutable state of one Run.
type run struct {
	p     *Pipeline
	out   *Outcome
	state State
	start time.Time
	log   *slog.Logger
}

func (r *run) to(next State, reason string) {
	if !r.state.CanTransition(next) {
		r.log.Error("pipeline: illegal transition", "from", r.state, "to", next, "reason", reason)
	}
	r.out.Trace = append(r.out.Trace, Transition{From: r.state, To: next, Reason: reason, At: r.p.now().UTC()})
	r.state = next
	r.out.State = next
}

func (r *run) finish(next State, reason string, class Class) {
	r.to(next, reason)
	r.out.Reason = reason
	r.out.Class = class
}

func (r *run) content(body []byte, contentType, finalURL string, at time.Time, tier string, st profile.Strategy) {
	r.out.Content = body
	r.out.ContentType = contentType
	r.out.FinalURL = finalURL
	r.out.FetchedAt = at
	r.out.Tier = tier
	r.out.Strategy = st
}

// Run drives one URL to a terminal state. Every failure of a tier ends in
// an Outcome; the error is reserved for a profile store that cannot be
// read. A cancelled run ends in done_failed/canceled and leaves the
// profile untouched.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Outcome, error) {
	r := &run{p: p, out: &Outcome{URL: req.URL, State: StateStart}, state: StateStart, start: p.now()}
	r.log = p.logger.With(append(kit.LogAttrs(ctx), "url", req.URL)...)

	norm, err := safeurl.Normalize(req.URL)
	if err != nil {
		r.finish(StateDoneFailed, ReasonInvalidURL, ClassFatal)
		return p.done(ctx, r), nil
	}
	domain, _ := safeurl.RegistrableDomain(norm)
	r.out.URL, r.out.Domain = norm, domain
	ctx = kit.WithDomain(ctx, domain)
	r.log = p.logger.With(append(kit.LogAttrs(ctx), "url", norm)...)

	prof, err := p.loadProfile(ctx, domain, norm)
	if err != nil {
		if ctx.Err() != nil {
			r.finish(StateDoneFailed, ReasonCanceled, ClassTransient)
			return p.done(ctx, r), nil
		}
		if _, ok := fetch.AsError(err); ok {
			reason, class := classifyFailure(err)
			r.finish(StateDoneFailed, reason, class)
			return p.done(ctx, r), nil
		}
		return nil, err
	}
	obs := profile.Outcome{}

	decision := p.robots.Check(domain, prof.Robots, norm)
	if !decision.Allowed {
		obs.Suppressed = true
		r.finish(StateDoneDisallowed, ReasonRobotsDisallowed, ClassPolicy)
		return p.settle(ctx, r, obs), nil
	}
	obs.CrawlDelay = decision.CrawlDelay

	if prof.InCooldown(p.now()) && prof.CooldownReason == profile.CooldownChallenge {
		obs.Suppressed = true
		r.finish(StateDoneInsufficient, ReasonDomainCooldown, ClassPolicy)
		return p.settle(ctx, r, obs), nil
	}

	release, err := p.limiter.Acquire(ctx, domain, p.limitFor(prof, decision.CrawlDelay))
	if err != nil {
		r.finish(StateDoneFailed, ReasonCanceled, ClassTransient)
		return p.done(ctx, r), nil
	}
	defer release()

	// Fetch.
	r.to(StateFetchAttempted, "")
	freq := fetch.Request{URL: norm, UseHead: prof.SupportsHead}
	if !req.IgnoreValidators {
		if v, ok := prof.ValidatorFor(norm); ok {
			freq.ETag, freq.LastModified = v.ETag, v.LastModified
		}
	}
	fetchStart := p.now()
	res, err := p.fetchWithRetry(ctx, r, freq, &obs)
	r.out.FetchElapsed = p.now().Sub(fetchStart)
	if ctx.Err() != nil {
		r.finish(StateDoneFailed, ReasonCanceled, ClassTransient)
		return p.done(ctx, r), nil
	}
	if err != nil {
		reason, class := classifyFailure(err)
		if res != nil && p.challenge(res, prof) != "" {
			reason, class = ReasonAntiBot, ClassPolicy
			obs.Challenge = true
		}
		r.finish(StateDoneFailed, reason, class)
		return p.settle(ctx, r, obs), nil
	}
	obs.ETag, obs.LastModified = res.ETag, res.LastModified
	if res.NotModified {
		obs.Unchanged = true
		r.content(nil, res.ContentType, res.FinalURL, res.FetchedAt, fetch.Tier, profile.FetchOnly)
		r.finish(StateDoneUnchanged, ReasonNotModified, ClassNone)
		return p.settle(ctx, r, obs), nil
	}

	// Classify.
	cls := p.classifyFetched(res, prof)
	r.out.Classification = &cls
	obs.Generator = cls.Generator
	obs.NeedsRender = cls.NeedsRender
	r.to(StateClassified, string(cls.Label))

	switch {
	case cls.Challenge != "":
		obs.Challenge = true
		r.finish(StateDoneFailed, ReasonAntiBot, ClassPolicy)
		return p.settle(ctx, r, obs), nil
	case cls.Sufficient():
		r.content(res.Body, res.ContentType, res.FinalURL, res.FetchedAt, fetch.Tier, profile.FetchOnly)
		r.finish(StateDoneSuccess, ReasonSufficient, ClassNone)
		p.links(r, req)
		return p.settle(ctx, r, obs), nil
	}

	// needs_render: a known endpoint first, then the browser.
	if prof.PreferredStrategy != profile.RenderAlways && p.tryEndpoint(ctx, r, prof, &obs) {
		return p.settle(ctx, r, obs), nil
	}
	if ctx.Err() != nil {
		r.finish(StateDoneFailed, ReasonCanceled, ClassTransient)
		return p.done(ctx, r), nil
	}
	switch {
	case p.renderer == nil:
		r.finish(StateDoneInsufficient, ReasonRenderDisabled, ClassPolicy)
		return p.settle(ctx, r, obs), nil
	case prof.InCooldown(p.now()):
		r.finish(StateDoneInsufficient, ReasonDomainCooldown, ClassPolicy)
		return p.settle(ctx, r, obs), nil
	}
	if !p.render(ctx, r, prof, &obs) {
		return p.done(ctx, r), nil
	}
	p.links(r, req)
	return p.settle(ctx, r, obs), nil
}

// loadProfile returns the domain profile, probing the domain on first
// contact and whenever the profile asks for it. Concurrent runs on one
// domain share a single probe.
func (p *Pipeline) loadProfile(ctx context.Context, domain, rawURL string) (*profile.Profile, error) {
	prof, err := p.profiles.Get(ctx, domain)
	if err != nil {
		return nil, err
	}
	if p.fresh(prof) {
		return prof, nil
	}
	for {
		v, err, _ := p.probes.Do(domain, func() (any, error) {
			return p.probe(ctx, domain, rawURL, prof)
		})
		if err == nil {
			return v.(*profile.Profile), nil
		}
		// The run that led the probe was cancelled; ours was not.
		if (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && ctx.Err() == nil {
			continue
		}
		return nil, err
	}
}

func (p *Pipeline) fresh(prof *profile.Profile) bool {
	return prof != nil && !prof.NeedsReprobe(p.now(), p.cfg.ReprobeTTL, p.cfg.ReprobeFailures)
}

// probe sends the HEAD and robots.txt requests under a domain slot, so they
// count against the same politeness bound as page fetches.
func (p *Pipeline) probe(ctx context.Context, domain, rawURL string, stale *profile.Profile) (*profile.Profile, error) {
	release, err := p.limiter.Acquire(ctx, domain, p.probeLimit(domain, rawURL, stale))
	if err != nil {
		return nil, err
	}
	defer release()

	// A probe that finished while we waited for the slot is reused.
	prof, err := p.profiles.Get(ctx, domain)
	if err != nil {
		return nil, err
	}
	if p.fresh(prof) {
		return prof, nil
	}
	pr, err := p.fetcher.Probe(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	rules := p.robots.Build(pr.RobotsStatus, pr.RobotsBody, pr.FetchedAt, p.cfg.RobotsTTL)
	p.logger.InfoContext(ctx, "pipeline: domain probed", "domain", domain,
		"head_reliable", pr.HeadReliable, "robots_status", pr.RobotsStatus, "first_contact", prof == nil)
	return p.profiles.Update(ctx, domain, func(pf *profile.Profile) error {
		pf.Robots = &rules
		pf.SupportsHead = pr.HeadReliable
		pf.LastVerifiedAt = pr.FetchedAt
		pf.Stats.ConsecutiveFailures = 0
		return nil
	})
}

// probeLimit is the limit in force before robots.txt is re-read: the learned
// rate and crawl-delay of a stale profile, else the configured domain
// concurrency.
func (p *Pipeline) probeLimit(domain, rawURL string, stale *profile.Profile) politeness.Limit {
	if stale != nil {
		return p.limitFor(stale, p.robots.Check(domain, stale.Robots, rawURL).CrawlDelay)
	}
	return politeness.Limit{MaxConcurrent: p.cfg.DomainConcurrency}
}

func (p *Pipeline) limitFor(prof *profile.Profile, crawlDelay time.Duration) politeness.Limit {
	n := prof.RateLimit.MaxConcurrent
	if n <= 0 || n > p.cfg.DomainConcurrency {
		n = p.cfg.DomainConcurrency
	}
	return politeness.Limit{MaxConcurrent: n, MinInterval: max(prof.RateLimit.MinInterval, crawlDelay)}
}

// fetchWithRetry retries 429/503 answers with full-jitter backoff, at most
// MaxRetries times. A Retry-After above MaxRetryAfter or a challenge page
// stops the retries at once.
func (p *Pipeline) fetchWithRetry(ctx context.Context, r *run, req fetch.Request, obs *profile.Outcome) (*fetch.Result, error) {
	for attempt := 0; ; attempt++ {
		r.out.Attempts++
		res, err := p.fetcher.Fetch(ctx, req)
		fe, ok := fetch.AsError(err)
		if !ok || !fe.RateLimited() {
			return res, err
		}
		obs.RateLimited = true
		obs.RetryAfter = max(obs.RetryAfter, fe.RetryAfter)
		if attempt >= p.cfg.MaxRetries || fe.RetryAfter > p.cfg.MaxRetryAfter {
			return res, err
		}
		if res != nil && p.classifier.Classify(classify.Input{Body: res.Body, ContentType: res.ContentType, Status: res.Status, Header: res.Header}).Challenge != "" {
			return res, err
		}
		d := p.backoff.Delay(attempt, fe.RetryAfter)
		r.log.Info("pipeline: rate limited, backing off", "status", fe.Status, "attempt", attempt+1, "delay", d.String())
		r.to(StateFetchAttempted, "retry_after_"+strconv.Itoa(fe.Status))
		if err := politeness.Sleep(ctx, d); err != nil {
			return nil, err
		}
	}
}

func (p *Pipeline) classifyFetched(res *fetch.Result, prof *profile.Profile) classify.Classification {
	if pdftext.IsPDF(res.ContentType, res.Body) {
		doc, err := pdftext.Extract(res.Body)
		if err != nil {
			return classify.Classification{Label: classify.Unknown, Confidence: 0.1}
		}
		return p.classifier.ClassifyPages(doc.Pages, res.Status)
	}
	return p.classifier.Classify(classify.Input{
		Body:        res.Body,
		ContentType: res.ContentType,
		Status:      res.Status,
		Header:      res.Header,
		Hints:       prof.FingerprintHints,
	})
}

func (p *Pipeline) challenge(res *fetch.Result, prof *profile.Profile) string {
	return p.classifyFetched(res, prof).Challenge
}

// tryEndpoint reads a known JSON endpoint in place of rendering. It reports
// whether the run reached done_success.
func (p *Pipeline) tryEndpoint(ctx context.Context, r *run, prof *profile.Profile, obs *profile.Outcome) bool {
	u, err := url.Parse(r.out.URL)
	if err != nil {
		return false
	}
	ep, target, ok := prof.MatchEndpoint(u.EscapedPath())
	if !ok {
		return false
	}
	if d, err := safeurl.RegistrableDomain(target); err != nil || d != r.out.Domain {
		return false
	}
	r.to(StateEndpointAttempted, ep.PagePattern)
	obs.EndpointUsed = ep.PagePattern
	res, err := p.fetcher.Fetch(ctx, fetch.Request{URL: target})
	if err == nil && !res.NotModified && endpointUsable(p.classifier, res, ep) {
		r.content(res.Body, "application/json", target, res.FetchedAt, TierEndpoint, profile.JSONEndpoint)
		r.finish(StateDoneSuccess, ReasonEndpoint, ClassNone)
		return true
	}
	obs.EndpointFailed = true
	r.log.Debug("pipeline: json endpoint unusable", "endpoint", target, "error", err)
	return false
}

// render runs the browser tier. It returns false when the run was
// cancelled.
func (p *Pipeline) render(ctx context.Context, r *run, prof *profile.Profile, obs *profile.Outcome) bool {
	r.to(StateRenderAttempted, "needs_render")
	start := p.now()
	res, err := p.renderer.Render(ctx, render.Request{URL: r.out.URL, WaitSelector: prof.WaitSelector})
	r.out.RenderElapsed = p.now().Sub(start)

	if err == nil {
		r.out.RenderInvoked, obs.RenderInvoked = true, true
		st := profile.FetchThenRender
		if prof.PreferredStrategy == profile.RenderAlways {
			st = profile.RenderAlways
		}
		r.content(res.HTML, "text/html", res.FinalURL, res.FetchedAt, render.Tier, st)
		cls := p.classifier.Classify(classify.Input{Body: res.HTML, ContentType: "text/html", Status: 200, Hints: prof.FingerprintHints})
		r.out.Classification = &cls
		if obs.Generator == "" {
			obs.Generator = cls.Generator
		}
		obs.LearnedEndpoint = deriveEndpoint(r.out.URL, r.out.Domain, res.JSONResponses)
		r.finish(StateDoneSuccess, ReasonRendered, ClassNone)
		return true
	}

	reason, class := classifyFailure(err)
	if reason == ReasonCanceled || ctx.Err() != nil {
		r.finish(StateDoneFailed, ReasonCanceled, ClassTransient)
		return false
	}
	if re, ok := render.AsError(err); ok {
		switch re.Kind {
		case render.KindPoolClosed, render.KindBlockedURL:
		default:
			r.out.RenderInvoked, obs.RenderInvoked, obs.RenderFailed = true, true, true
		}
		if re.Kind == render.KindChallenge {
			obs.Challenge = true
		}
	}
	if res != nil && res.Partial {
		r.content(res.HTML, "text/html", res.FinalURL, res.FetchedAt, render.Tier, "")
		r.out.Partial = true
	}
	r.log.Warn("pipeline: render failed", "reason", reason, "error", err)
	r.finish(StateDoneFailed, reason, class)
	return true
}

func (p *Pipeline) links(r *run, req Request) {
	if !req.DiscoverLinks || r.out.Tier == TierEndpoint || pdftext.IsPDF(r.out.ContentType, r.out.Content) {
		return
	}
	base := r.out.FinalURL
	if base == "" {
		base = r.out.URL
	}
	r.out.Links = discoverLinks(r.out.Content, base, r.out.Domain, p.cfg.MaxLinks)
}

// profileUpdateTimeout bounds the write-back after a run, which survives
// caller cancellation.
const profileUpdateTimeout = 5 * time.Second

// settle folds the terminal outcome into the domain profile and finishes
// the run.
func (p *Pipeline) settle(ctx context.Context, r *run, obs profile.Outcome) *Outcome {
	out := r.out
	obs.At = p.now().UTC()
	obs.URL = out.URL
	obs.Success = out.State == StateDoneSuccess
	obs.Strategy = out.Strategy
	obs.Latency = p.now().Sub(r.start)
	if !obs.Success && !obs.Unchanged {
		obs.FailureKind = out.Reason
		// Validators are only worth keeping for content that was used.
		obs.ETag, obs.LastModified = "", ""
	}

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), profileUpdateTimeout)
	defer cancel()
	if _, err := p.profiles.Update(uctx, out.Domain, func(pf *profile.Profile) error {
		p.profiles.Policy.Apply(pf, obs)
		return nil
	}); err != nil {
		r.log.Error("pipeline: profile update failed", "error", err)
	}
	return p.done(ctx, r)
}

func (p *Pipeline) done(ctx context.Context, r *run) *Outcome {
	out := r.out
	out.Elapsed = p.now().Sub(r.start)
	r.log.Debug("pipeline: done", "state", out.State, "reason", out.Reason, "tier", out.Tier,
		"render", out.RenderInvoked, "elapsed_ms", out.Elapsed.Milliseconds())
	if p.onOutcome != nil {
		p.onOutcome(ctx, out)
	}
	return out
}
