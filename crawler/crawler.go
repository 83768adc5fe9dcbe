// Package crawler is the dipcrawl service: a domain-aware crawler that
// learns a profile per domain and extracts schema-conformant data with
// evidence for every field.
//
// The pipeline:
//
//	submit → jobs → escalation pipeline (DIP, fetch, classify, endpoint,
//	render) → extraction & validation → evidence → DIP update
//
// Usage:
//
//	c, err := crawler.New(cfg, logger)
//	defer c.Close()
//	c.RegisterConnectivity(router)
//	c.RegisterMCP(mcpServer)
//	c.RegisterHTTP(chiRouter)
//	c.Start(ctx)
package crawler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/dipcrawl/connectivity"
	"github.com/hazyhaar/dipcrawl/crawler/internal/classify"
	"github.com/hazyhaar/dipcrawl/crawler/internal/evidence"
	"github.com/hazyhaar/dipcrawl/crawler/internal/extract"
	"github.com/hazyhaar/dipcrawl/crawler/internal/fetch"
	"github.com/hazyhaar/dipcrawl/crawler/internal/jobs"
	"github.com/hazyhaar/dipcrawl/crawler/internal/metrics"
	"github.com/hazyhaar/dipcrawl/crawler/internal/pipeline"
	"github.com/hazyhaar/dipcrawl/crawler/internal/politeness"
	"github.com/hazyhaar/dipcrawl/crawler/internal/profile"
	"github.com/hazyhaar/dipcrawl/crawler/internal/render"
	"github.com/hazyhaar/dipcrawl/crawler/internal/robots"
	"github.com/hazyhaar/dipcrawl/dbopen"
	"github.com/hazyhaar/dipcrawl/safeurl"
)

// Public names of the job, evidence and profile types.
type (
	JobRequest  = jobs.Request
	JobStatus   = jobs.Status
	Job         = jobs.Job
	Result      = jobs.Result
	Budget      = jobs.Budget
	CrawlScope  = jobs.Crawl
	Evidence    = evidence.Record
	Profile     = profile.Profile
	ProfileView = profile.Inspection
)

var (
	// ErrNotFound is returned for unknown jobs, evidence and domains.
	ErrNotFound = errors.New("crawler: not found")
	// ErrInvalidRequest wraps submission rejections.
	ErrInvalidRequest = jobs.ErrInvalidRequest
)

// Crawler wires the tiers, the stores and the job manager.
type Crawler struct {
	cfg    *Config
	db     *sql.DB
	logger *slog.Logger
	router *connectivity.Router
	// ownRouter is set when the router was created by New.
	ownRouter bool

	profiles *profile.Store
	limiter  *politeness.Limiter
	pool     *render.Pool
	pipeline *pipeline.Pipeline
	evidence *evidence.Recorder
	jobs     *jobs.Manager
	metrics  *metrics.Recorder

	started time.Time
	stop    context.CancelFunc
	done    chan error
}

// Option configures a Crawler.
type Option func(*options)

type options struct {
	router    *connectivity.Router
	validator safeurl.Validator
	renderer  pipeline.Renderer
}

// WithRouter routes the extractor through an existing router instead of a
// private one. In-process extractors are registered on it as extract.Service.
func WithRouter(r *connectivity.Router) Option { return func(o *options) { o.router = r } }

// WithURLValidator replaces safeurl.ValidateURL for submitted URLs, fetches
// and renders. Tests against local servers pass safeurl.AllowPrivate.
func WithURLValidator(v safeurl.Validator) Option { return func(o *options) { o.validator = v } }

// WithRenderer replaces the browser pool with another render tier.
func WithRenderer(r pipeline.Renderer) Option { return func(o *options) { o.renderer = r } }

// New opens the database, applies the schemas and builds every component.
// Nothing runs until Start.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Crawler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	schemas, err := cfg.schemas()
	if err != nil {
		return nil, err
	}

	dbOpts := []dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(profile.Schema, evidence.Schema, jobs.Schema, metrics.Schema),
	}
	if cfg.DBPath == ":memory:" {
		dbOpts = append(dbOpts, dbopen.WithMaxOpenConns(1))
	}
	db, err := dbopen.Open(cfg.DBPath, dbOpts...)
	if err != nil {
		return nil, fmt.Errorf("crawler: open db: %w", err)
	}

	c := &Crawler{cfg: cfg, db: db, logger: logger}
	if err := c.build(schemas, o); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Crawler) build(schemas map[string]*extract.Schema, o options) error {
	cfg, logger := c.cfg, c.logger

	fetchCfg := cfg.Fetch
	renderCfg := cfg.Render.Config
	if o.validator != nil {
		fetchCfg.URLValidator = o.validator
		renderCfg.URLValidator = o.validator
	}
	fetcher := fetch.New(fetchCfg, fetch.WithLogger(logger))
	classifier := classify.New(cfg.Classify)

	c.profiles = profile.NewStore(c.db, profile.WithPolicy(cfg.Profile), profile.WithLogger(logger))
	c.limiter = politeness.NewLimiter()

	mode, _ := robots.ParseMode(cfg.Robots.Mode)
	if mode == robots.ModeOff {
		logger.Warn("crawler: robots.txt compliance is off (operator override)")
	}
	checker := robots.NewChecker(mode, cfg.Robots.UserAgent)

	if !cfg.Metrics.Disabled {
		c.metrics = metrics.New(c.db,
			metrics.WithLogger(logger),
			metrics.WithFlushInterval(cfg.Metrics.FlushInterval),
			metrics.WithBatchSize(cfg.Metrics.BatchSize),
			metrics.WithMaxBuffer(cfg.Metrics.MaxBuffer))
	}

	plOpts := []pipeline.Option{pipeline.WithLogger(logger)}
	switch {
	case o.renderer != nil:
		plOpts = append(plOpts, pipeline.WithRenderer(o.renderer))
	case cfg.Render.Enabled:
		c.pool = render.NewPool(cfg.Render.Pool, render.LaunchFactory(cfg.Render.Launch, logger), logger)
		plOpts = append(plOpts, pipeline.WithRenderer(render.New(renderCfg, c.pool,
			render.WithLogger(logger), render.WithClassifier(classifier))))
	}
	if c.metrics != nil {
		plOpts = append(plOpts, pipeline.WithOutcomeHook(c.metrics.ObserveOutcome))
	}
	c.pipeline = pipeline.New(cfg.Pipeline, fetcher, classifier, c.profiles, checker, c.limiter, plOpts...)

	c.router = o.router
	if c.router == nil {
		c.router = connectivity.New(connectivity.WithLogger(logger))
		c.ownRouter = true
	}
	if err := c.routeExtractor(); err != nil {
		return err
	}
	engOpts := []extract.Option{extract.WithLogger(logger)}
	if c.metrics != nil {
		engOpts = append(engOpts, extract.WithCallHook(c.metrics.ObserveExtractorCall))
	}
	engine := extract.NewEngine(extract.NewRouterExtractor(c.router), extract.NewPrefilter(cfg.Prefilter), engOpts...)

	evOpts := []evidence.Option{evidence.WithLogger(logger)}
	if cfg.Evidence.SnippetMax > 0 {
		evOpts = append(evOpts, evidence.WithSnippetMax(cfg.Evidence.SnippetMax))
	}
	c.evidence = evidence.NewRecorder(c.db, evOpts...)

	jobOpts := []jobs.Option{jobs.WithLogger(logger), jobs.WithSchemas(schemas)}
	if o.validator != nil {
		jobOpts = append(jobOpts, jobs.WithURLValidator(o.validator))
	}
	if c.metrics != nil {
		jobOpts = append(jobOpts, jobs.WithResultHook(c.metrics.ObserveResult))
	}
	c.jobs = jobs.New(c.db, cfg.Jobs, c.pipeline, engine, c.evidence, jobOpts...)
	return nil
}

// routeExtractor installs the remote extractor route when an endpoint is
// configured. Credentials travel as a static Authorization header.
func (c *Crawler) routeExtractor() error {
	ec := c.cfg.Extractor
	if ec.Endpoint == "" {
		if !c.router.Has(extract.Service) {
			c.logger.Warn("crawler: no extractor endpoint and no in-process extractor; extractions will fail")
		}
		return nil
	}
	c.router.RegisterTransport("http", connectivity.HTTPFactory())
	routeCfg := map[string]any{
		"timeout_ms":    ec.Timeout.Milliseconds(),
		"allow_private": ec.AllowPrivate,
	}
	if ec.APIKey != "" {
		routeCfg["headers"] = map[string]string{"Authorization": "Bearer " + ec.APIKey}
	}
	raw, err := json.Marshal(routeCfg)
	if err != nil {
		return err
	}
	breaker := connectivity.NewCircuitBreaker(
		connectivity.WithBreakerThreshold(ec.BreakerThreshold),
		connectivity.WithBreakerResetTimeout(ec.BreakerReset))
	err = c.router.SetRoute(extract.Service, connectivity.Route{
		Strategy: "http",
		Endpoint: ec.Endpoint,
		Config:   raw,
		Middleware: []connectivity.HandlerMiddleware{
			connectivity.Logging(c.logger, extract.Service),
			connectivity.WithCircuitBreaker(breaker, extract.Service),
			connectivity.WithRetry(max(ec.MaxRetries, 0), 500*time.Millisecond, c.logger),
			connectivity.WithTimeout(ec.Timeout),
		},
	})
	if err != nil {
		return fmt.Errorf("crawler: extractor route: %w", err)
	}
	return nil
}

// Router returns the router the extractor is called through.
func (c *Crawler) Router() *connectivity.Router { return c.router }

// Start launches the workers, the metrics flusher and the retention
// sweeper. They stop when ctx is cancelled or Close is called.
func (c *Crawler) Start(ctx context.Context) {
	ctx, c.stop = context.WithCancel(ctx)
	c.started = time.Now()
	c.done = make(chan error, 1)

	if c.pool != nil && c.cfg.Render.Warmup > 0 {
		if err := c.pool.Warmup(ctx, c.cfg.Render.Warmup); err != nil {
			c.logger.Warn("crawler: browser warmup", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.jobs.Run(gctx) })
	if c.metrics != nil {
		g.Go(func() error { return c.metrics.Run(gctx) })
	}
	g.Go(func() error {
		c.sweep(gctx)
		return nil
	})
	go func() { c.done <- g.Wait() }()
	c.logger.Info("crawler: started", "db", c.cfg.DBPath, "workers", c.cfg.Jobs.Workers,
		"render", c.pool != nil, "robots", c.cfg.Robots.Mode)
}

// sweep purges inactive profiles, old metrics and idle politeness state.
func (c *Crawler) sweep(ctx context.Context) {
	t := time.NewTicker(c.cfg.Retention.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		n, err := c.profiles.PurgeInactive(ctx, c.cfg.Retention.ProfileInactive)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("crawler: purge profiles", "error", err)
		}
		var m int64
		if c.metrics != nil {
			m, err = c.metrics.Cleanup(ctx, c.cfg.Retention.Metrics)
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("crawler: purge metrics", "error", err)
			}
		}
		d := c.limiter.Sweep(c.cfg.Retention.IdleDomains)
		c.logger.Info("crawler: retention sweep", "profiles", n, "metrics", m, "idle_domains", d)
	}
}

// Close stops the background work and releases the browsers and the DB.
func (c *Crawler) Close() error {
	var errs []error
	if c.stop != nil {
		c.stop()
		if err := <-c.done; err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
		c.stop = nil
	}
	if c.pool != nil {
		errs = append(errs, c.pool.Close())
	}
	if c.ownRouter {
		errs = append(errs, c.router.Close())
	}
	errs = append(errs, c.db.Close())
	return errors.Join(errs...)
}

// Submit validates and queues a job and returns its id.
func (c *Crawler) Submit(ctx context.Context, req JobRequest) (string, error) {
	return c.jobs.Submit(ctx, req)
}

// Poll returns the job and its results with a sequence above afterSeq.
func (c *Crawler) Poll(ctx context.Context, id string, afterSeq int64) (*JobStatus, error) {
	st, err := c.jobs.Poll(ctx, id, afterSeq)
	return st, notFound(err, jobs.ErrNotFound)
}

// Cancel stops a job. Cancelling a finished job is a no-op.
func (c *Crawler) Cancel(ctx context.Context, id string) error {
	return notFound(c.jobs.Cancel(ctx, id), jobs.ErrNotFound)
}

// Evidence returns one evidence record.
func (c *Crawler) Evidence(ctx context.Context, id string) (*Evidence, error) {
	rec, err := c.evidence.Get(ctx, id)
	return rec, notFound(err, evidence.ErrNotFound)
}

// EvidenceHistory lists the evidence versions of a URL, newest first,
// optionally narrowed to one field.
func (c *Crawler) EvidenceHistory(ctx context.Context, rawURL, field string, limit int) ([]*Evidence, error) {
	u, err := safeurl.Normalize(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: url: %v", ErrInvalidRequest, err)
	}
	recs, err := c.evidence.ListByURL(ctx, u, field, limit)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []*Evidence{}
	}
	return recs, nil
}

// Profile returns the profile of the registrable domain of domainOrURL.
func (c *Crawler) Profile(ctx context.Context, domainOrURL string) (*ProfileView, error) {
	domain, err := profileKey(domainOrURL)
	if err != nil {
		return nil, err
	}
	in, err := c.profiles.Inspect(ctx, domain)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, ErrNotFound
	}
	return in, nil
}

// Profiles lists profiles, most recently seen first.
func (c *Crawler) Profiles(ctx context.Context, limit int) ([]*Profile, error) {
	ps, err := c.profiles.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	if ps == nil {
		ps = []*Profile{}
	}
	return ps, nil
}

// Health is the service state served on /health.
type Health struct {
	Status         string            `json:"status"`
	Uptime         string            `json:"uptime"`
	QueueLength    int               `json:"queue_length"`
	InFlight       int               `json:"in_flight"`
	Robots         string            `json:"robots_mode"`
	RenderPool     *render.PoolStats `json:"render_pool,omitempty"`
	MetricsDropped int64             `json:"metrics_dropped"`
}

// Health reports queue and pool state.
func (c *Crawler) Health(ctx context.Context) (*Health, error) {
	n, err := c.jobs.QueueLen(ctx)
	if err != nil {
		return nil, err
	}
	h := &Health{Status: "ok", QueueLength: n, InFlight: c.jobs.InFlight(), Robots: c.cfg.Robots.Mode}
	if !c.started.IsZero() {
		h.Uptime = time.Since(c.started).Round(time.Second).String()
	}
	if c.pool != nil {
		st := c.pool.Stats()
		h.RenderPool = &st
	}
	if c.metrics != nil {
		h.MetricsDropped = c.metrics.Dropped()
	}
	return h, nil
}

func profileKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty domain", ErrInvalidRequest)
	}
	if !strings.Contains(s, "://") {
		host := strings.TrimSuffix(s, "/")
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		return safeurl.DomainOf(host), nil
	}
	d, err := safeurl.RegistrableDomain(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return d, nil
}

func notFound(err, sentinel error) error {
	if errors.Is(err, sentinel) {
		return ErrNotFound
	}
	return err
}
