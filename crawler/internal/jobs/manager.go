// Package jobs accepts extraction jobs and runs them on a worker pool. A
// job is a row in SQLite; each of its URLs is a work item on a
// visibility-timeout queue in the same database. Workers claim items, run
// the escalation pipeline and the extraction, record evidence, and append
// one terminal result per URL. Counters and the extractor budget are plain
// SQL updates, so they stay exact across workers.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/dipcrawl/crawler/internal/evidence"
	"github.com/hazyhaar/dipcrawl/crawler/internal/extract"
	"github.com/hazyhaar/dipcrawl/crawler/internal/pipeline"
	"github.com/hazyhaar/dipcrawl/dbopen"
	"github.com/hazyhaar/dipcrawl/idgen"
	"github.com/hazyhaar/dipcrawl/kit"
	"github.com/hazyhaar/dipcrawl/safeurl"
)

// Runner is the escalation pipeline. *pipeline.Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error)
}

// Extractor runs one extraction. *extract.Engine implements it.
type Extractor interface {
	Run(ctx context.Context, in extract.Input) (*extract.Outcome, error)
}

// Config tunes the worker pool and the submission limits.
type Config struct {
	// Workers is the number of concurrent workers. Default: 8.
	Workers int `yaml:"workers"`
	// PollInterval is the idle delay between claim attempts. Default: 1s.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Visibility is how long a claimed item stays hidden without a
	// heartbeat. Default: 2m.
	Visibility time.Duration `yaml:"visibility"`
	// MaxAttempts bounds redeliveries of an item whose worker died.
	// Default: 3.
	MaxAttempts int `yaml:"max_attempts"`
	// ItemTimeout bounds one URL end to end. Default: 3m.
	ItemTimeout time.Duration `yaml:"item_timeout"`
	// MaxURLs bounds the URLs of one submission. Default: 1000.
	MaxURLs int `yaml:"max_urls"`
	// DefaultMaxPages applies to crawl jobs without a page budget. Default: 100.
	DefaultMaxPages int `yaml:"default_max_pages"`
	// MaxCrawlDepth caps Crawl.MaxDepth. Default: 5.
	MaxCrawlDepth int `yaml:"max_crawl_depth"`
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Visibility <= 0 {
		c.Visibility = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 3 * time.Minute
	}
	if c.MaxURLs <= 0 {
		c.MaxURLs = 1000
	}
	if c.DefaultMaxPages <= 0 {
		c.DefaultMaxPages = 100
	}
	if c.MaxCrawlDepth <= 0 {
		c.MaxCrawlDepth = 5
	}
}

// Manager owns job submission, the worker pool and cancellation.
type Manager struct {
	cfg       Config
	db        *sql.DB
	queue     *queue
	pipeline  Runner
	extractor Extractor
	evidence  *evidence.Recorder
	schemas   map[string]*extract.Schema

	urlValidator func(string) error
	logger       *slog.Logger
	now          func() time.Time
	newJobID     idgen.Generator
	newResultID  idgen.Generator
	newItemID    idgen.Generator
	onResult     func(ctx context.Context, r *Result)

	wake chan struct{}

	mu       sync.Mutex
	inflight map[string]map[string]context.CancelCauseFunc // job id -> item id -> cancel
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithURLValidator overrides safeurl.ValidateURL. Tests against httptest
// servers pass safeurl.AllowPrivate.
func WithURLValidator(fn func(string) error) Option { return func(m *Manager) { m.urlValidator = fn } }

// WithSchemas registers named schemas usable through Request.SchemaID.
func WithSchemas(s map[string]*extract.Schema) Option { return func(m *Manager) { m.schemas = s } }

// WithResultHook is called after every result is committed (metrics).
func WithResultHook(fn func(ctx context.Context, r *Result)) Option {
	return func(m *Manager) { m.onResult = fn }
}

// New creates a Manager. The caller applies Schema to db.
func New(db *sql.DB, cfg Config, r Runner, x Extractor, rec *evidence.Recorder, opts ...Option) *Manager {
	cfg.defaults()
	m := &Manager{
		cfg:          cfg,
		db:           db,
		pipeline:     r,
		extractor:    x,
		evidence:     rec,
		urlValidator: safeurl.ValidateURL,
		logger:       slog.Default(),
		now:          time.Now,
		newJobID:     idgen.Prefixed("job_", idgen.UUIDv7()),
		newResultID:  idgen.Prefixed("res_", idgen.UUIDv7()),
		newItemID:    idgen.ULID(),
		wake:         make(chan struct{}, 1),
		inflight:     make(map[string]map[string]context.CancelCauseFunc),
	}
	for _, o := range opts {
		o(m)
	}
	m.queue = newQueue(db, "dipcrawl.items", cfg.Visibility, m.now)
	return m
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// validate normalises req in place and resolves its schema. Every error
// wraps ErrInvalidRequest.
func (m *Manager) validate(req *Request) error {
	if len(req.URLs) == 0 {
		return invalid("no urls")
	}
	if len(req.URLs) > m.cfg.MaxURLs {
		return invalid("%d urls, at most %d", len(req.URLs), m.cfg.MaxURLs)
	}
	for i, u := range req.URLs {
		n, err := safeurl.Normalize(u)
		if err != nil {
			return invalid("url %q: %v", u, err)
		}
		if err := m.urlValidator(n); err != nil {
			return invalid("url %q: %v", u, err)
		}
		req.URLs[i] = n
	}

	switch {
	case len(req.Schema) > 0 && req.SchemaID != "":
		return invalid("schema and schema_id are exclusive")
	case req.SchemaID != "":
		s, ok := m.schemas[req.SchemaID]
		if !ok {
			return invalid("unknown schema_id %q", req.SchemaID)
		}
		req.Schema = s.JSON()
	default:
		if _, err := extract.ParseSchema(req.Schema); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}

	b := &req.Budget
	if b.MaxPages < 0 || b.MaxExtractorCalls < 0 {
		return invalid("negative budget")
	}
	if req.Crawl != nil {
		if err := req.Crawl.validate(m.cfg.MaxCrawlDepth); err != nil {
			return invalid("%v", err)
		}
		if b.MaxPages == 0 {
			b.MaxPages = max(m.cfg.DefaultMaxPages, len(req.URLs))
		}
	} else if b.MaxPages == 0 {
		b.MaxPages = len(req.URLs)
	}
	if b.MaxPages < len(req.URLs) {
		return invalid("max_pages %d below the %d submitted urls", b.MaxPages, len(req.URLs))
	}
	if b.MaxExtractorCalls == 0 {
		// One call plus one repair per page.
		b.MaxExtractorCalls = 2 * b.MaxPages
	}
	return nil
}

// Submit validates req and persists the job with one queued item per
// distinct URL. Malformed URLs, schemas and budgets are rejected here and
// never reach a worker.
func (m *Manager) Submit(ctx context.Context, req Request) (string, error) {
	req.URLs = append([]string(nil), req.URLs...)
	if err := m.validate(&req); err != nil {
		return "", err
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("jobs: encode request: %w", err)
	}
	id := m.newJobID()
	now := m.now().UnixMilli()
	err = dbopen.RunTx(ctx, m.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, status, request, max_pages, max_extractor_calls, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, JobQueued, string(raw), req.Budget.MaxPages, req.Budget.MaxExtractorCalls, now, now); err != nil {
			return err
		}
		for _, u := range req.URLs {
			if _, err := m.enqueueTx(ctx, tx, id, u, 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("jobs: submit: %w", err)
	}
	m.notify()
	m.logger.InfoContext(ctx, "jobs: submitted", "job_id", id, "urls", len(req.URLs),
		"max_pages", req.Budget.MaxPages, "max_extractor_calls", req.Budget.MaxExtractorCalls, "crawl", req.Crawl != nil)
	return id, nil
}

// Poll returns the job with its counters and the results with a sequence
// number above afterSeq (0 for all), in completion order.
func (m *Manager) Poll(ctx context.Context, id string, afterSeq int64) (*Status, error) {
	j, err := m.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := m.listResults(ctx, id, afterSeq)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = []*Result{}
	}
	return &Status{Job: j, Results: res}, nil
}

// Cancel stops a job. Queued items become error/cancelled results at once;
// running items have their context cancelled, which aborts the network
// call or render in progress and releases the domain slot. Cancelling a
// finished job is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	var dropped int
	err := dbopen.RunTx(ctx, m.db, func(tx *sql.Tx) error {
		now := m.now()
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?)`,
			JobCancelled, now.UnixMilli(), now.UnixMilli(), id, JobQueued, JobRunning)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var one int
			if err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one); errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return nil
		}
		payloads, err := m.queue.dropVisible(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, p := range payloads {
			var it item
			if err := json.Unmarshal(p, &it); err != nil {
				continue
			}
			if err := m.insertResultTx(ctx, tx, m.cancelledResult(it), false); err != nil {
				return err
			}
			dropped++
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("jobs: cancel %s: %w", id, err)
	}
	running := m.cancelInflight(id)
	m.logger.InfoContext(ctx, "jobs: cancelled", "job_id", id, "queued_dropped", dropped, "running_cancelled", running)
	return nil
}

// QueueLen is the number of items not yet finished.
func (m *Manager) QueueLen(ctx context.Context) (int, error) { return m.queue.length(ctx) }

// InFlight is the number of items being worked on.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, items := range m.inflight {
		n += len(items)
	}
	return n
}

// Run starts the workers and blocks until ctx is cancelled. Items being
// worked on at shutdown are released to the queue.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("jobs: workers started", "workers", m.cfg.Workers, "poll", m.cfg.PollInterval.String())
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < m.cfg.Workers; i++ {
		g.Go(func() error {
			m.worker(gctx)
			return nil
		})
	}
	err := g.Wait()
	m.logger.Info("jobs: workers stopped")
	return err
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) worker(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		for ctx.Err() == nil && m.claimOne(ctx) {
		}
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-ticker.C:
		}
	}
}

func (m *Manager) claimOne(ctx context.Context) bool {
	msg, err := m.queue.claim(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("jobs: claim failed", "error", err)
		}
		return false
	}
	if msg == nil {
		return false
	}
	// Let another idle worker look for the next item.
	m.notify()
	m.handle(ctx, msg)
	return true
}

func (m *Manager) register(jobID, itemID string, cancel context.CancelCauseFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[jobID] == nil {
		m.inflight[jobID] = make(map[string]context.CancelCauseFunc)
	}
	m.inflight[jobID][itemID] = cancel
}

func (m *Manager) unregister(jobID, itemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight[jobID], itemID)
	if len(m.inflight[jobID]) == 0 {
		delete(m.inflight, jobID)
	}
}

func (m *Manager) cancelInflight(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.inflight[jobID] {
		cancel(ErrJobCancelled)
	}
	return len(m.inflight[jobID])
}

// heartbeat keeps msg hidden while it is worked on.
func (m *Manager) heartbeat(ctx context.Context, id string) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(m.cfg.Visibility / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := m.queue.extend(context.WithoutCancel(ctx), id); err != nil {
					m.logger.Warn("jobs: extend visibility", "item", id, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

// commitTimeout bounds the final write of an item, which must survive the
// cancellation of the item itself.
const commitTimeout = 10 * time.Second

func (m *Manager) handle(ctx context.Context, msg *message) {
	var it item
	if err := json.Unmarshal(msg.Payload, &it); err != nil {
		m.logger.Error("jobs: undecodable item, dropping", "item", msg.ID, "error", err)
		_ = m.queue.ack(ctx, m.db, msg.ID)
		return
	}
	log := m.logger.With("job_id", it.JobID, "url", it.URL, "depth", it.Depth)

	if msg.Attempts > m.cfg.MaxAttempts {
		log.Warn("jobs: item exceeded max attempts", "attempts", msg.Attempts)
		r := m.baseResult(it)
		r.Status, r.Reason, r.Category = StatusError, ReasonInternal, string(pipeline.ClassFatal)
		m.commit(ctx, msg, r, nil, false, log)
		return
	}

	job, err := m.getJob(ctx, it.JobID)
	if errors.Is(err, ErrNotFound) {
		_ = m.queue.ack(ctx, m.db, msg.ID)
		return
	}
	if err != nil {
		log.Warn("jobs: load job", "error", err)
		_ = m.queue.nack(context.WithoutCancel(ctx), msg.ID)
		return
	}

	ictx, cancel := context.WithCancelCause(kit.WithJobID(ctx, it.JobID))
	defer cancel(nil)
	m.register(it.JobID, msg.ID, cancel)
	defer m.unregister(it.JobID, msg.ID)

	// Re-read after registering: a Cancel that ran before registration
	// could not reach this item.
	if st, err := m.jobStatus(ctx, it.JobID); err == nil && st == JobCancelled {
		m.commit(ctx, msg, m.cancelledResult(it), nil, false, log)
		return
	}

	stop := m.heartbeat(ictx, msg.ID)
	defer stop()

	if msg.Attempts == 1 {
		if err := m.markAttempted(ctx, it.JobID); err != nil {
			log.Warn("jobs: count attempt", "error", err)
		}
	}

	tctx, tcancel := context.WithTimeout(ictx, m.cfg.ItemTimeout)
	r, links, rendered, err := m.process(tctx, job, it, log)
	tcancel()

	switch {
	case errors.Is(context.Cause(ictx), ErrJobCancelled):
		r, links = m.cancelledResult(it), nil
	case ctx.Err() != nil:
		// Shutdown: leave the item to the next run.
		log.Info("jobs: released at shutdown")
		_ = m.queue.nack(context.WithoutCancel(ctx), msg.ID)
		return
	case err != nil:
		log.Warn("jobs: item failed, will retry", "error", err, "attempt", msg.Attempts)
		_ = m.queue.nack(context.WithoutCancel(ctx), msg.ID)
		return
	}
	m.commit(ctx, msg, r, links, rendered, log)
}

// commit enqueues the in-scope links, appends the result and acks the item
// in one transaction.
func (m *Manager) commit(ctx context.Context, msg *message, r *Result, links []string, rendered bool, log *slog.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	var it item
	_ = json.Unmarshal(msg.Payload, &it)

	r.CompletedAt = m.now().UTC()
	err := dbopen.RunTx(cctx, m.db, func(tx *sql.Tx) error {
		r.Metadata.LinksEnqueued = 0
		for _, l := range links {
			ok, err := m.enqueueTx(cctx, tx, r.JobID, l, it.Depth+1)
			if err != nil {
				return err
			}
			if ok {
				r.Metadata.LinksEnqueued++
			}
		}
		if err := m.insertResultTx(cctx, tx, r, rendered); err != nil {
			return err
		}
		return m.queue.ack(cctx, tx, msg.ID)
	})
	if err != nil {
		log.Error("jobs: commit result", "error", err)
		_ = m.queue.nack(cctx, msg.ID)
		return
	}
	if r.Metadata.LinksEnqueued > 0 {
		m.notify()
	}
	log.Info("jobs: result", "status", r.Status, "reason", r.Reason, "tier", r.Tier,
		"state", r.State, "links", r.Metadata.LinksEnqueued)
	if m.onResult != nil {
		m.onResult(cctx, r)
	}
}

func (m *Manager) baseResult(it item) *Result {
	return &Result{
		ID:          m.newResultID(),
		JobID:       it.JobID,
		URL:         it.URL,
		Depth:       it.Depth,
		CompletedAt: m.now().UTC(),
	}
}

func (m *Manager) cancelledResult(it item) *Result {
	r := m.baseResult(it)
	r.Status, r.Reason, r.Category = StatusError, ReasonCancelled, ReasonCancelled
	return r
}
