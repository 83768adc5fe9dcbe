// Package metrics is a buffered SQLite timeseries. Points are queued in
// memory and written in batches by a flush loop; when the buffer is full new
// points are dropped rather than slowing the caller down.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/dipcrawl/dbopen"
)

// Schema is the DDL of the timeseries table.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time ON metrics_timeseries(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON metrics_timeseries(timestamp DESC);
`

// Metric names.
const (
	FetchLatencyMs  = "fetch_latency_ms"
	RenderLatencyMs = "render_latency_ms"
	ExtractorCalls  = "extractor_calls"
	PipelineOutcome = "pipeline_outcome"
	JobResult       = "job_result"
)

// Metric is a single datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string // "ms", "count"
}

// Recorder buffers metrics and flushes them to SQLite in batches.
type Recorder struct {
	db            *sql.DB
	batchSize     int
	maxBuffer     int
	flushInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	buffer  []Metric
	kick    chan struct{}
	dropped atomic.Int64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithBatchSize sets the buffer length that triggers an early flush.
// Default: 100.
func WithBatchSize(n int) Option { return func(r *Recorder) { r.batchSize = n } }

// WithMaxBuffer sets the buffer length above which points are dropped.
// Default: 10 x batch size.
func WithMaxBuffer(n int) Option { return func(r *Recorder) { r.maxBuffer = n } }

// WithFlushInterval sets the flush period. Default: 5s.
func WithFlushInterval(d time.Duration) Option { return func(r *Recorder) { r.flushInterval = d } }

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(r *Recorder) { r.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

// New creates a Recorder. The caller applies Schema to db and runs Run.
func New(db *sql.DB, opts ...Option) *Recorder {
	r := &Recorder{
		db:            db,
		batchSize:     100,
		flushInterval: 5 * time.Second,
		logger:        slog.Default(),
		now:           time.Now,
		kick:          make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(r)
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	if r.flushInterval <= 0 {
		r.flushInterval = 5 * time.Second
	}
	if r.maxBuffer < r.batchSize {
		r.maxBuffer = 10 * r.batchSize
	}
	return r
}

// Record queues m. It never blocks on the database.
func (r *Recorder) Record(m Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = r.now()
	}
	r.mu.Lock()
	if len(r.buffer) >= r.maxBuffer {
		r.mu.Unlock()
		r.dropped.Add(1)
		return
	}
	r.buffer = append(r.buffer, m)
	full := len(r.buffer) >= r.batchSize
	r.mu.Unlock()
	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// Dropped is the number of points lost to a full buffer.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Run flushes on every interval or full batch until ctx is done, then
// flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	t := time.NewTicker(r.flushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := r.Flush(fctx); err != nil {
				r.logger.Error("metrics: final flush", "error", err)
			}
			return nil
		case <-t.C:
		case <-r.kick:
		}
		if err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("metrics: flush", "error", err)
		}
	}
}

// Flush writes the buffered points in one transaction. On failure the
// batch is lost; metrics are not worth a retry queue.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.buffer
	r.buffer = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	err := dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range batch {
			var labels sql.NullString
			if len(m.Labels) > 0 {
				if b, err := json.Marshal(m.Labels); err == nil {
					labels = sql.NullString{String: string(b), Valid: true}
				}
			}
			if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labels, m.Unit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("metrics: flush %d points: %w", len(batch), err)
	}
	return nil
}

// Query returns points of name (all names when empty) between since and
// until (zero means unbounded), newest first.
func (r *Recorder) Query(ctx context.Context, name string, since, until time.Time, limit int) ([]Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	var args []any
	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	if !since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, since.UnixMilli())
	}
	if !until.IsZero() {
		q += " AND timestamp <= ?"
		args = append(args, until.UnixMilli())
	}
	q += " ORDER BY timestamp DESC, id DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("metrics: query: %w", err)
	}
	defer rows.Close()
	var out []Metric
	for rows.Next() {
		var (
			m      Metric
			ts     int64
			labels sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &m.Unit); err != nil {
			return nil, fmt.Errorf("metrics: scan: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts).UTC()
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Cleanup deletes points older than retention and returns the count removed.
func (r *Recorder) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := dbopen.Exec(ctx, r.db, `DELETE FROM metrics_timeseries WHERE timestamp < ?`,
		r.now().Add(-retention).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("metrics: cleanup: %w", err)
	}
	return res.RowsAffected()
}
