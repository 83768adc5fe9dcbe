// Package evidence records, for every extracted field, where its value came
// from: source URL, retrieval time, the locator of the exact region used,
// and a hash of that region. Records are append-only; re-extraction writes
// a new version next to the old ones.
package evidence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/dipcrawl/idgen"
)

// Schema is the DDL of the evidence table. The triggers reject any
// UPDATE or DELETE: history is only ever appended to.
const Schema = `
CREATE TABLE IF NOT EXISTS evidence (
    id            TEXT PRIMARY KEY,
    job_id        TEXT NOT NULL DEFAULT '',
    result_id     TEXT NOT NULL DEFAULT '',
    url           TEXT NOT NULL,
    field         TEXT NOT NULL,
    fetched_at    INTEGER NOT NULL,
    content_hash  TEXT NOT NULL,
    locator       TEXT NOT NULL,
    snippet       TEXT NOT NULL DEFAULT '',
    tier          TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_url_field ON evidence(url, field, created_at);
CREATE INDEX IF NOT EXISTS idx_evidence_job ON evidence(job_id);

CREATE TRIGGER IF NOT EXISTS evidence_no_update
BEFORE UPDATE ON evidence
BEGIN
    SELECT RAISE(ABORT, 'evidence is append-only');
END;

CREATE TRIGGER IF NOT EXISTS evidence_no_delete
BEFORE DELETE ON evidence
BEGIN
    SELECT RAISE(ABORT, 'evidence is append-only');
END;
`

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("evidence: not found")

// Record is one immutable evidence row.
type Record struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id,omitempty"`
	ResultID    string    `json:"result_id,omitempty"`
	URL         string    `json:"source_url"`
	Field       string    `json:"field"`
	FetchedAt   time.Time `json:"fetched_at"`
	ContentHash string    `json:"content_hash"`
	Locator     Locator   `json:"locator"`
	Snippet     string    `json:"snippet,omitempty"`
	Tier        string    `json:"tier,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Input is what Record needs to write one row.
type Input struct {
	JobID       string
	ResultID    string
	URL         string
	Field       string
	FetchedAt   time.Time
	Tier        string
	Content     []byte
	ContentType string
	Locator     Locator
}

// Recorder writes and reads evidence rows.
type Recorder struct {
	db         *sql.DB
	newID      idgen.Generator
	sanitizer  *bluemonday.Policy
	snippetMax int
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(r *Recorder) { r.logger = l } }

// WithIDGenerator overrides the id generator (UUIDv7 by default).
func WithIDGenerator(g idgen.Generator) Option { return func(r *Recorder) { r.newID = g } }

// WithSnippetMax sets the snippet length in runes. Zero disables snippets.
func WithSnippetMax(n int) Option { return func(r *Recorder) { r.snippetMax = n } }

// WithClock sets the time source (tests).
func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

// NewRecorder wraps db. The caller applies Schema.
func NewRecorder(db *sql.DB, opts ...Option) *Recorder {
	r := &Recorder{
		db:         db,
		newID:      idgen.UUIDv7(),
		sanitizer:  bluemonday.StrictPolicy(),
		snippetMax: 280,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Hash is the content hash of a region: "sha256:" followed by hex.
func Hash(region []byte) string {
	sum := sha256.Sum256(region)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Record resolves in.Locator against in.Content, hashes exactly that
// region, and appends the row.
func (r *Recorder) Record(ctx context.Context, in Input) (*Record, error) {
	reg, err := Resolve(in.Content, in.ContentType, in.Locator)
	if err != nil {
		return nil, fmt.Errorf("evidence: record %s: %w", in.Field, err)
	}
	rec := &Record{
		ID:          r.newID(),
		JobID:       in.JobID,
		ResultID:    in.ResultID,
		URL:         in.URL,
		Field:       in.Field,
		FetchedAt:   in.FetchedAt.UTC(),
		ContentHash: Hash(reg.Bytes),
		Locator:     reg.Locator,
		Snippet:     r.snippet(reg.Bytes),
		Tier:        in.Tier,
		CreatedAt:   r.now().UTC(),
	}
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = rec.CreatedAt
	}
	loc, err := json.Marshal(rec.Locator)
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal locator: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO evidence (id, job_id, result_id, url, field, fetched_at, content_hash, locator, snippet, tier, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.JobID, rec.ResultID, rec.URL, rec.Field,
		rec.FetchedAt.UnixMilli(), rec.ContentHash, string(loc), rec.Snippet, rec.Tier, rec.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("evidence: insert: %w", err)
	}
	r.logger.DebugContext(ctx, "evidence: recorded", "id", rec.ID, "url", rec.URL, "field", rec.Field, "locator", rec.Locator.String())
	return rec, nil
}

const recordColumns = `id, job_id, result_id, url, field, fetched_at, content_hash, locator, snippet, tier, created_at`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var (
		rec              Record
		loc              string
		fetched, created int64
	)
	if err := row.Scan(&rec.ID, &rec.JobID, &rec.ResultID, &rec.URL, &rec.Field,
		&fetched, &rec.ContentHash, &loc, &rec.Snippet, &rec.Tier, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(loc), &rec.Locator); err != nil {
		return nil, fmt.Errorf("evidence: decode locator of %s: %w", rec.ID, err)
	}
	rec.FetchedAt = time.UnixMilli(fetched).UTC()
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return &rec, nil
}

// Get returns the record with the given id.
func (r *Recorder) Get(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM evidence WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("evidence: get %s: %w", id, err)
	}
	return rec, nil
}

// ListByURL returns the versions recorded for url, newest first. An empty
// field lists every field.
func (r *Recorder) ListByURL(ctx context.Context, url, field string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + recordColumns + ` FROM evidence WHERE url = ?`
	args := []any{url}
	if field != "" {
		q += ` AND field = ?`
		args = append(args, field)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	return r.query(ctx, q, args...)
}

// ListByJob returns the records written for a job, oldest first.
func (r *Recorder) ListByJob(ctx context.Context, jobID string) ([]*Record, error) {
	return r.query(ctx, `SELECT `+recordColumns+` FROM evidence WHERE job_id = ? ORDER BY created_at, id`, jobID)
}

func (r *Recorder) query(ctx context.Context, q string, args ...any) ([]*Record, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("evidence: query: %w", err)
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Verify recomputes the hash of rec's locator over content. It reports
// false with a nil error when the region still resolves but changed.
func Verify(rec *Record, content []byte, contentType string) (bool, error) {
	reg, err := Resolve(content, contentType, rec.Locator)
	if err != nil {
		return false, err
	}
	return Hash(reg.Bytes) == rec.ContentHash, nil
}

// snippet is the sanitised, whitespace-collapsed text of a region.
func (r *Recorder) snippet(region []byte) string {
	if r.snippetMax <= 0 {
		return ""
	}
	text := r.sanitizer.SanitizeBytes(region)
	s := strings.Join(strings.Fields(string(text)), " ")
	if rs := []rune(s); len(rs) > r.snippetMax {
		s = string(rs[:r.snippetMax]) + "…"
	}
	return s
}
