package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/dipcrawl/crawler/internal/pipeline"
	"github.com/hazyhaar/dipcrawl/dbopen"
)

// Schema is the DDL of the job tables and the work queue.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                  TEXT PRIMARY KEY,
    status              TEXT NOT NULL,
    request             TEXT NOT NULL,
    max_pages           INTEGER NOT NULL,
    max_extractor_calls INTEGER NOT NULL,
    pages_enqueued      INTEGER NOT NULL DEFAULT 0,
    pages_attempted     INTEGER NOT NULL DEFAULT 0,
    pages_succeeded     INTEGER NOT NULL DEFAULT 0,
    pages_abstained     INTEGER NOT NULL DEFAULT 0,
    pages_failed        INTEGER NOT NULL DEFAULT 0,
    extractor_calls     INTEGER NOT NULL DEFAULT 0,
    render_invocations  INTEGER NOT NULL DEFAULT 0,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL,
    completed_at        INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS job_items (
    job_id  TEXT NOT NULL,
    url     TEXT NOT NULL,
    depth   INTEGER NOT NULL,
    PRIMARY KEY (job_id, url)
);

CREATE TABLE IF NOT EXISTS job_results (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT NOT NULL UNIQUE,
    job_id       TEXT NOT NULL,
    url          TEXT NOT NULL,
    depth        INTEGER NOT NULL DEFAULT 0,
    status       TEXT NOT NULL,
    reason       TEXT NOT NULL DEFAULT '',
    category     TEXT NOT NULL DEFAULT '',
    data         TEXT,
    evidence     TEXT,
    state        TEXT NOT NULL DEFAULT '',
    trace        TEXT,
    metadata     TEXT NOT NULL DEFAULT '{}',
    tier         TEXT NOT NULL DEFAULT '',
    fetched_at   INTEGER,
    completed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_results_job ON job_results(job_id, seq);
` + queueSchema

const jobColumns = `id, status, request, max_pages, max_extractor_calls,
	pages_enqueued, pages_attempted, pages_succeeded, pages_abstained, pages_failed,
	extractor_calls, render_invocations, created_at, updated_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var (
		j         Job
		req       string
		created   int64
		updated   int64
		completed sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.Status, &req, &j.Budget.MaxPages, &j.Budget.MaxExtractorCalls,
		&j.Counters.Enqueued, &j.Counters.Attempted, &j.Counters.Succeeded, &j.Counters.Abstained, &j.Counters.Failed,
		&j.Usage.ExtractorCalls, &j.Usage.RenderInvocations, &created, &updated, &completed)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(req), &j.Request); err != nil {
		return nil, fmt.Errorf("jobs: decode request of %s: %w", j.ID, err)
	}
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.UpdatedAt = time.UnixMilli(updated).UTC()
	if completed.Valid {
		t := time.UnixMilli(completed.Int64).UTC()
		j.CompletedAt = &t
	}
	return &j, nil
}

func (m *Manager) getJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(m.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: get %s: %w", id, err)
	}
	return j, nil
}

// jobStatus reads only the status column.
func (m *Manager) jobStatus(ctx context.Context, id string) (string, error) {
	var s string
	err := m.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return s, err
}

// markAttempted moves a queued job to running and counts one attempted page.
func (m *Manager) markAttempted(ctx context.Context, jobID string) error {
	now := m.now().UnixMilli()
	_, err := dbopen.Exec(ctx, m.db, `
		UPDATE jobs SET
			status = CASE WHEN status = ? THEN ? ELSE status END,
			pages_attempted = pages_attempted + 1,
			updated_at = ?
		WHERE id = ?`, JobQueued, JobRunning, now, jobID)
	return err
}

// reserveCall consumes one extractor call of the job's budget. The counter
// is the budget: the update only succeeds below the maximum.
func (m *Manager) reserveCall(ctx context.Context, jobID string) (bool, error) {
	res, err := dbopen.Exec(ctx, m.db, `
		UPDATE jobs SET extractor_calls = extractor_calls + 1, updated_at = ?
		WHERE id = ? AND extractor_calls < max_extractor_calls`, m.now().UnixMilli(), jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// enqueueTx records url as part of the job and publishes its work item,
// within the page budget. It reports whether the item was enqueued; a
// duplicate or a spent budget is not an error.
func (m *Manager) enqueueTx(ctx context.Context, tx *sql.Tx, jobID, url string, depth int) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM job_items WHERE job_id = ? AND url = ?`, jobID, url).Scan(&one)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET pages_enqueued = pages_enqueued + 1, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND pages_enqueued < max_pages`,
		m.now().UnixMilli(), jobID, JobQueued, JobRunning)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO job_items (job_id, url, depth) VALUES (?, ?, ?)`, jobID, url, depth); err != nil {
		return false, err
	}
	payload, err := json.Marshal(item{JobID: jobID, URL: url, Depth: depth})
	if err != nil {
		return false, err
	}
	if err := m.queue.publish(ctx, tx, m.newItemID(), jobID, payload); err != nil {
		return false, err
	}
	return true, nil
}

// insertResultTx appends r, bumps the counters matching its status and
// completes the job when every enqueued page has a result.
func (m *Manager) insertResultTx(ctx context.Context, tx *sql.Tx, r *Result, renderInvoked bool) error {
	data, err := marshalOrNull(r.Data)
	if err != nil {
		return err
	}
	ev, err := marshalOrNull(r.Evidence)
	if err != nil {
		return err
	}
	trace, err := marshalOrNull(r.Trace)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return err
	}
	var fetched sql.NullInt64
	if r.FetchedAt != nil {
		fetched = sql.NullInt64{Int64: r.FetchedAt.UnixMilli(), Valid: true}
	}
	row := tx.QueryRowContext(ctx, `
		INSERT INTO job_results (id, job_id, url, depth, status, reason, category, data, evidence,
			state, trace, metadata, tier, fetched_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq`,
		r.ID, r.JobID, r.URL, r.Depth, r.Status, r.Reason, r.Category, data, ev,
		string(r.State), trace, string(meta), r.Tier, fetched, r.CompletedAt.UnixMilli())
	if err := row.Scan(&r.Seq); err != nil {
		return fmt.Errorf("jobs: insert result: %w", err)
	}

	col := "pages_failed"
	switch r.Status {
	case StatusOK:
		col = "pages_succeeded"
	case StatusAbstained:
		col = "pages_abstained"
	}
	render := 0
	if renderInvoked {
		render = 1
	}
	now := m.now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET `+col+` = `+col+` + 1,
		render_invocations = render_invocations + ?, updated_at = ? WHERE id = ?`,
		render, now, r.JobID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)
		  AND pages_succeeded + pages_abstained + pages_failed >= pages_enqueued`,
		JobCompleted, now, r.JobID, JobQueued, JobRunning)
	return err
}

func (m *Manager) listResults(ctx context.Context, jobID string, afterSeq int64) ([]*Result, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT seq, id, job_id, url, depth, status, reason, category, data, evidence,
			state, trace, metadata, tier, fetched_at, completed_at
		FROM job_results WHERE job_id = ? AND seq > ? ORDER BY seq`, jobID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("jobs: list results: %w", err)
	}
	defer rows.Close()
	var out []*Result
	for rows.Next() {
		var (
			r               Result
			state           string
			data, ev, trace sql.NullString
			meta            string
			fetched         sql.NullInt64
			completed       int64
		)
		if err := rows.Scan(&r.Seq, &r.ID, &r.JobID, &r.URL, &r.Depth, &r.Status, &r.Reason, &r.Category,
			&data, &ev, &state, &trace, &meta, &r.Tier, &fetched, &completed); err != nil {
			return nil, err
		}
		r.State = pipeline.State(state)
		if err := unmarshalIfSet(data, &r.Data); err != nil {
			return nil, err
		}
		if err := unmarshalIfSet(ev, &r.Evidence); err != nil {
			return nil, err
		}
		if err := unmarshalIfSet(trace, &r.Trace); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return nil, err
		}
		if fetched.Valid {
			t := time.UnixMilli(fetched.Int64).UTC()
			r.FetchedAt = &t
		}
		r.CompletedAt = time.UnixMilli(completed).UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}

func marshalOrNull(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]string:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalIfSet(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}
