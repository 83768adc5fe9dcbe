package jobs

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// queueSchema is a visibility-timeout queue. A claimed row stays in the
// table, invisible until visible_at; the holder deletes it when done or
// extends it while working. A holder that dies leaves the row to reappear.
const queueSchema = `
CREATE TABLE IF NOT EXISTS vtq_jobs (
    id          TEXT PRIMARY KEY,
    queue       TEXT NOT NULL DEFAULT '',
    grp         TEXT NOT NULL DEFAULT '',
    payload     BLOB,
    visible_at  INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_vtq_visible ON vtq_jobs (queue, visible_at);
CREATE INDEX IF NOT EXISTS idx_vtq_grp ON vtq_jobs (queue, grp);
`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// message is a claimed queue row.
type message struct {
	ID        string
	Group     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// queue is a handle on one logical queue of the vtq_jobs table. Rows of
// one job share a group so they can be dropped together.
type queue struct {
	db         *sql.DB
	name       string
	visibility time.Duration
	now        func() time.Time
}

func newQueue(db *sql.DB, name string, visibility time.Duration, now func() time.Time) *queue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &queue{db: db, name: name, visibility: visibility, now: now}
}

// publish inserts an immediately visible row through ex, so callers can
// enqueue inside their own transaction.
func (q *queue) publish(ctx context.Context, ex execer, id, group string, payload []byte) error {
	now := q.now().UnixMilli()
	_, err := ex.ExecContext(ctx,
		`INSERT INTO vtq_jobs (id, queue, grp, payload, visible_at, created_at) VALUES (?,?,?,?,?,?)`,
		id, q.name, group, payload, now, now,
	)
	return err
}

// claim atomically picks the oldest visible row and hides it for the
// visibility duration. It returns nil, nil when nothing is visible.
func (q *queue) claim(ctx context.Context) (*message, error) {
	now := q.now()
	hideUntil := now.Add(q.visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE vtq_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM vtq_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING id, grp, payload, visible_at, created_at, attempts`,
		hideUntil, q.name, now.UnixMilli(),
	)

	var m message
	var visAt, creAt int64
	err := row.Scan(&m.ID, &m.Group, &m.Payload, &visAt, &creAt, &m.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.VisibleAt = time.UnixMilli(visAt)
	m.CreatedAt = time.UnixMilli(creAt)
	return &m, nil
}

func (q *queue) ack(ctx context.Context, ex execer, id string) error {
	_, err := ex.ExecContext(ctx, `DELETE FROM vtq_jobs WHERE id = ? AND queue = ?`, id, q.name)
	return err
}

// nack makes a row visible again at once.
func (q *queue) nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE vtq_jobs SET visible_at = 0 WHERE id = ? AND queue = ?`, id, q.name)
	return err
}

// extend pushes the visibility of a row being worked on (heartbeat).
func (q *queue) extend(ctx context.Context, id string) error {
	hideUntil := q.now().Add(q.visibility).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = ? WHERE id = ? AND queue = ?`, hideUntil, id, q.name)
	return err
}

// dropVisible deletes the rows of group that nobody holds and returns their
// payloads. Claimed rows are left to their holder.
func (q *queue) dropVisible(ctx context.Context, ex execer, group string) ([][]byte, error) {
	rows, err := ex.QueryContext(ctx,
		`DELETE FROM vtq_jobs WHERE queue = ? AND grp = ? AND visible_at <= ? RETURNING payload`,
		q.name, group, q.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var p []byte
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// length returns the number of rows, visible or not.
func (q *queue) length(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vtq_jobs WHERE queue = ?`, q.name).Scan(&n)
	return n, err
}
