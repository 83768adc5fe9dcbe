package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const busyRetries = 4

// IsBusy reports whether err is an SQLite lock contention error.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// RunTx executes fn inside a transaction. A BUSY failure is retried with a
// linear 50/100/150 ms backoff; any other error from fn is returned as is so
// callers can match their own sentinels with errors.Is.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for i := range busyRetries {
		err = runOnce(ctx, db, fn)
		if err == nil || !IsBusy(err) {
			return err
		}
		if serr := sleepCtx(ctx, time.Duration(50*(i+1))*time.Millisecond); serr != nil {
			return fmt.Errorf("dbopen: tx retry: %w", serr)
		}
	}
	return fmt.Errorf("dbopen: tx: still busy after %d attempts: %w", busyRetries, err)
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}

// Exec runs a single statement with the same BUSY retry as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var (
		res sql.Result
		err error
	)
	for i := range busyRetries {
		res, err = db.ExecContext(ctx, query, args...)
		if err == nil || !IsBusy(err) {
			return res, err
		}
		if serr := sleepCtx(ctx, time.Duration(50*(i+1))*time.Millisecond); serr != nil {
			return nil, fmt.Errorf("dbopen: exec retry: %w", serr)
		}
	}
	return nil, fmt.Errorf("dbopen: exec: still busy after %d attempts: %w", busyRetries, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
