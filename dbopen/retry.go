package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const (
	busyRetries = 3
	busyBackoff = 100 * time.Millisecond
)

// IsBusy reports whether err is an SQLite BUSY condition. With WAL and a
// single writer these are transient; writes hitting one are worth a retry.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// retry runs op up to busyRetries times with linear backoff, retrying only
// BUSY errors.
func retry(ctx context.Context, name string, op func() error) error {
	for i := range busyRetries {
		err := op()
		if err == nil {
			return nil
		}
		if !IsBusy(err) || i == busyRetries-1 {
			return err
		}
		if err := sleepCtx(ctx, busyBackoff*time.Duration(i+1)); err != nil {
			return fmt.Errorf("dbopen: %s: cancelled during retry: %w", name, err)
		}
	}
	return fmt.Errorf("dbopen: %s: max retries exceeded", name)
}

// RunTx executes fn inside a transaction, retrying the whole transaction
// on SQLITE_BUSY. fn must be safe to re-run.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return retry(ctx, "RunTx", func() error {
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
	})
}

// Exec executes a single statement with BUSY retry.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := retry(ctx, "Exec", func() error {
		var execErr error
		result, execErr = db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
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
