package purge

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/telemd/dbopen"
)

// matcher is one filtered rule's SQL condition.
type matcher struct {
	cond string
	arg  any
}

func newMatcher(field, value string) matcher {
	if field == "classification" && strings.HasSuffix(value, "*") {
		return matcher{cond: "classification LIKE ?", arg: strings.TrimSuffix(value, "*") + "%"}
	}
	return matcher{cond: field + " = ?", arg: value}
}

// Engine runs the retention sweep against the records database.
type Engine struct {
	db  *sql.DB
	cfg Config
	log *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New creates a purge engine.
func New(db *sql.DB, cfg Config, opts ...Option) *Engine {
	e := &Engine{db: db, cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run executes one full sweep: each filtered rule in its own transaction,
// then the unfiltered pass, then orphaned attachment cleanup. A failing
// pass is logged and does not block the remaining passes. Retention is
// measured against the reception timestamp.
func (e *Engine) Run(ctx context.Context) {
	now := time.Now().Unix()

	// Deterministic rule order: fields then values, sorted.
	fields := make([]string, 0, len(e.cfg.FilteredRecords))
	for field := range e.cfg.FilteredRecords {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var exclusions []matcher
	for _, field := range fields {
		rules := e.cfg.FilteredRecords[field]
		values := make([]string, 0, len(rules))
		for value := range rules {
			values = append(values, value)
		}
		sort.Strings(values)

		for _, value := range values {
			m := newMatcher(field, value)
			// Every configured rule, including keep-forever ones, shields
			// its records from the unfiltered sweep.
			exclusions = append(exclusions, m)

			days := rules[value]
			if days == 0 {
				continue
			}
			if err := e.deleteFiltered(ctx, m, now-int64(days)*86400); err != nil {
				e.log.Error("purge: filtered pass failed",
					"field", field, "value", value, "error", err)
			} else {
				e.log.Info("purge: filtered pass done", "field", field, "value", value, "days", days)
			}
		}
	}

	if e.cfg.MaxDaysKeepUnfilteredRecords > 0 {
		cutoff := now - int64(e.cfg.MaxDaysKeepUnfilteredRecords)*86400
		if err := e.deleteUnfiltered(ctx, exclusions, cutoff); err != nil {
			e.log.Error("purge: unfiltered pass failed", "error", err)
		} else {
			e.log.Info("purge: unfiltered pass done", "days", e.cfg.MaxDaysKeepUnfilteredRecords)
		}
	}

	if err := e.cleanAttachments(ctx); err != nil {
		e.log.Error("purge: attachment cleanup failed", "error", err)
	}
}

func (e *Engine) deleteFiltered(ctx context.Context, m matcher, cutoff int64) error {
	return dbopen.RunTx(ctx, e.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM records WHERE "+m.cond+" AND timestamp_server < ?", m.arg, cutoff)
		return err
	})
}

func (e *Engine) deleteUnfiltered(ctx context.Context, exclusions []matcher, cutoff int64) error {
	q := "DELETE FROM records WHERE timestamp_server < ?"
	args := []any{cutoff}
	for _, m := range exclusions {
		q += " AND NOT (" + m.cond + ")"
		args = append(args, m.arg)
	}
	return dbopen.RunTx(ctx, e.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, q, args...)
		return err
	})
}

// cleanAttachments removes quarantined files and attachment rows whose
// record has been purged.
func (e *Engine) cleanAttachments(ctx context.Context) error {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, file_path FROM attachments
		WHERE record_id NOT IN (SELECT id FROM records)`)
	if err != nil {
		return fmt.Errorf("purge: orphaned attachments: %w", err)
	}
	type orphan struct {
		id   int64
		path string
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.id, &o.path); err != nil {
			rows.Close()
			return err
		}
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, o := range orphans {
		if err := os.Remove(o.path); err != nil && !os.IsNotExist(err) {
			e.log.Warn("purge: quarantine file removal failed", "path", o.path, "error", err)
			continue
		}
		if _, err := e.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = ?`, o.id); err != nil {
			return fmt.Errorf("purge: delete attachment row: %w", err)
		}
	}
	return nil
}

// RunDaily sweeps immediately, then every interval (24h when zero), until
// the context is cancelled.
func (e *Engine) RunDaily(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	e.Run(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Run(ctx)
		}
	}
}
