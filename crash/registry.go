package crash

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/telemd/dbopen"
)

// Schema contains the DDL for the attribution tables. They live in the
// records database so attribution updates and record flags commit together.
const Schema = `
CREATE TABLE IF NOT EXISTS guilty (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    function TEXT NOT NULL,
    module TEXT NOT NULL,
    comment TEXT NOT NULL DEFAULT '',
    hide INTEGER NOT NULL DEFAULT 0,
    UNIQUE(function, module)
);

CREATE TABLE IF NOT EXISTS guilty_blacklisted (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    function TEXT NOT NULL,
    module TEXT NOT NULL,
    UNIQUE(function, module)
);
`

// Guilty is a deduplicated attribution target.
type Guilty struct {
	ID       int64
	Function string
	Module   string
	Comment  string
	Hidden   bool
}

// GuiltyCount pairs a guilty with its crash count.
type GuiltyCount struct {
	Guilty
	Count int64
}

// Registry maps (function, module) pairs to stable guilty rows and owns
// the operator blacklist.
type Registry struct {
	db *sql.DB
}

// NewRegistry wraps the records database. Call Migrate before first use.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Migrate applies the attribution schema.
func (r *Registry) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("crash: migrate: %w", err)
	}
	return nil
}

// GetOrCreate resolves the guilty id for a pair, inserting it on first
// sight. Concurrent first-insertions of the same pair resolve to a single
// row through the unique constraint plus re-read.
func (r *Registry) GetOrCreate(ctx context.Context, function, module string) (int64, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO guilty (function, module) VALUES (?,?)
		 ON CONFLICT(function, module) DO NOTHING`, function, module)
	if err != nil {
		return 0, fmt.Errorf("crash: insert guilty: %w", err)
	}
	var id int64
	err = r.db.QueryRowContext(ctx,
		`SELECT id FROM guilty WHERE function = ? AND module = ?`, function, module).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("crash: lookup guilty: %w", err)
	}
	return id, nil
}

// Get fetches one guilty by id. Returns sql.ErrNoRows when absent.
func (r *Registry) Get(ctx context.Context, id int64) (*Guilty, error) {
	var g Guilty
	var hide int
	err := r.db.QueryRowContext(ctx,
		`SELECT id, function, module, comment, hide FROM guilty WHERE id = ?`, id).
		Scan(&g.ID, &g.Function, &g.Module, &g.Comment, &hide)
	if err != nil {
		return nil, err
	}
	g.Hidden = hide == 1
	return &g, nil
}

// UpdateComment sets the operator comment.
func (r *Registry) UpdateComment(ctx context.Context, id int64, comment string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE guilty SET comment = ? WHERE id = ?`, comment, id)
	if err != nil {
		return fmt.Errorf("crash: update comment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateHidden sets the hide flag.
func (r *Registry) UpdateHidden(ctx context.Context, id int64, hidden bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE guilty SET hide = ? WHERE id = ?`, hidden, id)
	if err != nil {
		return fmt.Errorf("crash: update hidden: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Hidden returns hidden guilties ordered by function name.
func (r *Registry) Hidden(ctx context.Context) ([]Guilty, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, function, module, comment, hide FROM guilty WHERE hide = 1 ORDER BY function`)
	if err != nil {
		return nil, fmt.Errorf("crash: hidden guilties: %w", err)
	}
	defer rows.Close()
	return scanGuilties(rows)
}

// Top returns the visible guilties with the most attributed crashes.
func (r *Registry) Top(ctx context.Context, limit int) ([]GuiltyCount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT g.id, g.function, g.module, g.comment, g.hide, COUNT(rec.id) AS n
		FROM guilty g
		JOIN records rec ON rec.guilty_id = g.id
		WHERE g.hide = 0
		GROUP BY g.id
		ORDER BY n DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("crash: top guilties: %w", err)
	}
	defer rows.Close()

	var out []GuiltyCount
	for rows.Next() {
		var gc GuiltyCount
		var hide int
		if err := rows.Scan(&gc.ID, &gc.Function, &gc.Module, &gc.Comment, &hide, &gc.Count); err != nil {
			return nil, err
		}
		gc.Hidden = hide == 1
		out = append(out, gc)
	}
	return out, rows.Err()
}

func scanGuilties(rows *sql.Rows) ([]Guilty, error) {
	var out []Guilty
	for rows.Next() {
		var g Guilty
		var hide int
		if err := rows.Scan(&g.ID, &g.Function, &g.Module, &g.Comment, &hide); err != nil {
			return nil, err
		}
		g.Hidden = hide == 1
		out = append(out, g)
	}
	return out, rows.Err()
}

// BlacklistSnapshot loads the current blacklist as an in-memory set.
func (r *Registry) BlacklistSnapshot(ctx context.Context) (Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT function, module FROM guilty_blacklisted`)
	if err != nil {
		return nil, fmt.Errorf("crash: blacklist snapshot: %w", err)
	}
	defer rows.Close()

	snap := make(Snapshot)
	for rows.Next() {
		var fm Funcmod
		if err := rows.Scan(&fm.Function, &fm.Module); err != nil {
			return nil, err
		}
		snap[fm] = true
	}
	return snap, rows.Err()
}

// BlacklistUpdate applies a to-add/to-remove diff in one transaction.
// Re-adds and absent removals are no-ops; the operation is idempotent and
// order-independent.
func (r *Registry) BlacklistUpdate(ctx context.Context, toAdd, toRemove []Funcmod) error {
	return dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, fm := range toAdd {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO guilty_blacklisted (function, module) VALUES (?,?)
				 ON CONFLICT(function, module) DO NOTHING`, fm.Function, fm.Module)
			if err != nil {
				return fmt.Errorf("crash: blacklist add: %w", err)
			}
		}
		for _, fm := range toRemove {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM guilty_blacklisted WHERE function = ? AND module = ?`,
				fm.Function, fm.Module)
			if err != nil {
				return fmt.Errorf("crash: blacklist remove: %w", err)
			}
		}
		return nil
	})
}
