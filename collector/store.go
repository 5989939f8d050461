package collector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/telemd/dbopen"
)

// Query caps enforced by the records API.
const (
	MaxRecords     = 1000
	MaxIntervalSec = 30 * 24 * 60 * 60
)

// Schema contains the DDL for the records store.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    machine_id TEXT NOT NULL,
    machine_type TEXT NOT NULL,
    arch TEXT NOT NULL,
    build TEXT NOT NULL,
    kernel_version TEXT NOT NULL,
    record_format_version INTEGER NOT NULL,
    payload_format_version INTEGER NOT NULL DEFAULT 1,
    severity INTEGER NOT NULL,
    classification TEXT NOT NULL,
    os_name TEXT NOT NULL DEFAULT '',
    board_name TEXT NOT NULL DEFAULT '',
    bios_version TEXT NOT NULL DEFAULT '',
    cpu_model TEXT NOT NULL DEFAULT '',
    event_id TEXT NOT NULL DEFAULT '',
    external INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL DEFAULT '',
    timestamp_client INTEGER NOT NULL,
    timestamp_server INTEGER NOT NULL,
    processed INTEGER NOT NULL DEFAULT 0,
    guilty_id INTEGER
);
CREATE INDEX IF NOT EXISTS idx_records_classification ON records(classification);
CREATE INDEX IF NOT EXISTS idx_records_timestamp_server ON records(timestamp_server);
CREATE INDEX IF NOT EXISTS idx_records_processed ON records(processed);

CREATE TABLE IF NOT EXISTS attachments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id INTEGER NOT NULL,
    file_path TEXT NOT NULL,
    mime_type TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attachments_record ON attachments(record_id);
`

// Store is the records repository over SQLite.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open records database. Call Migrate before first use.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that share the store.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate applies the records schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("collector: migrate: %w", err)
	}
	return nil
}

const recordColumns = `id, machine_id, machine_type, arch, build, kernel_version,
	record_format_version, payload_format_version, severity, classification,
	os_name, board_name, bios_version, cpu_model, event_id, external, payload,
	timestamp_client, timestamp_server, processed, guilty_id`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var r Record
	var external, processed int
	err := row.Scan(&r.ID, &r.MachineID, &r.HostType, &r.Arch, &r.Build,
		&r.KernelVersion, &r.RecordFormatVersion, &r.PayloadFormatVersion,
		&r.Severity, &r.Classification, &r.OSName, &r.BoardName, &r.BiosVersion,
		&r.CPUModel, &r.EventID, &external, &r.Payload,
		&r.TsCapture, &r.TsReception, &processed, &r.GuiltyID)
	if err != nil {
		return nil, err
	}
	r.External = external == 1
	r.Processed = processed == 1
	return &r, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, ex execer, r *Record) error {
	res, err := ex.ExecContext(ctx, `
		INSERT INTO records (
			machine_id, machine_type, arch, build, kernel_version,
			record_format_version, payload_format_version, severity,
			classification, os_name, board_name, bios_version, cpu_model,
			event_id, external, payload, timestamp_client, timestamp_server
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.MachineID, r.HostType, r.Arch, r.Build, r.KernelVersion,
		r.RecordFormatVersion, r.PayloadFormatVersion, r.Severity,
		r.Classification, r.OSName, r.BoardName, r.BiosVersion, r.CPUModel,
		r.EventID, r.External, r.Payload, r.TsCapture, r.TsReception)
	if err != nil {
		return fmt.Errorf("collector: insert record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("collector: insert record id: %w", err)
	}
	r.ID = id
	return nil
}

func insertAttachment(ctx context.Context, ex execer, recordID int64, filePath, mimeType string) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO attachments (record_id, file_path, mime_type) VALUES (?,?,?)`,
		recordID, filePath, mimeType)
	if err != nil {
		return fmt.Errorf("collector: insert attachment: %w", err)
	}
	return nil
}

// Insert persists a new record and assigns its id.
func (s *Store) Insert(ctx context.Context, r *Record) error {
	return insertRecord(ctx, s.db, r)
}

// InsertAttachment records a quarantined binary upload for a record.
func (s *Store) InsertAttachment(ctx context.Context, recordID int64, filePath, mimeType string) error {
	return insertAttachment(ctx, s.db, recordID, filePath, mimeType)
}

// InsertWithAttachment persists a record and its quarantined attachment in
// one transaction, so a failed attachment insert leaves no orphan record.
func (s *Store) InsertWithAttachment(ctx context.Context, r *Record, filePath, mimeType string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := insertRecord(ctx, tx, r); err != nil {
			return err
		}
		return insertAttachment(ctx, tx, r.ID, filePath, mimeType)
	})
}

// GetRecord fetches one record by id. Returns sql.ErrNoRows when absent.
func (s *Store) GetRecord(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	return scanRecord(row)
}

// Filter narrows a records query. Zero values mean "no constraint".
type Filter struct {
	Severity       int
	Classification string
	Build          string
	MachineID      string
	IntervalSec    int64 // lower bound on reception time, seconds back from now
	Limit          int
}

// QueryRecords returns records matching the filter, newest first. The
// interval is capped at MaxIntervalSec and the limit at MaxRecords.
func (s *Store) QueryRecords(ctx context.Context, f Filter) ([]*Record, error) {
	var conds []string
	var args []any
	if f.Severity > 0 {
		conds = append(conds, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.Classification != "" {
		conds = append(conds, "classification = ?")
		args = append(args, f.Classification)
	}
	if f.Build != "" {
		conds = append(conds, "build = ?")
		args = append(args, f.Build)
	}
	if f.MachineID != "" {
		conds = append(conds, "machine_id = ?")
		args = append(args, f.MachineID)
	}
	if f.IntervalSec > 0 {
		if f.IntervalSec > MaxIntervalSec {
			f.IntervalSec = MaxIntervalSec
		}
		conds = append(conds, "timestamp_server >= ?")
		args = append(args, time.Now().Unix()-f.IntervalSec)
	}

	q := `SELECT ` + recordColumns + ` FROM records`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > MaxRecords {
		limit = MaxRecords
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("collector: query records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("collector: scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordsForProcessing returns unprocessed records in the given
// classifications that carry a payload, oldest first. A nonzero id narrows
// the selection to that single record.
func (s *Store) RecordsForProcessing(ctx context.Context, classes []string, id int64) ([]*Record, error) {
	if len(classes) == 0 {
		return nil, nil
	}
	q := `SELECT ` + recordColumns + ` FROM records
		WHERE processed = 0 AND payload <> ''
		AND os_name = ? AND classification IN (` + placeholders(len(classes)) + `)`
	args := []any{ClearLinuxOS}
	for _, c := range classes {
		args = append(args, c)
	}
	if id > 0 {
		q += " AND id = ?"
		args = append(args, id)
	}
	q += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("collector: records for processing: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("collector: scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdatePayload persists a rewritten payload. The crash worker uses this to
// store the demangled backtrace.
func (s *Store) UpdatePayload(ctx context.Context, id int64, payload string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE records SET payload = ? WHERE id = ?`, payload, id)
	if err != nil {
		return fmt.Errorf("collector: update payload: %w", err)
	}
	return nil
}

// SetGuilty attaches an attribution to a record and marks it processed.
func (s *Store) SetGuilty(ctx context.Context, id, guiltyID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE records SET guilty_id = ?, processed = 1 WHERE id = ?`, guiltyID, id)
	if err != nil {
		return fmt.Errorf("collector: set guilty: %w", err)
	}
	return nil
}

// ResetProcessed flips processed back to false for the given
// classifications, permitting a re-run. A nonzero id narrows the reset to
// one record.
func (s *Store) ResetProcessed(ctx context.Context, classes []string, id int64) error {
	if len(classes) == 0 {
		return nil
	}
	q := `UPDATE records SET processed = 0, guilty_id = NULL
		WHERE classification IN (` + placeholders(len(classes)) + `)`
	var args []any
	for _, c := range classes {
		args = append(args, c)
	}
	if id > 0 {
		q += " AND id = ?"
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("collector: reset processed: %w", err)
	}
	return nil
}

// Backtrace is a crash payload paired with its record id.
type Backtrace struct {
	RecordID int64
	Payload  string
}

// CrashBacktraces returns the payloads of crash records in the given
// classifications. Optional narrowing by guilty id, machine id and build.
func (s *Store) CrashBacktraces(ctx context.Context, classes []string, guiltyID int64, machineID, build string) ([]Backtrace, error) {
	if len(classes) == 0 {
		return nil, nil
	}
	q := `SELECT id, payload FROM records
		WHERE payload <> '' AND classification IN (` + placeholders(len(classes)) + `)`
	var args []any
	for _, c := range classes {
		args = append(args, c)
	}
	if guiltyID > 0 {
		q += " AND guilty_id = ?"
		args = append(args, guiltyID)
	}
	if machineID != "" {
		q += " AND machine_id = ?"
		args = append(args, machineID)
	}
	if build != "" {
		q += " AND build = ?"
		args = append(args, build)
	}
	q += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("collector: crash backtraces: %w", err)
	}
	defer rows.Close()

	var out []Backtrace
	for rows.Next() {
		var b Backtrace
		if err := rows.Scan(&b.RecordID, &b.Payload); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountBy returns value→count for a low-cardinality record column. Only
// the fixed dimension columns are accepted.
func (s *Store) CountBy(ctx context.Context, column string, limit int) (map[string]int64, error) {
	switch column {
	case "classification", "severity", "build":
	default:
		return nil, fmt.Errorf("collector: count by %s not supported", column)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s, COUNT(*) AS n FROM records GROUP BY %s ORDER BY n DESC LIMIT ?`,
		column, column), limit)
	if err != nil {
		return nil, fmt.Errorf("collector: count by %s: %w", column, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var value string
		var n int64
		if err := rows.Scan(&value, &n); err != nil {
			return nil, err
		}
		out[value] = n
	}
	return out, rows.Err()
}

// TotalRecords returns the record count.
func (s *Store) TotalRecords(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	return n, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
