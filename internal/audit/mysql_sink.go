package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "sentinel-kernel/internal/errors"
)

const (
	// CodeSinkFailure marks a durable audit sink write failure. It never
	// blocks the caller: the in-memory ring buffer has already accepted
	// the entry by the time a sink failure can occur.
	CodeSinkFailure xerrors.Code = "STORAGE_FAILURE"
)

func init() {
	xerrors.Register(CodeSinkFailure, xerrors.Attributes{
		Message:   "audit sink write failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// MySQLSinkConfig describes the durable audit table connection.
type MySQLSinkConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLSink persists audit entries to a MySQL table. It mirrors the
// Memory-first, MySQL-optional layering used elsewhere in this codebase:
// the in-memory ring buffer in Log is always authoritative for the running
// process, and MySQLSink is a best-effort durability mirror.
type MySQLSink struct {
	db *sql.DB
}

// NewMySQLSink opens the connection pool and ensures the audit table
// exists.
func NewMySQLSink(ctx context.Context, cfg MySQLSinkConfig) (*MySQLSink, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(CodeSinkFailure, "mysql dsn is empty")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(CodeSinkFailure, err, "open mysql connection")
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(CodeSinkFailure, err, "ping mysql")
	}

	sink := &MySQLSink{db: db}
	if err := sink.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *MySQLSink) initSchema(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS audit_entries (
		id VARCHAR(36) PRIMARY KEY,
		session_id VARCHAR(64) NOT NULL,
		correlation_id VARCHAR(64) DEFAULT '',
		kind VARCHAR(64) NOT NULL,
		reason TEXT NOT NULL,
		fields_json TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		INDEX idx_session_id (session_id),
		INDEX idx_created_at (created_at)
	)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return xerrors.Wrap(CodeSinkFailure, err, "init audit_entries schema")
	}
	return nil
}

// Append writes entry to the audit_entries table.
func (s *MySQLSink) Append(ctx context.Context, entry Entry) error {
	fieldsJSON, err := json.Marshal(entry.Fields)
	if err != nil {
		return xerrors.Wrap(CodeSinkFailure, err, "marshal audit fields")
	}

	const stmt = `INSERT INTO audit_entries
		(id, session_id, correlation_id, kind, reason, fields_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		entry.ID, entry.SessionID, entry.CorrelationID, entry.Kind, entry.Reason,
		string(fieldsJSON), entry.Timestamp.UnixMilli(),
	); err != nil {
		return xerrors.Wrap(CodeSinkFailure, err, "insert audit entry")
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *MySQLSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ListBySession fetches persisted entries for sessionID in insertion
// order, for reconciliation or audit export beyond the in-memory window.
func (s *MySQLSink) ListBySession(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	const q = `SELECT id, session_id, correlation_id, kind, reason, fields_json, created_at
		FROM audit_entries WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, sessionID, limit)
	if err != nil {
		return nil, xerrors.Wrap(CodeSinkFailure, err, "query audit entries")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			fieldsJSON string
			createdAt  int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.CorrelationID, &e.Kind, &e.Reason, &fieldsJSON, &createdAt); err != nil {
			return nil, xerrors.Wrap(CodeSinkFailure, err, "scan audit entry")
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
			return nil, xerrors.Wrap(CodeSinkFailure, err, "unmarshal audit fields")
		}
		e.Timestamp = time.UnixMilli(createdAt).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(CodeSinkFailure, err, "iterate audit rows")
	}
	return out, nil
}

