// Package sqlite implements the durable stores on a single embedded
// SQLite database: accounts and credentials, policy rules and redaction
// patterns, approval requests, audit entries, and virtual-id mappings.
//
// One *DB backs all stores; SQLite serializes writers itself. Unique
// constraint violations surface as trust.Constraint errors so callers can
// apply insert-or-read-back contracts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"

	"github.com/trustgate/trustgate/internal/domain/trust"
)

// sqliteConstraintCode is the primary SQLITE_CONSTRAINT result code.
const sqliteConstraintCode = 19

// busyTimeout is how long a writer waits on a locked database before
// giving up.
const busyTimeout = 5 * time.Second

// DB wraps the shared database handle plus the stores built on it.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to the database named by dsn and bootstraps the schema.
// dsn accepts a plain file path or a file: URL; ":memory:" is supported
// for tests.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", normalizeDSN(dsn))
	if err != nil {
		return nil, trust.E(trust.KindStore, "sqlite.open", err)
	}
	// A single connection sidesteps table-lock contention between the
	// pooled connections; SQLite is not a concurrent-writer database.
	db.SetMaxOpenConns(1)

	d := &DB{db: db, logger: logger}
	if err := d.bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// normalizeDSN turns a plain path into a file: DSN with the pragmas the
// gateway needs: WAL journaling, foreign keys, and a busy timeout.
func normalizeDSN(dsn string) string {
	if dsn == "" {
		dsn = "trustgate.db"
	}
	if strings.HasPrefix(dsn, "file:") {
		return dsn
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(ON)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	if dsn == ":memory:" {
		return "file::memory:?" + q.Encode()
	}
	q.Add("_pragma", "journal_mode(WAL)")
	return "file:" + dsn + "?" + q.Encode()
}

// Close releases the database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the database is reachable. Used by the health endpoint.
func (d *DB) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return trust.E(trust.KindStore, "sqlite.ping", err)
	}
	return nil
}

// Accounts returns the account and credential store.
func (d *DB) Accounts() *AccountStore { return &AccountStore{db: d.db} }

// Policies returns the rule, pattern, and approval store.
func (d *DB) Policies() *PolicyStore { return &PolicyStore{db: d.db} }

// Audit returns the audit entry store.
func (d *DB) Audit() *AuditStore { return &AuditStore{db: d.db} }

// VirtualIDs returns the virtual-id mapping store.
func (d *DB) VirtualIDs() *VirtualIDStore { return &VirtualIDStore{db: d.db} }

// schema is the full table set. CREATE TABLE IF NOT EXISTS makes bootstrap
// idempotent across restarts; there is no migration framework, columns are
// only ever added.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id           TEXT PRIMARY KEY,
		plugin_id    TEXT NOT NULL,
		email        TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		is_primary   INTEGER NOT NULL DEFAULT 0,
		metadata     TEXT NOT NULL DEFAULT '{}',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		UNIQUE (plugin_id, email)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_plugin ON accounts (plugin_id)`,

	`CREATE TABLE IF NOT EXISTS credentials (
		id          TEXT PRIMARY KEY,
		account_id  TEXT REFERENCES accounts (id) ON DELETE CASCADE,
		plugin_id   TEXT NOT NULL,
		type        TEXT NOT NULL,
		cipher_blob TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL,
		UNIQUE (account_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credentials_plugin ON credentials (plugin_id)`,

	`CREATE TABLE IF NOT EXISTS policy_rules (
		id          TEXT PRIMARY KEY,
		category    TEXT NOT NULL DEFAULT '',
		plugin_id   TEXT NOT NULL DEFAULT '',
		action      TEXT NOT NULL,
		condition   TEXT,
		description TEXT NOT NULL DEFAULT '',
		priority    INTEGER NOT NULL DEFAULT 0,
		enabled     INTEGER NOT NULL DEFAULT 1,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS redaction_patterns (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		regex       TEXT NOT NULL,
		replacement TEXT NOT NULL DEFAULT '',
		enabled     INTEGER NOT NULL DEFAULT 1,
		created_at  INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS approval_requests (
		id            TEXT PRIMARY KEY,
		plugin_id     TEXT NOT NULL DEFAULT '',
		tool_name     TEXT NOT NULL,
		args          TEXT NOT NULL DEFAULT '{}',
		rule_id       TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'pending',
		approved_args TEXT,
		created_at    INTEGER NOT NULL,
		resolved_at   INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approval_requests (status)`,

	`CREATE TABLE IF NOT EXISTS audit_entries (
		id                TEXT PRIMARY KEY,
		ts                INTEGER NOT NULL,
		agent_name        TEXT NOT NULL DEFAULT '',
		agent_version     TEXT NOT NULL DEFAULT '',
		plugin_id         TEXT NOT NULL DEFAULT '',
		category          TEXT NOT NULL DEFAULT '',
		tool_name         TEXT NOT NULL,
		input_args        TEXT,
		decision_action   TEXT NOT NULL,
		decision_rule_id  TEXT NOT NULL DEFAULT '',
		decision_redacted TEXT,
		decision_reason   TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL,
		error_message     TEXT NOT NULL DEFAULT '',
		execution_ms      INTEGER NOT NULL DEFAULT 0,
		data_summary      TEXT NOT NULL DEFAULT '',
		metadata          TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_entries (ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_entries (agent_name)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_plugin ON audit_entries (plugin_id)`,

	`CREATE TABLE IF NOT EXISTS virtual_ids (
		virtual_id         TEXT PRIMARY KEY,
		kind               TEXT NOT NULL,
		real_account_id    TEXT NOT NULL,
		provider_entity_id TEXT NOT NULL DEFAULT '',
		created_at         INTEGER NOT NULL,
		UNIQUE (kind, real_account_id, provider_entity_id)
	)`,
}

// bootstrap creates all tables and indexes.
func (d *DB) bootstrap(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return trust.E(trust.KindStore, "sqlite.bootstrap", err)
		}
	}
	d.logger.Debug("database schema ready")
	return nil
}

// storeErr maps a driver error into the gateway error taxonomy: unique and
// foreign-key violations become constraint errors, everything else a plain
// store error.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return trust.ErrNotFound
	}
	var se *sqlite3.Error
	if errors.As(err, &se) && se.Code()&0xff == sqliteConstraintCode {
		return trust.Constraint(op, err)
	}
	if strings.Contains(err.Error(), "constraint failed") {
		return trust.Constraint(op, err)
	}
	return trust.E(trust.KindStore, op, err)
}

// unixMs converts a time to epoch milliseconds for storage.
func unixMs(t time.Time) int64 { return t.UTC().UnixMilli() }

// fromMs converts stored epoch milliseconds back to UTC time.
func fromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// inTx runs fn inside a transaction, committing on nil error.
func inTx(ctx context.Context, db *sql.DB, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op, err)
	}
	return nil
}
