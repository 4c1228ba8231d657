// Package sqlbackend implements spec.md §6's SQL-backed SecretBackend,
// PincodeBackend, and StateBackend against the abbreviated schema
// `users(userid, username)`, `secrets(...)`, `scratch_tokens(...)`,
// `pincodes(...)`, `state(...)`. Grounded on internal/store/db.go's
// schema-as-const and database/sql query style.
package sqlbackend

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	userid INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS secrets (
	userid INTEGER PRIMARY KEY REFERENCES users(userid),
	secret TEXT NOT NULL,
	encrypted INTEGER NOT NULL DEFAULT 0,
	rate_limit_times INTEGER NOT NULL DEFAULT 3,
	rate_limit_seconds INTEGER NOT NULL DEFAULT 30,
	window_size INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS scratch_tokens (
	userid INTEGER NOT NULL REFERENCES users(userid),
	token TEXT NOT NULL,
	PRIMARY KEY (userid, token)
);

CREATE TABLE IF NOT EXISTS pincodes (
	userid INTEGER PRIMARY KEY REFERENCES users(userid),
	pincode TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS state (
	userid INTEGER PRIMARY KEY REFERENCES users(userid),
	json TEXT NOT NULL DEFAULT '{}',
	locked_until DATETIME
);
`

// DB wraps the shared SQLite connection backing all three SQL backend
// variants. SQLite has no per-row SELECT...FOR UPDATE; StateBackend
// approximates spec.md §4.4's exclusive per-user lock with
// BEGIN IMMEDIATE, which serialises all state writers database-wide
// rather than only those touching one user — a documented, coarser
// trade-off (see SPEC_FULL.md §5).
type DB struct {
	conn *sql.DB
}

// inMemory reports whether path is a SQLite in-memory DSN rather than a
// real file path.
func inMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, ":memory:")
}

// Open opens or creates a SQLite database at path and runs the schema
// migration. path may be a real file path or a SQLite in-memory DSN
// (":memory:" or "file::memory:?cache=shared", the latter required for
// StateBackend's Conn-per-transaction usage to observe the same
// in-memory database across connections).
func Open(path string) (*DB, error) {
	memory := inMemory(path)
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if !memory {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	return &DB{conn: conn}, nil
}

// OpenMemory opens a shared-cache in-memory database, for tests. Plain
// ":memory:" gives every pooled connection its own independent database;
// "cache=shared" is required so StateBackend's dedicated Conn-per-
// transaction usage sees the same data as the rest of the pool.
func OpenMemory() (*DB, error) {
	return Open("file::memory:?cache=shared")
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Exec runs a statement directly against the shared connection, for
// admin provisioning commands (internal/cli) and tests seeding rows
// outside the three backend types' own narrow query sets.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.conn.ExecContext(ctx, query, args...)
}

// QueryRows runs a SELECT directly against the shared connection, for
// admin listing commands (internal/cli). Callers must close the
// returned *sql.Rows.
func (d *DB) QueryRows(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.conn.QueryContext(ctx, query, args...)
}

// LookupUserID exposes userID to admin provisioning commands
// (internal/cli) that need to tell "user has no row yet" apart from a
// query error, without also inserting a row the way EnsureUser does.
func (d *DB) LookupUserID(ctx context.Context, username string) (int64, bool, error) {
	return d.userID(ctx, username)
}

func (d *DB) userID(ctx context.Context, username string) (int64, bool, error) {
	var id int64
	err := d.conn.QueryRowContext(ctx, `SELECT userid FROM users WHERE username = ?`, username).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// EnsureUser inserts username if absent and returns its userid, for
// admin provisioning commands.
func (d *DB) EnsureUser(ctx context.Context, username string) (int64, error) {
	id, ok, err := d.userID(ctx, username)
	if err != nil {
		return 0, err
	}
	if ok {
		return id, nil
	}
	res, err := d.conn.ExecContext(ctx, `INSERT INTO users (username) VALUES (?)`, username)
	if err != nil {
		return 0, fmt.Errorf("inserting user %q: %w", username, err)
	}
	return res.LastInsertId()
}
