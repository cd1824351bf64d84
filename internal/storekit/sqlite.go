// Package storekit provides the shared sqlite connection-pool and
// migration idiom used by the workspace object store and the
// conversation log: one write connection, a pooled set of read
// connections, WAL mode, and busy-retry with exponential backoff.
package storekit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps a single sqlite file opened with a dedicated write
// connection and a pooled read-only connection, mirroring the
// one-writer/many-readers pattern used throughout this codebase's
// sqlite-backed stores.
type DB struct {
	Path   string
	Write  *sql.DB
	Read   *sql.DB
	mu     sync.RWMutex
	maxRetries    int
	baseRetryWait time.Duration
}

// Open opens (creating if necessary) a sqlite database at path and
// applies the given migrations in order, tracked in a
// "schema_migrations" table scoped by migrationsKey so unrelated
// stores sharing a file don't collide.
func Open(path string, migrationsKey string, migrations []string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	write, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening write database: %w", err)
	}
	write.SetMaxOpenConns(1)
	write.SetMaxIdleConns(1)
	write.SetConnMaxLifetime(0)

	read, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&mode=ro&_pragma=busy_timeout(1000)")
	if err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("opening read database: %w", err)
	}
	read.SetMaxOpenConns(10)
	read.SetMaxIdleConns(5)
	read.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		Path:          path,
		Write:         write,
		Read:          read,
		maxRetries:    5,
		baseRetryWait: 100 * time.Millisecond,
	}

	if err := db.migrate(migrationsKey, migrations); err != nil {
		_ = write.Close()
		_ = read.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate(key string, migrations []string) error {
	tableName := "schema_migrations_" + key
	if _, err := db.Write.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`, tableName)); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	var current int
	row := db.Write.QueryRow(fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s", tableName))
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("checking schema version: %w", err)
	}

	for i, migration := range migrations {
		version := i + 1
		if version <= current {
			continue
		}

		tx, err := db.Write.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration transaction: %w", err)
		}
		for _, stmt := range splitStatements(migration) {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("executing migration v%d: %w", version, err)
			}
		}
		if _, err := tx.Exec(
			fmt.Sprintf("INSERT INTO %s (version, applied_at) VALUES (?, ?)", tableName),
			version, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration v%d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", version, err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var statements []string
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		var sqlLines []string
		for _, line := range strings.Split(stmt, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed != "" && !strings.HasPrefix(trimmed, "--") {
				sqlLines = append(sqlLines, line)
			}
		}
		if len(sqlLines) > 0 {
			statements = append(statements, strings.Join(sqlLines, "\n"))
		}
	}
	return statements
}

// RetryWrite runs fn, retrying with exponential backoff while the
// underlying error looks like a transient SQLITE_BUSY/LOCKED condition.
func (db *DB) RetryWrite(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= db.maxRetries; attempt++ {
		if err := fn(); err != nil {
			if isBusy(err) {
				lastErr = err
				wait := db.baseRetryWait * time.Duration(1<<attempt)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
					continue
				}
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("%s failed after %d retries: %w", operation, db.maxRetries, lastErr)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// Close closes both connections.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	werr := db.Write.Close()
	rerr := db.Read.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
