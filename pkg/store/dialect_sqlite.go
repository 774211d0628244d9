package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteDialect is the embedded single-node backend. Queue locking is
// table-based with a TTL because SQLite has no advisory lock primitive.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return "sqlite" }

func (SQLiteDialect) Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Single writer: SQLite serializes writes at the file level anyway,
	// and a pool of one avoids SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (SQLiteDialect) Rebind(query string) string { return query }

func (SQLiteDialect) IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			code == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func (SQLiteDialect) InsertOrIgnore(table string, columns []string) string {
	return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), placeholders(len(columns)))
}

func (d SQLiteDialect) TryQueueLock(ctx context.Context, db *sql.DB, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)
	res, err := db.ExecContext(ctx,
		`INSERT INTO queue_locks (name, holder, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   holder = excluded.holder,
		   acquired_at = excluded.acquired_at,
		   expires_at = excluded.expires_at
		 WHERE queue_locks.expires_at < ? OR queue_locks.holder = excluded.holder`,
		name, holder, now.Format(time.RFC3339), expires.Format(time.RFC3339),
		now.Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (SQLiteDialect) ReleaseQueueLock(ctx context.Context, db *sql.DB, name, holder string) error {
	if holder == "" {
		_, err := db.ExecContext(ctx, `DELETE FROM queue_locks WHERE name = ?`, name)
		return err
	}
	_, err := db.ExecContext(ctx, `DELETE FROM queue_locks WHERE name = ? AND holder = ?`, name, holder)
	return err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
