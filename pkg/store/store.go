// Package store persists the event log and all derived operational state
// behind a single SQL abstraction with SQLite and PostgreSQL backends.
//
// Queries are written with `?` placeholders; each dialect rebinds them to
// its native form. The dialect also owns the three behaviors that differ
// between engines: unique-violation detection, insert-or-ignore syntax,
// and advisory locking.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/convergehq/converge/pkg/model"
)

var (
	ErrIntentNotFound = errors.New("intent not found")
	ErrEventNotFound  = errors.New("event not found")
	ErrReviewNotFound = errors.New("review task not found")
	ErrDuplicateKey   = errors.New("duplicate key")
	ErrLockHeld       = errors.New("queue lock held by another holder")
)

// Dialect abstracts the engine-specific behavior of a SQL backend.
type Dialect interface {
	// Name reports the backend name, used in logs and diagnostics.
	Name() string
	// Open opens a database handle for the given DSN.
	Open(dsn string) (*sql.DB, error)
	// Rebind converts `?` placeholders to the engine's native form.
	Rebind(query string) string
	// IsUniqueViolation reports whether err is a unique constraint error.
	IsUniqueViolation(err error) bool
	// InsertOrIgnore renders an INSERT that silently skips conflicting rows.
	InsertOrIgnore(table string, columns []string) string
	// TryQueueLock attempts to acquire the named lock without blocking.
	TryQueueLock(ctx context.Context, db *sql.DB, name, holder string, ttl time.Duration) (bool, error)
	// ReleaseQueueLock releases the named lock if held by holder.
	// An empty holder force-releases regardless of owner.
	ReleaseQueueLock(ctx context.Context, db *sql.DB, name, holder string) error
}

// Store is the persistence layer shared by every subsystem.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for store diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens a store on the given dialect and DSN and ensures the schema.
func Open(dialect Dialect, dsn string, opts ...Option) (*Store, error) {
	db, err := dialect.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dialect.Name(), err)
	}
	s := &Store{
		db:      db,
		dialect: dialect,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Wrap builds a Store over an existing handle. Used by tests with sqlmock.
func Wrap(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for backends that need engine features
// directly (advisory locks, EXPLAIN).
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports the active dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func marshalJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{}
	}
	return m
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNull(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// buildFilter appends "col = ?" clauses for each non-empty filter value.
func buildFilter(base string, clauses []string, args []any) (string, []any) {
	if len(clauses) > 0 {
		base += " WHERE " + strings.Join(clauses, " AND ")
	}
	return base, args
}

// clampLimit enforces the unbounded ceiling on caller-supplied limits.
func clampLimit(limit int) int {
	if limit <= 0 || limit > model.QueryLimitUnbounded {
		return model.QueryLimitUnbounded
	}
	return limit
}
