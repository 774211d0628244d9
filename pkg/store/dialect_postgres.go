package store

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

// PostgresDialect is the multi-node backend. Queue locking uses
// pg_try_advisory_lock so a crashed holder's lock dies with its session
// instead of waiting out a TTL.
type PostgresDialect struct {
	mu   sync.Mutex
	held map[string]*sql.Conn
}

// NewPostgresDialect returns a dialect ready for use.
func NewPostgresDialect() *PostgresDialect {
	return &PostgresDialect{held: map[string]*sql.Conn{}}
}

func (*PostgresDialect) Name() string { return "postgres" }

func (*PostgresDialect) Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

func (*PostgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (*PostgresDialect) IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (*PostgresDialect) InsertOrIgnore(table string, columns []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		table, strings.Join(columns, ", "), placeholders(len(columns)))
}

// lockKey derives a stable 64-bit advisory lock id from the lock name.
func lockKey(name string) int64 {
	sum := md5.Sum([]byte(name))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

func (d *PostgresDialect) TryQueueLock(ctx context.Context, db *sql.DB, name, holder string, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.held[name]; ok {
		return false, nil
	}
	// Advisory locks are session-scoped; pin a connection so release
	// happens on the same session that acquired.
	conn, err := db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var got bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockKey(name)).Scan(&got); err != nil {
		conn.Close()
		return false, err
	}
	if !got {
		conn.Close()
		return false, nil
	}
	d.held[name] = conn
	return true, nil
}

func (d *PostgresDialect) ReleaseQueueLock(ctx context.Context, db *sql.DB, name, _ string) error {
	d.mu.Lock()
	conn, ok := d.held[name]
	delete(d.held, name)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", lockKey(name))
	conn.Close()
	return err
}
