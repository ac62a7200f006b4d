package leaderelection

import (
	"context"
	"database/sql"
	"fmt"
)

// AdvisoryLock is a Postgres session-scoped advisory lock.
//
// The lock is held for the lifetime of a dedicated database connection;
// there is no renewal or TTL. If the connection dies, Postgres releases the
// lock server-side (timing depends on TCP keepalive settings). Keep only
// pings the connection to detect local connection death.
type AdvisoryLock struct {
	db  *sql.DB
	key int64
}

func NewAdvisoryLock(db *sql.DB, key int64) *AdvisoryLock {
	return &AdvisoryLock{db: db, key: key}
}

func (l *AdvisoryLock) Name() string {
	return fmt.Sprintf("pg_advisory(%d)", l.key)
}

func (l *AdvisoryLock) TryAcquire(ctx context.Context) (Lease, error) {
	// Advisory lock is session-scoped: must use a dedicated connection.
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("dedicated connection: %w", err)
	}

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&acquired)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("advisory lock query: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, nil
	}
	return &advisoryLease{conn: conn, key: l.key}, nil
}

type advisoryLease struct {
	conn *sql.Conn
	key  int64
}

func (l *advisoryLease) Keep(ctx context.Context) error {
	return l.conn.PingContext(ctx)
}

func (l *advisoryLease) Release(ctx context.Context) error {
	defer l.conn.Close()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	return err
}
