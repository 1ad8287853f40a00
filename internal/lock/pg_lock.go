package lock

import (
	"context"
	"database/sql"
	"hash/fnv"
)

// PGAdvisoryLock uses a session-level Postgres advisory lock. The lease pins
// one pool connection until released.
type PGAdvisoryLock struct {
	db  *sql.DB
	key int64
}

func NewPGAdvisoryLock(db *sql.DB, name string) *PGAdvisoryLock {
	return &PGAdvisoryLock{db: db, key: advisoryKey(name)}
}

func advisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

func (l *PGAdvisoryLock) TryAcquire(ctx context.Context) (Lease, bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, err
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, false, err
	}
	if !ok {
		_ = conn.Close()
		return nil, false, nil
	}
	return &pgLease{conn: conn, key: l.key}, true, nil
}

type pgLease struct {
	conn *sql.Conn
	key  int64
}

func (p *pgLease) Release(ctx context.Context) error {
	defer p.conn.Close()
	_, err := p.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, p.key)
	return err
}
