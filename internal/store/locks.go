package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Locker hands out named, non-blocking leases. Holders of the same key
// exclude each other until unlock is called.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

var (
	_ Locker = (*PGLocker)(nil)
	_ Locker = (*MemStore)(nil)
)

const unlockTimeout = 5 * time.Second

// PGLocker takes session advisory locks, holding a pool connection for the
// lifetime of each lease.
type PGLocker struct {
	pool *pgxpool.Pool
}

func NewPGLocker(pool *pgxpool.Pool) *PGLocker {
	return &PGLocker{pool: pool}
}

func (l *PGLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try lock %s: %w", key, err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock(hashtext($1))", key); err != nil {
			// Closing the session drops the lock with it.
			conn.Conn().Close(ctx)
		}
		conn.Release()
	}, true, nil
}

func (s *MemStore) TryLock(ctx context.Context, key string) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[key]; held {
		return nil, false, nil
	}
	s.locks[key] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.locks, key)
		s.mu.Unlock()
	}, true, nil
}
