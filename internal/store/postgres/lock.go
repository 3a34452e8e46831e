package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrInstanceLocked reports that another process already holds the lock.
var ErrInstanceLocked = errors.New("instance lock held by another process")

// AcquireInstanceLock takes a session advisory lock on a dedicated
// connection. Queue order lives in process memory, so only one service
// instance may run against a database. The returned func releases the lock.
func AcquireInstanceLock(ctx context.Context, pool *pgxpool.Pool, name string) (func(), error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("take instance lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, fmt.Errorf("%w: %s", ErrInstanceLocked, name)
	}
	return func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, name); err != nil {
			log.Printf("instance unlock failed name=%s err=%v", name, err)
		}
		conn.Release()
	}, nil
}
