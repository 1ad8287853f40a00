// Package lock provides the single-runner lease taken around a dispatch run.
package lock

import "context"

// Locker attempts to take a lease without blocking. ok is false when another
// holder owns it.
type Locker interface {
	TryAcquire(ctx context.Context) (lease Lease, ok bool, err error)
}

type Lease interface {
	Release(ctx context.Context) error
}
