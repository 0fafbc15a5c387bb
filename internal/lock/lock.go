// Package lock serializes writers to the debt ledger.
//
// Every mutation of the ledger (a snapshot sync, an action log entry) runs
// inside one lease. Readers never take a lease.
//
// Acquisition is bounded: a Locker retries a fixed number of times with a
// fixed pause and then gives up with apperror.ErrBusy. Nothing is queued; the
// caller decides whether to try again.
package lock

import (
	"context"
	"time"
)

// Defaults for the retry contract shared by every implementation.
const (
	DefaultStaleAfter = 120 * time.Second
	DefaultAttempts   = 25
	DefaultBackoff    = 200 * time.Millisecond
)

// Options tunes acquisition.
type Options struct {
	// StaleAfter is how long a lease may be held before another writer is
	// allowed to break it. It protects against writers that crashed while
	// holding the lock.
	StaleAfter time.Duration
	// Attempts is the total number of acquisition tries, the first included.
	Attempts int
	// Backoff is the fixed pause between two tries.
	Backoff time.Duration
}

// DefaultOptions returns 120s / 25 attempts / 200ms.
func DefaultOptions() Options {
	return Options{
		StaleAfter: DefaultStaleAfter,
		Attempts:   DefaultAttempts,
		Backoff:    DefaultBackoff,
	}
}

func (o Options) withDefaults() Options {
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	return o
}

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out exclusive leases.
type Locker interface {
	// Acquire blocks for at most Attempts x Backoff. It returns an error
	// wrapping apperror.ErrBusy when the lock stays taken, or ctx.Err() when
	// the context ends first.
	Acquire(ctx context.Context) (Lease, error)
}

// With runs fn while holding a lease from l. The lease is released even when
// fn fails; fn's error takes precedence over a release error.
func With(ctx context.Context, l Locker, fn func(ctx context.Context) error) (err error) {
	lease, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// Release on a fresh context so a cancelled request still frees the
		// lock.
		rerr := lease.Release(context.WithoutCancel(ctx))
		if err == nil {
			err = rerr
		}
	}()
	return fn(ctx)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// none is the Locker for backends that serialize writers themselves.
type none struct{}

type noLease struct{}

func (noLease) Release(context.Context) error { return nil }

// None returns a Locker whose Acquire always succeeds immediately. It is used
// with the networked backend, which relies on its own transaction atomicity.
func None() Locker { return none{} }

func (none) Acquire(ctx context.Context) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return noLease{}, nil
}
