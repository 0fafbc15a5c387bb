package lock

import (
	"context"
	"sync"

	"github.com/sakif/frontdesk/internal/apperror"
)

// Mutex is an in-process Locker for single-process deployments and tests.
// It honours the same bounded retry contract as File.
type Mutex struct {
	mu   sync.Mutex
	name string
	opts Options
}

// NewMutex returns an unlocked Mutex. name only appears in busy errors.
func NewMutex(name string, opts Options) *Mutex {
	return &Mutex{name: name, opts: opts.withDefaults()}
}

// Acquire implements Locker.
func (m *Mutex) Acquire(ctx context.Context) (Lease, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if m.mu.TryLock() {
			return &mutexLease{mu: &m.mu}, nil
		}
		if attempt >= m.opts.Attempts {
			return nil, apperror.Busy(m.name, m.opts.Attempts)
		}
		if err := sleep(ctx, m.opts.Backoff); err != nil {
			return nil, err
		}
	}
}

type mutexLease struct {
	mu   *sync.Mutex
	once sync.Once
}

func (l *mutexLease) Release(context.Context) error {
	l.once.Do(l.mu.Unlock)
	return nil
}
