package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/sakif/frontdesk/internal/apperror"
)

// DefaultRedisKey is the key every terminal contends on.
const DefaultRedisKey = "lock:impagos:ledger"

// Redis is a Locker shared by every terminal that points at the same Redis.
// The lease TTL is StaleAfter, so a crashed holder frees the lock on its own.
type Redis struct {
	client *redislock.Client
	key    string
	opts   Options
}

// NewRedis wraps an existing go-redis client.
func NewRedis(rdb redis.UniversalClient, key string, opts Options) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: redislock.New(rdb), key: key, opts: opts.withDefaults()}
}

// Acquire implements Locker. Connection failures surface as
// apperror.ErrUnavailable.
func (r *Redis) Acquire(ctx context.Context) (Lease, error) {
	l, err := r.client.Obtain(ctx, r.key, r.opts.StaleAfter, &redislock.Options{
		RetryStrategy: retryStrategy(r.opts),
	})
	switch {
	case err == nil:
		return &redisLease{lock: l}, nil
	case errors.Is(err, redislock.ErrNotObtained):
		return nil, apperror.Busy(r.key, r.opts.Attempts)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	default:
		return nil, apperror.Unavailable("redis", err)
	}
}

// retryStrategy spreads Attempts tries over fixed Backoff pauses. LimitRetry
// counts retries, not tries.
func retryStrategy(o Options) redislock.RetryStrategy {
	return redislock.LimitRetry(redislock.LinearBackoff(o.Backoff), o.Attempts-1)
}

type redisLease struct {
	lock *redislock.Lock
	once sync.Once
	err  error
}

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		err := l.lock.Release(ctx)
		// An expired TTL means somebody may already hold a new lease; there
		// is nothing left for us to free.
		if err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.err = fmt.Errorf("lock: releasing %s: %w", l.lock.Key(), err)
		}
	})
	return l.err
}
