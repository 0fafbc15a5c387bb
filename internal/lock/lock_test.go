package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/frontdesk/internal/apperror"
)

func fastOptions() Options {
	return Options{StaleAfter: time.Minute, Attempts: 3, Backoff: time.Millisecond}
}

func newTestFileLock(t *testing.T) *File {
	t.Helper()
	return NewFile(filepath.Join(t.TempDir(), "impagos.lock"), fastOptions())
}

func TestFile_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	l := newTestFileLock(t)

	lease, err := l.Acquire(ctx)
	require.NoError(t, err)
	_, err = os.Stat(l.Path())
	require.NoError(t, err, "lock file should exist while held")

	require.NoError(t, lease.Release(ctx))
	_, err = os.Stat(l.Path())
	assert.True(t, errors.Is(err, os.ErrNotExist))

	// A second release is a no-op.
	assert.NoError(t, lease.Release(ctx))

	lease, err = l.Acquire(ctx)
	require.NoError(t, err)
	assert.NoError(t, lease.Release(ctx))
}

func TestFile_BusyAfterAttempts(t *testing.T) {
	ctx := context.Background()
	l := newTestFileLock(t)
	other := NewFile(l.Path(), fastOptions())

	held, err := l.Acquire(ctx)
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = other.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrBusy))
	assert.True(t, apperror.IsRetryable(err))
}

func TestFile_BreaksStaleLock(t *testing.T) {
	ctx := context.Background()
	l := newTestFileLock(t)

	require.NoError(t, os.WriteFile(l.Path(), []byte("pid=1\n"), 0o644))
	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(l.Path(), old, old))

	lease, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.NoError(t, lease.Release(ctx))
}

func TestFile_StaleBreakKeepsLockTakenMeanwhile(t *testing.T) {
	l := newTestFileLock(t)
	require.NoError(t, os.WriteFile(l.Path(), []byte("pid=1\n"), 0o644))
	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(l.Path(), old, old))
	staleInfo, err := os.Stat(l.Path())
	require.NoError(t, err)

	// Another waiter breaks the stale lock and takes a fresh one before we
	// get to remove it.
	require.NoError(t, os.Remove(l.Path()))
	require.NoError(t, os.WriteFile(l.Path(), []byte("pid=2\n"), 0o644))

	assert.False(t, l.breakStale(staleInfo))

	content, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, "pid=2\n", string(content), "the fresh lock must survive")

	entries, err := os.ReadDir(filepath.Dir(l.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no file left aside")
}

func TestFile_StaleBreakRemovesSeenFile(t *testing.T) {
	l := newTestFileLock(t)
	require.NoError(t, os.WriteFile(l.Path(), []byte("pid=1\n"), 0o644))
	info, err := os.Stat(l.Path())
	require.NoError(t, err)

	assert.True(t, l.breakStale(info))
	entries, err := os.ReadDir(filepath.Dir(l.Path()))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFile_FreshLockIsNotBroken(t *testing.T) {
	l := newTestFileLock(t)
	require.NoError(t, os.WriteFile(l.Path(), []byte("pid=1\n"), 0o644))

	_, err := l.Acquire(context.Background())
	assert.True(t, errors.Is(err, apperror.ErrBusy))
	_, statErr := os.Stat(l.Path())
	assert.NoError(t, statErr)
}

func TestFile_ContextCancelled(t *testing.T) {
	l := NewFile(filepath.Join(t.TempDir(), "impagos.lock"),
		Options{StaleAfter: time.Minute, Attempts: 1000, Backoff: time.Second})
	held, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = NewFile(l.Path(), l.opts).Acquire(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestFile_MissingDirectory(t *testing.T) {
	l := NewFile(filepath.Join(t.TempDir(), "missing", "impagos.lock"), fastOptions())
	_, err := l.Acquire(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, apperror.ErrBusy))
}

func TestMutex_Busy(t *testing.T) {
	ctx := context.Background()
	m := NewMutex("ledger", fastOptions())

	lease, err := m.Acquire(ctx)
	require.NoError(t, err)

	_, err = m.Acquire(ctx)
	assert.True(t, errors.Is(err, apperror.ErrBusy))

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx), "double release must not unlock twice")

	lease, err = m.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestMutex_WaitsForRelease(t *testing.T) {
	ctx := context.Background()
	m := NewMutex("ledger", Options{Attempts: 50, Backoff: 5 * time.Millisecond})

	lease, err := m.Acquire(ctx)
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		lease.Release(ctx)
	}()

	second, err := m.Acquire(ctx)
	require.NoError(t, err)
	assert.NoError(t, second.Release(ctx))
}

func TestWith(t *testing.T) {
	ctx := context.Background()

	t.Run("releases after success", func(t *testing.T) {
		m := NewMutex("ledger", fastOptions())
		called := false
		err := With(ctx, m, func(context.Context) error {
			called = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, called)

		lease, err := m.Acquire(ctx)
		require.NoError(t, err)
		lease.Release(ctx)
	})

	t.Run("releases after failure and keeps fn error", func(t *testing.T) {
		m := NewMutex("ledger", fastOptions())
		boom := errors.New("boom")
		err := With(ctx, m, func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)

		lease, err := m.Acquire(ctx)
		require.NoError(t, err)
		lease.Release(ctx)
	})

	t.Run("busy never runs fn", func(t *testing.T) {
		m := NewMutex("ledger", fastOptions())
		held, err := m.Acquire(ctx)
		require.NoError(t, err)
		defer held.Release(ctx)

		called := false
		err = With(ctx, m, func(context.Context) error {
			called = true
			return nil
		})
		assert.True(t, errors.Is(err, apperror.ErrBusy))
		assert.False(t, called)
	})
}

func TestNone(t *testing.T) {
	lease, err := None().Acquire(context.Background())
	require.NoError(t, err)
	assert.NoError(t, lease.Release(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = None().Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultOptions(), o)

	o = Options{StaleAfter: -time.Second, Attempts: -1, Backoff: -time.Millisecond}.withDefaults()
	assert.Equal(t, DefaultOptions(), o)

	custom := Options{StaleAfter: time.Minute, Attempts: 3, Backoff: time.Millisecond}
	assert.Equal(t, custom, custom.withDefaults())
}

func TestFile_ZeroBackoffStillPauses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.lock")
	holder := NewFile(path, fastOptions())
	lease, err := holder.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release(context.Background())

	waiter := NewFile(path, Options{StaleAfter: time.Minute, Attempts: 2})
	start := time.Now()
	_, err = waiter.Acquire(context.Background())
	assert.ErrorIs(t, err, apperror.ErrBusy)
	assert.GreaterOrEqual(t, time.Since(start), DefaultBackoff)
}
