package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/frontdesk/internal/apperror"
)

// File is an advisory lock backed by an exclusive lock file next to the
// embedded database. Creating the file (O_CREATE|O_EXCL) takes the lock and
// removing it releases it, so it works across processes on one machine and on
// network shares that honour O_EXCL.
//
// A lock file older than StaleAfter is treated as left behind by a crashed
// writer and removed.
type File struct {
	path string
	opts Options
	now  func() time.Time
}

// NewFile returns a File lock at path.
func NewFile(path string, opts Options) *File {
	return &File{path: path, opts: opts.withDefaults(), now: time.Now}
}

// Path returns the lock file location.
func (f *File) Path() string { return f.path }

// Acquire implements Locker.
func (f *File) Acquire(ctx context.Context) (Lease, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ok, err := f.tryCreate()
		if err != nil {
			return nil, err
		}
		if ok {
			return &fileLease{path: f.path}, nil
		}

		if f.breakIfStale() {
			// Retry right away; the broken lock still counts as an attempt.
			if attempt < f.opts.Attempts {
				continue
			}
		}
		if attempt >= f.opts.Attempts {
			return nil, apperror.Busy(f.path, f.opts.Attempts)
		}
		if err := sleep(ctx, f.opts.Backoff); err != nil {
			return nil, err
		}
	}
}

// tryCreate reports whether the lock file was created by this call.
func (f *File) tryCreate() (bool, error) {
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("lock: creating %s: %w", f.path, err)
	}
	// The content is only for humans inspecting a stuck lock.
	_, _ = fmt.Fprintf(fh, "pid=%d acquired=%s\n", os.Getpid(), f.now().UTC().Format(time.RFC3339))
	if err := fh.Close(); err != nil {
		_ = os.Remove(f.path)
		return false, fmt.Errorf("lock: writing %s: %w", f.path, err)
	}
	return true, nil
}

// breakIfStale removes the lock file when its modification time is older
// than StaleAfter and reports whether it did.
func (f *File) breakIfStale() bool {
	info, err := os.Stat(f.path)
	if err != nil {
		// Gone between our create and stat: the holder released it.
		return errors.Is(err, fs.ErrNotExist)
	}
	if f.now().Sub(info.ModTime()) <= f.opts.StaleAfter {
		return false
	}
	return f.breakStale(info)
}

// breakStale moves the lock file aside under a unique name and deletes it,
// but only if the moved file is still the one seen stale (same file and same
// modification time, since inodes get reused). Another waiter may have broken
// it and taken a fresh lock in between; that file is put back.
func (f *File) breakStale(seen os.FileInfo) bool {
	aside := f.path + ".stale-" + xid.New().String()
	if err := os.Rename(f.path, aside); err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}

	moved, err := os.Stat(aside)
	if err == nil && os.SameFile(seen, moved) && moved.ModTime().Equal(seen.ModTime()) {
		_ = os.Remove(aside)
		return true
	}

	// Link never replaces an existing file, unlike Rename.
	if err := os.Link(aside, f.path); err == nil {
		_ = os.Remove(aside)
	} else if _, statErr := os.Stat(f.path); errors.Is(statErr, fs.ErrNotExist) {
		_ = os.Rename(aside, f.path)
	} else {
		_ = os.Remove(aside)
	}
	return false
}

type fileLease struct {
	path string
	once sync.Once
	err  error
}

func (l *fileLease) Release(context.Context) error {
	l.once.Do(func() {
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.err = fmt.Errorf("lock: removing %s: %w", l.path, err)
		}
	})
	return l.err
}
