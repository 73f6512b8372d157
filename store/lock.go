package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/mjl-/selfmail/metrics"
	"github.com/mjl-/selfmail/mlog"
)

// ErrLockTimeout is returned when the mutation lock for an account could not
// be acquired in time. The operation can be retried later.
var ErrLockTimeout = errors.New("timeout waiting for account lock")

// Locker serializes mutations of an account database, also between processes
// that have opened the same account.
type Locker interface {
	// Acquire blocks until the lock for the account is held, or fails with
	// ErrLockTimeout.
	Acquire(ctx context.Context, acc *Account) (*Lock, error)

	// Release releases a lock. Releasing an already released lock is a no-op.
	Release(acc *Account, l *Lock) error
}

// Lock is a held advisory lock on an account database.
type Lock struct {
	Success  bool
	Holder   string // Unique id for this acquisition.
	PID      int
	Acquired time.Time
	Expires  time.Time // Expected latest release, for operators inspecting a lock file.

	mu       sync.Mutex
	fl       *flock.Flock
	released bool
}

// FileLocker locks "index.db.lock" next to the account database with an
// advisory file lock. Holder information is written to the lock file.
type FileLocker struct {
	Timeout time.Duration // Maximum wait for the lock.
	Retry   time.Duration // Interval between attempts.
	MaxHold time.Duration // For Lock.Expires.
}

// LockPath returns the path of the lock file for an account.
func (a *Account) LockPath() string {
	return a.DBPath + ".lock"
}

func (fl FileLocker) Acquire(ctx context.Context, acc *Account) (*Lock, error) {
	start := time.Now()
	timeout := fl.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retry := fl.Retry
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}

	f := flock.New(acc.LockPath())
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := f.TryLockContext(tctx, retry)
	if err != nil || !ok {
		if ctx.Err() == nil && (err == nil || errors.Is(err, context.DeadlineExceeded)) {
			metrics.LockWaitObserve("timeout", time.Since(start))
			return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, acc.Name, timeout)
		}
		metrics.LockWaitObserve("error", time.Since(start))
		return nil, fmt.Errorf("acquiring account lock: %w", err)
	}
	metrics.LockWaitObserve("ok", time.Since(start))

	now := time.Now()
	l := &Lock{
		Success:  true,
		Holder:   uuid.NewString(),
		PID:      os.Getpid(),
		Acquired: now,
		Expires:  now.Add(fl.MaxHold),
		fl:       f,
	}
	if buf, err := json.Marshal(l); err == nil {
		// Only informational.
		xlog.Check(os.WriteFile(acc.LockPath(), append(buf, '\n'), 0660), "writing lock holder", mlog.Field("account", acc.Name))
	}
	return l, nil
}

func (fl FileLocker) Release(acc *Account, l *Lock) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("releasing account lock for %s: %w", acc.Name, err)
	}
	return nil
}
