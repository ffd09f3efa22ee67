package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"vectorguard/internal/common"
)

// AcquireLock takes the singleton lock at path, retrying until timeout.
// A zero timeout tries exactly once. The caller must Unlock the result.
func AcquireLock(ctx context.Context, path string, timeout time.Duration) (*flock.Flock, error) {
	lock := flock.New(path)

	if timeout <= 0 {
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if !locked {
			return nil, common.ErrLockHeld
		}
		return lock, nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, common.ErrLockHeld
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, common.ErrLockHeld
	}
	return lock, nil
}
