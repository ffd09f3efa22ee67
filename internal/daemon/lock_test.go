package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vectorguard/internal/common"
)

func TestAcquireLock(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "daemon.lock")

	first, err := AcquireLock(context.Background(), path, 0)
	require.NoError(t, err)

	t.Run("second holder is refused immediately", func(t *testing.T) {
		_, err := AcquireLock(context.Background(), path, 0)
		assert.ErrorIs(t, err, common.ErrLockHeld)
	})

	t.Run("second holder times out", func(t *testing.T) {
		start := time.Now()
		_, err := AcquireLock(context.Background(), path, 150*time.Millisecond)
		assert.ErrorIs(t, err, common.ErrLockHeld)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("released lock can be taken again", func(t *testing.T) {
		done := make(chan struct{})
		go func() {
			time.Sleep(50 * time.Millisecond)
			first.Unlock()
			close(done)
		}()
		second, err := AcquireLock(context.Background(), path, 2*time.Second)
		require.NoError(t, err)
		<-done
		require.NoError(t, second.Unlock())
	})
}
