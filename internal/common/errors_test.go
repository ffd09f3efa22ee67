package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDefinitions(t *testing.T) {
	t.Parallel()

	// Verify all errors are defined and unique
	errs := []error{
		ErrNotFound,
		ErrNoBackup,
		ErrInvalidData,
		ErrCopyVerify,
		ErrSweepBusy,
		ErrAttemptsExhausted,
		ErrLockHeld,
		ErrCancelled,
		ErrProcessStillRunning,
		ErrInvalidPath,
		ErrEngineStopped,
	}

	t.Run("all errors are non-nil", func(t *testing.T) {
		t.Parallel()
		for i, err := range errs {
			require.NotNil(t, err, "error at index %d should not be nil", i)
		}
	})

	t.Run("all error messages are unique", func(t *testing.T) {
		t.Parallel()
		seen := make(map[string]bool)
		for _, err := range errs {
			msg := err.Error()
			assert.False(t, seen[msg], "duplicate error message: %s", msg)
			seen[msg] = true
		}
	})
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"ErrNotFound", ErrNotFound, "not found"},
		{"ErrNoBackup", ErrNoBackup, "no backup"},
		{"ErrInvalidData", ErrInvalidData, "malformed structured data"},
		{"ErrCopyVerify", ErrCopyVerify, "copy verification failed"},
		{"ErrSweepBusy", ErrSweepBusy, "backup sweep already running"},
		{"ErrLockHeld", ErrLockHeld, "another guard instance holds the lock"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorIs(t *testing.T) {
	t.Parallel()

	t.Run("plain string concatenation does not match", func(t *testing.T) {
		t.Parallel()
		flat := errors.New("copy: " + ErrCopyVerify.Error())
		assert.False(t, errors.Is(flat, ErrCopyVerify))
	})

	t.Run("%w wrapping matches", func(t *testing.T) {
		t.Parallel()
		wrapped := fmt.Errorf("index.json: %w", ErrInvalidData)
		assert.True(t, errors.Is(wrapped, ErrInvalidData))
		assert.False(t, errors.Is(wrapped, ErrNotFound))
	})
}
