package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryFixedAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	var retried []uint
	errBoom := errors.New("boom")

	err := Retry(context.Background(), func() error {
		calls++
		return errBoom
	}, FixedRetryOptions(context.Background(), 3, time.Millisecond, func(n uint, err error) {
		retried = append(retried, n)
	})...)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errBoom))
	assert.Equal(t, 3, calls)
	assert.NotEmpty(t, retried)
	assert.Equal(t, uint(0), retried[0])
}

func TestRetrySucceedsEventually(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	}, FixedRetryOptions(context.Background(), 5, time.Millisecond, nil)...)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryPermanentStopsImmediately(t *testing.T) {
	t.Parallel()

	calls := 0
	errGone := errors.New("gone")
	err := Retry(context.Background(), func() error {
		calls++
		return Permanent(errGone)
	}, FixedRetryOptions(context.Background(), 5, time.Millisecond, nil)...)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errGone))
	assert.Equal(t, 1, calls)
}

func TestFixedRetryOptionsClampsAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	_ = Retry(context.Background(), func() error {
		calls++
		return errors.New("fail")
	}, FixedRetryOptions(context.Background(), 0, time.Millisecond, nil)...)
	assert.Equal(t, 1, calls)
}
