package daemon

import (
    "errors"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
)

func TestIsRetryableClassifiesTransportErrors(t *testing.T) {
    require.True(t, isRetryable(errors.New("dial tcp: connection refused")))
    require.True(t, isRetryable(errors.New("read tcp: i/o timeout")))
    require.False(t, isRetryable(errors.New("-5: No such mempool transaction")))
    require.False(t, isRetryable(nil))
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
    attempts := 0
    err := withRetry(retryBudget{MaxAttempts: 3}, time.Millisecond, time.Millisecond, func() error {
        attempts++
        if attempts < 2 {
            return errors.New("connection refused")
        }
        return nil
    })
    require.NoError(t, err)
    require.Equal(t, 2, attempts)
}

func TestWithRetryGivesUpOnNonRetryableError(t *testing.T) {
    attempts := 0
    err := withRetry(retryBudget{MaxAttempts: 3}, time.Millisecond, time.Millisecond, func() error {
        attempts++
        return errors.New("-8: invalid parameter")
    })
    require.Error(t, err)
    require.Equal(t, 1, attempts)
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
    attempts := 0
    err := withRetry(retryBudget{MaxAttempts: 3}, time.Millisecond, time.Millisecond, func() error {
        attempts++
        return errors.New("i/o timeout")
    })
    require.Error(t, err)
    require.Equal(t, 3, attempts)
}
