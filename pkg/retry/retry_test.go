package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBackoffWithJitterBounds(t *testing.T) {
	initial := 100 * time.Millisecond
	maxDelay := 800 * time.Millisecond
	for attempt := 0; attempt < 6; attempt++ {
		delay := Backoff(initial, maxDelay, attempt)
		require.GreaterOrEqual(t, delay, initial/2, "delay below jitter floor")
		require.LessOrEqual(t, delay, maxDelay, "delay exceeded max")
	}
}

func TestRetrierStopsAfterSuccess(t *testing.T) {
	r := New(1, 2, 3, zerolog.Nop())
	var attempts int
	err := r.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 2 {
			return StatusError{Status: 503}
		}
		return nil
	}, IsRetryableHTTP)
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestRetrierExhaustsBudget(t *testing.T) {
	r := New(1, 2, 2, zerolog.Nop())
	var attempts int
	err := r.Do(context.Background(), func(context.Context) error {
		attempts++
		return StatusError{Status: 502}
	}, IsRetryableHTTP)
	require.Error(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetrierHonoursCancel(t *testing.T) {
	r := New(10_000, 10_000, 5, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	var attempts int
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, func(context.Context) error {
			attempts++
			return StatusError{Status: 503}
		}, IsRetryableHTTP)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("retrier ignored cancellation")
	}
}

func TestIsRetryableHTTP(t *testing.T) {
	require.False(t, IsRetryableHTTP(nil))
	require.True(t, IsRetryableHTTP(StatusError{Status: 503}))
	require.True(t, IsRetryableHTTP(StatusError{Status: 429}))
	require.False(t, IsRetryableHTTP(StatusError{Status: 403}))
	require.False(t, IsRetryableHTTP(errors.New("generic")))
	require.True(t, IsRetryableHTTP(&net.DNSError{IsTemporary: true}))
}
