// Package retry runs operations with capped exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type Retrier struct {
	initial    time.Duration
	max        time.Duration
	maxRetries int
	logger     zerolog.Logger
}

// New builds a Retrier that makes at most maxRetries extra attempts.
func New(initialMs, maxMs, maxRetries int, logger zerolog.Logger) *Retrier {
	if initialMs <= 0 {
		initialMs = 500
	}
	if maxMs <= 0 {
		maxMs = initialMs
	}
	if maxMs < initialMs {
		maxMs = initialMs
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Retrier{
		initial:    time.Duration(initialMs) * time.Millisecond,
		max:        time.Duration(maxMs) * time.Millisecond,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, the budget is
// spent, or ctx is done. The last error is returned.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool) error {
	var attempt int
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries || !retryable(err) {
			return err
		}
		delay := Backoff(r.initial, r.max, attempt)
		r.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("sleep", delay).Msg("retrying operation")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
		attempt++
	}
}

// Backoff returns a delay in [b/2, b) where b doubles per attempt up to max.
func Backoff(initial, max time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(max) {
		b = float64(max)
	}
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}

// IsRetryableHTTP reports transient transport failures and retryable statuses.
func IsRetryableHTTP(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr StatusError
	return errors.As(err, &statusErr) && statusErr.Retryable()
}

// StatusError carries a non-2xx HTTP status.
type StatusError struct {
	Status int
	Body   string
}

func (e StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
	}
	return fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status))
}

func (e StatusError) Retryable() bool {
	return (e.Status >= 500 && e.Status < 600) || e.Status == http.StatusTooManyRequests
}
