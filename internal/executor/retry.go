package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ratesflow/internal/metrics"
	"ratesflow/logger"
)

// DefaultDelays are the pauses after failed attempts one to four. A fifth
// failure is returned without sleeping.
var DefaultDelays = []time.Duration{
	500 * time.Millisecond,
	500 * time.Millisecond,
	2 * time.Second,
	2 * time.Second,
}

// schedule is a backoff.BackOff that walks a fixed list of delays.
type schedule struct {
	delays []time.Duration
	next   int
}

func (s *schedule) NextBackOff() time.Duration {
	if s.next >= len(s.delays) {
		return backoff.Stop
	}
	d := s.delays[s.next]
	s.next++
	return d
}

func (s *schedule) Reset() { s.next = 0 }

// Retrier re-runs whole adapter operations on transient failure.
type Retrier struct {
	exchange string
	delays   []time.Duration
	timer    backoff.Timer
	log      *logger.Log
}

// RetrierOption customises a Retrier.
type RetrierOption func(*Retrier)

// WithTimer replaces the wall-clock timer used between attempts.
func WithTimer(t backoff.Timer) RetrierOption {
	return func(r *Retrier) { r.timer = t }
}

// WithDelays replaces DefaultDelays. len(delays)+1 attempts are made; an
// empty non-nil slice means a single attempt.
func WithDelays(delays []time.Duration) RetrierOption {
	return func(r *Retrier) {
		if delays != nil {
			r.delays = append([]time.Duration(nil), delays...)
		}
	}
}

// NewRetrier returns a Retrier using DefaultDelays.
func NewRetrier(exchange string, opts ...RetrierOption) *Retrier {
	r := &Retrier{
		exchange: exchange,
		delays:   DefaultDelays,
		log:      logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attempts is the total number of tries per operation.
func (r *Retrier) Attempts() int { return len(r.delays) + 1 }

// Do runs fn until it succeeds, returns a permanent error, or the schedule is
// exhausted. Absence, auth and contract errors are never retried. Exhaustion
// wraps the last error with ErrUnavailable.
func (r *Retrier) Do(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if permanent(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.IncRetry(r.exchange, operation)
		r.log.WithComponent(r.exchange+"_executor").WithFields(logger.Fields{
			"operation": operation,
			"attempt":   attempt,
			"wait_ms":   wait.Milliseconds(),
		}).WithError(err).Warn("operation failed, retrying")
	}

	b := backoff.WithContext(&schedule{delays: r.delays}, ctx)
	err := backoff.RetryNotifyWithTimer(op, b, notify, r.timer)
	if err == nil {
		return nil
	}
	if permanent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s %s failed after %d attempts: %w", ErrUnavailable, r.exchange, operation, attempt, err)
}

// Retry is Do for operations that produce a value.
func Retry[T any](ctx context.Context, r *Retrier, operation string, fn func() (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, operation, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
