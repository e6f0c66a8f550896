/*
Package retry runs external side effects under a bounded retry policy.

PURPOSE:
  Every call that changes something outside the ledger (editing a message,
  sending a reply) goes through an Executor. The ledger commit has already
  happened when the executor runs, so a failure here only leaves the chat
  display stale; it never undoes the commit.

POLICY:
  - One first attempt plus up to MaxRetries retries
  - Each attempt gets its own PerAttemptTimeout; the timeout cancels only
    that attempt
  - Only Transient failures are retried; Permanent ones return at once
  - Backoff doubles from BaseDelay up to MaxDelay; a platform-supplied
    retry-after wins when it is longer
  - An optional rate limiter paces every attempt

SEE ALSO:
  - platform/platform.go: Error.Temporary drives classification
  - bot/processor.go: Caller
*/
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrSideEffectFailed wraps the last error once retries are exhausted or a
// permanent failure is seen.
var ErrSideEffectFailed = errors.New("side effect failed")

type Class int

const (
	Permanent Class = iota
	Transient
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

// Classify decides whether err is worth another attempt.
func Classify(err error) Class {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	// Any transport-level failure: the request may never have arrived.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return Transient
	}
	return Permanent
}

type Config struct {
	MaxRetries        int
	PerAttemptTimeout time.Duration
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		PerAttemptTimeout: 30 * time.Second,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		Multiplier:        2.0,
	}
}

type Executor struct {
	cfg     Config
	limiter *rate.Limiter
	log     zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Executor)

// WithLimiter paces attempts, e.g. to stay under a platform flood limit.
func WithLimiter(l *rate.Limiter) Option {
	return func(e *Executor) { e.limiter = l }
}

func WithLogger(log zerolog.Logger) Option {
	return func(e *Executor) { e.log = log }
}

func New(cfg Config, opts ...Option) *Executor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	e := &Executor{cfg: cfg, log: zerolog.Nop(), sleep: sleepCtx}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs fn until it succeeds, fails permanently, or retries run out.
// The returned error wraps ErrSideEffectFailed and the last failure.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.delay(attempt, last)); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrSideEffectFailed, op, err)
			}
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrSideEffectFailed, op, err)
			}
		}

		last = e.attempt(ctx, fn)
		if last == nil {
			return nil
		}

		class := Classify(last)
		e.log.Warn().Err(last).
			Str("op", op).
			Int("attempt", attempt+1).
			Int("max_attempts", e.cfg.MaxRetries+1).
			Str("class", class.String()).
			Msg("side effect attempt failed")

		if class == Permanent || ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrSideEffectFailed, op, last)
}

func (e *Executor) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.cfg.PerAttemptTimeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, e.cfg.PerAttemptTimeout)
	defer cancel()
	return fn(actx)
}

// delay is the pause before retry number attempt (1-based).
func (e *Executor) delay(attempt int, last error) time.Duration {
	d := e.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * e.cfg.Multiplier)
		if e.cfg.MaxDelay > 0 && d >= e.cfg.MaxDelay {
			break
		}
	}
	var ra interface{ RetryAfterDelay() time.Duration }
	if errors.As(last, &ra) && ra.RetryAfterDelay() > d {
		d = ra.RetryAfterDelay()
	}
	if e.cfg.MaxDelay > 0 && d > e.cfg.MaxDelay {
		d = e.cfg.MaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
