// Package retry runs work against unreliable upstreams with exponential
// backoff and error-class specific policies.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy describes how often and how patiently work is re-attempted.
// MaxAttempts counts the first attempt.
type Policy struct {
	Name         string
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// Fast is for best-effort auxiliary calls.
var Fast = Policy{
	Name:         "fast",
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2,
	Jitter:       true,
}

// Patient is for the upstream model provider when it reports overload; the
// provider asks clients to back off for an extended period.
var Patient = Policy{
	Name:         "patient",
	MaxAttempts:  8,
	InitialDelay: 2 * time.Second,
	MaxDelay:     45 * time.Second,
	Multiplier:   1.5,
	Jitter:       true,
}

// Delay returns the wait before the retry that follows the given zero-based
// failed attempt, without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Name == "" {
		p.Name = "custom"
	}
	return p
}

func (p Policy) backoff() goretry.Backoff {
	attempt := 0
	var b goretry.Backoff = goretry.BackoffFunc(func() (time.Duration, bool) {
		d := p.Delay(attempt)
		attempt++
		if p.Jitter && d > 0 {
			d = time.Duration(rand.Int64N(int64(d) + 1))
		}
		return d, false
	})
	return goretry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}

// NonRetryableError marks a failure that was not re-attempted.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error { return e.Err }

// ExhaustedError is returned when every attempt failed with a retryable class.
type ExhaustedError struct {
	Op       string
	Attempts int
	Class    Class
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts (%s): %v", e.Op, e.Attempts, e.Class, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsOverloaded reports whether err is, or ended in, a provider overload.
func IsOverloaded(err error) bool {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Class == Overloaded
	}
	return Classify(err) == Overloaded
}

// Recorder receives one observation per failed attempt.
type Recorder interface {
	ObserveRetry(op, class string)
}

// Outcome summarizes a Do call.
type Outcome struct {
	Attempts  int
	Elapsed   time.Duration
	LastClass Class
}

// Controller executes work under a Policy.
type Controller struct {
	logger   *slog.Logger
	recorder Recorder
}

// NewController creates a Controller. Both arguments may be nil.
func NewController(logger *slog.Logger, recorder Recorder) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{logger: logger, recorder: recorder}
}

// Do runs work until it succeeds, fails with a non-retryable error, the
// policy runs out of attempts, or ctx is done.
func (c *Controller) Do(ctx context.Context, p Policy, op string, work func(ctx context.Context) error) (Outcome, error) {
	p = p.normalized()
	start := time.Now()

	var out Outcome
	var lastErr error
	err := goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		out.Attempts++
		err := work(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		class := Classify(err)
		out.LastClass = class

		c.logger.Warn("attempt failed",
			"op", op,
			"policy", p.Name,
			"attempt", out.Attempts,
			"max_attempts", p.MaxAttempts,
			"class", class.String(),
			"elapsed_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		if c.recorder != nil {
			c.recorder.ObserveRetry(op, class.String())
		}

		if !class.Retryable() {
			var nr *NonRetryableError
			if errors.As(err, &nr) {
				return err
			}
			return &NonRetryableError{Err: err}
		}
		return goretry.RetryableError(err)
	})
	out.Elapsed = time.Since(start)

	if err == nil {
		if out.Attempts > 1 {
			c.logger.Info("succeeded after retry", "op", op, "attempts", out.Attempts, "elapsed_ms", out.Elapsed.Milliseconds())
		}
		return out, nil
	}

	var nr *NonRetryableError
	if errors.As(err, &nr) {
		return out, err
	}
	if lastErr != nil && errors.Is(err, lastErr) && out.LastClass.Retryable() {
		return out, &ExhaustedError{Op: op, Attempts: out.Attempts, Class: out.LastClass, Err: lastErr}
	}
	return out, err
}
