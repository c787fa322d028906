package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
	// MaxJitter is the upper bound of the multiplicative jitter fraction.
	MaxJitter = 0.25
)

// Options tunes Do. Zero delays fall back to the defaults; MaxRetries is taken
// as given so zero means a single attempt.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Jitter returns a fraction in [0, MaxJitter]. Nil uses math/rand.
	Jitter func() float64
	// Sleep blocks for d or until ctx ends. Nil uses SleepContext.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err *ToolError, delay time.Duration)
}

// DefaultOptions returns maxRetries=3, base=1s, max=30s.
func DefaultOptions() Options {
	return Options{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

func (o Options) normalized() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.Jitter == nil {
		o.Jitter = func() float64 { return rand.Float64() * MaxJitter }
	}
	if o.Sleep == nil {
		o.Sleep = SleepContext
	}
	return o
}

// Backoff is the un-jittered delay before retry number attempt (0-based):
// base * 2^attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(max) || math.IsInf(d, 1) {
		return max
	}
	return time.Duration(d)
}

// Delay is the jittered delay: min(base * 2^attempt * (1 + jitter), max).
func (o Options) Delay(attempt int) time.Duration {
	o = o.normalized()
	j := o.Jitter()
	if j < 0 {
		j = 0
	}
	if j > MaxJitter {
		j = MaxJitter
	}
	d := float64(o.BaseDelay) * math.Pow(2, float64(attempt)) * (1 + j)
	if d > float64(o.MaxDelay) || math.IsInf(d, 1) {
		return o.MaxDelay
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, fails with a non-recoverable error, or the
// retry budget is spent. Non-recoverable failures return after exactly one
// call and never sleep. A retry starts only after the previous attempt has
// returned. The returned error is always a *ToolError.
func Do(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	opts = opts.normalized()
	var zero T

	for attempt := 0; ; attempt++ {
		val, err := op(ctx)
		if err == nil {
			return val, nil
		}

		te := Categorize(err)
		if !te.Recoverable || attempt >= opts.MaxRetries {
			return zero, te
		}

		delay := opts.Delay(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, te, delay)
		}
		if sleepErr := opts.Sleep(ctx, delay); sleepErr != nil {
			return zero, te
		}
	}
}

// SleepContext waits for d unless ctx ends first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
