package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSleep struct {
	delays []time.Duration
}

func (r *recordedSleep) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func testOptions(maxRetries int, rec *recordedSleep) Options {
	return Options{
		MaxRetries: maxRetries,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Hour,
		Jitter:     func() float64 { return 0 },
		Sleep:      rec.sleep,
	}
}

func TestDoRecoverableExhaustsBudget(t *testing.T) {
	rec := &recordedSleep{}
	calls := 0

	err := Do(context.Background(), testOptions(3, rec), func(context.Context) error {
		calls++
		return New(CodeNetwork, "connection dropped")
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls, "expected MaxRetries+1 attempts")
	assert.Len(t, rec.delays, 3)

	var te *ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, CodeNetwork, te.Code)
}

func TestDoNonRecoverableSingleCall(t *testing.T) {
	for _, code := range []Code{CodeSelector, CodeAuth, CodeValidation, CodeUnknown} {
		t.Run(string(code), func(t *testing.T) {
			rec := &recordedSleep{}
			calls := 0

			err := Do(context.Background(), testOptions(5, rec), func(context.Context) error {
				calls++
				return New(code, "nope")
			})

			require.Error(t, err)
			assert.Equal(t, 1, calls)
			assert.Empty(t, rec.delays, "non-recoverable failures must not sleep")
		})
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	rec := &recordedSleep{}
	calls := 0

	got, err := DoValue(context.Background(), testOptions(3, rec), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("net::ERR_CONNECTION_RESET")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.delays)
}

func TestDoStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	opts := Options{
		MaxRetries: 10,
		BaseDelay:  time.Hour,
		MaxDelay:   time.Hour,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return SleepContext(ctx, d)
		},
	}

	err := Do(ctx, opts, func(context.Context) error {
		calls++
		return New(CodeTimeout, "slow page")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestOnRetryReportsAttempts(t *testing.T) {
	rec := &recordedSleep{}
	var attempts []int
	opts := testOptions(2, rec)
	opts.OnRetry = func(attempt int, err *ToolError, _ time.Duration) {
		attempts = append(attempts, attempt)
		assert.Equal(t, CodeTimeout, err.Code)
	}

	_ = Do(context.Background(), opts, func(context.Context) error {
		return context.DeadlineExceeded
	})

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestBackoffStrictlyIncreasingUntilCap(t *testing.T) {
	base, max := time.Second, 30*time.Second
	prev := time.Duration(0)
	for attempt := 0; attempt < 5; attempt++ {
		d := Backoff(attempt, base, max)
		assert.Greater(t, d, prev, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, max, Backoff(5, base, max))
	assert.Equal(t, max, Backoff(200, base, max))
}

func TestDelayHonoursJitterBounds(t *testing.T) {
	opts := Options{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: func() float64 { return 0.9 }}
	assert.Equal(t, 2500*time.Millisecond, opts.Delay(1), "jitter is clamped to MaxJitter")

	opts.Jitter = func() float64 { return 0.125 }
	assert.Equal(t, 4500*time.Millisecond, opts.Delay(2))

	assert.Equal(t, time.Minute, opts.Delay(10))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o wait" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"deadline", context.DeadlineExceeded, CodeTimeout},
		{"wrapped deadline", fmt.Errorf("navigate: %w", context.DeadlineExceeded), CodeTimeout},
		{"net timeout", timeoutErr{}, CodeTimeout},
		{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, CodeNetwork},
		{"chrome net error", errors.New("navigation failed: net::ERR_NAME_NOT_RESOLVED"), CodeNetwork},
		{"selector message", errors.New("cannot find element"), CodeSelector},
		{"auth message", errors.New("HTTP 401 Unauthorized"), CodeAuth},
		{"validation message", errors.New("quantity must be positive"), CodeValidation},
		{"unknown", errors.New("something odd"), CodeUnknown},
		{"cancelled", context.Canceled, CodeUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			te := Categorize(tc.err)
			require.NotNil(t, te)
			assert.Equal(t, tc.want, te.Code)
			assert.Equal(t, tc.want.Recoverable(), te.Recoverable)
			assert.ErrorIs(t, te, tc.err)
		})
	}
}

func TestCategorizeIsIdempotent(t *testing.T) {
	first := Categorize(errors.New("net::ERR_CONNECTION_REFUSED"))
	second := Categorize(first)
	assert.Same(t, first, second)

	wrapped := fmt.Errorf("load orders: %w", first)
	assert.Same(t, first, Categorize(wrapped))

	assert.Nil(t, Categorize(nil))
}

func TestSelectorNotFoundCarriesTarget(t *testing.T) {
	err := SelectorNotFound("cart.quantity_input", "3 candidates tried")
	assert.Equal(t, "cart.quantity_input", err.Target)
	assert.False(t, err.Recoverable)
	assert.True(t, IsCode(err, CodeSelector))
	assert.Contains(t, err.Error(), "cart.quantity_input")
}
