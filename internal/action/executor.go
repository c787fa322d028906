// Package action runs single browser interactions with input validation,
// typed failures, retries for transient errors and optional audit screenshots.
package action

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"cartpilot/internal/browser"
	"cartpilot/internal/resilience"

	"go.uber.org/zap"
)

// Input is validated before an action touches the page.
type Input interface {
	Validate() error
}

// None is the input of actions that take no arguments.
type None struct{}

func (None) Validate() error { return nil }

// Result is the outcome of one action. Success means the action ran to
// completion; a declined business outcome (an add refused as out of stock)
// is still a success and is reported in Data.
type Result[T any] struct {
	Success     bool                  `json:"success"`
	Data        T                     `json:"data"`
	Error       *resilience.ToolError `json:"error,omitempty"`
	Duration    time.Duration         `json:"duration"`
	Attempts    int                   `json:"attempts"`
	Screenshots []string              `json:"screenshots,omitempty"`
}

// Err returns the failure as an error, or nil on success.
func (r Result[T]) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// ScreenshotSink stores a PNG and returns a reference to it.
type ScreenshotSink interface {
	SaveScreenshot(ctx context.Context, sessionID, label string, png []byte) (string, error)
}

// Observer is told about every action, for progress display.
type Observer interface {
	ActionStarted(name string)
	ActionFinished(name string, success bool, duration time.Duration, err *resilience.ToolError)
}

// Executor binds actions to one page.
type Executor struct {
	page      browser.Page
	logger    *zap.Logger
	retry     resilience.Options
	shots     ScreenshotSink
	sessionID string
	observer  Observer
	seq       atomic.Int64
}

type Option func(*Executor)

func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithRetry(opts resilience.Options) Option {
	return func(e *Executor) { e.retry = opts }
}

// WithScreenshots captures the page after every action, success or failure.
func WithScreenshots(sink ScreenshotSink) Option {
	return func(e *Executor) { e.shots = sink }
}

func WithSessionID(id string) Option {
	return func(e *Executor) { e.sessionID = id }
}

func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

func New(page browser.Page, opts ...Option) *Executor {
	e := &Executor{
		page:   page,
		logger: zap.NewNop(),
		retry:  resilience.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Page() browser.Page { return e.page }

func (e *Executor) SessionID() string { return e.sessionID }

// Run executes fn against the executor's page. It never panics and never
// returns an untyped failure: invalid input fails as VALIDATION without
// calling fn, panics become UNKNOWN, and recoverable failures are retried
// before the result is final.
func Run[I Input, O any](ctx context.Context, e *Executor, name string, in I, fn func(ctx context.Context, page browser.Page, in I) (O, error)) (res Result[O]) {
	start := time.Now()
	log := e.logger.With(zap.String("action", name))
	if e.sessionID != "" {
		log = log.With(zap.String("session", e.sessionID))
	}
	if e.observer != nil {
		e.observer.ActionStarted(name)
	}

	defer func() {
		res.Duration = time.Since(start)
		if e.observer != nil {
			e.observer.ActionFinished(name, res.Success, res.Duration, res.Error)
		}
		if res.Success {
			log.Debug("action completed", zap.Duration("duration", res.Duration), zap.Int("attempts", res.Attempts))
			return
		}
		log.Warn("action failed",
			zap.String("code", string(res.Error.Code)),
			zap.String("error", res.Error.Message),
			zap.Duration("duration", res.Duration),
			zap.Int("attempts", res.Attempts))
	}()

	if err := validate(in); err != nil {
		res.Error = err
		return res
	}
	if e.page == nil {
		res.Error = resilience.New(resilience.CodeUnknown, "no page attached to executor")
		return res
	}

	opts := e.retry
	userRetry := opts.OnRetry
	opts.OnRetry = func(attempt int, err *resilience.ToolError, delay time.Duration) {
		log.Info("retrying action",
			zap.Int("attempt", attempt),
			zap.String("code", string(err.Code)),
			zap.Duration("delay", delay))
		if userRetry != nil {
			userRetry(attempt, err, delay)
		}
	}

	out, err := resilience.DoValue(ctx, opts, func(ctx context.Context) (O, error) {
		res.Attempts++
		return safeCall(ctx, e.page, name, in, fn)
	})
	if err != nil {
		res.Error = resilience.Categorize(err)
	} else {
		res.Success = true
		res.Data = out
	}
	if ref := e.capture(ctx, name, res.Success, log); ref != "" {
		res.Screenshots = append(res.Screenshots, ref)
	}
	return res
}

func validate(in Input) (te *resilience.ToolError) {
	defer func() {
		if r := recover(); r != nil {
			te = resilience.Newf(resilience.CodeValidation, "input validation panicked: %v", r)
		}
	}()
	err := in.Validate()
	if err == nil {
		return nil
	}
	var existing *resilience.ToolError
	if errors.As(err, &existing) && existing.Code == resilience.CodeValidation {
		return existing
	}
	return resilience.Wrap(resilience.CodeValidation, err, err.Error())
}

func safeCall[I Input, O any](ctx context.Context, page browser.Page, name string, in I, fn func(context.Context, browser.Page, I) (O, error)) (out O, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = resilience.Newf(resilience.CodeUnknown, "%s panicked: %v", name, r)
		}
	}()
	return fn(ctx, page, in)
}

func (e *Executor) capture(ctx context.Context, name string, success bool, log *zap.Logger) string {
	if e.shots == nil {
		return ""
	}
	outcome := "ok"
	if !success {
		outcome = "failed"
	}
	label := fmt.Sprintf("%03d-%s-%s", e.seq.Add(1), name, outcome)

	// The page is still worth capturing after the caller gave up.
	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	png, err := e.page.Screenshot(shotCtx)
	if err != nil {
		log.Debug("screenshot failed", zap.Error(err))
		return ""
	}
	ref, err := e.shots.SaveScreenshot(shotCtx, e.sessionID, label, png)
	if err != nil {
		log.Debug("screenshot not stored", zap.Error(err))
		return ""
	}
	return ref
}
