// Package workers holds the analysis workers that each contribute one part
// of a review pack. Workers touch the site only through shop.Site.
package workers

import (
	"context"
	"errors"

	"cartpilot/internal/cart"
	"cartpilot/internal/resilience"
	"cartpilot/internal/tracking"
)

// ProgressFunc receives a worker's completion percentage.
type ProgressFunc func(percent float64)

func (p ProgressFunc) report(percent float64) {
	if p != nil {
		p(percent)
	}
}

// ErrStopped is returned when a worker's stop predicate fired between two
// site actions. Actions already done are not undone.
var ErrStopped = errors.New("worker stopped")

// StopFunc reports whether the session a worker serves has ended. Workers
// poll it before every site action.
type StopFunc func() bool

func (s StopFunc) stopped() bool {
	return s != nil && s()
}

// HistorySource is the read-only household history.
type HistorySource interface {
	PurchaseHistory(ctx context.Context) (map[string]cart.PurchaseStats, error)
	RestockCadences(ctx context.Context) (map[string]cart.Cadence, error)
	Preferences(ctx context.Context) ([]tracking.PreferenceRule, error)
}

// History is a loaded snapshot of a HistorySource.
type History struct {
	Purchases   map[string]cart.PurchaseStats
	Cadences    map[string]cart.Cadence
	Preferences []tracking.PreferenceRule
}

// fatal reports errors that should end a worker instead of being recorded
// against a single item.
func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return resilience.IsCode(err, resilience.CodeAuth)
}
