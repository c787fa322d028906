package selectors

import (
	"context"
	"sync"

	"cartpilot/internal/browser"

	"go.uber.org/zap"
)

// SelectPopup picks the pattern to dismiss given which selectors are visible.
// The highest priority visible pattern wins; equal priorities keep table
// order. A pattern whose modal marker is visible is never chosen.
func SelectPopup(patterns []PopupPattern, visible map[string]bool) (PopupPattern, string, bool) {
	var (
		best    PopupPattern
		bestSel string
		found   bool
	)
	for _, p := range patterns {
		if p.SkipWhileModal != "" && visible[p.SkipWhileModal] {
			continue
		}
		if found && p.Priority <= best.Priority {
			continue
		}
		for _, sel := range p.Selectors {
			if visible[sel] {
				best, bestSel, found = p, sel, true
				break
			}
		}
	}
	return best, bestSel, found
}

// PopupWatcher dismisses known popups on one page whenever its DOM changes.
// It belongs to the page session that created it; Attach and Detach bracket
// its lifetime.
type PopupWatcher struct {
	page   browser.Page
	reg    *Registry
	logger *zap.Logger

	mu         sync.Mutex
	attached   bool
	stop       func()
	ctx        context.Context
	dismissals int
	counts     map[string]int

	sweepMu sync.Mutex
}

func NewPopupWatcher(page browser.Page, reg *Registry, logger *zap.Logger) *PopupWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PopupWatcher{page: page, reg: reg, logger: logger, counts: make(map[string]int)}
}

// Attach subscribes to the page's mutation stream. Attaching an attached
// watcher does nothing.
func (w *PopupWatcher) Attach(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.attached {
		return nil
	}
	w.ctx = ctx
	stop, err := w.page.ObserveMutations(ctx, w.onBatch)
	if err != nil {
		return err
	}
	w.stop = stop
	w.attached = true
	return nil
}

// Detach stops observing. It waits for an in-progress sweep to finish.
func (w *PopupWatcher) Detach() {
	w.mu.Lock()
	if !w.attached {
		w.mu.Unlock()
		return
	}
	stop := w.stop
	w.stop = nil
	w.attached = false
	w.mu.Unlock()
	stop()
}

func (w *PopupWatcher) Attached() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attached
}

func (w *PopupWatcher) onBatch() {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := w.Sweep(ctx); err != nil {
		w.logger.Debug("popup sweep failed", zap.Error(err))
	}
}

// Sweep checks the popup table once and clicks the chosen popup, if any. It
// returns the dismissed pattern name.
func (w *PopupWatcher) Sweep(ctx context.Context) (string, error) {
	w.sweepMu.Lock()
	defer w.sweepMu.Unlock()

	patterns := w.reg.Popups()
	if len(patterns) == 0 {
		return "", nil
	}

	var candidates []string
	seen := make(map[string]bool)
	add := func(sel string) {
		if sel != "" && !seen[sel] {
			seen[sel] = true
			candidates = append(candidates, sel)
		}
	}
	for _, p := range patterns {
		add(p.SkipWhileModal)
		for _, sel := range p.Selectors {
			add(sel)
		}
	}

	flags, err := w.page.VisibleSet(ctx, candidates)
	if err != nil {
		return "", err
	}
	visible := make(map[string]bool, len(candidates))
	for i, sel := range candidates {
		if i < len(flags) {
			visible[sel] = flags[i]
		}
	}

	p, sel, ok := SelectPopup(patterns, visible)
	if !ok {
		return "", nil
	}
	if err := w.page.Click(ctx, sel); err != nil {
		return "", err
	}

	w.mu.Lock()
	w.dismissals++
	w.counts[p.Name]++
	w.mu.Unlock()
	w.logger.Info("popup dismissed", zap.String("popup", p.Name), zap.String("selector", sel))
	return p.Name, nil
}

// Dismissals is the cumulative number of popups clicked away.
func (w *PopupWatcher) Dismissals() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dismissals
}

// Counts returns dismissals per pattern name.
func (w *PopupWatcher) Counts() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int, len(w.counts))
	for k, v := range w.counts {
		out[k] = v
	}
	return out
}
