// Package coordinator sequences the workers of one session and merges what
// they produce into a single review pack. It reports through callbacks and
// never owns session state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cartpilot/internal/cart"
	"cartpilot/internal/config"
	"cartpilot/internal/resilience"
	"cartpilot/internal/shop"
	"cartpilot/internal/tracking"
	"cartpilot/internal/workers"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned when the stop predicate asked the pipeline to end.
var ErrStopped = errors.New("coordinator stopped")

// Request carries per-session overrides of the coordinator configuration.
type Request struct {
	MaxOrders         int    `json:"max_orders,omitempty"`
	MergeRule         string `json:"merge_rule,omitempty"`
	SkipSubstitutions bool   `json:"skip_substitutions,omitempty"`
	SkipPruning       bool   `json:"skip_pruning,omitempty"`
	SkipSlots         bool   `json:"skip_slots,omitempty"`
}

func (r Request) Validate() error {
	if r.MaxOrders < 0 {
		return fmt.Errorf("max_orders must be >= 0, got %d", r.MaxOrders)
	}
	if _, err := cart.ParseMergeRule(r.MergeRule); err != nil {
		return err
	}
	return nil
}

// Callbacks receive pipeline events. Any may be nil.
type Callbacks struct {
	OnPhase      func(tracking.Phase)
	OnWorker     func(tracking.WorkerProgress)
	OnDecision   func(tracking.DecisionReasoning)
	OnPreference func(tracking.PreferenceApplication)
}

func (cb Callbacks) phase(p tracking.Phase) {
	if cb.OnPhase != nil {
		cb.OnPhase(p)
	}
}

func (cb Callbacks) worker(wp tracking.WorkerProgress) {
	if cb.OnWorker != nil {
		cb.OnWorker(wp)
	}
}

func (cb Callbacks) decisions(ds []tracking.DecisionReasoning) {
	if cb.OnDecision == nil {
		return
	}
	for _, d := range ds {
		cb.OnDecision(d)
	}
}

func (cb Callbacks) preferences(apps []tracking.PreferenceApplication) {
	if cb.OnPreference == nil {
		return
	}
	for _, a := range apps {
		cb.OnPreference(a)
	}
}

// Coordinator runs the worker pipeline against one site session.
type Coordinator struct {
	site    shop.Site
	history workers.HistorySource
	gen     workers.QueryGenerator
	cfg     config.CoordinatorConfig
	logger  *zap.Logger
	pruner  *workers.StockPruner
}

// New builds a coordinator. history and gen may be nil: without history the
// stock pruner fails and no preferences apply; without gen the heuristic
// query generator is used.
func New(site shop.Site, history workers.HistorySource, gen workers.QueryGenerator, cfg config.CoordinatorConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gen == nil {
		gen = workers.HeuristicQueryGenerator{}
	}
	return &Coordinator{site: site, history: history, gen: gen, cfg: cfg, logger: logger, pruner: workers.NewStockPruner()}
}

type run struct {
	c      *Coordinator
	ctx    context.Context
	cb     Callbacks
	stop   func() bool
	logger *zap.Logger

	outcomes map[string]*Outcome
	order    []string
}

// abort returns the error that must end the run instead of being recorded
// against one worker: a stop request, cancellation or a lost login.
func (r *run) abort(err error) error {
	if errors.Is(err, workers.ErrStopped) || (r.stop != nil && r.stop()) {
		return ErrStopped
	}
	if cerr := r.ctx.Err(); cerr != nil {
		return cerr
	}
	if resilience.IsCode(err, resilience.CodeAuth) {
		return fmt.Errorf("authentication lost: %w", err)
	}
	return nil
}

func (r *run) stopped() bool {
	return r.ctx.Err() != nil || (r.stop != nil && r.stop())
}

func (r *run) progress(name string) workers.ProgressFunc {
	return func(pct float64) {
		r.cb.worker(tracking.WorkerProgress{Name: name, Status: tracking.WorkerRunning, Progress: pct})
	}
}

func (r *run) start(name string) {
	r.cb.worker(tracking.WorkerProgress{Name: name, Status: tracking.WorkerRunning})
}

func (r *run) complete(name string, conf float64, factors []tracking.Factor) {
	o := r.outcomes[name]
	o.Status, o.Confidence, o.Factors = tracking.WorkerComplete, conf, factors
	r.cb.worker(tracking.WorkerProgress{Name: name, Status: tracking.WorkerComplete, Progress: 100})
}

func (r *run) fail(name string, err error) {
	o := r.outcomes[name]
	o.Status, o.Detail = tracking.WorkerFailed, err.Error()
	r.logger.Warn("worker failed", zap.String("worker", name), zap.Error(err))
	r.cb.worker(tracking.WorkerProgress{Name: name, Status: tracking.WorkerFailed, Error: err.Error()})
}

func (r *run) skip(name, reason string) {
	o := r.outcomes[name]
	if o.Status != tracking.WorkerPending {
		return
	}
	o.Status, o.Detail = tracking.WorkerSkipped, reason
	r.cb.worker(tracking.WorkerProgress{Name: name, Status: tracking.WorkerSkipped, Progress: 100})
}

// Run executes the pipeline and returns the review pack. Authentication
// failure is fatal; any other worker failure is recorded and the pipeline
// continues. stop is polled between steps and by the workers before every
// site action; once it reports true nothing new starts, no further results
// are reported and ErrStopped is returned.
func (c *Coordinator) Run(ctx context.Context, sessionID string, req Request, cb Callbacks, stop func() bool) (*cart.ReviewPack, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	cfg := c.cfg
	if req.MaxOrders > 0 {
		cfg.MaxOrders = req.MaxOrders
	}
	rule, _ := cart.ParseMergeRule(cfg.MergeRule)
	if req.MergeRule != "" {
		rule, _ = cart.ParseMergeRule(req.MergeRule)
	}

	r := &run{c: c, ctx: ctx, cb: cb, stop: stop, logger: c.logger.With(zap.String("session", sessionID)), outcomes: make(map[string]*Outcome)}
	for _, name := range []string{config.WorkerCartBuilder, config.WorkerSubstitutionFinder, config.WorkerStockPruner, config.WorkerSlotScout} {
		r.order = append(r.order, name)
		r.outcomes[name] = &Outcome{Name: name, Status: tracking.WorkerPending}
	}

	cb.phase(tracking.PhaseInitializing)
	if !cfg.EnableSubstitutions || req.SkipSubstitutions {
		r.skip(config.WorkerSubstitutionFinder, "substitutions disabled")
	}
	if !cfg.EnablePruning || req.SkipPruning {
		r.skip(config.WorkerStockPruner, "stock pruning disabled")
	}
	if !cfg.EnableSlots || req.SkipSlots {
		r.skip(config.WorkerSlotScout, "slot scouting disabled")
	}

	if r.stopped() {
		return nil, ErrStopped
	}
	cb.phase(tracking.PhaseAuthenticating)
	if err := c.site.Login(ctx); err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	if r.stopped() {
		return nil, ErrStopped
	}
	cb.phase(tracking.PhaseLoadingOrders)
	builder := workers.NewCartBuilder(c.site, workers.CartBuilderConfig{MaxOrders: cfg.MaxOrders, MergeRule: rule, Stop: stop}, r.logger)
	hist, histWait := c.loadHistory(ctx)
	r.start(config.WorkerCartBuilder)
	orders, err := builder.LoadOrders(ctx, r.progress(config.WorkerCartBuilder))
	histErr := histWait()
	if histErr != nil {
		r.logger.Warn("household history unavailable", zap.Error(histErr))
	}

	var build *workers.BuildResult
	if err != nil {
		if aerr := r.abort(err); aerr != nil {
			return nil, aerr
		}
		r.fail(config.WorkerCartBuilder, err)
	} else {
		if r.stopped() {
			return nil, ErrStopped
		}
		cb.phase(tracking.PhaseBuildingCart)
		build, err = builder.Build(ctx, orders, r.progress(config.WorkerCartBuilder))
		if err != nil {
			if aerr := r.abort(err); aerr != nil {
				return nil, aerr
			}
			r.fail(config.WorkerCartBuilder, err)
			build = nil
		} else {
			if r.stopped() {
				return nil, ErrStopped
			}
			cb.decisions(build.Decisions)
			r.complete(config.WorkerCartBuilder, build.Confidence, build.Factors)
		}
	}
	if r.stopped() {
		return nil, ErrStopped
	}
	if build == nil {
		r.skip(config.WorkerSubstitutionFinder, "cart was not built")
		r.skip(config.WorkerStockPruner, "cart was not built")
	}

	unavailable, err := r.substitutions(build, *hist)
	if err != nil {
		return nil, err
	}
	removals, err := r.prune(build, *hist, histErr)
	if err != nil {
		return nil, err
	}
	slots, err := r.slots()
	if err != nil {
		return nil, err
	}

	if r.stopped() {
		return nil, ErrStopped
	}
	cb.phase(tracking.PhaseGeneratingReview)
	contrib := Contributions{
		SessionID:   sessionID,
		Build:       build,
		Unavailable: unavailable,
		Removals:    removals,
		Slots:       slots,
		Weight:      cfg.Weight,
		CartURL:     c.site.CartURL(),
	}
	for _, name := range r.order {
		contrib.Outcomes = append(contrib.Outcomes, *r.outcomes[name])
	}
	pack := Merge(contrib)
	cb.phase(tracking.PhaseReviewReady)
	r.logger.Info("review pack ready",
		zap.Int("added", len(pack.AddedItems)),
		zap.Int("unavailable", len(pack.UnavailableItems)),
		zap.Int("removals", len(pack.SuggestedRemovals)),
		zap.Float64("confidence", pack.Confidence))
	return pack, nil
}

func (r *run) substitutions(build *workers.BuildResult, hist workers.History) ([]cart.UnavailableItem, error) {
	if build == nil {
		return nil, nil
	}
	name := config.WorkerSubstitutionFinder
	declined := make([]cart.UnavailableItem, 0, len(build.Declined))
	for _, d := range build.Declined {
		declined = append(declined, cart.UnavailableItem{Item: d.Item, Reason: d.Reason, Substitutes: []cart.RankedSubstitute{}, UserAction: cart.ActionPending})
	}
	if r.outcomes[name].Status == tracking.WorkerSkipped {
		return declined, nil
	}

	if r.stopped() {
		return nil, ErrStopped
	}
	r.cb.phase(tracking.PhaseCheckingAvailability)
	r.start(name)
	unavailable, err := workers.CheckAvailability(r.ctx, r.c.site, build)
	if err != nil {
		if aerr := r.abort(err); aerr != nil {
			return nil, aerr
		}
		r.fail(name, fmt.Errorf("availability check: %w", err))
		return declined, nil
	}
	if r.stopped() {
		return nil, ErrStopped
	}
	r.cb.worker(tracking.WorkerProgress{Name: name, Status: tracking.WorkerRunning, Progress: 10})
	r.cb.phase(tracking.PhaseFindingSubstitutes)
	finder := workers.NewSubstitutionFinder(r.c.site, r.c.gen, workers.SubstitutionConfig{
		MaxSubstitutes: r.c.cfg.MaxSubstitutes,
		MaxQueries:     r.c.cfg.MaxQueries,
		Stop:           r.stop,
	}, r.logger)
	res, err := finder.Run(r.ctx, unavailable, hist.Preferences, func(pct float64) {
		r.cb.worker(tracking.WorkerProgress{Name: name, Status: tracking.WorkerRunning, Progress: 10 + 0.9*pct})
	})
	if err != nil {
		if aerr := r.abort(err); aerr != nil {
			return nil, aerr
		}
		r.fail(name, err)
		return unavailable, nil
	}
	if r.stopped() {
		return nil, ErrStopped
	}
	r.cb.preferences(res.Applications)
	r.complete(name, res.Confidence, res.Factors)
	return res.Items, nil
}

func (r *run) prune(build *workers.BuildResult, hist workers.History, histErr error) ([]cart.SuggestedRemoval, error) {
	name := config.WorkerStockPruner
	if r.outcomes[name].Status == tracking.WorkerSkipped {
		return nil, nil
	}
	if r.stopped() {
		return nil, ErrStopped
	}
	r.cb.phase(tracking.PhasePruningStock)
	if histErr != nil {
		r.fail(name, fmt.Errorf("household history unavailable: %w", histErr))
		return nil, nil
	}
	r.start(name)
	items := append(append([]cart.Item{}, build.Added...), build.Kept...)
	for _, qc := range build.QuantityChanges {
		items = append(items, qc.Item)
	}
	res, err := r.c.pruner.Run(r.ctx, items, hist, r.progress(name))
	if err != nil {
		if aerr := r.abort(err); aerr != nil {
			return nil, aerr
		}
		r.fail(name, err)
		return nil, nil
	}
	if r.stopped() {
		return nil, ErrStopped
	}
	r.cb.decisions(res.Decisions)
	r.cb.preferences(res.Applications)
	r.complete(name, res.Confidence, res.Factors)
	return res.Removals, nil
}

func (r *run) slots() ([]cart.SlotOption, error) {
	name := config.WorkerSlotScout
	if r.outcomes[name].Status == tracking.WorkerSkipped {
		return nil, nil
	}
	if r.stopped() {
		return nil, ErrStopped
	}
	r.cb.phase(tracking.PhaseScoutingSlots)
	r.start(name)
	res, err := workers.NewSlotScout(r.c.site).Run(r.ctx, r.progress(name))
	if err != nil {
		if aerr := r.abort(err); aerr != nil {
			return nil, aerr
		}
		r.fail(name, err)
		return nil, nil
	}
	if r.stopped() {
		return nil, ErrStopped
	}
	r.complete(name, res.Confidence, res.Factors)
	return res.Options, nil
}

// loadHistory reads the household history concurrently. The returned wait
// blocks until all reads finish.
func (c *Coordinator) loadHistory(ctx context.Context) (*workers.History, func() error) {
	hist := &workers.History{}
	if c.history == nil {
		return hist, func() error { return errors.New("no history source configured") }
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := c.history.PurchaseHistory(gctx)
		if err != nil {
			return fmt.Errorf("purchase history: %w", err)
		}
		mu.Lock()
		hist.Purchases = p
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		cad, err := c.history.RestockCadences(gctx)
		if err != nil {
			return fmt.Errorf("restock cadences: %w", err)
		}
		mu.Lock()
		hist.Cadences = cad
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		prefs, err := c.history.Preferences(gctx)
		if err != nil {
			return fmt.Errorf("preferences: %w", err)
		}
		mu.Lock()
		hist.Preferences = prefs
		mu.Unlock()
		return nil
	})
	return hist, g.Wait
}
