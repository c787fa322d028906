package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cartpilot/internal/cart"
	"cartpilot/internal/config"
	"cartpilot/internal/resilience"
	"cartpilot/internal/shop/shoptest"
	"cartpilot/internal/tracking"
	"cartpilot/internal/workers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	purchases map[string]cart.PurchaseStats
	cadences  map[string]cart.Cadence
	prefs     []tracking.PreferenceRule
	err       error
}

func (h *fakeHistory) PurchaseHistory(context.Context) (map[string]cart.PurchaseStats, error) {
	return h.purchases, h.err
}

func (h *fakeHistory) RestockCadences(context.Context) (map[string]cart.Cadence, error) {
	return h.cadences, nil
}

func (h *fakeHistory) Preferences(context.Context) ([]tracking.PreferenceRule, error) {
	return h.prefs, nil
}

// recorder captures every callback in order.
type recorder struct {
	mu        sync.Mutex
	phases    []tracking.Phase
	workers   map[string]tracking.WorkerStatus
	decisions []tracking.DecisionReasoning
	prefs     []tracking.PreferenceApplication
}

func (r *recorder) callbacks() Callbacks {
	r.workers = make(map[string]tracking.WorkerStatus)
	return Callbacks{
		OnPhase: func(p tracking.Phase) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.phases = append(r.phases, p)
		},
		OnWorker: func(wp tracking.WorkerProgress) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.workers[wp.Name] = wp.Status
		},
		OnDecision: func(d tracking.DecisionReasoning) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.decisions = append(r.decisions, d)
		},
		OnPreference: func(a tracking.PreferenceApplication) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.prefs = append(r.prefs, a)
		},
	}
}

func day(d int) time.Time { return time.Date(2026, 3, d, 9, 0, 0, 0, time.UTC) }

func groceries() *shoptest.Site {
	site := shoptest.New()
	milk := func(q int) cart.LineItem {
		return cart.LineItem{ProductID: "milk", Name: "Milk 1L", Brand: "Dairy Co", Quantity: q, UnitPriceCents: 120}
	}
	site.Orders = []cart.Order{
		{OrderSummary: cart.OrderSummary{ID: "A", PlacedAt: day(1)}, Items: []cart.LineItem{milk(6), {ProductID: "tofu", Name: "Firm Tofu 400g", Brand: "Soya", Category: "tofu", Quantity: 1, UnitPriceCents: 300}}},
		{OrderSummary: cart.OrderSummary{ID: "B", PlacedAt: day(8)}, Items: []cart.LineItem{milk(6), {ProductID: "rice", Name: "Basmati Rice 1kg", Quantity: 1, UnitPriceCents: 450}}},
		{OrderSummary: cart.OrderSummary{ID: "C", PlacedAt: day(15)}, Items: []cart.LineItem{milk(4)}},
	}
	site.OutOfStock["tofu"] = true
	site.Search["*"] = []cart.SubstituteCandidate{
		{ProductID: "firm2", Name: "Organic Firm Tofu", Brand: "Soya", Category: "tofu", UnitPriceCents: 310, Available: true},
	}
	site.Slots = []cart.DeliverySlot{
		{ID: "late", Start: day(20).Add(8 * time.Hour), FeeCents: 0, Available: true},
		{ID: "early", Start: day(20), FeeCents: 399, Available: true},
	}
	return site
}

func history() *fakeHistory {
	return &fakeHistory{
		purchases: map[string]cart.PurchaseStats{"rice": {ProductID: "rice", Count: 4, LastPurchased: time.Now().Add(-5 * 24 * time.Hour)}},
		cadences:  map[string]cart.Cadence{"rice": {ProductID: "rice", IntervalDays: 30, Derived: true}},
	}
}

func coordinatorConfig() config.CoordinatorConfig {
	return config.DefaultConfig().Coordinator
}

func TestRunProducesReviewPack(t *testing.T) {
	site := groceries()
	rec := &recorder{}
	c := New(site, history(), nil, coordinatorConfig(), nil)

	pack, err := c.Run(context.Background(), "s1", Request{}, rec.callbacks(), nil)
	require.NoError(t, err)

	assert.Equal(t, []tracking.Phase{
		tracking.PhaseInitializing,
		tracking.PhaseAuthenticating,
		tracking.PhaseLoadingOrders,
		tracking.PhaseBuildingCart,
		tracking.PhaseCheckingAvailability,
		tracking.PhaseFindingSubstitutes,
		tracking.PhasePruningStock,
		tracking.PhaseScoutingSlots,
		tracking.PhaseGeneratingReview,
		tracking.PhaseReviewReady,
	}, rec.phases)
	for _, name := range []string{config.WorkerCartBuilder, config.WorkerSubstitutionFinder, config.WorkerStockPruner, config.WorkerSlotScout} {
		assert.Equal(t, tracking.WorkerComplete, rec.workers[name], name)
	}

	assert.Equal(t, "s1", pack.SessionID)
	assert.Equal(t, 3, pack.OrdersAnalyzed)
	require.Len(t, pack.AddedItems, 2)
	assert.Equal(t, "milk", pack.AddedItems[0].ProductID)
	assert.Equal(t, 16, pack.AddedItems[0].Quantity)

	require.Len(t, pack.UnavailableItems, 1)
	u := pack.UnavailableItems[0]
	assert.Equal(t, "tofu", u.Item.ProductID)
	assert.Equal(t, cart.ActionPending, u.UserAction)
	require.NotEmpty(t, u.Substitutes)
	assert.Equal(t, "firm2", u.Substitutes[0].Candidate.ProductID)

	require.Len(t, pack.SuggestedRemovals, 1)
	assert.Equal(t, "rice", pack.SuggestedRemovals[0].Item.ProductID)

	require.Len(t, pack.SlotOptions, 2)
	assert.Equal(t, "late", pack.SlotOptions[0].Slot.ID)

	// 16 milk at 1.20 plus one rice; the top slot is free.
	assert.Equal(t, int64(16*120+450), pack.SubtotalCents)
	assert.Equal(t, pack.SubtotalCents, pack.EstimatedTotalCents)
	assert.Empty(t, pack.Warnings)
	assert.Equal(t, site.URL, pack.CartURL)

	require.Len(t, pack.ConfidenceDisplay.Factors, 4)
	var sum float64
	for _, f := range pack.ConfidenceDisplay.Factors {
		sum += f.Contribution
	}
	assert.InDelta(t, pack.Confidence, sum, 1e-9)

	require.NotEmpty(t, rec.decisions)
	assert.Equal(t, config.WorkerCartBuilder, rec.decisions[0].Source)
	assert.NotContains(t, site.Calls(), "select_slot", "review must not touch the slot")
}

func TestRunConfidenceIgnoresFailedAndSkippedWorkers(t *testing.T) {
	site := groceries()
	hist := history()
	hist.err = errors.New("db locked")
	cfg := coordinatorConfig()
	cfg.EnableSlots = false

	rec := &recorder{}
	pack, err := New(site, hist, nil, cfg, nil).Run(context.Background(), "s1", Request{}, rec.callbacks(), nil)
	require.NoError(t, err)

	assert.Equal(t, tracking.WorkerFailed, rec.workers[config.WorkerStockPruner])
	assert.Equal(t, tracking.WorkerSkipped, rec.workers[config.WorkerSlotScout])
	require.Len(t, pack.Warnings, 2)
	assert.Contains(t, pack.Warnings[0], "stock_pruner failed")
	assert.Equal(t, "slot_scout skipped: slot scouting disabled", pack.Warnings[1])

	require.Len(t, pack.ConfidenceDisplay.Factors, 2)
	names := []string{pack.ConfidenceDisplay.Factors[0].Name, pack.ConfidenceDisplay.Factors[1].Name}
	assert.Equal(t, []string{config.WorkerCartBuilder, config.WorkerSubstitutionFinder}, names)
	assert.Empty(t, pack.SlotOptions)
	assert.Empty(t, pack.SuggestedRemovals)
}

func TestRunAuthFailureIsFatal(t *testing.T) {
	site := groceries()
	site.LoginErr = resilience.New(resilience.CodeAuth, "bad password")
	rec := &recorder{}

	pack, err := New(site, history(), nil, coordinatorConfig(), nil).Run(context.Background(), "s1", Request{}, rec.callbacks(), nil)
	require.Error(t, err)
	assert.Nil(t, pack)
	assert.True(t, resilience.IsCode(err, resilience.CodeAuth))
	assert.Equal(t, tracking.PhaseAuthenticating, rec.phases[len(rec.phases)-1])
	assert.Equal(t, []string{"login"}, site.Calls())
}

func TestRunAuthLossMidwayIsFatal(t *testing.T) {
	site := groceries()
	site.Err["add_to_cart"] = resilience.New(resilience.CodeAuth, "signed out")

	_, err := New(site, history(), nil, coordinatorConfig(), nil).Run(context.Background(), "s1", Request{}, Callbacks{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication lost")
}

func TestRunBuilderFailureSkipsDependents(t *testing.T) {
	site := groceries()
	site.HistoryErr = errors.New("orders page broken")

	rec := &recorder{}
	pack, err := New(site, history(), nil, coordinatorConfig(), nil).Run(context.Background(), "s1", Request{}, rec.callbacks(), nil)
	require.NoError(t, err)

	assert.Equal(t, tracking.WorkerFailed, rec.workers[config.WorkerCartBuilder])
	assert.Equal(t, tracking.WorkerSkipped, rec.workers[config.WorkerSubstitutionFinder])
	assert.Equal(t, tracking.WorkerSkipped, rec.workers[config.WorkerStockPruner])
	assert.Equal(t, tracking.WorkerComplete, rec.workers[config.WorkerSlotScout])
	assert.Len(t, pack.Warnings, 3)
	assert.Empty(t, pack.AddedItems)
	assert.NotNil(t, pack.UnavailableItems)
}

func TestRunSubstitutionsDisabledKeepsUnavailableItems(t *testing.T) {
	site := groceries()
	pack, err := New(site, history(), nil, coordinatorConfig(), nil).Run(context.Background(), "s1",
		Request{SkipSubstitutions: true}, Callbacks{}, nil)
	require.NoError(t, err)

	require.Len(t, pack.UnavailableItems, 1)
	assert.Equal(t, "tofu", pack.UnavailableItems[0].Item.ProductID)
	assert.Empty(t, pack.UnavailableItems[0].Substitutes)
	assert.NotContains(t, site.Calls(), "search_products")
}

func TestRunStopPredicate(t *testing.T) {
	site := groceries()
	rec := &recorder{}
	stop := func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.phases) > 0 && rec.phases[len(rec.phases)-1] == tracking.PhaseBuildingCart
	}

	pack, err := New(site, history(), nil, coordinatorConfig(), nil).Run(context.Background(), "s1", Request{}, rec.callbacks(), stop)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Nil(t, pack)
	assert.NotContains(t, rec.phases, tracking.PhaseCheckingAvailability)
}

func TestRunStopDuringBuildReportsNothing(t *testing.T) {
	site := shoptest.New()
	lines := make([]cart.LineItem, 0, 4)
	for _, id := range []string{"milk", "rice", "eggs", "bread"} {
		lines = append(lines, cart.LineItem{ProductID: id, Name: id, Quantity: 2, UnitPriceCents: 100})
	}
	site.Orders = []cart.Order{{OrderSummary: cart.OrderSummary{ID: "A", PlacedAt: day(1)}, Items: lines}}

	var mu sync.Mutex
	stopped, adds := false, 0
	site.Hook = func(_ context.Context, op string) {
		if op != "add_to_cart" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		adds++
		stopped = true
	}
	stop := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stopped
	}

	rec := &recorder{}
	pack, err := New(site, history(), nil, coordinatorConfig(), nil).Run(context.Background(), "s1", Request{}, rec.callbacks(), stop)
	require.ErrorIs(t, err, ErrStopped)
	assert.Nil(t, pack)
	assert.Equal(t, 1, adds)
	assert.Len(t, site.Cart(), 1)
	assert.Empty(t, rec.decisions)
	assert.Equal(t, tracking.WorkerRunning, rec.workers[config.WorkerCartBuilder])
}

func TestRunRequestOverrides(t *testing.T) {
	site := groceries()
	pack, err := New(site, history(), nil, coordinatorConfig(), nil).Run(context.Background(), "s1",
		Request{MaxOrders: 1, MergeRule: "latest", SkipPruning: true, SkipSlots: true}, Callbacks{}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, pack.OrdersAnalyzed)
	require.Len(t, pack.AddedItems, 1)
	assert.Equal(t, 4, pack.AddedItems[0].Quantity)
}

func TestRequestValidate(t *testing.T) {
	assert.NoError(t, Request{}.Validate())
	assert.Error(t, Request{MaxOrders: -1}.Validate())
	assert.Error(t, Request{MergeRule: "median"}.Validate())

	_, err := New(groceries(), nil, nil, coordinatorConfig(), nil).Run(context.Background(), "s1", Request{MergeRule: "median"}, Callbacks{}, nil)
	assert.Error(t, err)
}

func TestMergeWeightedConfidence(t *testing.T) {
	weights := map[string]float64{"a": 2, "b": 1, "c": 1}
	pack := Merge(Contributions{
		SessionID: "s1",
		Outcomes: []Outcome{
			{Name: "a", Status: tracking.WorkerComplete, Confidence: 0.9},
			{Name: "b", Status: tracking.WorkerComplete, Confidence: 0.6},
			{Name: "c", Status: tracking.WorkerFailed, Detail: "boom"},
			{Name: "d", Status: tracking.WorkerSkipped, Detail: "disabled"},
		},
		Weight: func(w string) float64 { return weights[w] },
	})
	assert.InDelta(t, (2*0.9+0.6)/3, pack.Confidence, 1e-9)
	assert.Equal(t, []string{"c failed: boom", "d skipped: disabled"}, pack.Warnings)
	assert.NotNil(t, pack.AddedItems)
	assert.NotNil(t, pack.SlotOptions)
	assert.False(t, pack.GeneratedAt.IsZero())
}

func TestMergeExcludesUnavailableFromTotals(t *testing.T) {
	build := &workers.BuildResult{
		Added: []cart.Item{{ProductID: "milk", Quantity: 2, UnitPriceCents: 100}},
		Kept:  []cart.Item{{ProductID: "tofu", Quantity: 1, UnitPriceCents: 300}},
		QuantityChanges: []cart.QuantityChange{
			{Item: cart.Item{ProductID: "rice", Quantity: 1, UnitPriceCents: 450}, OldQuantity: 1, NewQuantity: 3},
		},
	}
	pack := Merge(Contributions{
		Build:       build,
		Unavailable: []cart.UnavailableItem{{Item: cart.Item{ProductID: "tofu"}}},
		Slots:       []cart.SlotOption{{Slot: cart.DeliverySlot{ID: "x", FeeCents: 250}, Rank: 1}},
	})
	assert.Equal(t, int64(200+3*450), pack.SubtotalCents)
	assert.Equal(t, pack.SubtotalCents+250, pack.EstimatedTotalCents)
	assert.Zero(t, pack.Confidence)
}

func TestPipelineApply(t *testing.T) {
	site := groceries()
	p := NewPipeline(site, history(), nil, coordinatorConfig(), nil)
	pack, err := p.Run(context.Background(), "s1", Request{}, Callbacks{}, nil)
	require.NoError(t, err)

	results, decisions, err := p.Apply(context.Background(), pack, []cart.Modification{
		{Type: cart.ModSubstitute, ProductID: "tofu", SubstituteID: "firm2"},
		{Type: cart.ModRemove, ProductID: "rice"},
		{Type: cart.ModSlot, SlotID: "late"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Applied, r.Error)
	}
	assert.Len(t, decisions, 2)
	assert.Equal(t, "late", site.SelectedSlot())

	ids := map[string]bool{}
	for _, l := range site.Cart() {
		ids[l.ProductID] = true
	}
	assert.Equal(t, map[string]bool{"milk": true, "firm2": true}, ids)
	assert.Equal(t, site.URL, p.CartURL())
}
