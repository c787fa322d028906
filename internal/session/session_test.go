package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cartpilot/internal/action"
	"cartpilot/internal/cart"
	"cartpilot/internal/config"
	"cartpilot/internal/coordinator"
	"cartpilot/internal/provenance"
	"cartpilot/internal/recorder"
	"cartpilot/internal/resilience"
	"cartpilot/internal/shop/shoptest"
	"cartpilot/internal/tracking"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// The GenAI client's opencensus dependency starts this worker in init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// fakeRunner lets a test script Run and observe Apply.
type fakeRunner struct {
	run func(ctx context.Context, cb coordinator.Callbacks, stop func() bool) (*cart.ReviewPack, error)

	mu       sync.Mutex
	applied  [][]cart.Modification
	applyErr error
}

func (f *fakeRunner) Run(ctx context.Context, _ string, _ coordinator.Request, cb coordinator.Callbacks, stop func() bool) (*cart.ReviewPack, error) {
	return f.run(ctx, cb, stop)
}

func (f *fakeRunner) Apply(_ context.Context, _ *cart.ReviewPack, mods []cart.Modification, _ func() bool) ([]cart.ModificationResult, []tracking.DecisionReasoning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, mods)
	results := make([]cart.ModificationResult, 0, len(mods))
	for _, m := range mods {
		results = append(results, cart.ModificationResult{Modification: m, Applied: true})
	}
	return results, nil, f.applyErr
}

func (f *fakeRunner) CartURL() string { return "https://shop.example/cart" }

func (f *fakeRunner) applyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

// pageCounter counts page releases.
type pageCounter struct {
	mu       sync.Mutex
	opened   int
	released int
}

func (p *pageCounter) factory(r Runner, obsOut *action.Observer) RunnerFactory {
	return func(_ context.Context, _ string, obs action.Observer) (Runner, func(), error) {
		p.mu.Lock()
		p.opened++
		if obsOut != nil {
			*obsOut = obs
		}
		p.mu.Unlock()
		return r, func() {
			p.mu.Lock()
			p.released++
			p.mu.Unlock()
		}, nil
	}
}

func (p *pageCounter) releases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

func readyPack() *cart.ReviewPack {
	return &cart.ReviewPack{
		AddedItems: []cart.Item{{ProductID: "milk", Quantity: 2, UnitPriceCents: 120}},
		UnavailableItems: []cart.UnavailableItem{
			{Item: cart.Item{ProductID: "tofu"}, Substitutes: []cart.RankedSubstitute{}, UserAction: cart.ActionPending},
		},
		Confidence: 0.9,
	}
}

func instantRunner() *fakeRunner {
	return &fakeRunner{run: func(_ context.Context, cb coordinator.Callbacks, _ func() bool) (*cart.ReviewPack, error) {
		cb.OnPhase(tracking.PhaseAuthenticating)
		cb.OnPhase(tracking.PhaseLoadingOrders)
		cb.OnPhase(tracking.PhaseBuildingCart)
		cb.OnDecision(tracking.NewDecision(config.WorkerCartBuilder, tracking.DecisionAdded, "milk", "Milk", "in every order", 0.9))
		cb.OnPhase(tracking.PhaseGeneratingReview)
		cb.OnPhase(tracking.PhaseReviewReady)
		return readyPack(), nil
	}}
}

// blockingRunner parks in Run until release is closed, then honours stop.
func blockingRunner(entered chan<- struct{}, release <-chan struct{}) *fakeRunner {
	return &fakeRunner{run: func(ctx context.Context, cb coordinator.Callbacks, stop func() bool) (*cart.ReviewPack, error) {
		cb.OnPhase(tracking.PhaseLoadingOrders)
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if stop() {
			return nil, coordinator.ErrStopped
		}
		return readyPack(), nil
	}}
}

func waitFor(t *testing.T, m *Manager, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, id))
}

func shutdown(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

func TestSessionReachesReviewAndApproves(t *testing.T) {
	pages := &pageCounter{}
	runner := instantRunner()
	prov, err := provenance.NewEngine(config.ProvenanceConfig{Enable: true}, 0.5, nil)
	require.NoError(t, err)
	m := NewManager(pages.factory(runner, nil), WithProvenance(prov))
	defer shutdown(t, m)

	ctx := context.Background()
	snap, err := m.StartSession(ctx, coordinator.Request{})
	require.NoError(t, err)
	assert.Equal(t, StatusInitializing, snap.Status)
	assert.Nil(t, snap.ReviewPack)
	assert.NotEmpty(t, snap.ID)

	waitFor(t, m, snap.ID)
	got, err := m.GetSessionStatus(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingReview, got.Status)
	require.NotNil(t, got.ReviewPack)
	assert.Equal(t, tracking.PhaseReviewReady, got.Progress.Phase)
	require.Len(t, got.Decisions, 1)
	assert.Equal(t, "milk", got.Decisions[0].ItemID)
	assert.Contains(t, got.Attention, provenance.Attention{ItemID: "tofu", Reason: provenance.ReasonNoSubstitute})
	assert.Zero(t, pages.releases(), "page stays open for the approval")

	res, err := m.SubmitApproval(ctx, snap.ID, Approval{
		Approve:       true,
		Modifications: []cart.Modification{{Type: cart.ModRemove, ProductID: "milk"}},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, "https://shop.example/cart", res.CartURL)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, 1, pages.releases())

	again, err := m.SubmitApproval(ctx, snap.ID, Approval{Approve: true})
	require.NoError(t, err)
	assert.False(t, again.Success)
	assert.Equal(t, 1, runner.applyCalls())

	final, err := m.GetSessionStatus(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, final.Status)
	assert.NotNil(t, final.EndTime)
}

func TestApprovalOutsideReviewIsRejected(t *testing.T) {
	entered, unblock := make(chan struct{}), make(chan struct{})
	pages := &pageCounter{}
	runner := blockingRunner(entered, unblock)
	m := NewManager(pages.factory(runner, nil))
	defer shutdown(t, m)

	ctx := context.Background()
	snap, err := m.StartSession(ctx, coordinator.Request{})
	require.NoError(t, err)
	<-entered

	res, err := m.SubmitApproval(ctx, snap.ID, Approval{Approve: true})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, StatusLoadingOrders, res.Status)
	assert.Zero(t, runner.applyCalls())

	close(unblock)
	waitFor(t, m, snap.ID)
}

func TestCancelIsIdempotentAndStopsPipeline(t *testing.T) {
	entered, unblock := make(chan struct{}), make(chan struct{})
	pages := &pageCounter{}
	m := NewManager(pages.factory(blockingRunner(entered, unblock), nil))
	defer shutdown(t, m)

	ctx := context.Background()
	snap, err := m.StartSession(ctx, coordinator.Request{})
	require.NoError(t, err)
	<-entered

	ok, err := m.CancelSession(snap.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.CancelSession(snap.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, pages.releases(), "in-flight pipeline keeps the page until it stops")

	close(unblock)
	waitFor(t, m, snap.ID)

	got, err := m.GetSessionStatus(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Nil(t, got.ReviewPack)
	assert.Equal(t, 1, pages.releases())
}

func TestRejectCancelsWithoutTouchingCart(t *testing.T) {
	pages := &pageCounter{}
	runner := instantRunner()
	m := NewManager(pages.factory(runner, nil))
	defer shutdown(t, m)

	ctx := context.Background()
	snap, err := m.StartSession(ctx, coordinator.Request{})
	require.NoError(t, err)
	waitFor(t, m, snap.ID)

	res, err := m.SubmitApproval(ctx, snap.ID, Approval{Approve: false})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Empty(t, res.CartURL)
	assert.Zero(t, runner.applyCalls())
	assert.Equal(t, 1, pages.releases())

	ok, err := m.CancelSession(snap.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyFailureEndsInError(t *testing.T) {
	pages := &pageCounter{}
	runner := instantRunner()
	runner.applyErr = resilience.New(resilience.CodeAuth, "signed out")
	m := NewManager(pages.factory(runner, nil))
	defer shutdown(t, m)

	ctx := context.Background()
	snap, err := m.StartSession(ctx, coordinator.Request{})
	require.NoError(t, err)
	waitFor(t, m, snap.ID)

	res, err := m.SubmitApproval(ctx, snap.ID, Approval{Approve: true})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Message, "signed out")
	assert.Empty(t, res.CartURL)
}

func TestPipelineFailureKeepsMessage(t *testing.T) {
	runner := &fakeRunner{run: func(context.Context, coordinator.Callbacks, func() bool) (*cart.ReviewPack, error) {
		return nil, errors.New("authentication failed: bad password")
	}}
	pages := &pageCounter{}
	m := NewManager(pages.factory(runner, nil))
	defer shutdown(t, m)

	snap, err := m.StartSession(context.Background(), coordinator.Request{})
	require.NoError(t, err)
	waitFor(t, m, snap.ID)

	got, err := m.GetSessionStatus(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "authentication failed: bad password", got.Error)
	assert.Nil(t, got.ReviewPack)
	assert.Equal(t, tracking.PhaseError, got.Progress.Phase)
	assert.Equal(t, 1, pages.releases())
}

func TestPageOpenFailure(t *testing.T) {
	m := NewManager(func(context.Context, string, action.Observer) (Runner, func(), error) {
		return nil, nil, errors.New("browser not connected")
	})
	defer shutdown(t, m)

	snap, err := m.StartSession(context.Background(), coordinator.Request{})
	require.NoError(t, err)
	waitFor(t, m, snap.ID)

	got, err := m.GetSessionStatus(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "open page: browser not connected", got.Error)
}

func TestObserverReportsCurrentAction(t *testing.T) {
	entered, unblock := make(chan struct{}), make(chan struct{})
	var obs action.Observer
	pages := &pageCounter{}
	m := NewManager(pages.factory(blockingRunner(entered, unblock), &obs))
	defer shutdown(t, m)

	snap, err := m.StartSession(context.Background(), coordinator.Request{})
	require.NoError(t, err)
	<-entered

	pages.mu.Lock()
	o := obs
	pages.mu.Unlock()
	require.NotNil(t, o)

	o.ActionStarted("read_cart")
	got, err := m.GetSessionStatus(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "read_cart", got.Progress.CurrentAction)

	o.ActionFinished("read_cart", true, time.Millisecond, nil)
	got, err = m.GetSessionStatus(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Progress.CurrentAction)

	close(unblock)
	waitFor(t, m, snap.ID)
}

func TestUnknownSessionAndValidation(t *testing.T) {
	m := NewManager(nil)
	defer shutdown(t, m)
	ctx := context.Background()

	_, err := m.GetSessionStatus(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.SubmitApproval(ctx, "nope", Approval{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.CancelSession("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.StartSession(ctx, coordinator.Request{MergeRule: "median"})
	require.Error(t, err)
	assert.True(t, resilience.IsCode(err, resilience.CodeValidation))
	assert.Empty(t, m.ListSessions())
}

func TestShutdownClosesPages(t *testing.T) {
	pages := &pageCounter{}
	m := NewManager(pages.factory(instantRunner(), nil))

	ctx := context.Background()
	first, err := m.StartSession(ctx, coordinator.Request{})
	require.NoError(t, err)
	waitFor(t, m, first.ID)
	second, err := m.StartSession(ctx, coordinator.Request{})
	require.NoError(t, err)
	waitFor(t, m, second.ID)

	list := m.ListSessions()
	require.Len(t, list, 2)
	assert.Equal(t, StatusAwaitingReview, list[0].Status)

	shutdown(t, m)
	assert.Equal(t, 2, pages.releases())
	got, err := m.GetSessionStatus(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "session manager shut down", got.Error)

	_, err = m.StartSession(ctx, coordinator.Request{})
	assert.Error(t, err)
}

func TestEndToEndWithCoordinator(t *testing.T) {
	site := shoptest.New()
	site.Orders = []cart.Order{{
		OrderSummary: cart.OrderSummary{ID: "A", PlacedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		Items:        []cart.LineItem{{ProductID: "milk", Name: "Milk", Quantity: 2, UnitPriceCents: 120}},
	}}
	cfg := config.DefaultConfig().Coordinator
	pipeline := coordinator.NewPipeline(site, nil, nil, cfg, nil)

	pages := &pageCounter{}
	m := NewManager(pages.factory(pipeline, nil))
	defer shutdown(t, m)

	ctx := context.Background()
	snap, err := m.StartSession(ctx, coordinator.Request{})
	require.NoError(t, err)
	waitFor(t, m, snap.ID)

	got, err := m.GetSessionStatus(ctx, snap.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingReview, got.Status, got.Error)
	require.Len(t, got.ReviewPack.AddedItems, 1)
	assert.Contains(t, got.ReviewPack.Warnings[0], "stock_pruner failed")

	res, err := m.SubmitApproval(ctx, snap.ID, Approval{Approve: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, site.URL, res.CartURL)
	assert.Equal(t, 2, site.Cart()[0].Quantity)
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusInitializing, StatusBuildingCart, true},
		{StatusBuildingCart, StatusLoadingOrders, false},
		{StatusScoutingSlots, StatusAwaitingReview, true},
		{StatusBuildingCart, StatusApproved, false},
		{StatusAwaitingReview, StatusApproved, true},
		{StatusAwaitingReview, StatusCancelled, true},
		{StatusPruningStock, StatusError, true},
		{StatusApproved, StatusCancelled, false},
		{StatusCancelled, StatusError, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, canTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestShutdownEndsRunningPipelineWithShutdownMessage(t *testing.T) {
	entered, unblock := make(chan struct{}), make(chan struct{})
	defer close(unblock)
	pages := &pageCounter{}
	m := NewManager(pages.factory(blockingRunner(entered, unblock), nil))

	ctx := context.Background()
	snap, err := m.StartSession(ctx, coordinator.Request{})
	require.NoError(t, err)
	<-entered

	shutdown(t, m)
	got, err := m.GetSessionStatus(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "session manager shut down", got.Error)
	assert.Equal(t, tracking.PhaseError, got.Progress.Phase)
	assert.Equal(t, 1, pages.releases())
}

// fourItemSite serves one past order of four products; onAdd runs on every
// add_to_cart.
func fourItemSite(onAdd func()) *shoptest.Site {
	site := shoptest.New()
	lines := make([]cart.LineItem, 0, 4)
	for _, id := range []string{"milk", "rice", "eggs", "bread"} {
		lines = append(lines, cart.LineItem{ProductID: id, Name: id, Quantity: 1, UnitPriceCents: 100})
	}
	site.Orders = []cart.Order{{
		OrderSummary: cart.OrderSummary{ID: "A", PlacedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		Items:        lines,
	}}
	site.Hook = func(_ context.Context, op string) {
		if op == "add_to_cart" {
			onAdd()
		}
	}
	return site
}

func TestCancelDuringCartBuildStopsNewActions(t *testing.T) {
	var m *Manager
	var adds atomic.Int32
	site := fourItemSite(func() {
		if adds.Add(1) != 1 {
			return
		}
		for _, sum := range m.ListSessions() {
			_, err := m.CancelSession(sum.ID)
			assert.NoError(t, err)
		}
	})
	pipeline := coordinator.NewPipeline(site, nil, nil, config.DefaultConfig().Coordinator, nil)
	pages := &pageCounter{}
	m = NewManager(pages.factory(pipeline, nil))
	defer shutdown(t, m)

	ctx := context.Background()
	snap, err := m.StartSession(ctx, coordinator.Request{})
	require.NoError(t, err)
	waitFor(t, m, snap.ID)

	assert.Equal(t, int32(1), adds.Load())
	assert.Len(t, site.Cart(), 1, "only the add in flight at cancel time reaches the cart")

	got, err := m.GetSessionStatus(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Nil(t, got.ReviewPack)
	assert.Empty(t, got.Decisions)
	for _, w := range got.Progress.Workers {
		assert.NotEqual(t, tracking.WorkerComplete, w.Status, w.Name)
	}
	assert.Equal(t, 1, pages.releases())
}

func TestTerminalSessionIgnoresLateEvents(t *testing.T) {
	entered, unblock := make(chan struct{}), make(chan struct{})
	var obs action.Observer
	var cb coordinator.Callbacks
	var mu sync.Mutex
	runner := &fakeRunner{run: func(ctx context.Context, c coordinator.Callbacks, stop func() bool) (*cart.ReviewPack, error) {
		mu.Lock()
		cb = c
		mu.Unlock()
		close(entered)
		<-unblock
		return nil, coordinator.ErrStopped
	}}
	pages := &pageCounter{}
	m := NewManager(pages.factory(runner, &obs))
	defer shutdown(t, m)

	ctx := context.Background()
	snap, err := m.StartSession(ctx, coordinator.Request{})
	require.NoError(t, err)
	<-entered
	ok, err := m.CancelSession(snap.ID)
	require.NoError(t, err)
	require.True(t, ok)
	before, err := m.GetSessionStatus(ctx, snap.ID)
	require.NoError(t, err)

	mu.Lock()
	late := cb
	mu.Unlock()
	pages.mu.Lock()
	o := obs
	pages.mu.Unlock()

	late.OnDecision(tracking.NewDecision(config.WorkerCartBuilder, tracking.DecisionAdded, "milk", "Milk", "late", 0.9))
	late.OnWorker(tracking.WorkerProgress{Name: config.WorkerCartBuilder, Status: tracking.WorkerComplete, Progress: 100})
	late.OnPreference(tracking.PreferenceApplication{})
	late.OnPhase(tracking.PhaseReviewReady)
	o.ActionStarted("add_to_cart")

	after, err := m.GetSessionStatus(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, after.Status)
	assert.Empty(t, after.Decisions)
	assert.Empty(t, after.Preferences)
	assert.Equal(t, before.Progress.Workers, after.Progress.Workers)
	assert.Equal(t, tracking.PhaseCancelled, after.Progress.Phase)
	assert.Empty(t, after.Progress.CurrentAction)

	close(unblock)
	waitFor(t, m, snap.ID)
}

func TestSnapshotPackIsACopy(t *testing.T) {
	m := NewManager((&pageCounter{}).factory(instantRunner(), nil))
	defer shutdown(t, m)

	ctx := context.Background()
	snap, err := m.StartSession(ctx, coordinator.Request{})
	require.NoError(t, err)
	waitFor(t, m, snap.ID)

	first, err := m.GetSessionStatus(ctx, snap.ID)
	require.NoError(t, err)
	require.NotNil(t, first.ReviewPack)
	first.ReviewPack.AddedItems[0].Quantity = 99
	first.ReviewPack.UnavailableItems = nil
	first.ReviewPack.Confidence = 0

	second, err := m.GetSessionStatus(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, second.ReviewPack.AddedItems[0].Quantity)
	assert.Len(t, second.ReviewPack.UnavailableItems, 1)
	assert.Equal(t, 0.9, second.ReviewPack.Confidence)
}

// traceLog is an in-memory Recorder.
type traceLog struct {
	mu     sync.Mutex
	events map[string][]string
}

func (l *traceLog) Start(id string, _ interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.events == nil {
		l.events = make(map[string][]string)
	}
	l.events[id] = append(l.events[id], recorder.EventStarted)
	return nil
}

func (l *traceLog) Log(id, eventType string, _ interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.events == nil {
		l.events = make(map[string][]string)
	}
	l.events[id] = append(l.events[id], eventType)
}

func (l *traceLog) End(id string, _ interface{}) error {
	l.Log(id, recorder.EventEnded, nil)
	return nil
}

func (l *traceLog) count(id, eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events[id] {
		if e == eventType {
			n++
		}
	}
	return n
}

func TestTraceHasOneStartedEvent(t *testing.T) {
	trace := &traceLog{}
	m := NewManager((&pageCounter{}).factory(instantRunner(), nil), WithRecorder(trace))
	defer shutdown(t, m)

	snap, err := m.StartSession(context.Background(), coordinator.Request{})
	require.NoError(t, err)
	waitFor(t, m, snap.ID)

	assert.Equal(t, 1, trace.count(snap.ID, recorder.EventStarted))
	assert.Equal(t, 1, trace.count(snap.ID, recorder.EventDecision))
}

// popupRunner reports fixed popup dismissals.
type popupRunner struct {
	*fakeRunner
}

func (popupRunner) PopupCounts() map[string]int { return map[string]int{"cookie": 2} }

func TestSnapshotReportsPopups(t *testing.T) {
	m := NewManager((&pageCounter{}).factory(popupRunner{instantRunner()}, nil))
	defer shutdown(t, m)

	ctx := context.Background()
	snap, err := m.StartSession(ctx, coordinator.Request{})
	require.NoError(t, err)
	waitFor(t, m, snap.ID)

	got, err := m.GetSessionStatus(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"cookie": 2}, got.Popups)
}
