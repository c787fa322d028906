package tracking

import (
	"sync"
	"time"
)

// Phase is a coordinator pipeline step. Phases are ordered.
type Phase string

const (
	PhaseInitializing         Phase = "initializing"
	PhaseAuthenticating       Phase = "authenticating"
	PhaseLoadingOrders        Phase = "loading_orders"
	PhaseBuildingCart         Phase = "building_cart"
	PhaseCheckingAvailability Phase = "checking_availability"
	PhaseFindingSubstitutes   Phase = "finding_substitutes"
	PhasePruningStock         Phase = "pruning_stock"
	PhaseScoutingSlots        Phase = "scouting_slots"
	PhaseGeneratingReview     Phase = "generating_review"
	PhaseReviewReady          Phase = "review_ready"
	PhaseApproved             Phase = "approved"
	PhaseCancelled            Phase = "cancelled"
	PhaseError                Phase = "error"
)

var phaseOrder = []Phase{
	PhaseInitializing,
	PhaseAuthenticating,
	PhaseLoadingOrders,
	PhaseBuildingCart,
	PhaseCheckingAvailability,
	PhaseFindingSubstitutes,
	PhasePruningStock,
	PhaseScoutingSlots,
	PhaseGeneratingReview,
	PhaseReviewReady,
	PhaseApproved,
	PhaseCancelled,
	PhaseError,
}

// Index is the position of p in pipeline order, or -1 if unknown.
func (p Phase) Index() int {
	for i, q := range phaseOrder {
		if q == p {
			return i
		}
	}
	return -1
}

// Terminal reports whether no further phase can follow.
func (p Phase) Terminal() bool {
	return p == PhaseApproved || p == PhaseCancelled || p == PhaseError
}

type WorkerStatus string

const (
	WorkerPending  WorkerStatus = "pending"
	WorkerRunning  WorkerStatus = "running"
	WorkerComplete WorkerStatus = "complete"
	WorkerFailed   WorkerStatus = "failed"
	WorkerSkipped  WorkerStatus = "skipped"
)

// Done reports whether the worker will make no further progress.
func (s WorkerStatus) Done() bool {
	return s == WorkerComplete || s == WorkerFailed || s == WorkerSkipped
}

// WorkerProgress is the live state of one worker. Progress is a percentage.
type WorkerProgress struct {
	Name     string       `json:"name"`
	Status   WorkerStatus `json:"status"`
	Progress float64      `json:"progress"`
	Error    string       `json:"error,omitempty"`
}

// ProgressState is a point-in-time view of a session's pipeline.
type ProgressState struct {
	Phase         Phase            `json:"phase"`
	Overall       float64          `json:"overall"`
	Workers       []WorkerProgress `json:"workers"`
	CurrentAction string           `json:"current_action,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Tracker accumulates progress updates. The zero value is not usable; use NewTracker.
type Tracker struct {
	mu      sync.RWMutex
	state   ProgressState
	workers map[string]int
	now     func() time.Time
}

// NewTracker registers workers as pending.
func NewTracker(workers ...string) *Tracker {
	t := &Tracker{workers: make(map[string]int), now: time.Now}
	now := t.now()
	t.state = ProgressState{Phase: PhaseInitializing, StartedAt: now, UpdatedAt: now}
	for _, w := range workers {
		t.workers[w] = len(t.state.Workers)
		t.state.Workers = append(t.state.Workers, WorkerProgress{Name: w, Status: WorkerPending})
	}
	return t
}

func (t *Tracker) SetPhase(p Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Phase = p
	t.touch()
}

func (t *Tracker) SetAction(action string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.CurrentAction = action
	t.touch()
}

// SetWorker replaces a worker's state; unknown workers are appended.
func (t *Tracker) SetWorker(wp WorkerProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if wp.Progress < 0 {
		wp.Progress = 0
	}
	if wp.Progress > 100 {
		wp.Progress = 100
	}
	if wp.Status == WorkerComplete || wp.Status == WorkerSkipped {
		wp.Progress = 100
	}
	idx, ok := t.workers[wp.Name]
	if !ok {
		t.workers[wp.Name] = len(t.state.Workers)
		t.state.Workers = append(t.state.Workers, wp)
	} else {
		t.state.Workers[idx] = wp
	}
	t.touch()
}

// Snapshot returns a deep copy with Overall recomputed.
func (t *Tracker) Snapshot() ProgressState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.state
	s.Workers = make([]WorkerProgress, len(t.state.Workers))
	copy(s.Workers, t.state.Workers)
	s.Overall = Overall(s.Workers)
	return s
}

func (t *Tracker) touch() {
	t.state.UpdatedAt = t.now()
}

// Overall is the mean worker percentage. Skipped and finished workers count as 100.
func Overall(workers []WorkerProgress) float64 {
	if len(workers) == 0 {
		return 0
	}
	total := 0.0
	for _, w := range workers {
		if w.Status.Done() {
			total += 100
			continue
		}
		total += w.Progress
	}
	return total / float64(len(workers))
}
