package session

import (
	"cartpilot/internal/tracking"
)

// Status is the lifecycle state of a cart session. A session ends at
// approved with the cart filled and handed over; nothing here places orders.
type Status string

const (
	StatusInitializing         Status = "initializing"
	StatusLoadingOrders        Status = "loading_orders"
	StatusBuildingCart         Status = "building_cart"
	StatusCheckingAvailability Status = "checking_availability"
	StatusFindingSubstitutes   Status = "finding_substitutes"
	StatusPruningStock         Status = "pruning_stock"
	StatusScoutingSlots        Status = "scouting_slots"
	StatusGeneratingReview     Status = "generating_review"
	StatusAwaitingReview       Status = "awaiting_review"
	StatusApproved             Status = "approved"
	StatusCancelled            Status = "cancelled"
	StatusError                Status = "error"
)

var statusRank = map[Status]int{
	StatusInitializing:         0,
	StatusLoadingOrders:        1,
	StatusBuildingCart:         2,
	StatusCheckingAvailability: 3,
	StatusFindingSubstitutes:   4,
	StatusPruningStock:         5,
	StatusScoutingSlots:        6,
	StatusGeneratingReview:     7,
	StatusAwaitingReview:       8,
}

// Terminal statuses never change again.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusCancelled || s == StatusError
}

// canTransition allows forward moves through the pipeline (skipping is
// fine), error or cancellation from any live state, and approval only from
// awaiting_review.
func canTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusError, StatusCancelled:
		return true
	case StatusApproved:
		return from == StatusAwaitingReview
	}
	fr, ok1 := statusRank[from]
	tr, ok2 := statusRank[to]
	return ok1 && ok2 && tr > fr
}

// statusForPhase maps pipeline phases onto session states. Authentication is
// reported as initializing; review_ready is not mapped because the session
// only reaches awaiting_review once the pack is stored.
func statusForPhase(p tracking.Phase) (Status, bool) {
	switch p {
	case tracking.PhaseInitializing, tracking.PhaseAuthenticating:
		return StatusInitializing, true
	case tracking.PhaseLoadingOrders:
		return StatusLoadingOrders, true
	case tracking.PhaseBuildingCart:
		return StatusBuildingCart, true
	case tracking.PhaseCheckingAvailability:
		return StatusCheckingAvailability, true
	case tracking.PhaseFindingSubstitutes:
		return StatusFindingSubstitutes, true
	case tracking.PhasePruningStock:
		return StatusPruningStock, true
	case tracking.PhaseScoutingSlots:
		return StatusScoutingSlots, true
	case tracking.PhaseGeneratingReview:
		return StatusGeneratingReview, true
	}
	return "", false
}
