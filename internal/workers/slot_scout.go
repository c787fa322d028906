package workers

import (
	"context"
	"fmt"
	"sort"

	"cartpilot/internal/cart"
	"cartpilot/internal/shop"
	"cartpilot/internal/tracking"
)

// SlotResult is the slot scout's contribution.
type SlotResult struct {
	Options    []cart.SlotOption
	Confidence float64
	Factors    []tracking.Factor
}

type SlotScout struct {
	site shop.Site
}

func NewSlotScout(site shop.Site) *SlotScout {
	return &SlotScout{site: site}
}

func (s *SlotScout) Run(ctx context.Context, progress ProgressFunc) (*SlotResult, error) {
	slots, err := s.site.DeliverySlots(ctx)
	if err != nil {
		return nil, fmt.Errorf("delivery slots: %w", err)
	}
	progress.report(60)
	res := &SlotResult{Options: RankSlots(slots)}
	if len(res.Options) == 0 {
		res.Confidence = 0.3
		res.Factors = []tracking.Factor{{Name: "slots", Contribution: 0.3, Description: "no available delivery slots"}}
	} else {
		res.Confidence = 0.9
		res.Factors = []tracking.Factor{{Name: "slots", Contribution: 0.9, Description: fmt.Sprintf("%d available slots ranked", len(res.Options))}}
	}
	progress.report(100)
	return res, nil
}

// RankSlots keeps available slots and orders them cheapest first, then
// earliest. Ranks start at 1.
func RankSlots(slots []cart.DeliverySlot) []cart.SlotOption {
	avail := make([]cart.DeliverySlot, 0, len(slots))
	for _, s := range slots {
		if s.Available {
			avail = append(avail, s)
		}
	}
	if len(avail) == 0 {
		return nil
	}
	sort.SliceStable(avail, func(i, j int) bool {
		a, b := avail[i], avail[j]
		if a.FeeCents != b.FeeCents {
			return a.FeeCents < b.FeeCents
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.ID < b.ID
	})

	earliest := avail[0].Start
	for _, s := range avail[1:] {
		if s.Start.Before(earliest) {
			earliest = s.Start
		}
	}

	out := make([]cart.SlotOption, len(avail))
	for i, s := range avail {
		out[i] = cart.SlotOption{Slot: s, Rank: i + 1, Reason: slotReason(s, i == 0, s.Start.Equal(earliest))}
	}
	return out
}

func slotReason(s cart.DeliverySlot, top, earliest bool) string {
	window := s.Start.Format("Mon Jan 2 15:04")
	if !s.End.IsZero() {
		window += "-" + s.End.Format("15:04")
	}
	fee := "free delivery"
	if s.FeeCents > 0 {
		fee = cart.FormatCents(s.FeeCents) + " delivery"
	}
	switch {
	case top && s.FeeCents == 0 && earliest:
		return fmt.Sprintf("Recommended: free delivery and the earliest available slot (%s)", window)
	case top && s.FeeCents == 0:
		return fmt.Sprintf("Recommended: earliest free delivery slot (%s)", window)
	case top && earliest:
		return fmt.Sprintf("Recommended: lowest fee and the earliest available slot, %s (%s)", fee, window)
	case top:
		return fmt.Sprintf("Recommended: lowest fee, earliest among them, %s (%s)", fee, window)
	default:
		return fmt.Sprintf("%s (%s)", fee, window)
	}
}
