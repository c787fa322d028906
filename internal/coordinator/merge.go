package coordinator

import (
	"fmt"
	"time"

	"cartpilot/internal/cart"
	"cartpilot/internal/tracking"
	"cartpilot/internal/workers"
)

// Outcome is how one worker finished.
type Outcome struct {
	Name       string
	Status     tracking.WorkerStatus
	Confidence float64
	Factors    []tracking.Factor
	// Detail is the failure message or skip reason.
	Detail string
}

// Contributions is everything the workers produced for one session.
type Contributions struct {
	SessionID   string
	Build       *workers.BuildResult
	Unavailable []cart.UnavailableItem
	Removals    []cart.SuggestedRemoval
	Slots       []cart.SlotOption
	Outcomes    []Outcome
	// Weight returns a worker's share of the aggregate confidence.
	Weight  func(worker string) float64
	CartURL string
	Now     time.Time
}

// Merge folds worker contributions into one review pack. Confidence is the
// weighted mean over completed workers only; every failed or skipped worker
// adds exactly one warning.
func Merge(c Contributions) *cart.ReviewPack {
	pack := &cart.ReviewPack{
		SessionID:         c.SessionID,
		AddedItems:        []cart.Item{},
		KeptItems:         []cart.Item{},
		SuggestedRemovals: append([]cart.SuggestedRemoval{}, c.Removals...),
		QuantityChanges:   []cart.QuantityChange{},
		UnavailableItems:  append([]cart.UnavailableItem{}, c.Unavailable...),
		SlotOptions:       append([]cart.SlotOption{}, c.Slots...),
		Warnings:          []string{},
		CartURL:           c.CartURL,
		GeneratedAt:       c.Now,
	}
	if pack.GeneratedAt.IsZero() {
		pack.GeneratedAt = time.Now()
	}

	var inCart []cart.Item
	if b := c.Build; b != nil {
		pack.OrdersAnalyzed = b.OrdersAnalyzed
		pack.AddedItems = append(pack.AddedItems, b.Added...)
		pack.KeptItems = append(pack.KeptItems, b.Kept...)
		pack.QuantityChanges = append(pack.QuantityChanges, b.QuantityChanges...)
		inCart = append(inCart, b.Added...)
		inCart = append(inCart, b.Kept...)
		for _, qc := range b.QuantityChanges {
			it := qc.Item
			it.Quantity = qc.NewQuantity
			inCart = append(inCart, it)
		}
	}
	unavailable := make(map[string]bool, len(pack.UnavailableItems))
	for _, u := range pack.UnavailableItems {
		unavailable[u.Item.ProductID] = true
	}
	priced := inCart[:0:0]
	for _, it := range inCart {
		if !unavailable[it.ProductID] {
			priced = append(priced, it)
		}
	}
	pack.SubtotalCents, pack.EstimatedTotalCents = cart.Totals(priced, pack.SlotOptions)

	weight := c.Weight
	if weight == nil {
		weight = func(string) float64 { return 1 }
	}
	var sum, total float64
	var factors []tracking.Factor
	for _, o := range c.Outcomes {
		switch o.Status {
		case tracking.WorkerComplete:
			w := weight(o.Name)
			if w <= 0 {
				continue
			}
			sum += w * tracking.Clamp(o.Confidence)
			total += w
		case tracking.WorkerFailed:
			pack.Warnings = append(pack.Warnings, fmt.Sprintf("%s failed: %s", o.Name, o.Detail))
		case tracking.WorkerSkipped:
			pack.Warnings = append(pack.Warnings, fmt.Sprintf("%s skipped: %s", o.Name, o.Detail))
		}
	}
	if total > 0 {
		pack.Confidence = tracking.Clamp(sum / total)
		for _, o := range c.Outcomes {
			if o.Status != tracking.WorkerComplete || weight(o.Name) <= 0 {
				continue
			}
			share := weight(o.Name) * tracking.Clamp(o.Confidence) / total
			factors = append(factors, tracking.Factor{
				Name:         o.Name,
				Contribution: share,
				Description:  fmt.Sprintf("%s confidence %.0f%%", o.Name, o.Confidence*100),
			})
		}
	}
	pack.ConfidenceDisplay = tracking.NewConfidenceDisplay(pack.Confidence, factors)
	return pack
}
