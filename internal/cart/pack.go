package cart

import (
	"fmt"
	"slices"
	"time"

	"cartpilot/internal/tracking"
)

// ReviewPack is the proposal a human reviews. The coordinator builds exactly
// one per session; consumers treat it as read-only.
type ReviewPack struct {
	SessionID           string                     `json:"session_id"`
	AddedItems          []Item                     `json:"added_items"`
	KeptItems           []Item                     `json:"kept_items"`
	SuggestedRemovals   []SuggestedRemoval         `json:"suggested_removals"`
	QuantityChanges     []QuantityChange           `json:"quantity_changes"`
	UnavailableItems    []UnavailableItem          `json:"unavailable_items"`
	SlotOptions         []SlotOption               `json:"slot_options"`
	SubtotalCents       int64                      `json:"subtotal_cents"`
	EstimatedTotalCents int64                      `json:"estimated_total_cents"`
	Confidence          float64                    `json:"confidence"`
	ConfidenceDisplay   tracking.ConfidenceDisplay `json:"confidence_display"`
	Warnings            []string                   `json:"warnings"`
	OrdersAnalyzed      int                        `json:"orders_analyzed"`
	CartURL             string                     `json:"cart_url,omitempty"`
	GeneratedAt         time.Time                  `json:"generated_at"`
}

// Clone returns a deep copy, so a snapshot handed to a caller cannot alias
// the session's pack. Nil slices stay nil.
func (p *ReviewPack) Clone() *ReviewPack {
	if p == nil {
		return nil
	}
	c := *p
	c.AddedItems = cloneItems(p.AddedItems)
	c.KeptItems = cloneItems(p.KeptItems)
	c.SuggestedRemovals = slices.Clone(p.SuggestedRemovals)
	for i := range c.SuggestedRemovals {
		c.SuggestedRemovals[i].Item = c.SuggestedRemovals[i].Item.clone()
	}
	c.QuantityChanges = slices.Clone(p.QuantityChanges)
	for i := range c.QuantityChanges {
		c.QuantityChanges[i].Item = c.QuantityChanges[i].Item.clone()
	}
	c.UnavailableItems = slices.Clone(p.UnavailableItems)
	for i := range c.UnavailableItems {
		c.UnavailableItems[i].Item = c.UnavailableItems[i].Item.clone()
		c.UnavailableItems[i].Substitutes = slices.Clone(c.UnavailableItems[i].Substitutes)
	}
	c.SlotOptions = slices.Clone(p.SlotOptions)
	c.ConfidenceDisplay.Factors = slices.Clone(p.ConfidenceDisplay.Factors)
	c.Warnings = slices.Clone(p.Warnings)
	return &c
}

func cloneItems(items []Item) []Item {
	out := slices.Clone(items)
	for i := range out {
		out[i] = out[i].clone()
	}
	return out
}

// Unavailable returns the unavailable entry for productID.
func (p *ReviewPack) Unavailable(productID string) (UnavailableItem, bool) {
	if p == nil {
		return UnavailableItem{}, false
	}
	for _, u := range p.UnavailableItems {
		if u.Item.ProductID == productID {
			return u, true
		}
	}
	return UnavailableItem{}, false
}

// Slot returns the offered slot with id.
func (p *ReviewPack) Slot(id string) (SlotOption, bool) {
	if p == nil {
		return SlotOption{}, false
	}
	for _, s := range p.SlotOptions {
		if s.Slot.ID == id {
			return s, true
		}
	}
	return SlotOption{}, false
}

// Totals sums line totals of the items that will be in the cart and adds the
// delivery fee of the top-ranked slot, if any.
func Totals(items []Item, slots []SlotOption) (subtotal, estimated int64) {
	for _, it := range items {
		subtotal += it.LineTotalCents()
	}
	estimated = subtotal
	for _, s := range slots {
		if s.Rank == 1 {
			estimated += s.Slot.FeeCents
			break
		}
	}
	return subtotal, estimated
}

// ModificationType names a reviewer edit.
type ModificationType string

const (
	ModRemove     ModificationType = "remove"
	ModSubstitute ModificationType = "substitute"
	ModQuantity   ModificationType = "quantity"
	ModSlot       ModificationType = "slot"
)

// Modification is one edit the reviewer asks for on approval.
type Modification struct {
	Type         ModificationType `json:"type"`
	ProductID    string           `json:"product_id,omitempty"`
	SubstituteID string           `json:"substitute_id,omitempty"`
	Quantity     int              `json:"quantity,omitempty"`
	SlotID       string           `json:"slot_id,omitempty"`
}

// Validate checks that the fields required by the modification type are set.
func (m Modification) Validate() error {
	switch m.Type {
	case ModRemove:
		if m.ProductID == "" {
			return fmt.Errorf("remove: product_id is required")
		}
	case ModSubstitute:
		if m.ProductID == "" || m.SubstituteID == "" {
			return fmt.Errorf("substitute: product_id and substitute_id are required")
		}
	case ModQuantity:
		if m.ProductID == "" {
			return fmt.Errorf("quantity: product_id is required")
		}
		if m.Quantity < 0 {
			return fmt.Errorf("quantity: must be >= 0, got %d", m.Quantity)
		}
	case ModSlot:
		if m.SlotID == "" {
			return fmt.Errorf("slot: slot_id is required")
		}
	default:
		return fmt.Errorf("unknown modification type %q", m.Type)
	}
	return nil
}

// ModificationResult reports how one modification was applied.
type ModificationResult struct {
	Modification Modification `json:"modification"`
	Applied      bool         `json:"applied"`
	Error        string       `json:"error,omitempty"`
}
