package workers

import (
	"context"
	"fmt"

	"cartpilot/internal/cart"
	"cartpilot/internal/shop"
	"cartpilot/internal/tracking"

	"go.uber.org/zap"
)

const editorSource = "cart_editor"

// CartEditor applies reviewer modifications to the live cart. It can change
// lines and pick a delivery slot; it cannot check out.
type CartEditor struct {
	site   shop.Site
	logger *zap.Logger
}

func NewCartEditor(site shop.Site, logger *zap.Logger) *CartEditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CartEditor{site: site, logger: logger}
}

// Apply runs every modification in order. A modification that fails is
// reported in its result and the rest still run; only authentication loss
// or cancellation stops the batch. When stop fires, the modifications not
// yet started are left out of the results and ErrStopped is returned.
func (e *CartEditor) Apply(ctx context.Context, pack *cart.ReviewPack, mods []cart.Modification, stop StopFunc) ([]cart.ModificationResult, []tracking.DecisionReasoning, error) {
	results := make([]cart.ModificationResult, 0, len(mods))
	var decisions []tracking.DecisionReasoning

	for _, m := range mods {
		if stop.stopped() {
			e.logger.Info("approval stopped", zap.Int("applied", len(results)), zap.Int("remaining", len(mods)-len(results)))
			return results, decisions, ErrStopped
		}
		d, err := e.apply(ctx, pack, m)
		r := cart.ModificationResult{Modification: m, Applied: err == nil}
		if err != nil {
			r.Error = err.Error()
			e.logger.Warn("modification failed", zap.String("type", string(m.Type)), zap.String("product", m.ProductID), zap.Error(err))
			if fatal(ctx, err) {
				results = append(results, r)
				return results, decisions, err
			}
		} else if d != nil {
			decisions = append(decisions, *d)
		}
		results = append(results, r)
	}
	return results, decisions, nil
}

func (e *CartEditor) apply(ctx context.Context, pack *cart.ReviewPack, m cart.Modification) (*tracking.DecisionReasoning, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	switch m.Type {
	case cart.ModRemove:
		if err := e.site.RemoveFromCart(ctx, m.ProductID); err != nil {
			return nil, err
		}
		d := tracking.NewDecision(editorSource, tracking.DecisionRemoved, m.ProductID, "", "removed by reviewer", 1)
		return &d, nil

	case cart.ModQuantity:
		if err := e.site.SetQuantity(ctx, m.ProductID, m.Quantity); err != nil {
			return nil, err
		}
		kind := tracking.DecisionQuantityChanged
		if m.Quantity == 0 {
			kind = tracking.DecisionRemoved
		}
		d := tracking.NewDecision(editorSource, kind, m.ProductID, "", fmt.Sprintf("reviewer set quantity to %d", m.Quantity), 1)
		return &d, nil

	case cart.ModSubstitute:
		return e.substitute(ctx, pack, m)

	case cart.ModSlot:
		if _, ok := pack.Slot(m.SlotID); !ok {
			return nil, fmt.Errorf("slot %q was not offered", m.SlotID)
		}
		return nil, e.site.SelectSlot(ctx, m.SlotID)
	}
	return nil, fmt.Errorf("unknown modification type %q", m.Type)
}

func (e *CartEditor) substitute(ctx context.Context, pack *cart.ReviewPack, m cart.Modification) (*tracking.DecisionReasoning, error) {
	u, ok := pack.Unavailable(m.ProductID)
	if !ok {
		return nil, fmt.Errorf("product %q is not an unavailable item", m.ProductID)
	}
	var chosen *cart.RankedSubstitute
	for i := range u.Substitutes {
		if u.Substitutes[i].Candidate.ProductID == m.SubstituteID {
			chosen = &u.Substitutes[i]
			break
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("%q was not proposed as a substitute for %q", m.SubstituteID, m.ProductID)
	}

	qty := u.Item.Quantity
	if qty <= 0 {
		qty = 1
	}
	c := chosen.Candidate
	added, err := e.site.AddToCart(ctx, cart.Item{
		ProductID:      c.ProductID,
		Name:           c.Name,
		Brand:          c.Brand,
		Size:           c.Size,
		URL:            c.URL,
		Quantity:       qty,
		UnitPriceCents: c.UnitPriceCents,
	})
	if err != nil {
		return nil, err
	}
	if !added.Added {
		return nil, fmt.Errorf("substitute %q could not be added: %s", c.ProductID, added.Reason)
	}

	snap, err := e.site.ReadCart(ctx)
	if err != nil {
		return nil, err
	}
	if _, inCart := snap.Line(m.ProductID); inCart {
		if err := e.site.RemoveFromCart(ctx, m.ProductID); err != nil {
			return nil, err
		}
	}
	d := tracking.NewDecision(editorSource, tracking.DecisionSubstituted, m.ProductID, u.Item.Name,
		fmt.Sprintf("reviewer chose %s (%s)", c.Name, chosen.Reason), chosen.Score)
	return &d, nil
}
