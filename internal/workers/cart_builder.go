package workers

import (
	"context"
	"fmt"
	"math"

	"cartpilot/internal/cart"
	"cartpilot/internal/config"
	"cartpilot/internal/shop"
	"cartpilot/internal/tracking"

	"go.uber.org/zap"
)

// Declined is an item the site refused to add.
type Declined struct {
	Item   cart.Item
	Reason string
}

// BuildResult is the cart builder's contribution.
type BuildResult struct {
	OrdersAnalyzed  int
	Items           []cart.Item
	Added           []cart.Item
	Kept            []cart.Item
	QuantityChanges []cart.QuantityChange
	Declined        []Declined
	Decisions       []tracking.DecisionReasoning
	Confidence      float64
	Factors         []tracking.Factor
}

type CartBuilderConfig struct {
	MaxOrders int
	MergeRule cart.MergeRule
	Stop      StopFunc
}

// CartBuilder loads recent orders, merges them and brings the live cart in
// line with the merged list.
type CartBuilder struct {
	site   shop.Site
	cfg    CartBuilderConfig
	logger *zap.Logger
}

func NewCartBuilder(site shop.Site, cfg CartBuilderConfig, logger *zap.Logger) *CartBuilder {
	if cfg.MaxOrders <= 0 {
		cfg.MaxOrders = 3
	}
	if cfg.MergeRule == "" {
		cfg.MergeRule = cart.MergeSum
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CartBuilder{site: site, cfg: cfg, logger: logger}
}

// LoadOrders fetches up to MaxOrders recent orders with their lines.
func (b *CartBuilder) LoadOrders(ctx context.Context, progress ProgressFunc) ([]cart.Order, error) {
	summaries, err := b.site.LoadOrderHistory(ctx, b.cfg.MaxOrders)
	if err != nil {
		return nil, fmt.Errorf("load order history: %w", err)
	}
	if len(summaries) == 0 {
		return nil, fmt.Errorf("no past orders found")
	}
	orders := make([]cart.Order, 0, len(summaries))
	for i, s := range summaries {
		if b.cfg.Stop.stopped() {
			return nil, ErrStopped
		}
		o, err := b.site.LoadOrder(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("load order %s: %w", s.ID, err)
		}
		orders = append(orders, o)
		progress.report(40 * float64(i+1) / float64(len(summaries)))
	}
	return orders, nil
}

// Build merges orders and applies the result to the live cart.
func (b *CartBuilder) Build(ctx context.Context, orders []cart.Order, progress ProgressFunc) (*BuildResult, error) {
	res := &BuildResult{OrdersAnalyzed: len(orders)}
	res.Items = cart.MergeOrders(orders, b.cfg.MergeRule)

	snap, err := b.site.ReadCart(ctx)
	if err != nil {
		return nil, fmt.Errorf("read cart: %w", err)
	}
	progress.report(50)

	failed := 0
	for i, item := range res.Items {
		if b.cfg.Stop.stopped() {
			return nil, ErrStopped
		}
		conf := b.itemConfidence(item, len(orders))
		reason := fmt.Sprintf("bought in %d of %d recent orders", len(item.SourceOrders), len(orders))

		line, inCart := snap.Line(item.ProductID)
		switch {
		case inCart && line.Quantity == item.Quantity:
			res.Kept = append(res.Kept, item)
			res.Decisions = append(res.Decisions, tracking.NewDecision(config.WorkerCartBuilder, tracking.DecisionKept,
				item.ProductID, item.Name, reason+"; already in cart at the right quantity", conf))

		case inCart:
			if err := b.site.SetQuantity(ctx, item.ProductID, item.Quantity); err != nil {
				if fatal(ctx, err) {
					return nil, err
				}
				failed++
				res.Declined = append(res.Declined, Declined{Item: item, Reason: "could not update quantity: " + err.Error()})
				break
			}
			res.QuantityChanges = append(res.QuantityChanges, cart.QuantityChange{
				Item: item, OldQuantity: line.Quantity, NewQuantity: item.Quantity,
				Reason: fmt.Sprintf("%s; merged quantity %d by %s rule", reason, item.Quantity, b.cfg.MergeRule),
			})
			res.Decisions = append(res.Decisions, tracking.NewDecision(config.WorkerCartBuilder, tracking.DecisionQuantityChanged,
				item.ProductID, item.Name, fmt.Sprintf("%s; quantity %d -> %d", reason, line.Quantity, item.Quantity), conf))

		default:
			added, err := b.site.AddToCart(ctx, item)
			if err != nil {
				if fatal(ctx, err) {
					return nil, err
				}
				failed++
				res.Declined = append(res.Declined, Declined{Item: item, Reason: "could not add: " + err.Error()})
				break
			}
			if !added.Added {
				res.Declined = append(res.Declined, Declined{Item: item, Reason: added.Reason})
				b.logger.Info("add declined", zap.String("product", item.ProductID), zap.String("reason", added.Reason))
				break
			}
			if added.Quantity > 0 && added.Quantity != item.Quantity {
				reason = fmt.Sprintf("%s; cart holds %d of %d", reason, added.Quantity, item.Quantity)
				item.Quantity = added.Quantity
			}
			res.Added = append(res.Added, item)
			res.Decisions = append(res.Decisions, tracking.NewDecision(config.WorkerCartBuilder, tracking.DecisionAdded,
				item.ProductID, item.Name, reason, conf))
		}
		progress.report(50 + 50*float64(i+1)/float64(len(res.Items)))
	}

	res.Confidence, res.Factors = builderConfidence(len(orders), len(res.Items), failed)
	progress.report(100)
	return res, nil
}

// Run is LoadOrders followed by Build.
func (b *CartBuilder) Run(ctx context.Context, progress ProgressFunc) (*BuildResult, error) {
	orders, err := b.LoadOrders(ctx, progress)
	if err != nil {
		return nil, err
	}
	return b.Build(ctx, orders, progress)
}

// itemConfidence grows with the share of orders containing the item.
func (b *CartBuilder) itemConfidence(item cart.Item, orders int) float64 {
	if orders == 0 {
		return 0.5
	}
	return 0.5 + 0.5*float64(len(item.SourceOrders))/float64(orders)
}

func builderConfidence(orders, items, failed int) (float64, []tracking.Factor) {
	history := 0.3 * math.Min(float64(orders), 3) / 3
	execution := 0.2
	if items > 0 {
		execution = 0.2 * float64(items-failed) / float64(items)
	}
	factors := []tracking.Factor{
		{Name: "base", Contribution: 0.5, Description: "cart rebuilt from order history"},
		{Name: "history", Contribution: history, Description: fmt.Sprintf("%d orders analyzed", orders)},
		{Name: "execution", Contribution: execution, Description: fmt.Sprintf("%d of %d items applied", items-failed, items)},
	}
	return tracking.Clamp(0.5 + history + execution), factors
}
