package workers

import (
	"context"
	"fmt"
	"math"
	"time"

	"cartpilot/internal/cart"
	"cartpilot/internal/config"
	"cartpilot/internal/tracking"
)

// PruneResult is the stock pruner's contribution.
type PruneResult struct {
	Removals     []cart.SuggestedRemoval
	Decisions    []tracking.DecisionReasoning
	Applications []tracking.PreferenceApplication
	Evaluated    int
	Confidence   float64
	Factors      []tracking.Factor
}

// StockPruner flags items the household probably still has, by comparing
// the last purchase with the product's restock cadence.
type StockPruner struct {
	now func() time.Time
}

func NewStockPruner() *StockPruner {
	return &StockPruner{now: time.Now}
}

func (p *StockPruner) Run(ctx context.Context, items []cart.Item, hist History, progress ProgressFunc) (*PruneResult, error) {
	res := &PruneResult{}
	now := p.now()
	var confSum float64

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress.report(100 * float64(i+1) / float64(len(items)))

		stats, ok := hist.Purchases[item.ProductID]
		cadence, ok2 := hist.Cadences[item.ProductID]
		if !ok || !ok2 || cadence.IntervalDays <= 0 || stats.LastPurchased.IsZero() {
			continue
		}
		res.Evaluated++

		daysSince := now.Sub(stats.LastPurchased).Hours() / 24
		until := cadence.IntervalDays - daysSince
		if until <= 0 {
			continue
		}
		conf := PruneConfidence(stats.Count, until, cadence.IntervalDays)
		factors := []tracking.Factor{
			{Name: "history", Contribution: 0.35 * math.Min(float64(stats.Count), 10) / 10, Description: fmt.Sprintf("bought %d times", stats.Count)},
			{Name: "recency", Contribution: 0.35 * math.Min(until/cadence.IntervalDays, 1), Description: fmt.Sprintf("%.0f of %.0f days of supply left", until, cadence.IntervalDays)},
		}

		if rule, keep := tracking.FindRule(hist.Preferences, tracking.PreferenceKeep, item.ProductID); keep {
			res.Applications = append(res.Applications, tracking.NewPreferenceApplication(rule, item.ProductID, rule.EffectiveStrength(),
				"keep rule overrides restock estimate"))
			res.Decisions = append(res.Decisions, tracking.NewDecision(config.WorkerStockPruner, tracking.DecisionKept,
				item.ProductID, item.Name, "household rule keeps this item despite recent purchase", conf, factors...))
			continue
		}

		reason := fmt.Sprintf("bought %.0f days ago; usually lasts %.0f days", daysSince, cadence.IntervalDays)
		res.Removals = append(res.Removals, cart.SuggestedRemoval{
			Item:            item,
			Reason:          reason,
			Confidence:      conf,
			DaysUntilNeeded: math.Round(until*10) / 10,
		})
		res.Decisions = append(res.Decisions, tracking.NewDecision(config.WorkerStockPruner, tracking.DecisionRemoved,
			item.ProductID, item.Name, reason, conf, factors...))
		confSum += conf
	}

	switch {
	case len(res.Removals) > 0:
		res.Confidence = confSum / float64(len(res.Removals))
		res.Factors = []tracking.Factor{{Name: "removals", Contribution: res.Confidence, Description: fmt.Sprintf("%d removals suggested", len(res.Removals))}}
	case res.Evaluated > 0:
		res.Confidence = 0.8
		res.Factors = []tracking.Factor{{Name: "restock", Contribution: 0.8, Description: "every tracked item is due"}}
	default:
		res.Confidence = 0.5
		res.Factors = []tracking.Factor{{Name: "restock", Contribution: 0.5, Description: "no restock history for these items"}}
	}
	progress.report(100)
	return res, nil
}

// PruneConfidence rises with purchase count (saturating at 10) and with the
// share of the cadence still left.
func PruneConfidence(count int, untilDays, cadenceDays float64) float64 {
	if cadenceDays <= 0 {
		return 0
	}
	history := math.Min(float64(count), 10) / 10
	recency := math.Min(math.Max(untilDays/cadenceDays, 0), 1)
	return tracking.Clamp(0.3 + 0.35*history + 0.35*recency)
}
