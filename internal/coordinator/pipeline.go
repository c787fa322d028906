package coordinator

import (
	"context"

	"cartpilot/internal/cart"
	"cartpilot/internal/config"
	"cartpilot/internal/shop"
	"cartpilot/internal/tracking"
	"cartpilot/internal/workers"

	"go.uber.org/zap"
)

// Pipeline is everything a session needs from one site: the worker run that
// produces the review pack and the editor that applies the reviewer's
// modifications afterwards.
type Pipeline struct {
	*Coordinator
	editor *workers.CartEditor
}

func NewPipeline(site shop.Site, history workers.HistorySource, gen workers.QueryGenerator, cfg config.CoordinatorConfig, logger *zap.Logger) *Pipeline {
	c := New(site, history, gen, cfg, logger)
	return &Pipeline{Coordinator: c, editor: workers.NewCartEditor(site, c.logger)}
}

// Apply edits the live cart. It never checks out. stop is polled before each
// modification.
func (p *Pipeline) Apply(ctx context.Context, pack *cart.ReviewPack, mods []cart.Modification, stop func() bool) ([]cart.ModificationResult, []tracking.DecisionReasoning, error) {
	return p.editor.Apply(ctx, pack, mods, stop)
}

func (p *Pipeline) CartURL() string {
	return p.site.CartURL()
}
