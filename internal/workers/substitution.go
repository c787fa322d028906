package workers

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"cartpilot/internal/cart"
	"cartpilot/internal/shop"
	"cartpilot/internal/tracking"

	"go.uber.org/zap"
)

// Score weights for substitute ranking.
const (
	weightText  = 0.45
	weightBrand = 0.25
	weightPrice = 0.30

	preferBrandBoost   = 0.10
	avoidBrandPenalty  = 0.20
	defaultSearchLimit = 10
)

// CheckAvailability collects every item the cart cannot supply: adds the
// builder saw declined plus cart lines the site marks unavailable.
func CheckAvailability(ctx context.Context, site shop.Site, build *BuildResult) ([]cart.UnavailableItem, error) {
	var out []cart.UnavailableItem
	seen := make(map[string]bool)
	for _, d := range build.Declined {
		if seen[d.Item.ProductID] {
			continue
		}
		seen[d.Item.ProductID] = true
		reason := d.Reason
		if reason == "" {
			reason = "unavailable"
		}
		out = append(out, pendingUnavailable(d.Item, reason))
	}

	snap, err := site.ReadCart(ctx)
	if err != nil {
		return nil, fmt.Errorf("read cart: %w", err)
	}
	items := make(map[string]cart.Item, len(build.Items))
	for _, it := range build.Items {
		items[it.ProductID] = it
	}
	for _, line := range snap.Lines {
		if line.Available || seen[line.ProductID] {
			continue
		}
		seen[line.ProductID] = true
		it, ok := items[line.ProductID]
		if !ok {
			it = cart.Item{ProductID: line.ProductID, Name: line.Name, Quantity: line.Quantity, UnitPriceCents: line.UnitPriceCents}
		}
		out = append(out, pendingUnavailable(it, "marked unavailable in cart"))
	}
	return out, nil
}

func pendingUnavailable(item cart.Item, reason string) cart.UnavailableItem {
	return cart.UnavailableItem{
		Item:        item,
		Reason:      reason,
		Substitutes: []cart.RankedSubstitute{},
		UserAction:  cart.ActionPending,
	}
}

type SubstitutionConfig struct {
	MaxSubstitutes int
	MaxQueries     int
	SearchLimit    int
	Stop           StopFunc
}

// SubstitutionResult lists every unavailable item with its ranked proposals.
type SubstitutionResult struct {
	Items        []cart.UnavailableItem
	Applications []tracking.PreferenceApplication
	Confidence   float64
	Factors      []tracking.Factor
}

// SubstitutionFinder searches the site for replacements. It never adds
// anything to the cart; the reviewer chooses.
type SubstitutionFinder struct {
	site   shop.Site
	gen    QueryGenerator
	cfg    SubstitutionConfig
	logger *zap.Logger
}

func NewSubstitutionFinder(site shop.Site, gen QueryGenerator, cfg SubstitutionConfig, logger *zap.Logger) *SubstitutionFinder {
	if gen == nil {
		gen = HeuristicQueryGenerator{}
	}
	if cfg.MaxSubstitutes <= 0 {
		cfg.MaxSubstitutes = 3
	}
	if cfg.MaxQueries <= 0 {
		cfg.MaxQueries = 3
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = defaultSearchLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubstitutionFinder{site: site, gen: gen, cfg: cfg, logger: logger}
}

func (f *SubstitutionFinder) Run(ctx context.Context, unavailable []cart.UnavailableItem, prefs []tracking.PreferenceRule, progress ProgressFunc) (*SubstitutionResult, error) {
	res := &SubstitutionResult{}
	if len(unavailable) == 0 {
		res.Confidence = 1
		res.Factors = []tracking.Factor{{Name: "availability", Contribution: 1, Description: "every item available"}}
		progress.report(100)
		return res, nil
	}

	total := 0.0
	found := 0
	for i, u := range unavailable {
		if f.cfg.Stop.stopped() {
			return nil, ErrStopped
		}
		candidates, err := f.search(ctx, u.Item)
		if err != nil {
			return nil, err
		}
		ranked, apps := RankSubstitutes(u.Item, candidates, prefs, f.cfg.MaxSubstitutes)
		u.Substitutes = ranked
		if u.Substitutes == nil {
			u.Substitutes = []cart.RankedSubstitute{}
		}
		u.UserAction = cart.ActionPending
		res.Items = append(res.Items, u)
		res.Applications = append(res.Applications, apps...)

		if len(ranked) > 0 {
			found++
			total += ranked[0].Score
		}
		progress.report(100 * float64(i+1) / float64(len(unavailable)))
	}

	coverage := float64(found) / float64(len(unavailable))
	quality := 0.0
	if found > 0 {
		quality = total / float64(found)
	}
	res.Confidence = tracking.Clamp(0.2 + 0.4*coverage + 0.4*quality)
	res.Factors = []tracking.Factor{
		{Name: "base", Contribution: 0.2, Description: "substitutes searched"},
		{Name: "coverage", Contribution: 0.4 * coverage, Description: fmt.Sprintf("%d of %d items have candidates", found, len(unavailable))},
		{Name: "quality", Contribution: 0.4 * quality, Description: "average score of the best candidates"},
	}
	return res, nil
}

func (f *SubstitutionFinder) search(ctx context.Context, item cart.Item) ([]cart.SubstituteCandidate, error) {
	queries, err := f.gen.Queries(ctx, item, f.cfg.MaxQueries)
	if err != nil || len(queries) == 0 {
		queries, _ = HeuristicQueryGenerator{}.Queries(ctx, item, f.cfg.MaxQueries)
	}
	var out []cart.SubstituteCandidate
	seen := map[string]bool{item.ProductID: true}
	for _, q := range queries {
		if f.cfg.Stop.stopped() {
			return nil, ErrStopped
		}
		results, err := f.site.SearchProducts(ctx, q, f.cfg.SearchLimit)
		if err != nil {
			if fatal(ctx, err) {
				return nil, err
			}
			f.logger.Warn("substitute search failed", zap.String("query", q), zap.Error(err))
			continue
		}
		for _, c := range results {
			if seen[c.ProductID] || !c.Available {
				continue
			}
			seen[c.ProductID] = true
			out = append(out, c)
		}
	}
	return out, nil
}

// RankSubstitutes scores candidates against the original item and returns
// the best k, highest score first. Brand preference rules adjust the score
// and each use is returned as an application.
func RankSubstitutes(item cart.Item, candidates []cart.SubstituteCandidate, prefs []tracking.PreferenceRule, k int) ([]cart.RankedSubstitute, []tracking.PreferenceApplication) {
	ranked := make([]cart.RankedSubstitute, 0, len(candidates))
	var apps []tracking.PreferenceApplication
	for _, c := range candidates {
		if c.ProductID == item.ProductID {
			continue
		}
		text, shared, of := textSimilarity(item, c)
		brand := brandSimilarity(item.Brand, c.Brand)
		price, pct := priceSimilarity(item.UnitPriceCents, c.UnitPriceCents)
		score := weightText*text + weightBrand*brand + weightPrice*price

		reasons := []string{fmt.Sprintf("shares %d of %d name terms", shared, of)}
		if brand == 1 {
			reasons = append(reasons, "same brand")
		}
		if pct >= 0 {
			reasons = append(reasons, fmt.Sprintf("price within %d%%", pct))
		}

		for _, rule := range prefs {
			if !rule.MatchesBrand(c.Brand) {
				continue
			}
			switch rule.Kind {
			case tracking.PreferencePreferBrand:
				delta := preferBrandBoost * rule.EffectiveStrength()
				score += delta
				reasons = append(reasons, "preferred brand")
				apps = append(apps, tracking.NewPreferenceApplication(rule, item.ProductID, delta,
					fmt.Sprintf("boosted %s as substitute", c.Name)))
			case tracking.PreferenceAvoidBrand:
				delta := avoidBrandPenalty * rule.EffectiveStrength()
				score -= delta
				reasons = append(reasons, "avoided brand")
				apps = append(apps, tracking.NewPreferenceApplication(rule, item.ProductID, -delta,
					fmt.Sprintf("penalized %s as substitute", c.Name)))
			}
		}

		ranked = append(ranked, cart.RankedSubstitute{
			Candidate: c,
			Score:     math.Round(tracking.Clamp(score)*1000) / 1000,
			Reason:    strings.Join(reasons, "; "),
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, apps
}

var stopWords = map[string]bool{"the": true, "and": true, "with": true, "of": true, "a": true, "in": true}

func tokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) > 1 && !stopWords[f] {
			out[f] = true
		}
	}
	return out
}

// textSimilarity is the Jaccard index over name and category tokens.
func textSimilarity(item cart.Item, c cart.SubstituteCandidate) (score float64, shared, of int) {
	a := tokens(item.Name + " " + item.Category)
	b := tokens(c.Name + " " + c.Category)
	union := len(a)
	for t := range b {
		if a[t] {
			shared++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0, 0, 0
	}
	return float64(shared) / float64(union), shared, len(a)
}

func brandSimilarity(a, b string) float64 {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "" || b == "":
		return 0.5
	case strings.EqualFold(a, b):
		return 1
	default:
		return 0
	}
}

// priceSimilarity is 1 at equal price falling linearly to 0 at a 100%
// difference. pct is the rounded difference, or -1 when unknown.
func priceSimilarity(orig, cand int64) (float64, int) {
	if orig <= 0 || cand <= 0 {
		return 0.5, -1
	}
	diff := math.Abs(float64(cand-orig)) / float64(orig)
	return 1 - math.Min(diff, 1), int(math.Round(diff * 100))
}
