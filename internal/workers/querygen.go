package workers

import (
	"context"
	"regexp"
	"strings"

	"cartpilot/internal/cart"
)

// QueryGenerator proposes search queries for finding a substitute.
type QueryGenerator interface {
	Queries(ctx context.Context, item cart.Item, max int) ([]string, error)
}

var (
	sizeRE  = regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s*(?:x\s*\d+(?:[.,]\d+)?\s*)?(?:kg|g|mg|l|ml|cl|oz|lb|lbs|pk|pack|ct|count|pcs)\b`)
	spaceRE = regexp.MustCompile(`\s+`)
)

// HeuristicQueryGenerator trims a product name down step by step: sizes
// first, then the brand, then leading qualifiers, ending with the category.
type HeuristicQueryGenerator struct{}

func (HeuristicQueryGenerator) Queries(_ context.Context, item cart.Item, max int) ([]string, error) {
	if max <= 0 {
		max = 3
	}
	var out []string
	seen := make(map[string]bool)
	add := func(q string) {
		q = normalizeQuery(q)
		if q == "" || seen[q] || len(out) >= max {
			return
		}
		seen[q] = true
		out = append(out, q)
	}

	base := sizeRE.ReplaceAllString(item.Name, " ")
	add(base)

	unbranded := base
	if item.Brand != "" {
		unbranded = regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(item.Brand)+`\b`).ReplaceAllString(base, " ")
		add(unbranded)
	}

	words := strings.Fields(normalizeQuery(unbranded))
	for len(words) > 2 {
		words = words[1:]
	}
	add(strings.Join(words, " "))
	if len(words) == 2 {
		add(words[1])
	}
	add(item.Category)
	return out, nil
}

func normalizeQuery(q string) string {
	q = strings.ToLower(q)
	q = strings.Map(func(r rune) rune {
		switch r {
		case ',', '(', ')', '-', '/', '&', '|':
			return ' '
		}
		return r
	}, q)
	return strings.TrimSpace(spaceRE.ReplaceAllString(q, " "))
}
