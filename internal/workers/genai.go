package workers

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"cartpilot/internal/cart"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GenAIQueryGenerator asks a Gemini model for search queries and falls back
// to another generator on any error or empty answer.
type GenAIQueryGenerator struct {
	generate func(ctx context.Context, prompt string) (string, error)
	fallback QueryGenerator
	timeout  time.Duration
	logger   *zap.Logger
}

// NewGenAIQueryGenerator creates a Gemini-backed generator.
func NewGenAIQueryGenerator(ctx context.Context, apiKey, model string, timeout time.Duration, fallback QueryGenerator, logger *zap.Logger) (*GenAIQueryGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	gen := func(ctx context.Context, prompt string) (string, error) {
		resp, err := client.Models.GenerateContent(ctx, model,
			[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
			&genai.GenerateContentConfig{Temperature: genai.Ptr[float32](0.2)})
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}
	return newGenAIQueryGenerator(gen, fallback, timeout, logger), nil
}

func newGenAIQueryGenerator(gen func(context.Context, string) (string, error), fallback QueryGenerator, timeout time.Duration, logger *zap.Logger) *GenAIQueryGenerator {
	if fallback == nil {
		fallback = HeuristicQueryGenerator{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GenAIQueryGenerator{generate: gen, fallback: fallback, timeout: timeout, logger: logger}
}

func (g *GenAIQueryGenerator) Queries(ctx context.Context, item cart.Item, max int) ([]string, error) {
	if max <= 0 {
		max = 3
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	text, err := g.generate(callCtx, queryPrompt(item, max))
	if err != nil {
		g.logger.Warn("query generation failed, using heuristic", zap.String("product", item.ProductID), zap.Error(err))
		return g.fallback.Queries(ctx, item, max)
	}
	queries := parseQueryLines(text, max)
	if len(queries) == 0 {
		g.logger.Warn("query generation returned nothing, using heuristic", zap.String("product", item.ProductID))
		return g.fallback.Queries(ctx, item, max)
	}
	return queries, nil
}

func queryPrompt(item cart.Item, max int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A grocery item is out of stock: %q", item.Name)
	if item.Brand != "" {
		fmt.Fprintf(&b, ", brand %q", item.Brand)
	}
	if item.Size != "" {
		fmt.Fprintf(&b, ", size %q", item.Size)
	}
	if item.Category != "" {
		fmt.Fprintf(&b, ", category %q", item.Category)
	}
	fmt.Fprintf(&b, ".\nWrite up to %d short store search queries that would find a comparable substitute. One query per line, no numbering, no commentary.", max)
	return b.String()
}

var bulletRE = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s*`)

func parseQueryLines(text string, max int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		line = bulletRE.ReplaceAllString(strings.TrimSpace(line), "")
		line = strings.Trim(line, "\"'`")
		q := normalizeQuery(line)
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
		if len(out) == max {
			break
		}
	}
	return out
}
