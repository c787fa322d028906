// Package provenance keeps decision facts for every session in a Mangle
// store and derives which review items need a human's attention.
package provenance

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"cartpilot/internal/cart"
	"cartpilot/internal/config"
	"cartpilot/internal/tracking"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"
)

// Attention reasons.
const (
	ReasonLowConfidence    = "low_confidence"
	ReasonChooseSubstitute = "choose_substitute"
	ReasonNoSubstitute     = "no_substitute"
	ReasonSuggestedRemoval = "suggested_removal"
)

// PackItem is the item id used for facts about the pack as a whole.
const PackItem = "review_pack"

// Confidences are stored as whole percents so rules compare integers.
const rulesTemplate = `
Decl decision(Session, Item, Kind, Source, Confidence).
Decl unavailable(Session, Item, Candidates).
Decl removal(Session, Item, Confidence).
Decl pack_confidence(Session, Confidence).

Decl low_confidence(Session, Item).
Decl pending_substitution(Session, Item).
Decl no_substitute(Session, Item).
Decl needs_attention(Session, Item, Reason).

low_confidence(S, I) :- decision(S, I, _, _, C), C < %[1]d.
low_confidence(S, "%[2]s") :- pack_confidence(S, C), C < %[1]d.
pending_substitution(S, I) :- unavailable(S, I, N), N > 0.
no_substitute(S, I) :- unavailable(S, I, 0).

needs_attention(S, I, "%[3]s") :- low_confidence(S, I).
needs_attention(S, I, "%[4]s") :- pending_substitution(S, I).
needs_attention(S, I, "%[5]s") :- no_substitute(S, I).
needs_attention(S, I, "%[6]s") :- removal(S, I, _).
`

// Fact is one extensional record.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// Attention is one derived needs_attention row for a session.
type Attention struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason"`
}

// Engine wraps the Mangle program and a bounded fact buffer. When the
// buffer overflows the oldest facts are dropped and the store is rebuilt
// from what remains.
type Engine struct {
	cfg    config.ProvenanceConfig
	logger *zap.Logger

	mu          sync.RWMutex
	programInfo *analysis.ProgramInfo
	store       factstore.FactStore
	facts       []Fact
}

// NewEngine compiles the attention rules. lowConfidence is the score below
// which a decision or the whole pack is flagged.
func NewEngine(cfg config.ProvenanceConfig, lowConfidence float64, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{cfg: cfg, logger: logger, store: factstore.NewSimpleInMemoryStore()}
	if !cfg.Enable {
		return e, nil
	}

	src := fmt.Sprintf(rulesTemplate, percent(lowConfidence), PackItem,
		ReasonLowConfidence, ReasonChooseSubstitute, ReasonNoSubstitute, ReasonSuggestedRemoval)
	unit, err := parse.Unit(bytes.NewReader([]byte(src)))
	if err != nil {
		return nil, fmt.Errorf("parse attention rules: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return nil, fmt.Errorf("analyze attention rules: %w", err)
	}
	e.programInfo = info
	return e, nil
}

// Enabled reports whether facts are kept at all.
func (e *Engine) Enabled() bool { return e.cfg.Enable }

// AddFacts stores facts and re-evaluates the rules.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable || len(facts) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.facts = append(e.facts, facts...)
	if limit := e.cfg.FactBufferLimit; limit > 0 && len(e.facts) > limit {
		e.logger.Debug("provenance buffer trimmed", zap.Int("dropped", len(e.facts)-limit))
		e.facts = append([]Fact(nil), e.facts[len(e.facts)-limit:]...)
		e.store = factstore.NewSimpleInMemoryStore()
		facts = e.facts
	}
	for _, f := range facts {
		e.store.Add(toAtom(f))
	}
	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return fmt.Errorf("eval attention rules: %w", err)
	}
	return nil
}

// RecordDecision adds one decision fact.
func (e *Engine) RecordDecision(ctx context.Context, sessionID string, d tracking.DecisionReasoning) error {
	return e.AddFacts(ctx, []Fact{{
		Predicate: "decision",
		Args:      []interface{}{sessionID, d.ItemID, string(d.Decision), d.Source, percent(d.Confidence)},
		Timestamp: d.Timestamp,
	}})
}

// RecordPack adds the facts of a finished review pack.
func (e *Engine) RecordPack(ctx context.Context, sessionID string, pack *cart.ReviewPack) error {
	if pack == nil {
		return nil
	}
	now := time.Now()
	facts := []Fact{{Predicate: "pack_confidence", Args: []interface{}{sessionID, percent(pack.Confidence)}, Timestamp: now}}
	for _, u := range pack.UnavailableItems {
		facts = append(facts, Fact{
			Predicate: "unavailable",
			Args:      []interface{}{sessionID, u.Item.ProductID, len(u.Substitutes)},
			Timestamp: now,
		})
	}
	for _, r := range pack.SuggestedRemovals {
		facts = append(facts, Fact{
			Predicate: "removal",
			Args:      []interface{}{sessionID, r.Item.ProductID, percent(r.Confidence)},
			Timestamp: now,
		})
	}
	return e.AddFacts(ctx, facts)
}

// Attention returns the session's needs_attention rows sorted by item then
// reason. It is empty when the engine is disabled.
func (e *Engine) Attention(ctx context.Context, sessionID string) ([]Attention, error) {
	if !e.cfg.Enable {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Attention
	query := ast.NewQuery(ast.PredicateSym{Symbol: "needs_attention", Arity: 3})
	err := e.store.GetFacts(query, func(a ast.Atom) error {
		if len(a.Args) != 3 || constantValue(a.Args[0]) != sessionID {
			return nil
		}
		out = append(out, Attention{
			ItemID: fmt.Sprint(constantValue(a.Args[1])),
			Reason: fmt.Sprint(constantValue(a.Args[2])),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query needs_attention: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].Reason < out[j].Reason
	})
	return out, nil
}

func percent(score float64) int64 {
	return int64(math.Round(tracking.Clamp(score) * 100))
}

func toAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.NewAtom(f.Predicate, args...)
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func constantValue(t ast.BaseTerm) interface{} {
	c, ok := t.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", t)
	}
	switch c.Type {
	case ast.StringType, ast.NameType:
		return c.Symbol
	case ast.NumberType:
		return c.NumValue
	}
	return c.String()
}
