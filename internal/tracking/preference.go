package tracking

import (
	"strings"
	"time"
)

type PreferenceKind string

const (
	// PreferenceKeep stops the pruner from suggesting removal of a product.
	PreferenceKeep PreferenceKind = "keep"
	// PreferencePreferBrand boosts substitutes of a brand.
	PreferencePreferBrand PreferenceKind = "prefer_brand"
	// PreferenceAvoidBrand penalizes substitutes of a brand.
	PreferenceAvoidBrand PreferenceKind = "avoid_brand"
)

type PreferenceSource string

const (
	SourceLearned PreferenceSource = "learned"
	SourceManual  PreferenceSource = "manual"
)

// PreferenceRule is a stored household preference.
type PreferenceRule struct {
	ID        string           `json:"id" yaml:"id"`
	Kind      PreferenceKind   `json:"kind" yaml:"kind"`
	ProductID string           `json:"product_id,omitempty" yaml:"product_id"`
	Brand     string           `json:"brand,omitempty" yaml:"brand"`
	Source    PreferenceSource `json:"source" yaml:"source"`
	// Strength in [0,1] scales the rule's effect.
	Strength float64 `json:"strength" yaml:"strength"`
	Note     string  `json:"note,omitempty" yaml:"note"`
}

// MatchesProduct reports whether a product-scoped rule targets productID.
func (r PreferenceRule) MatchesProduct(productID string) bool {
	return r.ProductID != "" && r.ProductID == productID
}

// MatchesBrand reports whether a brand-scoped rule targets brand.
func (r PreferenceRule) MatchesBrand(brand string) bool {
	return r.Brand != "" && strings.EqualFold(strings.TrimSpace(r.Brand), strings.TrimSpace(brand))
}

// EffectiveStrength defaults a zero strength to 1.
func (r PreferenceRule) EffectiveStrength() float64 {
	if r.Strength <= 0 {
		return 1
	}
	return Clamp(r.Strength)
}

// PreferenceApplication records that a rule influenced a decision.
type PreferenceApplication struct {
	RuleID      string         `json:"rule_id"`
	Kind        PreferenceKind `json:"kind"`
	ItemID      string         `json:"item_id"`
	Influence   float64        `json:"influence"`
	Description string         `json:"description"`
	Timestamp   time.Time      `json:"timestamp"`
}

func NewPreferenceApplication(rule PreferenceRule, itemID string, influence float64, description string) PreferenceApplication {
	return PreferenceApplication{
		RuleID:      rule.ID,
		Kind:        rule.Kind,
		ItemID:      itemID,
		Influence:   influence,
		Description: description,
		Timestamp:   time.Now(),
	}
}

// FindRule returns the first rule of kind targeting productID.
func FindRule(rules []PreferenceRule, kind PreferenceKind, productID string) (PreferenceRule, bool) {
	for _, r := range rules {
		if r.Kind == kind && r.MatchesProduct(productID) {
			return r, true
		}
	}
	return PreferenceRule{}, false
}
