// Package cart holds the grocery domain model shared by site operations,
// workers and the review pack. Money is integer cents throughout.
package cart

import (
	"fmt"
	"slices"
	"time"
)

// LineItem is one product line of a past order.
type LineItem struct {
	ProductID      string `json:"product_id" yaml:"product_id"`
	Name           string `json:"name" yaml:"name"`
	Brand          string `json:"brand,omitempty" yaml:"brand"`
	Size           string `json:"size,omitempty" yaml:"size"`
	Category       string `json:"category,omitempty" yaml:"category"`
	URL            string `json:"url,omitempty" yaml:"url"`
	Quantity       int    `json:"quantity" yaml:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents" yaml:"unit_price_cents"`
}

// OrderSummary is a row of the site's order history.
type OrderSummary struct {
	ID         string    `json:"id" yaml:"id"`
	PlacedAt   time.Time `json:"placed_at" yaml:"placed_at"`
	TotalCents int64     `json:"total_cents" yaml:"total_cents"`
	URL        string    `json:"url,omitempty" yaml:"url"`
}

// Order is a past order with its lines.
type Order struct {
	OrderSummary `yaml:",inline"`
	Items        []LineItem `json:"items" yaml:"items"`
}

// CartLine is one line of the live cart.
type CartLine struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Available      bool   `json:"available"`
}

// Snapshot is the live cart as read from the site.
type Snapshot struct {
	Lines         []CartLine `json:"lines"`
	SubtotalCents int64      `json:"subtotal_cents"`
}

// Line returns the cart line for productID.
func (s Snapshot) Line(productID string) (CartLine, bool) {
	for _, l := range s.Lines {
		if l.ProductID == productID {
			return l, true
		}
	}
	return CartLine{}, false
}

// SubstituteCandidate is a search result that could replace an unavailable item.
type SubstituteCandidate struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	URL            string `json:"url,omitempty"`
	Brand          string `json:"brand,omitempty"`
	Size           string `json:"size,omitempty"`
	Category       string `json:"category,omitempty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	PricePerUnit   string `json:"price_per_unit,omitempty"`
	ImageURL       string `json:"image_url,omitempty"`
	Available      bool   `json:"available"`
}

// DeliverySlot is a delivery window offered by the site.
type DeliverySlot struct {
	ID        string    `json:"id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	FeeCents  int64     `json:"fee_cents"`
	Available bool      `json:"available"`
}

// Item is a merged product the cart should contain.
type Item struct {
	ProductID      string   `json:"product_id"`
	Name           string   `json:"name"`
	Brand          string   `json:"brand,omitempty"`
	Size           string   `json:"size,omitempty"`
	Category       string   `json:"category,omitempty"`
	URL            string   `json:"url,omitempty"`
	Quantity       int      `json:"quantity"`
	UnitPriceCents int64    `json:"unit_price_cents"`
	SourceOrders   []string `json:"source_orders"`
}

func (i Item) clone() Item {
	i.SourceOrders = slices.Clone(i.SourceOrders)
	return i
}

// LineTotalCents is quantity times unit price.
func (i Item) LineTotalCents() int64 {
	return int64(i.Quantity) * i.UnitPriceCents
}

// QuantityChange records a cart line whose quantity the builder changed.
type QuantityChange struct {
	Item        Item   `json:"item"`
	OldQuantity int    `json:"old_quantity"`
	NewQuantity int    `json:"new_quantity"`
	Reason      string `json:"reason"`
}

// SuggestedRemoval is a proposal to drop an item the household likely still has.
type SuggestedRemoval struct {
	Item            Item    `json:"item"`
	Reason          string  `json:"reason"`
	Confidence      float64 `json:"confidence"`
	DaysUntilNeeded float64 `json:"days_until_needed"`
}

// RankedSubstitute is a scored replacement proposal.
type RankedSubstitute struct {
	Candidate SubstituteCandidate `json:"candidate"`
	Score     float64             `json:"score"`
	Reason    string              `json:"reason"`
}

// UserAction is what the reviewer decided for an unavailable item.
type UserAction string

const (
	ActionPending    UserAction = "pending"
	ActionSubstitute UserAction = "substitute"
	ActionSkip       UserAction = "skip"
)

// UnavailableItem is an item the site could not supply, with proposals.
type UnavailableItem struct {
	Item        Item               `json:"item"`
	Reason      string             `json:"reason"`
	Substitutes []RankedSubstitute `json:"substitutes"`
	UserAction  UserAction         `json:"user_action"`
}

// SlotOption is a ranked delivery slot.
type SlotOption struct {
	Slot   DeliverySlot `json:"slot"`
	Rank   int          `json:"rank"`
	Reason string       `json:"reason"`
}

// PurchaseStats summarizes a product's purchase history.
type PurchaseStats struct {
	ProductID     string    `json:"product_id"`
	Count         int       `json:"count"`
	LastPurchased time.Time `json:"last_purchased"`
}

// Cadence is the learned restock interval of a product.
type Cadence struct {
	ProductID    string  `json:"product_id" yaml:"product_id"`
	IntervalDays float64 `json:"interval_days" yaml:"interval_days"`
	// Derived is true when the interval was computed from order history.
	Derived bool `json:"derived" yaml:"-"`
}

// FormatCents renders cents as a dollar amount.
func FormatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s$%d.%02d", sign, c/100, c%100)
}
