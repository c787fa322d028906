// Package shop implements the grocery site operations. Every operation runs
// through the action executor and finds elements through logical selector
// names, so site markup lives only in the selector file.
package shop

import (
	"context"
	"fmt"
	"net/url"

	"cartpilot/internal/cart"
	"cartpilot/internal/config"
)

// Site is what workers may do on the grocery site. There is no checkout:
// the furthest CartPilot goes is a filled cart and its URL.
type Site interface {
	Login(ctx context.Context) error
	// LoadOrderHistory returns up to limit orders, newest first.
	LoadOrderHistory(ctx context.Context, limit int) ([]cart.OrderSummary, error)
	LoadOrder(ctx context.Context, summary cart.OrderSummary) (cart.Order, error)
	ReadCart(ctx context.Context) (cart.Snapshot, error)
	// AddToCart reports a refused add (out of stock) as Added=false, not as an error.
	AddToCart(ctx context.Context, item cart.Item) (AddResult, error)
	SetQuantity(ctx context.Context, productID string, quantity int) error
	RemoveFromCart(ctx context.Context, productID string) error
	SearchProducts(ctx context.Context, query string, limit int) ([]cart.SubstituteCandidate, error)
	DeliverySlots(ctx context.Context) ([]cart.DeliverySlot, error)
	SelectSlot(ctx context.Context, slotID string) error
	CartURL() string
}

// AddResult is the business outcome of an add. Quantity is what the cart
// line holds afterwards and can be lower than requested.
type AddResult struct {
	ProductID string `json:"product_id"`
	Added     bool   `json:"added"`
	Quantity  int    `json:"quantity,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Config locates site pages. Paths are resolved against BaseURL.
type Config struct {
	BaseURL     string
	LoginPath   string
	OrdersPath  string
	CartPath    string
	SearchPath  string
	SlotsPath   string
	ProductPath string
	Username    string
	Password    string
}

// FromConfig reads the site section and the credentials from the environment.
func FromConfig(sc config.SiteConfig) Config {
	user, pass := sc.Credentials()
	return Config{
		BaseURL:     sc.BaseURL,
		LoginPath:   sc.LoginPath,
		OrdersPath:  sc.OrdersPath,
		CartPath:    sc.CartPath,
		SearchPath:  sc.SearchPath,
		SlotsPath:   sc.SlotsPath,
		ProductPath: sc.ProductPath,
		Username:    user,
		Password:    pass,
	}
}

func parseBase(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("site base_url is not configured")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid site base_url: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("site base_url must be absolute: %q", raw)
	}
	return u, nil
}
