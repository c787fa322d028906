// Package shoptest provides an in-memory shop.Site for tests.
package shoptest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cartpilot/internal/cart"
	"cartpilot/internal/resilience"
	"cartpilot/internal/shop"
)

// Site is a scripted grocery site. Exported fields are set up before use;
// the cart and call log are read through methods.
type Site struct {
	mu sync.Mutex

	Orders []cart.Order
	// OutOfStock products are declined by AddToCart.
	OutOfStock map[string]bool
	// AddLimit caps the quantity a new cart line receives.
	AddLimit map[string]int
	// Search maps a query to results; the "*" entry answers any other query.
	Search map[string][]cart.SubstituteCandidate
	Slots  []cart.DeliverySlot

	LoginErr   error
	HistoryErr error
	SlotsErr   error
	SearchErr  error
	// Err fails the named operation.
	Err map[string]error

	// Hook runs at the start of every operation, without the lock held.
	Hook func(ctx context.Context, op string)

	lines    []cart.CartLine
	calls    []string
	selected string
	queries  []string
	URL      string
}

var _ shop.Site = (*Site)(nil)

func New() *Site {
	return &Site{
		OutOfStock: make(map[string]bool),
		AddLimit:   make(map[string]int),
		Search:     make(map[string][]cart.SubstituteCandidate),
		Err:        make(map[string]error),
		URL:        "https://shop.example/cart",
	}
}

// SetCart replaces the live cart.
func (s *Site) SetCart(lines ...cart.CartLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append([]cart.CartLine(nil), lines...)
}

func (s *Site) Cart() []cart.CartLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cart.CartLine(nil), s.lines...)
}

func (s *Site) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Site) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

func (s *Site) SelectedSlot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

func (s *Site) enter(ctx context.Context, op string) error {
	if s.Hook != nil {
		s.Hook(ctx, op)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.calls = append(s.calls, op)
	err := s.Err[op]
	s.mu.Unlock()
	return err
}

func (s *Site) Login(ctx context.Context) error {
	if err := s.enter(ctx, "login"); err != nil {
		return err
	}
	return s.LoginErr
}

func (s *Site) LoadOrderHistory(ctx context.Context, limit int) ([]cart.OrderSummary, error) {
	if err := s.enter(ctx, "load_order_history"); err != nil {
		return nil, err
	}
	if s.HistoryErr != nil {
		return nil, s.HistoryErr
	}
	out := make([]cart.OrderSummary, 0, len(s.Orders))
	for _, o := range s.Orders {
		out = append(out, o.OrderSummary)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PlacedAt.After(out[j].PlacedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Site) LoadOrder(ctx context.Context, summary cart.OrderSummary) (cart.Order, error) {
	if err := s.enter(ctx, "load_order"); err != nil {
		return cart.Order{}, err
	}
	for _, o := range s.Orders {
		if o.ID == summary.ID {
			return o, nil
		}
	}
	return cart.Order{}, resilience.Newf(resilience.CodeSelector, "order %s not listed", summary.ID)
}

func (s *Site) ReadCart(ctx context.Context) (cart.Snapshot, error) {
	if err := s.enter(ctx, "read_cart"); err != nil {
		return cart.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := cart.Snapshot{Lines: append([]cart.CartLine(nil), s.lines...)}
	for _, l := range s.lines {
		snap.SubtotalCents += int64(l.Quantity) * l.UnitPriceCents
	}
	return snap, nil
}

func (s *Site) AddToCart(ctx context.Context, item cart.Item) (shop.AddResult, error) {
	if err := s.enter(ctx, "add_to_cart"); err != nil {
		return shop.AddResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OutOfStock[item.ProductID] {
		return shop.AddResult{ProductID: item.ProductID, Reason: "out of stock"}, nil
	}
	for i, l := range s.lines {
		if l.ProductID == item.ProductID {
			s.lines[i].Quantity += item.Quantity
			return shop.AddResult{ProductID: item.ProductID, Added: true, Quantity: s.lines[i].Quantity}, nil
		}
	}
	s.lines = append(s.lines, cart.CartLine{
		ProductID: item.ProductID, Name: item.Name, Quantity: item.Quantity,
		UnitPriceCents: item.UnitPriceCents, Available: true,
	})
	if s.AddLimit[item.ProductID] > 0 && item.Quantity > s.AddLimit[item.ProductID] {
		s.lines[len(s.lines)-1].Quantity = s.AddLimit[item.ProductID]
	}
	return shop.AddResult{ProductID: item.ProductID, Added: true, Quantity: s.lines[len(s.lines)-1].Quantity}, nil
}

func (s *Site) SetQuantity(ctx context.Context, productID string, quantity int) error {
	if quantity == 0 {
		return s.RemoveFromCart(ctx, productID)
	}
	if err := s.enter(ctx, "set_quantity"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.lines {
		if l.ProductID == productID {
			s.lines[i].Quantity = quantity
			return nil
		}
	}
	return resilience.SelectorNotFound("cart.line_quantity", productID+" not in cart")
}

func (s *Site) RemoveFromCart(ctx context.Context, productID string) error {
	if err := s.enter(ctx, "remove_from_cart"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.lines {
		if l.ProductID == productID {
			s.lines = append(s.lines[:i], s.lines[i+1:]...)
			return nil
		}
	}
	return resilience.SelectorNotFound("cart.line_remove", productID+" not in cart")
}

func (s *Site) SearchProducts(ctx context.Context, query string, limit int) ([]cart.SubstituteCandidate, error) {
	if err := s.enter(ctx, "search_products"); err != nil {
		return nil, err
	}
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	res, ok := s.Search[strings.ToLower(query)]
	if !ok {
		res = s.Search["*"]
	}
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return append([]cart.SubstituteCandidate(nil), res...), nil
}

func (s *Site) DeliverySlots(ctx context.Context) ([]cart.DeliverySlot, error) {
	if err := s.enter(ctx, "delivery_slots"); err != nil {
		return nil, err
	}
	if s.SlotsErr != nil {
		return nil, s.SlotsErr
	}
	return append([]cart.DeliverySlot(nil), s.Slots...), nil
}

func (s *Site) SelectSlot(ctx context.Context, slotID string) error {
	if err := s.enter(ctx, "select_slot"); err != nil {
		return err
	}
	for _, sl := range s.Slots {
		if sl.ID == slotID {
			s.mu.Lock()
			s.selected = slotID
			s.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("slot %s not offered", slotID)
}

func (s *Site) CartURL() string { return s.URL }
