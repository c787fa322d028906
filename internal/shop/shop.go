package shop

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"cartpilot/internal/action"
	"cartpilot/internal/browser"
	"cartpilot/internal/cart"
	"cartpilot/internal/resilience"
	"cartpilot/internal/selectors"

	"go.uber.org/zap"
)

const (
	loginChecks   = 10
	loginInterval = 500 * time.Millisecond
)

// Shop drives the site through one executor's page.
type Shop struct {
	cfg    Config
	base   *url.URL
	exec   *action.Executor
	res    *selectors.Resolver
	logger *zap.Logger

	loginInterval time.Duration
}

var _ Site = (*Shop)(nil)

func New(cfg Config, exec *action.Executor, res *selectors.Resolver, logger *zap.Logger) (*Shop, error) {
	base, err := parseBase(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shop{cfg: cfg, base: base, exec: exec, res: res, logger: logger, loginInterval: loginInterval}, nil
}

func (s *Shop) abs(ref string) string {
	if ref == "" {
		return s.base.String()
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return s.base.ResolveReference(u).String()
}

func (s *Shop) CartURL() string { return s.abs(s.cfg.CartPath) }

func (s *Shop) Login(ctx context.Context) error {
	res := action.Run(ctx, s.exec, "login", action.None{}, func(ctx context.Context, page browser.Page, _ action.None) (struct{}, error) {
		if err := page.Navigate(ctx, s.abs(s.cfg.LoginPath)); err != nil {
			return struct{}{}, err
		}
		signedIn, err := s.res.Present(ctx, page, "account.indicator", nil)
		if err != nil {
			return struct{}{}, err
		}
		if signedIn {
			return struct{}{}, nil
		}
		if s.cfg.Username == "" || s.cfg.Password == "" {
			return struct{}{}, resilience.New(resilience.CodeAuth, "site credentials are not configured")
		}
		if err := s.typeInto(ctx, page, "login.username", s.cfg.Username); err != nil {
			return struct{}{}, err
		}
		if err := s.typeInto(ctx, page, "login.password", s.cfg.Password); err != nil {
			return struct{}{}, err
		}
		if err := s.click(ctx, page, "login.submit", nil); err != nil {
			return struct{}{}, err
		}
		for i := 0; i < loginChecks; i++ {
			ok, err := s.res.Present(ctx, page, "account.indicator", nil)
			if err != nil {
				return struct{}{}, err
			}
			if ok {
				return struct{}{}, nil
			}
			if err := resilience.SleepContext(ctx, s.loginInterval); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, resilience.New(resilience.CodeAuth, "sign-in did not complete; check credentials")
	})
	return res.Err()
}

type historyInput struct {
	Limit int
}

func (in historyInput) Validate() error {
	if in.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", in.Limit)
	}
	return nil
}

func (s *Shop) LoadOrderHistory(ctx context.Context, limit int) ([]cart.OrderSummary, error) {
	res := action.Run(ctx, s.exec, "load_order_history", historyInput{Limit: limit}, func(ctx context.Context, page browser.Page, in historyInput) ([]cart.OrderSummary, error) {
		rows, err := s.extract(ctx, page, s.abs(s.cfg.OrdersPath), "orders.list")
		if err != nil {
			return nil, err
		}
		var out []cart.OrderSummary
		for _, r := range rows {
			if r["id"] == "" {
				continue
			}
			o := cart.OrderSummary{ID: r["id"], URL: s.absOrEmpty(r["url"])}
			if ts, err := ParseTime(r["placed_at"]); err == nil {
				o.PlacedAt = ts
			} else {
				s.logger.Debug("order date unreadable", zap.String("order", o.ID), zap.Error(err))
			}
			if c, err := ParseCents(r["total"]); err == nil {
				o.TotalCents = c
			}
			out = append(out, o)
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].PlacedAt.After(out[j].PlacedAt) })
		if len(out) > in.Limit {
			out = out[:in.Limit]
		}
		return out, nil
	})
	return res.Data, res.Err()
}

type orderInput struct {
	Summary cart.OrderSummary
}

func (in orderInput) Validate() error {
	if in.Summary.ID == "" && in.Summary.URL == "" {
		return errors.New("order id or url is required")
	}
	return nil
}

func (s *Shop) LoadOrder(ctx context.Context, summary cart.OrderSummary) (cart.Order, error) {
	res := action.Run(ctx, s.exec, "load_order", orderInput{Summary: summary}, func(ctx context.Context, page browser.Page, in orderInput) (cart.Order, error) {
		target := in.Summary.URL
		if target == "" {
			target = s.abs(strings.TrimRight(s.cfg.OrdersPath, "/") + "/" + url.PathEscape(in.Summary.ID))
		}
		rows, err := s.extract(ctx, page, target, "order.items")
		if err != nil {
			return cart.Order{}, err
		}
		order := cart.Order{OrderSummary: in.Summary}
		for _, r := range rows {
			line, ok := s.lineFromRow(r)
			if !ok {
				continue
			}
			order.Items = append(order.Items, line)
		}
		return order, nil
	})
	return res.Data, res.Err()
}

func (s *Shop) lineFromRow(r map[string]string) (cart.LineItem, bool) {
	if r["product_id"] == "" {
		return cart.LineItem{}, false
	}
	qty, err := ParseQuantity(r["quantity"])
	if err != nil || qty <= 0 {
		qty = 1
	}
	price, _ := ParseCents(r["price"])
	return cart.LineItem{
		ProductID:      r["product_id"],
		Name:           strings.TrimSpace(r["name"]),
		Brand:          strings.TrimSpace(r["brand"]),
		Size:           strings.TrimSpace(r["size"]),
		Category:       strings.TrimSpace(r["category"]),
		URL:            s.absOrEmpty(r["url"]),
		Quantity:       qty,
		UnitPriceCents: price,
	}, true
}

func (s *Shop) ReadCart(ctx context.Context) (cart.Snapshot, error) {
	res := action.Run(ctx, s.exec, "read_cart", action.None{}, func(ctx context.Context, page browser.Page, _ action.None) (cart.Snapshot, error) {
		rows, err := s.extract(ctx, page, s.CartURL(), "cart.lines")
		if err != nil {
			return cart.Snapshot{}, err
		}
		var snap cart.Snapshot
		for _, r := range rows {
			if r["product_id"] == "" {
				continue
			}
			qty, err := ParseQuantity(r["quantity"])
			if err != nil {
				qty = 1
			}
			price, _ := ParseCents(r["price"])
			line := cart.CartLine{
				ProductID:      r["product_id"],
				Name:           strings.TrimSpace(r["name"]),
				Quantity:       qty,
				UnitPriceCents: price,
				Available:      !truthy(r["unavailable"]),
			}
			snap.Lines = append(snap.Lines, line)
			snap.SubtotalCents += int64(line.Quantity) * line.UnitPriceCents
		}
		return snap, nil
	})
	return res.Data, res.Err()
}

type addInput struct {
	Item cart.Item
}

func (in addInput) Validate() error {
	if in.Item.ProductID == "" {
		return errors.New("product_id is required")
	}
	if in.Item.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", in.Item.Quantity)
	}
	return nil
}

// AddToCart adds item at its quantity. Product pages without a quantity
// field add one unit; the cart line is then set to the full quantity. If
// that edit fails the result reports the single unit.
func (s *Shop) AddToCart(ctx context.Context, item cart.Item) (AddResult, error) {
	res := action.Run(ctx, s.exec, "add_to_cart", addInput{Item: item}, func(ctx context.Context, page browser.Page, in addInput) (AddResult, error) {
		out := AddResult{ProductID: in.Item.ProductID}
		if err := page.Navigate(ctx, s.productURL(in.Item)); err != nil {
			return out, err
		}
		unavailable, err := s.res.Present(ctx, page, "product.unavailable", nil)
		if err != nil {
			return out, err
		}
		if unavailable {
			out.Reason = "out of stock"
			return out, nil
		}
		out.Quantity = 1
		if in.Item.Quantity > 1 {
			has, err := s.res.Present(ctx, page, "product.quantity", nil)
			if err != nil {
				return out, err
			}
			if has {
				if err := s.typeInto(ctx, page, "product.quantity", strconv.Itoa(in.Item.Quantity)); err != nil {
					return out, err
				}
				out.Quantity = in.Item.Quantity
			}
		}
		if err := s.click(ctx, page, "product.add", nil); err != nil {
			return out, err
		}
		out.Added = true
		return out, nil
	})
	out, err := res.Data, res.Err()
	if err != nil || !out.Added || out.Quantity >= item.Quantity {
		return out, err
	}

	if err := s.SetQuantity(ctx, item.ProductID, item.Quantity); err != nil {
		if ctx.Err() != nil || resilience.IsCode(err, resilience.CodeAuth) {
			return out, err
		}
		s.logger.Warn("added one unit; cart quantity not updated",
			zap.String("product", item.ProductID), zap.Int("wanted", item.Quantity), zap.Error(err))
		out.Reason = fmt.Sprintf("added %d of %d: %v", out.Quantity, item.Quantity, err)
		return out, nil
	}
	out.Quantity = item.Quantity
	return out, nil
}

func (s *Shop) productURL(item cart.Item) string {
	if item.URL != "" {
		return s.abs(item.URL)
	}
	return s.abs(s.cfg.ProductPath + url.PathEscape(item.ProductID))
}

type lineInput struct {
	ProductID string
	Quantity  int
}

func (in lineInput) Validate() error {
	if in.ProductID == "" {
		return errors.New("product_id is required")
	}
	if in.Quantity < 0 {
		return fmt.Errorf("quantity must be >= 0, got %d", in.Quantity)
	}
	return nil
}

// SetQuantity changes a cart line. Zero removes it.
func (s *Shop) SetQuantity(ctx context.Context, productID string, quantity int) error {
	if quantity == 0 {
		return s.RemoveFromCart(ctx, productID)
	}
	res := action.Run(ctx, s.exec, "set_quantity", lineInput{ProductID: productID, Quantity: quantity}, func(ctx context.Context, page browser.Page, in lineInput) (struct{}, error) {
		if err := page.Navigate(ctx, s.CartURL()); err != nil {
			return struct{}{}, err
		}
		sel, err := s.res.ResolveWith(ctx, page, "cart.line_quantity", map[string]string{"id": in.ProductID})
		if err != nil {
			return struct{}{}, err
		}
		if err := page.Type(ctx, sel, strconv.Itoa(in.Quantity)); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, page.Press(ctx, "Enter")
	})
	return res.Err()
}

func (s *Shop) RemoveFromCart(ctx context.Context, productID string) error {
	res := action.Run(ctx, s.exec, "remove_from_cart", lineInput{ProductID: productID}, func(ctx context.Context, page browser.Page, in lineInput) (struct{}, error) {
		if err := page.Navigate(ctx, s.CartURL()); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.click(ctx, page, "cart.line_remove", map[string]string{"id": in.ProductID})
	})
	return res.Err()
}

type searchInput struct {
	Query string
	Limit int
}

func (in searchInput) Validate() error {
	if strings.TrimSpace(in.Query) == "" {
		return errors.New("query is required")
	}
	if in.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", in.Limit)
	}
	return nil
}

func (s *Shop) SearchProducts(ctx context.Context, query string, limit int) ([]cart.SubstituteCandidate, error) {
	res := action.Run(ctx, s.exec, "search_products", searchInput{Query: query, Limit: limit}, func(ctx context.Context, page browser.Page, in searchInput) ([]cart.SubstituteCandidate, error) {
		target := s.abs(s.cfg.SearchPath + url.QueryEscape(strings.TrimSpace(in.Query)))
		rows, err := s.extract(ctx, page, target, "search.results")
		if err != nil {
			return nil, err
		}
		out := make([]cart.SubstituteCandidate, 0, len(rows))
		for _, r := range rows {
			if r["product_id"] == "" {
				continue
			}
			price, _ := ParseCents(r["price"])
			out = append(out, cart.SubstituteCandidate{
				ProductID:      r["product_id"],
				Name:           strings.TrimSpace(r["name"]),
				URL:            s.absOrEmpty(r["url"]),
				Brand:          strings.TrimSpace(r["brand"]),
				Size:           strings.TrimSpace(r["size"]),
				Category:       strings.TrimSpace(r["category"]),
				UnitPriceCents: price,
				PricePerUnit:   strings.TrimSpace(r["price_per_unit"]),
				ImageURL:       s.absOrEmpty(r["image"]),
				Available:      !truthy(r["unavailable"]),
			})
			if len(out) == in.Limit {
				break
			}
		}
		return out, nil
	})
	return res.Data, res.Err()
}

func (s *Shop) DeliverySlots(ctx context.Context) ([]cart.DeliverySlot, error) {
	res := action.Run(ctx, s.exec, "delivery_slots", action.None{}, func(ctx context.Context, page browser.Page, _ action.None) ([]cart.DeliverySlot, error) {
		rows, err := s.extract(ctx, page, s.abs(s.cfg.SlotsPath), "slots.list")
		if err != nil {
			return nil, err
		}
		var out []cart.DeliverySlot
		for _, r := range rows {
			if r["id"] == "" {
				continue
			}
			start, err := ParseTime(r["start"])
			if err != nil {
				s.logger.Debug("slot start unreadable", zap.String("slot", r["id"]), zap.Error(err))
				continue
			}
			end, _ := ParseTime(r["end"])
			fee, _ := ParseCents(r["fee"])
			out = append(out, cart.DeliverySlot{
				ID:        r["id"],
				Start:     start,
				End:       end,
				FeeCents:  fee,
				Available: !truthy(r["unavailable"]),
			})
		}
		return out, nil
	})
	return res.Data, res.Err()
}

type slotInput struct {
	SlotID string
}

func (in slotInput) Validate() error {
	if in.SlotID == "" {
		return errors.New("slot_id is required")
	}
	return nil
}

func (s *Shop) SelectSlot(ctx context.Context, slotID string) error {
	res := action.Run(ctx, s.exec, "select_slot", slotInput{SlotID: slotID}, func(ctx context.Context, page browser.Page, in slotInput) (struct{}, error) {
		if err := page.Navigate(ctx, s.abs(s.cfg.SlotsPath)); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.click(ctx, page, "slots.select", map[string]string{"id": in.SlotID})
	})
	return res.Err()
}

func (s *Shop) extract(ctx context.Context, page browser.Page, target, list string) ([]map[string]string, error) {
	spec, err := s.res.List(list)
	if err != nil {
		return nil, err
	}
	if err := page.Navigate(ctx, target); err != nil {
		return nil, err
	}
	return page.ExtractList(ctx, spec)
}

func (s *Shop) click(ctx context.Context, page browser.Page, name string, vars map[string]string) error {
	sel, err := s.res.ResolveWith(ctx, page, name, vars)
	if err != nil {
		return err
	}
	return page.Click(ctx, sel)
}

func (s *Shop) typeInto(ctx context.Context, page browser.Page, name, text string) error {
	sel, err := s.res.Resolve(ctx, page, name)
	if err != nil {
		return err
	}
	return page.Type(ctx, sel, text)
}

func (s *Shop) absOrEmpty(ref string) string {
	if strings.TrimSpace(ref) == "" {
		return ""
	}
	return s.abs(strings.TrimSpace(ref))
}
