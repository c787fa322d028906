package cart

import (
	"fmt"
	"strings"
)

// MergeRule decides the quantity of a product bought in several orders.
type MergeRule string

const (
	MergeSum     MergeRule = "sum"
	MergeMax     MergeRule = "max"
	MergeLatest  MergeRule = "latest"
	MergeAverage MergeRule = "average"
)

// ParseMergeRule accepts the config spelling; empty means sum.
func ParseMergeRule(s string) (MergeRule, error) {
	switch r := MergeRule(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return MergeSum, nil
	case MergeSum, MergeMax, MergeLatest, MergeAverage:
		return r, nil
	default:
		return "", fmt.Errorf("unknown merge rule %q", s)
	}
}

type mergeAcc struct {
	item       Item
	quantities []int
	latestIdx  int
}

// MergeOrders folds the lines of orders into one Item per product ID, in
// first-seen order. SourceOrders lists every order containing the product in
// the order given. Descriptive fields and price come from the most recent
// order (by PlacedAt, ties resolved by earlier position).
func MergeOrders(orders []Order, rule MergeRule) []Item {
	if rule == "" {
		rule = MergeSum
	}

	latestFirst := func(i, j int) bool {
		a, b := orders[i].PlacedAt, orders[j].PlacedAt
		if a.Equal(b) {
			return i < j
		}
		return a.After(b)
	}

	var keys []string
	acc := make(map[string]*mergeAcc)

	for oi, order := range orders {
		perOrder := make(map[string]int)
		var orderKeys []string
		lines := make(map[string]LineItem)
		for _, line := range order.Items {
			if line.ProductID == "" || line.Quantity <= 0 {
				continue
			}
			if _, seen := perOrder[line.ProductID]; !seen {
				orderKeys = append(orderKeys, line.ProductID)
				lines[line.ProductID] = line
			}
			perOrder[line.ProductID] += line.Quantity
		}

		for _, pid := range orderKeys {
			line := lines[pid]
			a, ok := acc[pid]
			if !ok {
				a = &mergeAcc{latestIdx: oi}
				acc[pid] = a
				keys = append(keys, pid)
				a.item = itemFromLine(line)
			} else if latestFirst(oi, a.latestIdx) {
				a.latestIdx = oi
				src := a.item.SourceOrders
				a.item = itemFromLine(line)
				a.item.SourceOrders = src
			}
			a.item.SourceOrders = append(a.item.SourceOrders, order.ID)
			a.quantities = append(a.quantities, perOrder[pid])
		}
	}

	out := make([]Item, 0, len(keys))
	for _, pid := range keys {
		a := acc[pid]
		a.item.Quantity = combine(rule, a, orders)
		out = append(out, a.item)
	}
	return out
}

func itemFromLine(line LineItem) Item {
	return Item{
		ProductID:      line.ProductID,
		Name:           line.Name,
		Brand:          line.Brand,
		Size:           line.Size,
		Category:       line.Category,
		URL:            line.URL,
		UnitPriceCents: line.UnitPriceCents,
	}
}

func combine(rule MergeRule, a *mergeAcc, orders []Order) int {
	qs := a.quantities
	switch rule {
	case MergeMax:
		max := 0
		for _, q := range qs {
			if q > max {
				max = q
			}
		}
		return max
	case MergeLatest:
		latestID := orders[a.latestIdx].ID
		for i, id := range a.item.SourceOrders {
			if id == latestID {
				return qs[i]
			}
		}
		return qs[0]
	case MergeAverage:
		sum := 0
		for _, q := range qs {
			sum += q
		}
		n := len(qs)
		return (sum + n/2) / n
	default:
		sum := 0
		for _, q := range qs {
			sum += q
		}
		return sum
	}
}
