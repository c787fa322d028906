package shop

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	amountRE   = regexp.MustCompile(`\d+(?:\.\d+)?`)
	quantityRE = regexp.MustCompile(`\d+`)
)

// ParseCents reads a displayed price such as "$1,234.50" or "Free".
func ParseCents(s string) (int64, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	if t == "" {
		return 0, fmt.Errorf("empty price")
	}
	if strings.Contains(t, "free") {
		return 0, nil
	}
	t = strings.ReplaceAll(t, ",", "")
	m := amountRE.FindString(t)
	if m == "" {
		return 0, fmt.Errorf("no amount in %q", s)
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	cents := int64(math.Round(f * 100))
	if strings.Contains(t, "-") && strings.Index(t, "-") < strings.Index(t, m) {
		cents = -cents
	}
	return cents, nil
}

// ParseQuantity reads the first integer in s, e.g. "Qty: 3" or "x2".
func ParseQuantity(s string) (int, error) {
	m := quantityRE.FindString(s)
	if m == "" {
		return 0, fmt.Errorf("no quantity in %q", s)
	}
	return strconv.Atoi(m)
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"01/02/2006",
}

// ParseTime accepts the date formats order and slot pages commonly carry, or
// unix seconds.
func ParseTime(s string) (time.Time, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, t); err == nil {
			return ts, nil
		}
	}
	if secs, err := strconv.ParseInt(t, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false", "no":
		return false
	}
	return true
}
