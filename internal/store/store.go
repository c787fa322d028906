// Package store is the household history on SQLite: past orders, restock
// cadences and preference rules. The pipeline only reads it; writes come
// from the import command.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"cartpilot/internal/cart"
	"cartpilot/internal/tracking"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// minDerivedOrders is how many distinct purchases a product needs before a
// cadence is derived from history.
const minDerivedOrders = 2

// Store implements workers.HistorySource on SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := []string{`
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		placed_at INTEGER NOT NULL,
		total_cents INTEGER NOT NULL DEFAULT 0,
		url TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_orders_placed ON orders(placed_at);
	`, `
	CREATE TABLE IF NOT EXISTS order_items (
		order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		product_id TEXT NOT NULL,
		name TEXT NOT NULL,
		brand TEXT,
		size TEXT,
		category TEXT,
		url TEXT,
		quantity INTEGER NOT NULL,
		unit_price_cents INTEGER NOT NULL,
		PRIMARY KEY (order_id, product_id)
	);
	CREATE INDEX IF NOT EXISTS idx_items_product ON order_items(product_id);
	`, `
	CREATE TABLE IF NOT EXISTS cadences (
		product_id TEXT PRIMARY KEY,
		interval_days REAL NOT NULL
	);
	`, `
	CREATE TABLE IF NOT EXISTS preferences (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		product_id TEXT,
		brand TEXT,
		source TEXT NOT NULL,
		strength REAL NOT NULL DEFAULT 1.0,
		note TEXT
	);
	`}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string { return s.dbPath }

// ImportFile is the YAML document accepted by Import.
type ImportFile struct {
	Orders      []cart.Order              `yaml:"orders"`
	Cadences    []cart.Cadence            `yaml:"cadences"`
	Preferences []tracking.PreferenceRule `yaml:"preferences"`
}

// ImportStats counts what an import wrote.
type ImportStats struct {
	Orders      int `json:"orders"`
	Items       int `json:"items"`
	Cadences    int `json:"cadences"`
	Preferences int `json:"preferences"`
}

// ParseImport decodes and validates an import document.
func ParseImport(data []byte) (ImportFile, error) {
	var f ImportFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse import file: %w", err)
	}
	return f, f.Validate()
}

func (f ImportFile) Validate() error {
	for i, o := range f.Orders {
		if o.ID == "" {
			return fmt.Errorf("orders[%d]: id is required", i)
		}
		if o.PlacedAt.IsZero() {
			return fmt.Errorf("order %s: placed_at is required", o.ID)
		}
		for j, it := range o.Items {
			if it.ProductID == "" || it.Quantity <= 0 {
				return fmt.Errorf("order %s items[%d]: product_id and a positive quantity are required", o.ID, j)
			}
		}
	}
	for i, c := range f.Cadences {
		if c.ProductID == "" || c.IntervalDays <= 0 {
			return fmt.Errorf("cadences[%d]: product_id and a positive interval_days are required", i)
		}
	}
	for i, p := range f.Preferences {
		switch p.Kind {
		case tracking.PreferenceKeep:
			if p.ProductID == "" {
				return fmt.Errorf("preferences[%d]: keep rules need a product_id", i)
			}
		case tracking.PreferencePreferBrand, tracking.PreferenceAvoidBrand:
			if p.Brand == "" {
				return fmt.Errorf("preferences[%d]: %s rules need a brand", i, p.Kind)
			}
		default:
			return fmt.Errorf("preferences[%d]: unknown kind %q", i, p.Kind)
		}
		if p.Strength < 0 || p.Strength > 1 {
			return fmt.Errorf("preferences[%d]: strength must be within [0,1]", i)
		}
	}
	return nil
}

// Import writes f in one transaction. Orders, cadences and preferences with
// an existing id are replaced.
func (s *Store) Import(ctx context.Context, f ImportFile) (ImportStats, error) {
	var stats ImportStats
	if err := f.Validate(); err != nil {
		return stats, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	for _, o := range f.Orders {
		if _, err := tx.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = ?`, o.ID); err != nil {
			return stats, fmt.Errorf("clear order %s: %w", o.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO orders (id, placed_at, total_cents, url) VALUES (?, ?, ?, ?)`,
			o.ID, o.PlacedAt.Unix(), o.TotalCents, o.URL); err != nil {
			return stats, fmt.Errorf("insert order %s: %w", o.ID, err)
		}
		for _, it := range o.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, product_id, name, brand, size, category, url, quantity, unit_price_cents)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(order_id, product_id) DO UPDATE SET quantity = quantity + excluded.quantity`,
				o.ID, it.ProductID, it.Name, it.Brand, it.Size, it.Category, it.URL, it.Quantity, it.UnitPriceCents); err != nil {
				return stats, fmt.Errorf("insert item %s/%s: %w", o.ID, it.ProductID, err)
			}
			stats.Items++
		}
		stats.Orders++
	}

	for _, c := range f.Cadences {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO cadences (product_id, interval_days) VALUES (?, ?)`,
			c.ProductID, c.IntervalDays); err != nil {
			return stats, fmt.Errorf("insert cadence %s: %w", c.ProductID, err)
		}
		stats.Cadences++
	}

	for _, p := range f.Preferences {
		if p.ID == "" {
			p.ID = string(p.Kind) + ":" + p.ProductID + p.Brand
		}
		if p.Source == "" {
			p.Source = tracking.SourceManual
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO preferences (id, kind, product_id, brand, source, strength, note) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, string(p.Kind), p.ProductID, p.Brand, string(p.Source), p.Strength, p.Note); err != nil {
			return stats, fmt.Errorf("insert preference %s: %w", p.ID, err)
		}
		stats.Preferences++
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit import: %w", err)
	}
	return stats, nil
}

// Order returns one stored order with its items.
func (s *Store) Order(ctx context.Context, id string) (cart.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var o cart.Order
	var placed int64
	var url sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, placed_at, total_cents, url FROM orders WHERE id = ?`, id).
		Scan(&o.ID, &placed, &o.TotalCents, &url)
	if errors.Is(err, sql.ErrNoRows) {
		return o, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return o, fmt.Errorf("query order %s: %w", id, err)
	}
	o.PlacedAt = time.Unix(placed, 0).UTC()
	o.URL = url.String

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, COALESCE(brand, ''), COALESCE(size, ''), COALESCE(category, ''), COALESCE(url, ''), quantity, unit_price_cents
		FROM order_items WHERE order_id = ? ORDER BY rowid`, id)
	if err != nil {
		return o, fmt.Errorf("query items of %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var it cart.LineItem
		if err := rows.Scan(&it.ProductID, &it.Name, &it.Brand, &it.Size, &it.Category, &it.URL, &it.Quantity, &it.UnitPriceCents); err != nil {
			return o, err
		}
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

// PurchaseHistory counts the orders each product appeared in.
func (s *Store) PurchaseHistory(ctx context.Context) (map[string]cart.PurchaseStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT i.product_id, COUNT(DISTINCT i.order_id), MAX(o.placed_at)
		FROM order_items i JOIN orders o ON o.id = i.order_id
		GROUP BY i.product_id`)
	if err != nil {
		return nil, fmt.Errorf("query purchase history: %w", err)
	}
	defer rows.Close()

	out := make(map[string]cart.PurchaseStats)
	for rows.Next() {
		var ps cart.PurchaseStats
		var last int64
		if err := rows.Scan(&ps.ProductID, &ps.Count, &last); err != nil {
			return nil, err
		}
		ps.LastPurchased = time.Unix(last, 0).UTC()
		out[ps.ProductID] = ps
	}
	return out, rows.Err()
}

// RestockCadences returns imported cadences, plus a derived one (the mean
// gap between purchases) for every other product bought at least twice.
func (s *Store) RestockCadences(ctx context.Context) (map[string]cart.Cadence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]cart.Cadence)
	rows, err := s.db.QueryContext(ctx, `SELECT product_id, interval_days FROM cadences`)
	if err != nil {
		return nil, fmt.Errorf("query cadences: %w", err)
	}
	for rows.Next() {
		var c cart.Cadence
		if err := rows.Scan(&c.ProductID, &c.IntervalDays); err != nil {
			rows.Close()
			return nil, err
		}
		out[c.ProductID] = c
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT DISTINCT i.product_id, o.placed_at
		FROM order_items i JOIN orders o ON o.id = i.order_id
		ORDER BY i.product_id, o.placed_at`)
	if err != nil {
		return nil, fmt.Errorf("query purchase dates: %w", err)
	}
	defer rows.Close()

	dates := make(map[string][]int64)
	for rows.Next() {
		var pid string
		var at int64
		if err := rows.Scan(&pid, &at); err != nil {
			return nil, err
		}
		dates[pid] = append(dates[pid], at)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for pid, ds := range dates {
		if _, explicit := out[pid]; explicit || len(ds) < minDerivedOrders {
			continue
		}
		if days := meanGapDays(ds); days > 0 {
			out[pid] = cart.Cadence{ProductID: pid, IntervalDays: days, Derived: true}
		}
	}
	return out, nil
}

func meanGapDays(unix []int64) float64 {
	sort.Slice(unix, func(i, j int) bool { return unix[i] < unix[j] })
	span := float64(unix[len(unix)-1]-unix[0]) / 86400
	return span / float64(len(unix)-1)
}

// Preferences returns every stored rule ordered by id.
func (s *Store) Preferences(ctx context.Context) ([]tracking.PreferenceRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, COALESCE(product_id, ''), COALESCE(brand, ''), source, strength, COALESCE(note, '')
		FROM preferences ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer rows.Close()

	var out []tracking.PreferenceRule
	for rows.Next() {
		var p tracking.PreferenceRule
		var kind, source string
		if err := rows.Scan(&p.ID, &kind, &p.ProductID, &p.Brand, &source, &p.Strength, &p.Note); err != nil {
			return nil, err
		}
		p.Kind = tracking.PreferenceKind(kind)
		p.Source = tracking.PreferenceSource(source)
		out = append(out, p)
	}
	return out, rows.Err()
}
