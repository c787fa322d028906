package main

import (
	"fmt"
	"os"

	"cartpilot/internal/cart"
	"cartpilot/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var importCmd = &cobra.Command{
	Use:   "import [file.yaml]",
	Short: "Import order history, restock cadences and preferences into the local store",
	Long: `Reads a YAML file with orders, cadences and preferences and writes it to the
SQLite store used by the stock pruner. Records with an existing id are replaced.

Example file:
  orders:
    - id: A1
      placed_at: 2026-03-01T09:00:00Z
      items:
        - {product_id: milk, name: Milk 1L, quantity: 6, unit_price_cents: 120}
  cadences:
    - {product_id: rice, interval_days: 30}
  preferences:
    - {kind: avoid_brand, brand: Generic, strength: 0.8}`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}
	f, err := store.ParseImport(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", args[0], err)
	}

	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	stats, err := s.Import(cmd.Context(), f)
	if err != nil {
		return err
	}
	logger.Info("import complete",
		zap.String("store", s.Path()),
		zap.Int("orders", stats.Orders),
		zap.Int("items", stats.Items),
		zap.Int("cadences", stats.Cadences),
		zap.Int("preferences", stats.Preferences),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d orders (%d items), %d cadences, %d preferences into %s\n",
		stats.Orders, stats.Items, stats.Cadences, stats.Preferences, s.Path())

	// Read the orders back so the listing shows what the pruner will see.
	for _, in := range f.Orders {
		o, err := s.Order(cmd.Context(), in.ID)
		if err != nil {
			return fmt.Errorf("verify order %s: %w", in.ID, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  order %s  %s  %d items  %s\n",
			o.ID, o.PlacedAt.Format("2006-01-02"), len(o.Items), cart.FormatCents(o.TotalCents))
	}
	return nil
}
