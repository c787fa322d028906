package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Name != "cartpilot" {
		t.Errorf("expected server name 'cartpilot', got %q", cfg.Server.Name)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %q", cfg.Server.LogLevel)
	}
	if cfg.Browser.AutoStart {
		t.Error("expected AutoStart to be false; the browser starts with the first session")
	}
	if cfg.Browser.SessionStore != "pages.json" {
		t.Errorf("expected session store 'pages.json', got %q", cfg.Browser.SessionStore)
	}

	if cfg.Coordinator.MaxOrders != 3 {
		t.Errorf("expected max orders 3, got %d", cfg.Coordinator.MaxOrders)
	}
	if cfg.Coordinator.MergeRule != "sum" {
		t.Errorf("expected merge rule 'sum', got %q", cfg.Coordinator.MergeRule)
	}
	if !cfg.Coordinator.EnableSubstitutions || !cfg.Coordinator.EnablePruning || !cfg.Coordinator.EnableSlots {
		t.Error("expected all optional workers enabled by default")
	}

	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.GetBaseDelay() != time.Second || cfg.Retry.GetMaxDelay() != 30*time.Second {
		t.Errorf("unexpected retry delays %v/%v", cfg.Retry.GetBaseDelay(), cfg.Retry.GetMaxDelay())
	}

	if cfg.LLM.Enabled {
		t.Error("expected LLM query generation disabled by default")
	}
	if !cfg.Provenance.Enable {
		t.Error("expected provenance rules enabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for empty path")
	}
	if err.Error() != "config path is required" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  name: "test-pilot"
  log_level: debug

browser:
  debugger_url: "ws://localhost:9222"
  auto_start: true
  headless: false
  mutation_poll: "250ms"

site:
  base_url: "https://shop.test"
  cart_path: "/basket"

coordinator:
  max_orders: 5
  merge_rule: latest
  enable_pruning: false
  worker_weights:
    cart_builder: 2.5

retry:
  max_retries: 1
  base_delay: "200ms"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Name != "test-pilot" {
		t.Errorf("expected server name 'test-pilot', got %q", cfg.Server.Name)
	}
	if cfg.Browser.IsHeadless() {
		t.Error("expected headless false")
	}
	if cfg.Browser.MutationPollInterval() != 250*time.Millisecond {
		t.Errorf("expected 250ms poll, got %v", cfg.Browser.MutationPollInterval())
	}
	if cfg.Site.CartPath != "/basket" {
		t.Errorf("expected cart path '/basket', got %q", cfg.Site.CartPath)
	}
	if cfg.Site.OrdersPath != "/account/orders" {
		t.Errorf("expected default orders path to survive overlay, got %q", cfg.Site.OrdersPath)
	}
	if cfg.Coordinator.MaxOrders != 5 || cfg.Coordinator.MergeRule != "latest" {
		t.Errorf("unexpected coordinator config %+v", cfg.Coordinator)
	}
	if cfg.Coordinator.EnablePruning {
		t.Error("expected pruning disabled")
	}
	if w := cfg.Coordinator.Weight(WorkerCartBuilder); w != 2.5 {
		t.Errorf("expected cart_builder weight 2.5, got %v", w)
	}
	if w := cfg.Coordinator.Weight(WorkerSlotScout); w != 1.0 {
		t.Errorf("expected default weight 1.0, got %v", w)
	}
	if cfg.Retry.GetBaseDelay() != 200*time.Millisecond {
		t.Errorf("expected base delay 200ms, got %v", cfg.Retry.GetBaseDelay())
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("invalid: yaml: content:"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty server name",
			mutate:  func(c *Config) { c.Server.Name = "" },
			wantErr: "server.name is required",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "chatty" },
			wantErr: `server.log_level "chatty" is not one of debug, info, warn, error`,
		},
		{
			name:    "auto_start without debugger_url or launch",
			mutate:  func(c *Config) { c.Browser.AutoStart = true },
			wantErr: "browser.debugger_url or browser.launch must be provided",
		},
		{
			name: "auto_start with launch",
			mutate: func(c *Config) {
				c.Browser.AutoStart = true
				c.Browser.Launch = []string{"chromium"}
			},
		},
		{
			name:    "relative base url",
			mutate:  func(c *Config) { c.Site.BaseURL = "shop.test/home" },
			wantErr: `site.base_url "shop.test/home" must be an absolute URL`,
		},
		{
			name:    "zero max orders",
			mutate:  func(c *Config) { c.Coordinator.MaxOrders = 0 },
			wantErr: "coordinator.max_orders must be positive",
		},
		{
			name:    "unknown merge rule",
			mutate:  func(c *Config) { c.Coordinator.MergeRule = "median" },
			wantErr: `coordinator.merge_rule "median" is not one of sum, max, latest, average`,
		},
		{
			name:    "negative weight",
			mutate:  func(c *Config) { c.Coordinator.WorkerWeights = map[string]float64{"slot_scout": -1} },
			wantErr: "coordinator.worker_weights[slot_scout] must not be negative",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Retry.MaxRetries = -2 },
			wantErr: "retry.max_retries must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error but got nil")
			}
			if err.Error() != tt.wantErr {
				t.Errorf("expected error %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestDurationGetters(t *testing.T) {
	tests := []struct {
		name     string
		got      func() time.Duration
		expected time.Duration
	}{
		{"navigation empty", BrowserConfig{}.NavigationTimeout, 15 * time.Second},
		{"navigation valid", BrowserConfig{DefaultNavigationTimeout: "20s"}.NavigationTimeout, 20 * time.Second},
		{"navigation invalid", BrowserConfig{DefaultNavigationTimeout: "soon"}.NavigationTimeout, 15 * time.Second},
		{"attach ms", BrowserConfig{DefaultAttachTimeout: "100ms"}.AttachTimeout, 100 * time.Millisecond},
		{"element negative", BrowserConfig{ElementTimeout: "-1s"}.ElementWait, 5 * time.Second},
		{"poll default", BrowserConfig{}.MutationPollInterval, 500 * time.Millisecond},
		{"retry max minutes", RetryConfig{MaxDelay: "2m"}.GetMaxDelay, 2 * time.Minute},
		{"llm timeout invalid", LLMConfig{Timeout: "x"}.GetTimeout, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := tt.got(); result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestIsHeadless(t *testing.T) {
	t.Run("nil headless defaults to true", func(t *testing.T) {
		cfg := BrowserConfig{Headless: nil}
		if !cfg.IsHeadless() {
			t.Error("expected true when Headless is nil")
		}
	})

	t.Run("explicit false", func(t *testing.T) {
		val := false
		cfg := BrowserConfig{Headless: &val}
		if cfg.IsHeadless() {
			t.Error("expected false when Headless is false")
		}
	})
}

func TestViewportDefaults(t *testing.T) {
	cfg := BrowserConfig{ViewportWidth: -100}
	if cfg.GetViewportWidth() != 1366 {
		t.Errorf("expected default width 1366, got %d", cfg.GetViewportWidth())
	}
	if cfg.GetViewportHeight() != 900 {
		t.Errorf("expected default height 900, got %d", cfg.GetViewportHeight())
	}
	cfg = BrowserConfig{ViewportWidth: 1280, ViewportHeight: 720}
	if cfg.GetViewportWidth() != 1280 || cfg.GetViewportHeight() != 720 {
		t.Errorf("expected custom viewport, got %dx%d", cfg.GetViewportWidth(), cfg.GetViewportHeight())
	}
}

func TestSiteCredentialsFromEnv(t *testing.T) {
	t.Setenv("TEST_SHOP_USER", "ada@example.com")
	t.Setenv("TEST_SHOP_PASS", "hunter2")

	site := SiteConfig{UsernameEnv: "TEST_SHOP_USER", PasswordEnv: "TEST_SHOP_PASS"}
	user, pass := site.Credentials()
	if user != "ada@example.com" || pass != "hunter2" {
		t.Errorf("unexpected credentials %q/%q", user, pass)
	}
}
