package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level CartPilot config.
	WorkspaceDirName = ".cartpilot"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// WorkspaceSelectorsFile is the selector table written by InitWorkspace.
	WorkspaceSelectorsFile = "selectors.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// Worker names used as keys in coordinator.worker_weights.
const (
	WorkerCartBuilder        = "cart_builder"
	WorkerSubstitutionFinder = "substitution_finder"
	WorkerStockPruner        = "stock_pruner"
	WorkerSlotScout          = "slot_scout"
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for CartPilot.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Browser     BrowserConfig     `yaml:"browser"`
	MCP         MCPConfig         `yaml:"mcp"`
	Site        SiteConfig        `yaml:"site"`
	Selectors   SelectorsConfig   `yaml:"selectors"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Retry       RetryConfig       `yaml:"retry"`
	Store       StoreConfig       `yaml:"store"`
	LLM         LLMConfig         `yaml:"llm"`
	Screenshots ScreenshotsConfig `yaml:"screenshots"`
	Recorder    RecorderConfig    `yaml:"recorder"`
	Provenance  ProvenanceConfig  `yaml:"provenance"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
	// LogLevel is one of debug | info | warn | error.
	LogLevel string `yaml:"log_level"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Used when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command; the first element is the Chrome binary, the rest are flags.
	Launch []string `yaml:"launch"`
	// AutoStart launches/attaches Chrome when the server starts instead of on first session.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Default timeout when attaching to an existing target (e.g., "10s").
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	// How long an element lookup may wait before it counts as missing.
	ElementTimeout string `yaml:"element_timeout"`
	// Optional path to persist page metadata between server restarts.
	SessionStore string `yaml:"session_store"`
	// How often the mutation hook is polled for popup detection (e.g., "500ms").
	MutationPoll string `yaml:"mutation_poll"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// SiteConfig locates the grocery site and the credentials used to sign in.
// Credentials are read from the named environment variables, never from the file.
type SiteConfig struct {
	BaseURL     string `yaml:"base_url"`
	LoginPath   string `yaml:"login_path"`
	OrdersPath  string `yaml:"orders_path"`
	CartPath    string `yaml:"cart_path"`
	SearchPath  string `yaml:"search_path"`
	SlotsPath   string `yaml:"slots_path"`
	ProductPath string `yaml:"product_path"`
	UsernameEnv string `yaml:"username_env"`
	PasswordEnv string `yaml:"password_env"`
}

type SelectorsConfig struct {
	Path string `yaml:"path"`
	// Watch reloads the selector file when it changes on disk.
	Watch bool `yaml:"watch"`
}

type CoordinatorConfig struct {
	MaxOrders           int     `yaml:"max_orders"`
	MergeRule           string  `yaml:"merge_rule"`
	EnableSubstitutions bool    `yaml:"enable_substitutions"`
	EnablePruning       bool    `yaml:"enable_pruning"`
	EnableSlots         bool    `yaml:"enable_slots"`
	MaxSubstitutes      int     `yaml:"max_substitutes"`
	MaxQueries          int     `yaml:"max_queries"`
	LowConfidence       float64 `yaml:"low_confidence"`
	// WorkerWeights scales each worker's share of the aggregate confidence.
	WorkerWeights map[string]float64 `yaml:"worker_weights"`
}

type RetryConfig struct {
	MaxRetries int    `yaml:"max_retries"`
	BaseDelay  string `yaml:"base_delay"`
	MaxDelay   string `yaml:"max_delay"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig enables the model-backed search query generator.
type LLMConfig struct {
	Enabled   bool   `yaml:"enabled"`
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`
	Timeout   string `yaml:"timeout"`
}

type ScreenshotsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type RecorderConfig struct {
	Dir       string `yaml:"dir"`
	MaxTraces int    `yaml:"max_traces"`
}

// ProvenanceConfig controls the embedded decision rule engine.
type ProvenanceConfig struct {
	Enable          bool `yaml:"enable"`
	FactBufferLimit int  `yaml:"fact_buffer_limit"`
}

var validMergeRules = map[string]bool{"sum": true, "max": true, "latest": true, "average": true}

var validLogLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "cartpilot",
			Version:  "0.3.0",
			LogFile:  "cartpilot.log",
			LogLevel: "info",
		},
		Browser: BrowserConfig{
			DefaultNavigationTimeout: "15s",
			DefaultAttachTimeout:     "10s",
			ElementTimeout:           "5s",
			SessionStore:             "pages.json",
			MutationPoll:             "500ms",
			ViewportWidth:            1366,
			ViewportHeight:           900,
		},
		Site: SiteConfig{
			LoginPath:   "/login",
			OrdersPath:  "/account/orders",
			CartPath:    "/cart",
			SearchPath:  "/search?q=",
			SlotsPath:   "/delivery/slots",
			ProductPath: "/product/",
			UsernameEnv: "CARTPILOT_USERNAME",
			PasswordEnv: "CARTPILOT_PASSWORD",
		},
		Selectors: SelectorsConfig{
			Path:  "selectors.yaml",
			Watch: true,
		},
		Coordinator: CoordinatorConfig{
			MaxOrders:           3,
			MergeRule:           "sum",
			EnableSubstitutions: true,
			EnablePruning:       true,
			EnableSlots:         true,
			MaxSubstitutes:      3,
			MaxQueries:          3,
			LowConfidence:       0.5,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  "1s",
			MaxDelay:   "30s",
		},
		Store: StoreConfig{
			Path: "cartpilot.db",
		},
		LLM: LLMConfig{
			APIKeyEnv: "GEMINI_API_KEY",
			Model:     "gemini-2.5-flash",
			Timeout:   "10s",
		},
		Screenshots: ScreenshotsConfig{
			Enabled: false,
			Dir:     "data/screenshots",
		},
		Recorder: RecorderConfig{
			Dir:       "data/traces",
			MaxTraces: 20,
		},
		Provenance: ProvenanceConfig{
			Enable:          true,
			FactBufferLimit: 4096,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .cartpilot/config.yaml file.
// Returns the workspace root directory (parent of .cartpilot/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .cartpilot/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .cartpilot/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	files := map[string]string{
		WorkspaceConfigFile:    templateConfig,
		WorkspaceSelectorsFile: templateSelectors,
		".gitignore":           "# Runtime data (database, traces, screenshots) - do not version control\ndata/\n",
	}
	for name, content := range files {
		p := filepath.Join(wsDir, name)
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}

	return nil
}

const templateConfig = `# CartPilot project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

site:
  base_url: "https://grocer.example.com"
#  username_env: CARTPILOT_USERNAME
#  password_env: CARTPILOT_PASSWORD

selectors:
  path: ".cartpilot/selectors.yaml"
  watch: true

store:
  path: ".cartpilot/data/cartpilot.db"

recorder:
  dir: ".cartpilot/data/traces"

# coordinator:
#   max_orders: 3
#   merge_rule: sum        # sum | max | latest | average
#   worker_weights:
#     cart_builder: 2.0

# browser:
#   headless: false
#   launch: ["/usr/bin/chromium"]
`

const templateSelectors = `# Logical element name -> ordered candidate selectors. The first visible match wins.
chains:
  account.indicator: ["[data-test=account-menu]", ".account-name"]
  login.username: ["#username", "input[name=email]"]
  login.password: ["#password", "input[type=password]"]
  login.submit: ["button[type=submit]"]
  product.add: ["[data-test=add-to-cart]", "button.add-to-cart"]
  product.quantity: ["input[name=quantity]"]
  product.unavailable: ["[data-test=out-of-stock]", ".unavailable-banner"]
  cart.line_quantity: ["[data-product-id='{id}'] input.qty"]
  cart.line_remove: ["[data-product-id='{id}'] button.remove"]
  slots.select: ["[data-slot-id='{id}'] button"]

# Repeated structures. Field specs: "selector", "selector@attr", "@attr" or "" for the item text.
lists:
  orders.list:
    item: "[data-test=order-row]"
    fields: {id: "@data-order-id", placed_at: "time@datetime", total: ".total", url: "a@href"}
  order.items:
    item: "[data-test=order-line]"
    fields: {product_id: "@data-product-id", name: ".name", brand: ".brand", size: ".size", quantity: ".qty", price: ".price", url: "a@href"}
  cart.lines:
    item: "[data-test=cart-line]"
    fields: {product_id: "@data-product-id", name: ".name", quantity: "input.qty@value", price: ".price", unavailable: ".unavailable"}
  search.results:
    item: "[data-test=product-tile]"
    fields: {product_id: "@data-product-id", name: ".name", brand: ".brand", size: ".size", price: ".price", price_per_unit: ".unit-price", url: "a@href", image: "img@src", unavailable: ".out-of-stock"}
  slots.list:
    item: "[data-test=slot]"
    fields: {id: "@data-slot-id", start: "@data-start", end: "@data-end", fee: ".fee", unavailable: ".full"}

# Popups are dismissed by priority; skip_while_modal holds the pattern while a flow modal is open.
popups:
  - name: cookie-banner
    selectors: ["#onetrust-accept-btn-handler", "[data-test=cookie-accept]"]
    priority: 100
  - name: newsletter
    selectors: ["[data-test=newsletter-close]"]
    priority: 50
    skip_while_modal: "[data-test=slot-modal]"
`

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Browser.SessionStore = resolve(cfg.Browser.SessionStore)
	cfg.Selectors.Path = resolve(cfg.Selectors.Path)
	cfg.Store.Path = resolve(cfg.Store.Path)
	cfg.Screenshots.Dir = resolve(cfg.Screenshots.Dir)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if !validLogLevels[c.Server.LogLevel] {
		return fmt.Errorf("server.log_level %q is not one of debug, info, warn, error", c.Server.LogLevel)
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	if c.Site.BaseURL != "" {
		u, err := url.Parse(c.Site.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("site.base_url %q must be an absolute URL", c.Site.BaseURL)
		}
	}
	if c.Coordinator.MaxOrders <= 0 {
		return errors.New("coordinator.max_orders must be positive")
	}
	if !validMergeRules[c.Coordinator.MergeRule] {
		return fmt.Errorf("coordinator.merge_rule %q is not one of sum, max, latest, average", c.Coordinator.MergeRule)
	}
	if c.Coordinator.MaxSubstitutes <= 0 {
		return errors.New("coordinator.max_substitutes must be positive")
	}
	for name, w := range c.Coordinator.WorkerWeights {
		if w < 0 {
			return fmt.Errorf("coordinator.worker_weights[%s] must not be negative", name)
		}
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries must not be negative")
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	return parseDuration(b.DefaultAttachTimeout, 10*time.Second)
}

// ElementWait returns how long an element lookup may wait.
func (b BrowserConfig) ElementWait() time.Duration {
	return parseDuration(b.ElementTimeout, 5*time.Second)
}

// MutationPollInterval returns the popup mutation polling interval.
func (b BrowserConfig) MutationPollInterval() time.Duration {
	return parseDuration(b.MutationPoll, 500*time.Millisecond)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1366
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 900
	}
	return b.ViewportHeight
}

// GetBaseDelay returns the first backoff delay.
func (r RetryConfig) GetBaseDelay() time.Duration {
	return parseDuration(r.BaseDelay, time.Second)
}

// GetMaxDelay returns the backoff cap.
func (r RetryConfig) GetMaxDelay() time.Duration {
	return parseDuration(r.MaxDelay, 30*time.Second)
}

// GetTimeout bounds a single query generation call.
func (l LLMConfig) GetTimeout() time.Duration {
	return parseDuration(l.Timeout, 10*time.Second)
}

// Weight returns the configured weight for a worker, defaulting to 1.
func (c CoordinatorConfig) Weight(worker string) float64 {
	if w, ok := c.WorkerWeights[worker]; ok {
		return w
	}
	return 1.0
}

// Credentials reads the site login from the configured environment variables.
func (s SiteConfig) Credentials() (username, password string) {
	return os.Getenv(s.UsernameEnv), os.Getenv(s.PasswordEnv)
}
