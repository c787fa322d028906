package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cartpilot/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PageInfo describes the public metadata for a tracked page.
type PageInfo struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner,omitempty"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type pageRecord struct {
	meta PageInfo
	page *RodPage
}

// Manager owns the Chrome instance and the pages opened on behalf of sessions.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	// startMu serializes Start/Shutdown so concurrent sessions connect once.
	startMu    sync.Mutex
	mu         sync.RWMutex
	browser    *rod.Browser
	pages      map[string]*pageRecord
	controlURL string
}

func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		pages:  make(map[string]*pageRecord),
	}
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (m *Manager) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.RLock()
	current := m.browser
	m.mu.RUnlock()

	if current != nil {
		if _, err := current.Version(); err == nil {
			return nil
		}
		m.logger.Warn("stale browser connection detected, reconnecting")
		_ = current.Close()
		m.mu.Lock()
		m.browser = nil
		m.controlURL = ""
		m.pages = make(map[string]*pageRecord)
		m.mu.Unlock()
	}

	if err := m.loadPages(); err != nil {
		return fmt.Errorf("load pages: %w", err)
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
		for _, rawFlag := range m.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			fallback := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			url = alt
		}
		controlURL = url
	}
	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	browser, err := m.connect(ctx, controlURL)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.browser = browser
	m.controlURL = controlURL
	m.mu.Unlock()
	m.logger.Info("browser connected", zap.String("control_url", controlURL))
	return nil
}

// connect attaches to controlURL, giving up after the configured attach
// timeout. A connection that completes after the caller gave up is closed.
func (m *Manager) connect(ctx context.Context, controlURL string) (*rod.Browser, error) {
	browser := rod.New().ControlURL(controlURL)
	done := make(chan error, 1)
	go func() { done <- browser.Connect() }()

	timeout := m.cfg.AttachTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("connect to chrome: %w", err)
		}
		return browser, nil
	case <-timer.C:
		cause = fmt.Errorf("no answer within %s", timeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}
	go func() {
		if <-done == nil {
			_ = browser.Close()
		}
	}()
	return nil, fmt.Errorf("connect to chrome: %w", cause)
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *Manager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes tracked pages and the underlying browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	records := m.pages
	m.pages = make(map[string]*pageRecord)
	browser := m.browser
	m.browser = nil
	m.controlURL = ""
	m.mu.Unlock()

	for _, rec := range records {
		if rec.page != nil {
			_ = rec.page.page.Close()
		}
	}

	var err error
	if browser != nil {
		err = browser.Close()
	}
	_ = m.persistPages()
	m.logger.Info("browser shutdown complete", zap.Int("pages_closed", len(records)))
	return err
}

// List returns lightweight metadata for all known pages, oldest first.
func (m *Manager) List() []PageInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]PageInfo, 0, len(m.pages))
	for _, rec := range m.pages {
		results = append(results, rec.meta)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt.Before(results[j].CreatedAt) })
	return results
}

// OpenPage starts the browser if needed and opens an isolated incognito page
// for owner. Closing the returned page releases it from the manager.
func (m *Manager) OpenPage(ctx context.Context, owner, url string) (*RodPage, error) {
	if err := m.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, errors.New("browser not connected")
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		m.logger.Warn("failed to set viewport", zap.Error(err))
	}

	rp := NewRodPage(page, Timeouts{
		Navigation:   m.cfg.NavigationTimeout(),
		Element:      m.cfg.ElementWait(),
		MutationPoll: m.cfg.MutationPollInterval(),
	})

	meta := PageInfo{
		ID:         uuid.NewString(),
		Owner:      owner,
		TargetID:   string(page.TargetID),
		URL:        url,
		Status:     "active",
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}
	rp.onNavigate = func(u string) { m.Touch(meta.ID, u) }
	rp.onClose = func() { m.release(meta.ID) }

	m.mu.Lock()
	m.pages[meta.ID] = &pageRecord{meta: meta, page: rp}
	m.mu.Unlock()
	_ = m.persistPages()

	if url != "" {
		if err := rp.Navigate(ctx, url); err != nil {
			m.logger.Warn("initial navigation failed", zap.String("page", meta.ID), zap.String("url", url), zap.Error(err))
		}
	}

	m.logger.Info("page opened", zap.String("page", meta.ID), zap.String("owner", owner))
	return rp, nil
}

// Touch refreshes the last-active timestamp and URL of a page.
func (m *Manager) Touch(pageID, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.pages[pageID]
	if !ok {
		return
	}
	rec.meta.LastActive = time.Now()
	if url != "" {
		rec.meta.URL = url
	}
}

func (m *Manager) release(pageID string) {
	m.mu.Lock()
	_, ok := m.pages[pageID]
	delete(m.pages, pageID)
	m.mu.Unlock()
	if ok {
		_ = m.persistPages()
		m.logger.Debug("page released", zap.String("page", pageID))
	}
}

// persistPages writes page metadata to disk for continuity across restarts.
func (m *Manager) persistPages() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	m.mu.RLock()
	pages := make([]PageInfo, 0, len(m.pages))
	for _, rec := range m.pages {
		pages = append(pages, rec.meta)
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(pages, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.SessionStore), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.cfg.SessionStore, data, 0o644)
}

// loadPages loads persisted metadata. Pages from a previous run are listed as
// detached; their sessions did not survive the restart.
func (m *Manager) loadPages() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	data, err := os.ReadFile(m.cfg.SessionStore)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var pages []PageInfo
	if err := json.Unmarshal(data, &pages); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pages {
		if _, live := m.pages[p.ID]; live {
			continue
		}
		p.Status = "detached"
		m.pages[p.ID] = &pageRecord{meta: p}
	}
	return nil
}
