// Package selectors maps logical UI element names to the site's CSS selectors
// and keeps known interstitial popups out of the way.
package selectors

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"cartpilot/internal/browser"

	"gopkg.in/yaml.v3"
)

// ErrUnknownSelector is returned for names absent from the selector file.
var ErrUnknownSelector = errors.New("unknown selector")

// PopupPattern is one dismissible interstitial. Higher Priority wins when
// several are visible. SkipWhileModal holds the pattern back while that
// marker element is visible, so a flow that needs its modal open is not raced.
type PopupPattern struct {
	Name           string   `yaml:"name" json:"name"`
	Selectors      []string `yaml:"selectors" json:"selectors"`
	Priority       int      `yaml:"priority" json:"priority"`
	SkipWhileModal string   `yaml:"skip_while_modal,omitempty" json:"skip_while_modal,omitempty"`
}

// File is the on-disk selector table.
type File struct {
	Chains map[string][]string         `yaml:"chains"`
	Lists  map[string]browser.ListSpec `yaml:"lists"`
	Popups []PopupPattern              `yaml:"popups"`
}

// Parse decodes and validates a selector file.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse selector file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) Validate() error {
	for name, chain := range f.Chains {
		if len(chain) == 0 {
			return fmt.Errorf("chain %q has no candidates", name)
		}
		for i, sel := range chain {
			if sel == "" {
				return fmt.Errorf("chain %q: candidate %d is empty", name, i)
			}
		}
	}
	for name, list := range f.Lists {
		if list.Item == "" {
			return fmt.Errorf("list %q: item selector is required", name)
		}
	}
	seen := make(map[string]bool)
	for i, p := range f.Popups {
		if p.Name == "" {
			return fmt.Errorf("popup %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("popup %q defined twice", p.Name)
		}
		seen[p.Name] = true
		if len(p.Selectors) == 0 {
			return fmt.Errorf("popup %q has no selectors", p.Name)
		}
	}
	return nil
}

// Registry is the live selector table. Reload swaps it atomically, so a
// resolution in flight sees either the old table or the new one.
type Registry struct {
	mu      sync.RWMutex
	path    string
	chains  map[string][]string
	lists   map[string]browser.ListSpec
	popups  []PopupPattern
	version int
}

// NewRegistry builds a registry from an already parsed file.
func NewRegistry(f *File) *Registry {
	r := &Registry{}
	if f == nil {
		f = &File{}
	}
	r.install(f)
	return r
}

// Load reads path into a new registry that can later Reload from it.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read selector file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r := NewRegistry(f)
	r.path = path
	return r, nil
}

// Path is the file the registry reloads from; empty for in-memory tables.
func (r *Registry) Path() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.path
}

// Reload re-reads the file. On error the current table stays in place.
func (r *Registry) Reload() error {
	path := r.Path()
	if path == "" {
		return fmt.Errorf("selector registry has no backing file")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read selector file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return r.Replace(f)
}

// Replace installs a new table after validating it.
func (r *Registry) Replace(f *File) error {
	if err := f.Validate(); err != nil {
		return err
	}
	r.install(f)
	return nil
}

func (r *Registry) install(f *File) {
	chains := make(map[string][]string, len(f.Chains))
	for k, v := range f.Chains {
		chains[k] = append([]string(nil), v...)
	}
	lists := make(map[string]browser.ListSpec, len(f.Lists))
	for k, v := range f.Lists {
		lists[k] = v
	}
	popups := append([]PopupPattern(nil), f.Popups...)
	sort.SliceStable(popups, func(i, j int) bool { return popups[i].Priority > popups[j].Priority })

	r.mu.Lock()
	r.chains, r.lists, r.popups = chains, lists, popups
	r.version++
	r.mu.Unlock()
}

// Version increments on every successful install.
func (r *Registry) Version() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Chain returns the candidates for name in preference order.
func (r *Registry) Chain(name string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chains[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSelector, name)
	}
	return append([]string(nil), c...), nil
}

func (r *Registry) List(name string) (browser.ListSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.lists[name]
	if !ok {
		return browser.ListSpec{}, fmt.Errorf("%w: list %s", ErrUnknownSelector, name)
	}
	return l, nil
}

// Popups returns the popup table, highest priority first.
func (r *Registry) Popups() []PopupPattern {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]PopupPattern(nil), r.popups...)
}
