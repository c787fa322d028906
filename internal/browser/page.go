// Package browser defines the page capability the rest of CartPilot drives,
// a rod-backed implementation, and a Manager that owns Chrome and hands out
// one isolated page per session.
package browser

import (
	"context"
	"encoding/json"
)

// Page is everything the automation layer needs from a browser tab. Workers
// and tests depend on it, never on a concrete driver.
type Page interface {
	// Navigate loads url and waits for the load event.
	Navigate(ctx context.Context, url string) error
	// URL returns the current document URL.
	URL() string
	// VisibleSet reports, per selector, whether at least one match is rendered and visible.
	VisibleSet(ctx context.Context, selectors []string) ([]bool, error)
	Click(ctx context.Context, selector string) error
	// Type replaces the value of the matched input with text.
	Type(ctx context.Context, selector, text string) error
	// Press sends a named key (Enter, Tab, Escape) or a single character.
	Press(ctx context.Context, key string) error
	// Evaluate runs a JS function expression and returns its JSON result.
	Evaluate(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error)
	// ExtractList reads one row per item matched by spec.Item.
	ExtractList(ctx context.Context, spec ListSpec) ([]map[string]string, error)
	// Screenshot captures the viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// ObserveMutations calls onBatch whenever the DOM changed since the last
	// poll, and once after every fresh document. stop blocks until the
	// observer goroutine has exited.
	ObserveMutations(ctx context.Context, onBatch func()) (stop func(), err error)
	Close() error
}

// ListSpec describes a repeated structure on a page. Each field value is one of
//
//	"selector"       text of the first match inside the item
//	"selector@attr"  attribute of the first match inside the item
//	"@attr"          attribute of the item itself
//	""               text of the item itself
type ListSpec struct {
	Item   string            `yaml:"item" json:"item"`
	Fields map[string]string `yaml:"fields" json:"fields"`
}
