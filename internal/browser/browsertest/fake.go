// Package browsertest provides an in-memory browser.Page for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"sync"

	"cartpilot/internal/browser"
	"cartpilot/internal/resilience"
)

// Page is a scripted browser.Page. Selectors are visible when Visible says
// so; lists are served by item selector. Hooks run without the lock held so
// they may call back into the page.
type Page struct {
	mu sync.Mutex

	url        string
	visible    map[string]bool
	lists      map[string][]map[string]string
	clicks     []string
	typed      map[string]string
	keys       []string
	navigated  []string
	observers  map[int]func()
	nextObs    int
	closed     bool
	screenshot []byte

	// OnClick runs after a click is recorded.
	OnClick func(selector string)
	// OnNavigate runs after a navigation is recorded.
	OnNavigate func(url string)
	// ClickErr, when set, is returned for matching selectors.
	ClickErr map[string]error
	// NavigateErr is returned by every Navigate when non-nil.
	NavigateErr func(url string) error
	// EvalFunc answers Evaluate.
	EvalFunc func(js string, args ...interface{}) (json.RawMessage, error)
	// ListErr is returned by ExtractList when non-nil.
	ListErr error
}

var _ browser.Page = (*Page)(nil)

func New() *Page {
	return &Page{
		url:        "about:blank",
		visible:    make(map[string]bool),
		lists:      make(map[string][]map[string]string),
		typed:      make(map[string]string),
		observers:  make(map[int]func()),
		screenshot: []byte{0x89, 'P', 'N', 'G'},
	}
}

// SetVisible marks selectors visible or hidden.
func (p *Page) SetVisible(visible bool, selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		p.visible[s] = visible
	}
}

// SetList serves rows for a ListSpec whose Item is item.
func (p *Page) SetList(item string, rows []map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lists[item] = rows
}

// FireMutation delivers one mutation batch to every observer.
func (p *Page) FireMutation() {
	p.mu.Lock()
	obs := make([]func(), 0, len(p.observers))
	for _, fn := range p.observers {
		obs = append(obs, fn)
	}
	p.mu.Unlock()
	for _, fn := range obs {
		fn()
	}
}

func (p *Page) Observers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.observers)
}

func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

func (p *Page) Typed(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed[selector]
}

func (p *Page) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigated...)
}

func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.NavigateErr != nil {
		if err := p.NavigateErr(url); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.url = url
	p.navigated = append(p.navigated, url)
	p.mu.Unlock()
	if p.OnNavigate != nil {
		p.OnNavigate(url)
	}
	return nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) VisibleSet(ctx context.Context, selectors []string) ([]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bool, len(selectors))
	for i, s := range selectors {
		out[i] = p.visible[s]
	}
	return out, nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := p.ClickErr[selector]; ok {
		return err
	}
	p.mu.Lock()
	if !p.visible[selector] {
		p.mu.Unlock()
		return resilience.SelectorNotFound(selector, "not visible")
	}
	p.clicks = append(p.clicks, selector)
	p.mu.Unlock()
	if p.OnClick != nil {
		p.OnClick(selector)
	}
	return nil
}

func (p *Page) Type(ctx context.Context, selector, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.visible[selector] {
		return resilience.SelectorNotFound(selector, "not visible")
	}
	p.typed[selector] = text
	return nil
}

func (p *Page) Press(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.keys = append(p.keys, key)
	p.mu.Unlock()
	return nil
}

func (p *Page) Evaluate(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.EvalFunc != nil {
		return p.EvalFunc(js, args...)
	}
	return json.RawMessage("null"), nil
}

func (p *Page) ExtractList(ctx context.Context, spec browser.ListSpec) ([]map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.ListErr != nil {
		return nil, p.ListErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rows := p.lists[spec.Item]
	out := make([]map[string]string, len(rows))
	for i, r := range rows {
		cp := make(map[string]string, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out[i] = cp
	}
	return out, nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.screenshot...), nil
}

func (p *Page) ObserveMutations(ctx context.Context, onBatch func()) (func(), error) {
	p.mu.Lock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = onBatch
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.observers, id)
		p.mu.Unlock()
	}, nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	p.closed = true
	p.observers = make(map[int]func())
	p.mu.Unlock()
	return nil
}
