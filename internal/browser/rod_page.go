package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cartpilot/internal/resilience"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// RodPage adapts a *rod.Page to Page.
type RodPage struct {
	page    *rod.Page
	timeout Timeouts
	// hooks set by Manager
	onNavigate func(url string)
	onClose    func()

	closeOnce sync.Once
}

// Timeouts bounds the waits of a RodPage.
type Timeouts struct {
	Navigation time.Duration
	Element    time.Duration
	// MutationPoll is how often the mutation hook is read.
	MutationPoll time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Navigation <= 0 {
		t.Navigation = 15 * time.Second
	}
	if t.Element <= 0 {
		t.Element = 5 * time.Second
	}
	if t.MutationPoll <= 0 {
		t.MutationPoll = 500 * time.Millisecond
	}
	return t
}

// NewRodPage wraps page.
func NewRodPage(page *rod.Page, timeouts Timeouts) *RodPage {
	return &RodPage{page: page, timeout: timeouts.withDefaults()}
}

func (p *RodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx).Timeout(p.timeout.Navigation)
	defer page.CancelTimeout()

	// CDP emits no load event for same-URL navigation, so WaitLoad would hang.
	if info, err := page.Info(); err == nil && info != nil && info.URL == url {
		return translate(page.Reload(), url)
	}
	if err := page.Navigate(url); err != nil {
		return translate(err, url)
	}
	if err := page.WaitLoad(); err != nil {
		return translate(err, url)
	}
	if p.onNavigate != nil {
		p.onNavigate(url)
	}
	return nil
}

func (p *RodPage) URL() string {
	info, err := p.page.Info()
	if err != nil || info == nil {
		return ""
	}
	return info.URL
}

const visibleSetJS = `(sels) => sels.map((s) => {
	try {
		for (const el of document.querySelectorAll(s)) {
			const r = el.getBoundingClientRect();
			const st = window.getComputedStyle(el);
			if (st.display !== 'none' && st.visibility !== 'hidden' && st.opacity !== '0' && r.width > 0 && r.height > 0) {
				return true;
			}
		}
	} catch (e) {}
	return false;
})`

func (p *RodPage) VisibleSet(ctx context.Context, selectors []string) ([]bool, error) {
	if len(selectors) == 0 {
		return nil, nil
	}
	raw, err := p.Evaluate(ctx, visibleSetJS, selectors)
	if err != nil {
		return nil, err
	}
	var out []bool
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode visibility: %w", err)
	}
	if len(out) != len(selectors) {
		return nil, fmt.Errorf("visibility result has %d entries for %d selectors", len(out), len(selectors))
	}
	return out, nil
}

func (p *RodPage) element(ctx context.Context, selector string) (*rod.Element, error) {
	has, el, err := p.page.Context(ctx).Has(selector)
	if err != nil {
		return nil, translate(err, selector)
	}
	if !has {
		return nil, resilience.SelectorNotFound(selector, "element not present")
	}
	return el.Timeout(p.timeout.Element), nil
}

func (p *RodPage) Click(ctx context.Context, selector string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	return translate(el.Click(proto.InputMouseButtonLeft, 1), selector)
}

func (p *RodPage) Type(ctx context.Context, selector, text string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err == nil {
		_ = el.Input("")
	}
	return translate(el.Input(text), selector)
}

var namedKeys = map[string]input.Key{
	"Enter":     input.Enter,
	"Tab":       input.Tab,
	"Escape":    input.Escape,
	"Backspace": input.Backspace,
}

func (p *RodPage) Press(ctx context.Context, key string) error {
	k, ok := namedKeys[key]
	if !ok {
		if len(key) != 1 {
			return resilience.Newf(resilience.CodeValidation, "unknown key: %s", key)
		}
		k = input.Key(rune(key[0]))
	}
	return translate(p.page.Context(ctx).Keyboard.Press(k), key)
}

func (p *RodPage) Evaluate(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, translate(err, "")
	}
	if res == nil || res.Value.Nil() {
		return json.RawMessage("null"), nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal eval result: %w", err)
	}
	return raw, nil
}

const extractListJS = `(spec) => {
	const out = [];
	document.querySelectorAll(spec.item).forEach((el) => {
		const row = {};
		for (const [key, field] of Object.entries(spec.fields || {})) {
			let sel = field, attr = '';
			const at = field.lastIndexOf('@');
			if (at >= 0) { sel = field.slice(0, at); attr = field.slice(at + 1); }
			const target = sel ? el.querySelector(sel) : el;
			if (!target) { row[key] = ''; continue; }
			row[key] = attr ? (target.getAttribute(attr) || '') : (target.textContent || '').trim();
		}
		out.push(row);
	});
	return out;
}`

func (p *RodPage) ExtractList(ctx context.Context, spec ListSpec) ([]map[string]string, error) {
	if spec.Item == "" {
		return nil, resilience.New(resilience.CodeValidation, "list spec has no item selector")
	}
	raw, err := p.Evaluate(ctx, extractListJS, spec)
	if err != nil {
		return nil, err
	}
	var rows []map[string]string
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode list %s: %w", spec.Item, err)
	}
	return rows, nil
}

func (p *RodPage) Screenshot(ctx context.Context) ([]byte, error) {
	img, err := p.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, translate(err, "")
	}
	return img, nil
}

// mutationHookJS installs a MutationObserver once per document and returns
// the running mutation count, or -1 when the hook was just installed.
const mutationHookJS = `() => {
	const w = window;
	if (!w.__cartpilotHooked) {
		w.__cartpilotHooked = true;
		w.__cartpilotMutations = 0;
		const root = document.documentElement || document.body;
		if (root) {
			new MutationObserver(() => { w.__cartpilotMutations++; })
				.observe(root, { childList: true, subtree: true, attributes: true });
		}
		return -1;
	}
	return w.__cartpilotMutations;
}`

func (p *RodPage) ObserveMutations(ctx context.Context, onBatch func()) (func(), error) {
	if _, err := p.Evaluate(ctx, mutationHookJS); err != nil {
		return nil, fmt.Errorf("install mutation hook: %w", err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.timeout.MutationPoll)
		defer ticker.Stop()
		last := int64(0)
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				raw, err := p.Evaluate(pollCtx, mutationHookJS)
				if err != nil {
					// Navigation in flight; try again on the next tick.
					continue
				}
				var seq int64
				if err := json.Unmarshal(raw, &seq); err != nil {
					continue
				}
				if seq < 0 || seq != last {
					if seq < 0 {
						seq = 0
					}
					last = seq
					onBatch()
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (p *RodPage) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.page.Close()
		if p.onClose != nil {
			p.onClose()
		}
	})
	return err
}

// translate maps rod's structured errors onto the shared taxonomy.
func translate(err error, target string) error {
	if err == nil {
		return nil
	}
	var notFound *rod.ElementNotFoundError
	if errors.As(err, &notFound) {
		te := resilience.SelectorNotFound(target, "element not found")
		te.Cause = err
		return te
	}
	var notInteractable *rod.NotInteractableError
	if errors.As(err, &notInteractable) {
		te := resilience.SelectorNotFound(target, "element not interactable")
		te.Cause = err
		return te
	}
	var nav *rod.NavigationError
	if errors.As(err, &nav) {
		return resilience.Wrap(resilience.CodeNetwork, err, "navigation failed: "+nav.Reason)
	}
	return err
}
