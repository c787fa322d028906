package selectors

import (
	"context"
	"fmt"
	"strings"

	"cartpilot/internal/browser"
	"cartpilot/internal/resilience"
)

// Resolver turns logical names into the selector currently visible on a page.
type Resolver struct {
	reg *Registry
}

func NewResolver(reg *Registry) *Resolver {
	return &Resolver{reg: reg}
}

func (r *Resolver) Registry() *Registry { return r.reg }

// Resolve returns the first candidate of name with a visible match.
func (r *Resolver) Resolve(ctx context.Context, page browser.Page, name string) (string, error) {
	return r.ResolveWith(ctx, page, name, nil)
}

// ResolveWith substitutes {key} placeholders from vars before matching.
// Failure to match is a non-recoverable SELECTOR error naming the element.
func (r *Resolver) ResolveWith(ctx context.Context, page browser.Page, name string, vars map[string]string) (string, error) {
	candidates, err := r.candidates(name, vars)
	if err != nil {
		return "", err
	}
	visible, err := page.VisibleSet(ctx, candidates)
	if err != nil {
		return "", err
	}
	for i, ok := range visible {
		if ok && i < len(candidates) {
			return candidates[i], nil
		}
	}
	return "", resilience.SelectorNotFound(name, fmt.Sprintf("none of %d candidates visible", len(candidates)))
}

// Present reports whether any candidate of name is visible. Unlike Resolve,
// absence is not an error.
func (r *Resolver) Present(ctx context.Context, page browser.Page, name string, vars map[string]string) (bool, error) {
	candidates, err := r.candidates(name, vars)
	if err != nil {
		return false, err
	}
	visible, err := page.VisibleSet(ctx, candidates)
	if err != nil {
		return false, err
	}
	for _, ok := range visible {
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// List returns a list extractor or a SELECTOR error.
func (r *Resolver) List(name string) (browser.ListSpec, error) {
	spec, err := r.reg.List(name)
	if err != nil {
		te := resilience.SelectorNotFound(name, "not defined in selector file")
		te.Cause = err
		return browser.ListSpec{}, te
	}
	return spec, nil
}

func (r *Resolver) candidates(name string, vars map[string]string) ([]string, error) {
	chain, err := r.reg.Chain(name)
	if err != nil {
		te := resilience.SelectorNotFound(name, "not defined in selector file")
		te.Cause = err
		return nil, te
	}
	return Expand(chain, vars), nil
}

// Expand replaces {key} in every candidate. Values are quoted for use inside
// single-quoted CSS attribute values.
func Expand(chain []string, vars map[string]string) []string {
	if len(vars) == 0 {
		return chain
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", cssQuote(v))
	}
	rep := strings.NewReplacer(pairs...)
	out := make([]string, len(chain))
	for i, c := range chain {
		out[i] = rep.Replace(c)
	}
	return out
}

func cssQuote(v string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`, `"`, `\"`).Replace(v)
}
