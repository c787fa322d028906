// Package resilience classifies browser/DOM action failures and retries the
// transient ones with exponential backoff.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Code is the failure taxonomy shared by every action.
type Code string

const (
	CodeNetwork    Code = "NETWORK"
	CodeTimeout    Code = "TIMEOUT"
	CodeSelector   Code = "SELECTOR"
	CodeAuth       Code = "AUTH"
	CodeValidation Code = "VALIDATION"
	CodeUnknown    Code = "UNKNOWN"
)

// Recoverable reports whether failures of this class are safe to retry blindly.
// Selector, auth and validation failures mean the site or the input changed
// shape; retrying them only hides the mismatch.
func (c Code) Recoverable() bool {
	return c == CodeNetwork || c == CodeTimeout
}

// ToolError is the typed failure carried by every action result.
type ToolError struct {
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	// Target names the logical UI element for selector failures.
	Target string `json:"target,omitempty"`
	Cause  error  `json:"-"`
}

// New creates a ToolError whose recoverability follows its code.
func New(code Code, message string) *ToolError {
	return &ToolError{Code: code, Message: message, Recoverable: code.Recoverable()}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...interface{}) *ToolError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, cause error, message string) *ToolError {
	te := New(code, message)
	te.Cause = cause
	return te
}

// SelectorNotFound is the error surfaced when no candidate of a logical
// element is visible.
func SelectorNotFound(target, detail string) *ToolError {
	te := Newf(CodeSelector, "no visible match for %q: %s", target, detail)
	te.Target = target
	return te
}

func (e *ToolError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the original error for errors.Is/As compatibility.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// IsCode reports whether err categorizes to code.
func IsCode(err error, code Code) bool {
	te := Categorize(err)
	return te != nil && te.Code == code
}

// Categorize maps any error onto the taxonomy. Structured types are checked
// first, then message heuristics. An error that already is (or wraps) a
// ToolError is returned unchanged, so categorizing twice is a no-op.
func Categorize(err error) *ToolError {
	if err == nil {
		return nil
	}

	var te *ToolError
	if errors.As(err, &te) {
		return te
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeTimeout, err, "operation timed out")
	case errors.Is(err, context.Canceled):
		return Wrap(CodeUnknown, err, "operation cancelled")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(CodeTimeout, err, "network timeout")
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Wrap(CodeNetwork, err, "dns lookup failed")
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Wrap(CodeNetwork, err, "network operation failed")
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return Wrap(CodeNetwork, err, "request failed")
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return Wrap(CodeTimeout, err, "operation timed out")
	case containsAny(msg, "net::err", "econnrefused", "econnreset", "connection refused",
		"connection reset", "socket hang up", "no such host", "network", "unexpected eof"):
		return Wrap(CodeNetwork, err, "network failure")
	case containsAny(msg, "selector", "element not found", "no node", "not visible",
		"cannot find element", "detached from document"):
		return Wrap(CodeSelector, err, "element lookup failed")
	case containsAny(msg, "unauthorized", "forbidden", "401", "403", "login", "authentication",
		"session expired", "not signed in"):
		return Wrap(CodeAuth, err, "authentication failed")
	case containsAny(msg, "validation", "invalid input", "is required", "must be"):
		return Wrap(CodeValidation, err, "invalid input")
	}

	return Wrap(CodeUnknown, err, err.Error())
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
