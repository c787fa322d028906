package mcp

import (
	"context"
	"errors"

	"cartpilot/internal/cart"
	"cartpilot/internal/coordinator"
	"cartpilot/internal/resilience"
	"cartpilot/internal/session"
)

type StartSessionTool struct {
	sessions SessionService
}

func (t *StartSessionTool) Name() string { return "start-session" }
func (t *StartSessionTool) Description() string {
	return `Start a cart session: sign in, load recent orders, rebuild the cart and prepare a review pack.

Returns immediately with the session id in status "initializing". The pipeline
runs in the background; poll get-session-status until status is "awaiting_review".

CartPilot never places orders. The session ends with a filled cart and a URL
for the human to finish checkout.

Returns: {success, session: {id, status, progress, ...}}`
}
func (t *StartSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"max_orders": map[string]interface{}{
				"type":        "integer",
				"minimum":     0,
				"description": "How many recent orders to merge (0 uses the configured default)",
			},
			"merge_rule": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{string(cart.MergeSum), string(cart.MergeMax), string(cart.MergeLatest), string(cart.MergeAverage)},
				"description": "How quantities of a product bought in several orders combine",
			},
			"skip_substitutions": map[string]interface{}{"type": "boolean", "description": "Skip the substitution finder"},
			"skip_pruning":       map[string]interface{}{"type": "boolean", "description": "Skip the stock pruner"},
			"skip_slots":         map[string]interface{}{"type": "boolean", "description": "Skip delivery slot scouting"},
		},
		"additionalProperties": false,
	}
}
func (t *StartSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	req := coordinator.Request{
		MaxOrders:         getIntArg(args, "max_orders", 0),
		MergeRule:         getStringArg(args, "merge_rule"),
		SkipSubstitutions: getBoolArg(args, "skip_substitutions", false),
		SkipPruning:       getBoolArg(args, "skip_pruning", false),
		SkipSlots:         getBoolArg(args, "skip_slots", false),
	}
	snap, err := t.sessions.StartSession(ctx, req)
	if err != nil {
		return failure(err), nil
	}
	return map[string]interface{}{"success": true, "session": snap}, nil
}

type GetSessionStatusTool struct {
	sessions SessionService
}

func (t *GetSessionStatusTool) Name() string { return "get-session-status" }
func (t *GetSessionStatusTool) Description() string {
	return `Get the current state of a cart session.

Includes progress (phase, per-worker state, overall percentage, current action),
the decision log with reasoning, applied preferences, items that need attention,
and the review pack once status is "awaiting_review".

Returns: {success, session}`
}
func (t *GetSessionStatusTool) InputSchema() map[string]interface{} {
	return sessionIDSchema("Session id returned by start-session")
}
func (t *GetSessionStatusTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	snap, err := t.sessions.GetSessionStatus(ctx, getStringArg(args, "session_id"))
	if err != nil {
		return failure(err), nil
	}
	return map[string]interface{}{"success": true, "session": snap}, nil
}

type SubmitApprovalTool struct {
	sessions SessionService
}

func (t *SubmitApprovalTool) Name() string { return "submit-approval" }
func (t *SubmitApprovalTool) Description() string {
	return `Approve or reject the review pack of a session in "awaiting_review".

approve=false cancels the session. approve=true applies the optional
modifications to the live cart and returns the cart URL; checkout stays with
the human. Each modification reports its own result.

Modification types:
- remove:     {type, product_id}
- substitute: {type, product_id, substitute_id}
- quantity:   {type, product_id, quantity}   (0 removes)
- slot:       {type, slot_id}

Returns: {success, status, cart_url, applied, message}`
}
func (t *SubmitApprovalTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{"type": "string", "minLength": 1},
			"approve":    map[string]interface{}{"type": "boolean"},
			"modifications": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"type": map[string]interface{}{
							"type": "string",
							"enum": []interface{}{string(cart.ModRemove), string(cart.ModSubstitute), string(cart.ModQuantity), string(cart.ModSlot)},
						},
						"product_id":    map[string]interface{}{"type": "string"},
						"substitute_id": map[string]interface{}{"type": "string"},
						"quantity":      map[string]interface{}{"type": "integer", "minimum": 0},
						"slot_id":       map[string]interface{}{"type": "string"},
					},
					"required":             []interface{}{"type"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []interface{}{"session_id", "approve"},
		"additionalProperties": false,
	}
}
func (t *SubmitApprovalTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	a := session.Approval{Approve: getBoolArg(args, "approve", false)}
	for _, raw := range getSliceArg(args, "modifications") {
		m, _ := raw.(map[string]interface{})
		a.Modifications = append(a.Modifications, cart.Modification{
			Type:         cart.ModificationType(getStringArg(m, "type")),
			ProductID:    getStringArg(m, "product_id"),
			SubstituteID: getStringArg(m, "substitute_id"),
			Quantity:     getIntArg(m, "quantity", 0),
			SlotID:       getStringArg(m, "slot_id"),
		})
	}
	res, err := t.sessions.SubmitApproval(ctx, getStringArg(args, "session_id"), a)
	if err != nil {
		return failure(err), nil
	}
	return res, nil
}

type CancelSessionTool struct {
	sessions SessionService
}

func (t *CancelSessionTool) Name() string { return "cancel-session" }
func (t *CancelSessionTool) Description() string {
	return `Cancel a running or reviewing session and close its browser page.

Safe to call twice; the second call reports cancelled=false.

Returns: {success, cancelled}`
}
func (t *CancelSessionTool) InputSchema() map[string]interface{} {
	return sessionIDSchema("Session to cancel")
}
func (t *CancelSessionTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	cancelled, err := t.sessions.CancelSession(getStringArg(args, "session_id"))
	if err != nil {
		return failure(err), nil
	}
	return map[string]interface{}{"success": true, "cancelled": cancelled}, nil
}

type ListSessionsTool struct {
	sessions SessionService
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return `List cart sessions known to this server, oldest first.

Returns: {success, sessions: [{id, status, phase, overall, start_time, end_time}]}`
}
func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":                 "object",
		"properties":           map[string]interface{}{},
		"additionalProperties": false,
	}
}
func (t *ListSessionsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"success": true, "sessions": t.sessions.ListSessions()}, nil
}

// LaunchBrowserTool starts Chrome ahead of the first session.
type LaunchBrowserTool struct {
	browser BrowserControl
}

func (t *LaunchBrowserTool) Name() string { return "launch-browser" }
func (t *LaunchBrowserTool) Description() string {
	return `Start (or attach to) the Chrome instance used by cart sessions.

Optional: start-session launches the browser on demand. Idempotent.

Returns: {success, status: "started"|"already_connected", control_url}`
}
func (t *LaunchBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":                 "object",
		"properties":           map[string]interface{}{},
		"additionalProperties": false,
	}
}
func (t *LaunchBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.browser.IsConnected() {
		return map[string]interface{}{
			"success":     true,
			"status":      "already_connected",
			"control_url": t.browser.ControlURL(),
		}, nil
	}
	if err := t.browser.Start(ctx); err != nil {
		return failure(err), nil
	}
	return map[string]interface{}{
		"success":     true,
		"status":      "started",
		"control_url": t.browser.ControlURL(),
	}, nil
}

// ShutdownBrowserTool stops Chrome. Pages of live sessions are closed, so
// those sessions fail on their next action.
type ShutdownBrowserTool struct {
	browser BrowserControl
}

func (t *ShutdownBrowserTool) Name() string { return "shutdown-browser" }
func (t *ShutdownBrowserTool) Description() string {
	return `Stop the Chrome instance and close every page.

Sessions still running will fail with a browser error; cancel them first.

Returns: {success, status: "stopped", closed_pages}`
}
func (t *ShutdownBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":                 "object",
		"properties":           map[string]interface{}{},
		"additionalProperties": false,
	}
}
func (t *ShutdownBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	pages := len(t.browser.List())
	if err := t.browser.Shutdown(ctx); err != nil {
		return failure(err), nil
	}
	return map[string]interface{}{"success": true, "status": "stopped", "closed_pages": pages}, nil
}

func sessionIDSchema(desc string) map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"minLength":   1,
				"description": desc,
			},
		},
		"required":             []interface{}{"session_id"},
		"additionalProperties": false,
	}
}

// failure renders err as the structured payload every tool returns on error.
func failure(err error) map[string]interface{} {
	payload := map[string]interface{}{"success": false, "error": err.Error()}
	var te *resilience.ToolError
	if errors.As(err, &te) {
		payload["code"] = te.Code
	}
	if errors.Is(err, session.ErrNotFound) {
		payload["code"] = "NOT_FOUND"
	}
	return payload
}
