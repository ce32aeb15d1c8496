// Package hooks runs the extension pipeline around tool execution: ordered
// pre-call handlers that may veto a call, and ordered post-result handlers
// that may rewrite the result.
package hooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// ToolCall is the pre-execution event handlers observe.
type ToolCall struct {
	Name       string
	ToolCallID string
	Input      json.RawMessage
}

// Decision is a pre-handler's verdict. Zero value allows the call.
type Decision struct {
	Block  bool
	Reason string
}

// ToolResult is the post-execution event handlers observe.
type ToolResult struct {
	Name       string
	ToolCallID string
	Content    string
	Details    map[string]any
	IsError    bool
}

// Modification replaces a result's content and details. Nil means the
// handler leaves the result alone.
type Modification struct {
	Content string
	Details map[string]any
}

// CallHandler inspects a tool call before execution.
type CallHandler func(ctx context.Context, call ToolCall) (Decision, error)

// ResultHandler inspects (and may rewrite) a tool result.
type ResultHandler func(ctx context.Context, result ToolResult) (*Modification, error)

type namedCallHandler struct {
	name    string
	handler CallHandler
}

type namedResultHandler struct {
	name    string
	handler ResultHandler
}

// Runner holds the ordered handler lists. Handler errors are logged and do
// not abort the pipeline; only an explicit block does.
type Runner struct {
	logger *slog.Logger

	mu             sync.RWMutex
	callHandlers   []namedCallHandler
	resultHandlers []namedResultHandler
}

// NewRunner creates an empty hook runner.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

// OnToolCall appends a pre-execution handler.
func (r *Runner) OnToolCall(name string, handler CallHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callHandlers = append(r.callHandlers, namedCallHandler{name: name, handler: handler})
}

// OnToolResult appends a post-execution handler.
func (r *Runner) OnToolResult(name string, handler ResultHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resultHandlers = append(r.resultHandlers, namedResultHandler{name: name, handler: handler})
}

// EmitToolCall runs the pre-handlers in order. The first block wins and
// short-circuits the rest.
func (r *Runner) EmitToolCall(ctx context.Context, call ToolCall) Decision {
	r.mu.RLock()
	handlers := r.callHandlers
	r.mu.RUnlock()

	for _, h := range handlers {
		decision, err := h.handler(ctx, call)
		if err != nil {
			r.logger.Warn("tool_call hook failed",
				"hook", h.name, "tool", call.Name, "tool_call_id", call.ToolCallID, "error", err)
			continue
		}
		if decision.Block {
			return decision
		}
	}
	return Decision{}
}

// EmitToolResult runs the post-handlers in order and applies the first
// modification. Later handlers still observe the event.
func (r *Runner) EmitToolResult(ctx context.Context, result ToolResult) ToolResult {
	r.mu.RLock()
	handlers := r.resultHandlers
	r.mu.RUnlock()

	applied := false
	for _, h := range handlers {
		mod, err := h.handler(ctx, result)
		if err != nil {
			r.logger.Warn("tool_result hook failed",
				"hook", h.name, "tool", result.Name, "tool_call_id", result.ToolCallID, "error", err)
			continue
		}
		if mod != nil && !applied {
			applied = true
			result.Content = mod.Content
			if mod.Details != nil {
				result.Details = mod.Details
			}
		}
	}
	return result
}
