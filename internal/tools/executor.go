package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/hooks"
	"github.com/haasonsaas/relay/internal/relayerr"
)

// Executor runs tool calls through the hook pipeline and the approval gate.
type Executor struct {
	registry  *Registry
	runner    *hooks.Runner
	approvals *ApprovalStore
	cfg       config.ToolsConfig
	logger    *slog.Logger
}

// NewExecutor wires the executor from its collaborators.
func NewExecutor(registry *Registry, runner *hooks.Runner, approvals *ApprovalStore, cfg config.ToolsConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:  registry,
		runner:    runner,
		approvals: approvals,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute runs one tool call for a session:
// hooks (pre) -> approval gate -> invoke -> hooks (post).
//
// A pre-hook block fails with TOOL_BLOCKED; an unapproved dangerous shape
// fails with APPROVAL_REQUIRED; a tool error is surfaced as an error result
// to the post-hooks and then re-raised as TOOL_EXECUTION_ERROR.
func (e *Executor) Execute(ctx context.Context, sessionKey string, inv Invocation, name string) (*Result, error) {
	decision := e.runner.EmitToolCall(ctx, hooks.ToolCall{
		Name:       name,
		ToolCallID: inv.ToolCallID,
		Input:      inv.Params,
	})
	if decision.Block {
		reason := decision.Reason
		if reason == "" {
			reason = "blocked by extension"
		}
		e.logger.Info("tool call blocked", "tool", name, "tool_call_id", inv.ToolCallID, "reason", reason)
		return nil, relayerr.Newf(relayerr.CodeToolBlocked, "%s", reason)
	}

	shape := CommandShape(name, inv.Params)
	if Dangerous(e.cfg.DangerCommands, shape) && !e.approvals.Approved(sessionKey, shape) {
		return nil, relayerr.Newf(relayerr.CodeApprovalRequired, "approval required for %s", shape)
	}

	tool, ok := e.registry.Get(name)
	if !ok {
		return nil, relayerr.Newf(relayerr.CodeToolExecution, "unknown tool %q", name)
	}

	runCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	started := time.Now()
	result, err := tool.Execute(runCtx, inv)
	elapsed := time.Since(started)
	if err != nil {
		e.runner.EmitToolResult(ctx, hooks.ToolResult{
			Name:       name,
			ToolCallID: inv.ToolCallID,
			Content:    err.Error(),
			IsError:    true,
		})
		e.logger.Warn("tool execution failed", "tool", name, "tool_call_id", inv.ToolCallID, "duration", elapsed, "error", err)
		return nil, relayerr.New(relayerr.CodeToolExecution, "tool "+name+" failed", err)
	}
	if result == nil {
		result = &Result{}
	}

	final := e.runner.EmitToolResult(ctx, hooks.ToolResult{
		Name:       name,
		ToolCallID: inv.ToolCallID,
		Content:    result.Content,
		Details:    result.Details,
	})
	e.logger.Debug("tool executed", "tool", name, "tool_call_id", inv.ToolCallID, "duration", elapsed)
	return &Result{Content: final.Content, Details: final.Details}, nil
}
