package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// maxToolRounds bounds the provider/tool loop within one turn.
const maxToolRounds = 16

// RunStream carries a turn's agent events; the result future resolves when
// the turn terminates.
type RunStream = Stream[models.AgentEvent, RunResult]

// RunRequest describes one turn.
type RunRequest struct {
	RunID      string
	SessionKey string
	AgentID    string
	System     string
	// Messages is the pruned history including the new user message.
	Messages  []*models.Message
	MaxTokens int
}

// RunResult is the turn outcome.
type RunResult struct {
	Text string
	// NewMessages are the assistant and tool-result messages the turn
	// produced, in transcript order.
	NewMessages []*models.Message
	Usage       models.TokenUsage
	Err         error
}

// ToolExecutor abstracts the tool pipeline for the runner.
type ToolExecutor interface {
	Execute(ctx context.Context, sessionKey string, inv tools.Invocation, name string) (*tools.Result, error)
}

// ToolCatalog lists the tools offered to the model.
type ToolCatalog interface {
	All() []tools.Tool
}

// Runner drives turns: streams provider output through the subscriber,
// executes requested tools, and loops until the model stops calling them.
type Runner struct {
	selection      providers.Selection
	executor       ToolExecutor
	catalog        ToolCatalog
	blockMode      BlockReplyMode
	messagingTools []string
	logger         *slog.Logger
}

// NewRunner builds a runner for one agent's provider selection.
func NewRunner(selection providers.Selection, executor ToolExecutor, catalog ToolCatalog, blockMode BlockReplyMode, messagingTools []string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		selection:      selection,
		executor:       executor,
		catalog:        catalog,
		blockMode:      blockMode,
		messagingTools: messagingTools,
		logger:         logger,
	}
}

// Run starts the turn and returns its event stream immediately. The turn
// proceeds on its own goroutine; cancel ctx to cancel the turn.
func (r *Runner) Run(ctx context.Context, req RunRequest) *RunStream {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	stream := NewStream[models.AgentEvent, RunResult](nil, nil)
	go r.run(ctx, req, stream)
	return stream
}

func (r *Runner) run(ctx context.Context, req RunRequest, stream *RunStream) {
	var seq atomic.Uint64
	emit := func(event models.AgentEvent) {
		event.Sequence = seq.Add(1)
		event.RunID = req.RunID
		event.SessionKey = req.SessionKey
		stream.Push(event)
	}

	sub := NewSubscriber(r.blockMode, r.messagingTools, emit, r.logger)
	emit(models.AgentEvent{Type: models.AgentTurnStarted, Time: time.Now()})

	result := RunResult{}
	messages := make([]*models.Message, len(req.Messages))
	copy(messages, req.Messages)

	fail := func(err error) {
		result.Err = err
		sub.Handle(models.ModelEvent{Type: models.ModelError, Error: relayerr.MessageOf(err)})
		stream.End(&result)
	}

	var usage models.TokenUsage
	for round := 0; round < maxToolRounds; round++ {
		chunks, err := r.selection.Provider.Complete(ctx, &providers.CompletionRequest{
			Model:     r.selection.Model,
			System:    req.System,
			Messages:  messages,
			Tools:     r.toolDefs(),
			MaxTokens: req.MaxTokens,
		})
		if err != nil {
			fail(relayerr.New(relayerr.CodeProvider, "model call failed", err))
			return
		}

		messageID := uuid.NewString()
		sub.Handle(models.ModelEvent{Type: models.ModelMessageStart, MessageID: messageID})

		var text strings.Builder
		textStarted := false
		var toolCalls []*models.ToolCall
		for chunk := range chunks {
			switch {
			case chunk.Err != nil:
				if errors.Is(chunk.Err, context.Canceled) {
					fail(relayerr.New(relayerr.CodeCancelled, "turn cancelled", chunk.Err))
				} else {
					fail(relayerr.New(relayerr.CodeProvider, "model stream failed", chunk.Err))
				}
				return
			case chunk.Text != "":
				if !textStarted {
					textStarted = true
					sub.Handle(models.ModelEvent{Type: models.ModelTextStart})
				}
				text.WriteString(chunk.Text)
				sub.Handle(models.ModelEvent{Type: models.ModelTextDelta, Delta: chunk.Text})
			case chunk.ToolCall != nil:
				toolCalls = append(toolCalls, chunk.ToolCall)
			case chunk.Done:
				usage.InputTokens += chunk.InputTokens
				usage.OutputTokens += chunk.OutputTokens
			}
		}
		if textStarted {
			sub.Handle(models.ModelEvent{Type: models.ModelTextEnd})
		}

		assistant := models.NewAssistantMessage(text.String(), derefToolCalls(toolCalls))
		assistant.ID = messageID
		result.NewMessages = append(result.NewMessages, assistant)
		messages = append(messages, assistant)

		if len(toolCalls) > 0 {
			for _, call := range toolCalls {
				toolMsg := r.executeTool(ctx, req.SessionKey, sub, call)
				result.NewMessages = append(result.NewMessages, toolMsg)
				messages = append(messages, toolMsg)
			}
		}

		sub.Handle(models.ModelEvent{Type: models.ModelMessageEnd, MessageID: messageID, Usage: &usage})

		if len(toolCalls) == 0 {
			break
		}
		if ctx.Err() != nil {
			fail(relayerr.New(relayerr.CodeCancelled, "turn cancelled", ctx.Err()))
			return
		}
	}

	result.Text = sub.AssistantText()
	result.Usage = usage
	emit(models.AgentEvent{Type: models.AgentTurnCompleted, Text: result.Text})
	stream.End(&result)
}

// executeTool runs one requested tool call, bracketing it with the
// subscriber's start/end events, and returns the transcript message.
func (r *Runner) executeTool(ctx context.Context, sessionKey string, sub *Subscriber, call *models.ToolCall) *models.Message {
	sub.Handle(models.ModelEvent{
		Type:       models.ModelToolStart,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		ToolArgs:   call.Input,
		Timestamp:  time.Now(),
	})

	execResult, err := r.executor.Execute(ctx, sessionKey, tools.Invocation{
		ToolCallID: call.ID,
		Params:     call.Input,
		Progress: func(update string) {
			sub.Handle(models.ModelEvent{
				Type:       models.ModelToolUpdate,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Result:     update,
			})
		},
	}, call.Name)

	if err != nil {
		message := relayerr.MessageOf(err)
		sub.Handle(models.ModelEvent{
			Type:       models.ModelToolEnd,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			OK:         false,
			Error:      message,
		})
		return models.NewToolResultMessage(call.ID, call.Name, message, false)
	}

	sub.Handle(models.ModelEvent{
		Type:       models.ModelToolEnd,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		OK:         true,
		Result:     execResult.Content,
	})
	return models.NewToolResultMessage(call.ID, call.Name, execResult.Content, true)
}

func (r *Runner) toolDefs() []providers.ToolDef {
	if r.catalog == nil {
		return nil
	}
	var defs []providers.ToolDef
	for _, tool := range r.catalog.All() {
		defs = append(defs, providers.ToolDef{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return defs
}

func derefToolCalls(calls []*models.ToolCall) []models.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ToolCall, 0, len(calls))
	for _, call := range calls {
		out = append(out, *call)
	}
	return out
}
