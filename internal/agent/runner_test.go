package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// scriptedProvider replays one chunk script per Complete call.
type scriptedProvider struct {
	scripts [][]*providers.Chunk
	calls   int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *providers.CompletionRequest) (<-chan *providers.Chunk, error) {
	if p.calls >= len(p.scripts) {
		return nil, errors.New("unexpected provider call")
	}
	script := p.scripts[p.calls]
	p.calls++
	out := make(chan *providers.Chunk, len(script))
	for _, chunk := range script {
		out <- chunk
	}
	close(out)
	return out, nil
}

type fakeExecutor struct {
	results map[string]*tools.Result
	errs    map[string]error
	calls   []string
}

func (f *fakeExecutor) Execute(ctx context.Context, sessionKey string, inv tools.Invocation, name string) (*tools.Result, error) {
	f.calls = append(f.calls, name)
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	if res, ok := f.results[name]; ok {
		return res, nil
	}
	return &tools.Result{Content: "ok"}, nil
}

func newRunner(provider providers.Provider, executor ToolExecutor) *Runner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRunner(providers.Selection{Provider: provider, Model: "test-model"}, executor, nil, BlockOnMessageEnd, nil, logger)
}

func drain(t *testing.T, stream *RunStream) ([]models.AgentEvent, RunResult) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []models.AgentEvent
	for {
		ev, ok := stream.Next(ctx)
		if !ok {
			break
		}
		events = append(events, ev)
	}
	result, err := stream.Result(ctx)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	return events, result
}

func TestRunnerTextOnlyTurn(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{{
		{Text: "Hello"},
		{Text: " there"},
		{Done: true, InputTokens: 10, OutputTokens: 5},
	}}}
	runner := newRunner(provider, &fakeExecutor{})

	stream := runner.Run(context.Background(), RunRequest{
		SessionKey: "main|http|||||main",
		AgentID:    "main",
		Messages:   []*models.Message{models.NewUserMessage("hi")},
	})
	events, result := drain(t, stream)

	if result.Err != nil {
		t.Fatalf("turn failed: %v", result.Err)
	}
	if result.Text != "Hello there" {
		t.Errorf("text = %q, want Hello there", result.Text)
	}
	if result.Usage.InputTokens != 10 || result.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", result.Usage)
	}
	if len(result.NewMessages) != 1 || result.NewMessages[0].Role != models.RoleAssistant {
		t.Fatalf("new messages = %+v, want one assistant", result.NewMessages)
	}

	if events[0].Type != models.AgentTurnStarted {
		t.Errorf("first event = %q, want turn.started", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != models.AgentTurnCompleted || last.Text != "Hello there" {
		t.Errorf("last event = %+v, want turn.completed", last)
	}
}

func TestRunnerToolLoop(t *testing.T) {
	call := &models.ToolCall{ID: "tc1", Name: "time", Input: json.RawMessage(`{}`)}
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{
		{{ToolCall: call}, {Done: true, InputTokens: 5, OutputTokens: 2}},
		{{Text: "It is noon"}, {Done: true, InputTokens: 7, OutputTokens: 3}},
	}}
	executor := &fakeExecutor{results: map[string]*tools.Result{"time": {Content: "12:00"}}}
	runner := newRunner(provider, executor)

	stream := runner.Run(context.Background(), RunRequest{
		SessionKey: "main|http|||||main",
		Messages:   []*models.Message{models.NewUserMessage("what time is it")},
	})
	events, result := drain(t, stream)

	if result.Err != nil {
		t.Fatalf("turn failed: %v", result.Err)
	}
	if result.Text != "It is noon" {
		t.Errorf("text = %q, want It is noon", result.Text)
	}
	if len(executor.calls) != 1 || executor.calls[0] != "time" {
		t.Errorf("executor calls = %v, want [time]", executor.calls)
	}

	// assistant(toolcall), toolResult, assistant(text)
	if len(result.NewMessages) != 3 {
		t.Fatalf("new messages = %d, want 3", len(result.NewMessages))
	}
	if result.NewMessages[1].Role != models.RoleToolResult || result.NewMessages[1].Content != "12:00" {
		t.Errorf("tool result message = %+v", result.NewMessages[1])
	}

	starts := eventsOfType(events, models.AgentToolStart)
	ends := eventsOfType(events, models.AgentToolEnd)
	if len(starts) != 1 || len(ends) != 1 || !ends[0].OK {
		t.Errorf("tool events: %d starts, %d ends", len(starts), len(ends))
	}
}

func TestRunnerToolFailureContinuesTurn(t *testing.T) {
	call := &models.ToolCall{ID: "tc1", Name: "exec", Input: json.RawMessage(`{}`)}
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{
		{{ToolCall: call}, {Done: true}},
		{{Text: "the tool was blocked"}, {Done: true}},
	}}
	executor := &fakeExecutor{errs: map[string]error{
		"exec": relayerr.Newf(relayerr.CodeToolBlocked, "policy"),
	}}
	runner := newRunner(provider, executor)

	stream := runner.Run(context.Background(), RunRequest{Messages: []*models.Message{models.NewUserMessage("run it")}})
	events, result := drain(t, stream)

	if result.Err != nil {
		t.Fatalf("turn failed: %v", result.Err)
	}
	ends := eventsOfType(events, models.AgentToolEnd)
	if len(ends) != 1 || ends[0].OK || ends[0].Error != "policy" {
		t.Errorf("tool end = %+v, want failed with policy", ends)
	}
	// The error result reaches the model as a failed toolResult message.
	if result.NewMessages[1].OK || result.NewMessages[1].Content != "policy" {
		t.Errorf("tool result message = %+v", result.NewMessages[1])
	}
}

func TestRunnerProviderError(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{{
		{Text: "partial"},
		{Err: errors.New("upstream 500")},
	}}}
	runner := newRunner(provider, &fakeExecutor{})

	stream := runner.Run(context.Background(), RunRequest{Messages: []*models.Message{models.NewUserMessage("hi")}})
	events, result := drain(t, stream)

	if result.Err == nil {
		t.Fatal("expected turn error")
	}
	if relayerr.CodeOf(result.Err) != relayerr.CodeProvider {
		t.Errorf("code = %q, want %q", relayerr.CodeOf(result.Err), relayerr.CodeProvider)
	}
	errorEvents := eventsOfType(events, models.AgentTurnError)
	if len(errorEvents) != 1 {
		t.Errorf("got %d turn.error events, want 1", len(errorEvents))
	}
}

func TestRunnerSequenceMonotone(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{{
		{Text: "a"}, {Text: "b"}, {Text: "c"}, {Done: true},
	}}}
	runner := newRunner(provider, &fakeExecutor{})

	stream := runner.Run(context.Background(), RunRequest{Messages: []*models.Message{models.NewUserMessage("hi")}})
	events, _ := drain(t, stream)

	var prev uint64
	for _, ev := range events {
		if ev.Sequence <= prev {
			t.Fatalf("sequence not strictly increasing: %d after %d", ev.Sequence, prev)
		}
		prev = ev.Sequence
	}
}
