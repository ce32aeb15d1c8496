package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/heartbeat"
	"github.com/haasonsaas/relay/internal/hooks"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/pkg/models"
)

// scriptedProvider replays one chunk script per Complete call.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts [][]*providers.Chunk
	calls   int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *providers.CompletionRequest) (<-chan *providers.Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
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

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeSource struct {
	provider providers.Provider
}

func (f *fakeSource) ForAgent(agentID string) (providers.Selection, error) {
	return providers.Selection{Provider: f.provider, Model: "test-model"}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Session.Root = t.TempDir()
	cfg.Auth.Mode = config.AuthModeNone
	cfg.Session.LockMaxHold = 200 * time.Millisecond
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, provider providers.Provider) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server, err := New(cfg, Options{
		Logger:    logger,
		Providers: &fakeSource{provider: provider},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return server
}

func textScript(text string) []*providers.Chunk {
	return []*providers.Chunk{
		{Text: text},
		{Done: true, InputTokens: 3, OutputTokens: 2},
	}
}

func TestChatSendRunsTurn(t *testing.T) {
	cfg := testConfig(t)
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{textScript("hello back")}}
	server := newTestServer(t, cfg, provider)

	payload, err := server.ChatSend(context.Background(), chatSendParams{
		Channel: "slack",
		Content: "hi",
	}, nil)
	if err != nil {
		t.Fatalf("ChatSend: %v", err)
	}

	result, ok := payload.(map[string]any)
	if !ok {
		t.Fatalf("payload = %T, want map", payload)
	}
	if result["text"] != "hello back" {
		t.Errorf("text = %v, want hello back", result["text"])
	}
	if result["sessionKey"] != "main|slack|||||main" {
		t.Errorf("sessionKey = %v", result["sessionKey"])
	}

	history, err := server.SessionHistory(sessionHistoryParams{SessionKey: "main|slack|||||main"})
	if err != nil {
		t.Fatalf("SessionHistory: %v", err)
	}
	messages := history.(map[string]any)["messages"].([]*models.Message)
	if len(messages) != 2 {
		t.Fatalf("history = %d messages, want 2", len(messages))
	}
	if messages[0].Role != models.RoleUser || messages[1].Role != models.RoleAssistant {
		t.Errorf("roles = %s, %s", messages[0].Role, messages[1].Role)
	}
}

func TestChatSendRoutesPeerBinding(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bindings = []config.BindingRule{
		{AgentID: "coder", Match: config.BindingMatch{Channel: "telegram", PeerKind: "dm", PeerID: "123"}},
	}
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{textScript("routed")}}
	server := newTestServer(t, cfg, provider)

	payload, err := server.ChatSend(context.Background(), chatSendParams{
		Channel: "TELEGRAM",
		Peer:    &models.Peer{Kind: models.PeerDM, ID: "123"},
		Content: "hi",
	}, nil)
	if err != nil {
		t.Fatalf("ChatSend: %v", err)
	}
	result := payload.(map[string]any)
	if result["sessionKey"] != "coder|telegram||dm|123|main" {
		t.Errorf("sessionKey = %v, want coder|telegram||dm|123|main", result["sessionKey"])
	}
	if result["agentId"] != "coder" {
		t.Errorf("agentId = %v, want coder", result["agentId"])
	}
}

func TestChatSendDedupe(t *testing.T) {
	cfg := testConfig(t)
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{textScript("ok")}}
	server := newTestServer(t, cfg, provider)

	params := chatSendParams{
		Channel:        "slack",
		Content:        "hi",
		IdempotencyKey: "idem-1",
	}
	first, err := server.ChatSend(context.Background(), params, nil)
	if err != nil {
		t.Fatalf("first ChatSend: %v", err)
	}
	second, err := server.ChatSend(context.Background(), params, nil)
	if err != nil {
		t.Fatalf("second ChatSend: %v", err)
	}

	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.callCount())
	}

	// The cached outcome is returned bit for bit.
	firstJSON, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("marshal first: %v", err)
	}
	secondJSON, err := json.Marshal(second)
	if err != nil {
		t.Fatalf("marshal second: %v", err)
	}
	if string(firstJSON) != string(secondJSON) {
		t.Errorf("payloads differ:\n%s\n%s", firstJSON, secondJSON)
	}
}

func TestChatSendFailureNotMemoized(t *testing.T) {
	cfg := testConfig(t)
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{
		{{Err: errors.New("upstream down")}},
		textScript("recovered"),
	}}
	server := newTestServer(t, cfg, provider)

	params := chatSendParams{Channel: "slack", Content: "hi", IdempotencyKey: "idem-2"}
	if _, err := server.ChatSend(context.Background(), params, nil); err == nil {
		t.Fatal("expected first send to fail")
	}
	payload, err := server.ChatSend(context.Background(), params, nil)
	if err != nil {
		t.Fatalf("retry ChatSend: %v", err)
	}
	if payload.(map[string]any)["text"] != "recovered" {
		t.Errorf("retry ran against the cache, not the provider")
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.callCount())
	}
}

func TestChatSendLockTimeout(t *testing.T) {
	cfg := testConfig(t)
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{textScript("never")}}
	server := newTestServer(t, cfg, provider)

	// Hold the write lock so the turn cannot acquire it.
	lock, err := server.sessions.AcquireLock("main|slack|||||main")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer func() {
		_ = lock.Release()
	}()

	_, err = server.ChatSend(context.Background(), chatSendParams{Channel: "slack", Content: "hi"}, nil)
	if relayerr.CodeOf(err) != relayerr.CodeLockTimeout {
		t.Fatalf("code = %q, want %q", relayerr.CodeOf(err), relayerr.CodeLockTimeout)
	}
	if provider.callCount() != 0 {
		t.Errorf("provider called despite lock timeout")
	}
}

func TestChatSendProviderError(t *testing.T) {
	cfg := testConfig(t)
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{
		{{Text: "partial"}, {Err: errors.New("boom")}},
	}}
	server := newTestServer(t, cfg, provider)

	_, err := server.ChatSend(context.Background(), chatSendParams{Channel: "slack", Content: "hi"}, nil)
	if relayerr.CodeOf(err) != relayerr.CodeProvider {
		t.Fatalf("code = %q, want %q", relayerr.CodeOf(err), relayerr.CodeProvider)
	}
}

func TestChatSendEmitsEvents(t *testing.T) {
	cfg := testConfig(t)
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{textScript("streamed")}}
	server := newTestServer(t, cfg, provider)

	var events []models.AgentEvent
	_, err := server.ChatSend(context.Background(), chatSendParams{Channel: "slack", Content: "hi"},
		func(event models.AgentEvent) { events = append(events, event) })
	if err != nil {
		t.Fatalf("ChatSend: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	if events[0].Type != models.AgentTurnStarted {
		t.Errorf("first event = %q, want turn.started", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != models.AgentTurnCompleted {
		t.Errorf("last event = %q, want turn.completed", last.Type)
	}
}

func TestAgentRunExplicitAgent(t *testing.T) {
	cfg := testConfig(t)
	provider := &scriptedProvider{scripts: [][]*providers.Chunk{textScript("direct")}}
	server := newTestServer(t, cfg, provider)

	payload, err := server.AgentRun(context.Background(), agentRunParams{
		AgentID: "coder",
		Content: "do it",
	}, nil)
	if err != nil {
		t.Fatalf("AgentRun: %v", err)
	}
	result := payload.(map[string]any)
	if result["agentId"] != "coder" {
		t.Errorf("agentId = %v, want coder", result["agentId"])
	}
	if result["sessionKey"] != "coder|http|||||main" {
		t.Errorf("sessionKey = %v", result["sessionKey"])
	}
}

func TestSessionCreateAndDelete(t *testing.T) {
	cfg := testConfig(t)
	server := newTestServer(t, cfg, &scriptedProvider{})

	payload, err := server.SessionCreate(sessionCreateParams{
		Channel: "telegram",
		Peer:    &models.Peer{Kind: models.PeerDM, ID: "77"},
	})
	if err != nil {
		t.Fatalf("SessionCreate: %v", err)
	}
	result := payload.(map[string]any)
	key, _ := result["sessionKey"].(string)
	if key != "main|telegram||dm|77|main" {
		t.Errorf("sessionKey = %q", key)
	}
	if result["matchedBy"] != "default" {
		t.Errorf("matchedBy = %v, want default", result["matchedBy"])
	}

	if _, err := server.SessionDelete(sessionDeleteParams{SessionKey: key}); err != nil {
		t.Fatalf("SessionDelete: %v", err)
	}
	if _, err := server.SessionHistory(sessionHistoryParams{SessionKey: key}); err == nil {
		t.Error("history of deleted session should fail")
	}
}

func TestToolsInvoke(t *testing.T) {
	cfg := testConfig(t)
	server := newTestServer(t, cfg, &scriptedProvider{})

	payload, err := server.ToolsInvoke(context.Background(), toolsInvokeParams{
		Tool:   "time",
		Params: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("ToolsInvoke: %v", err)
	}
	result := payload.(map[string]any)
	if result["ok"] != true {
		t.Errorf("ok = %v, want true", result["ok"])
	}
	if result["result"] == "" {
		t.Error("empty tool result")
	}
}

func TestToolsInvokeBlockedByHook(t *testing.T) {
	cfg := testConfig(t)
	server := newTestServer(t, cfg, &scriptedProvider{})
	server.Hooks().OnToolCall("deny-all", func(ctx context.Context, call hooks.ToolCall) (hooks.Decision, error) {
		return hooks.Decision{Block: true, Reason: "policy"}, nil
	})

	_, err := server.ToolsInvoke(context.Background(), toolsInvokeParams{Tool: "time"})
	if relayerr.CodeOf(err) != relayerr.CodeToolBlocked {
		t.Fatalf("code = %q, want %q", relayerr.CodeOf(err), relayerr.CodeToolBlocked)
	}
	if relayerr.MessageOf(err) != "policy" {
		t.Errorf("message = %q, want policy", relayerr.MessageOf(err))
	}
}

func TestToolsApproveUnlocksDangerousShape(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tools.DangerCommands = []string{"exec:*"}
	server := newTestServer(t, cfg, &scriptedProvider{})

	server.ToolsApprove(toolsApproveParams{SessionKey: "s1", Shape: "exec:rm"})
	if !server.approvals.Approved("s1", "exec:rm") {
		t.Error("approval not recorded")
	}
	if server.approvals.Approved("s2", "exec:rm") {
		t.Error("approval leaked across sessions")
	}
}

func TestCancelActiveRun(t *testing.T) {
	cfg := testConfig(t)
	server := newTestServer(t, cfg, &scriptedProvider{})

	if server.CancelActiveRun("nope") {
		t.Error("cancel of idle session reported true")
	}

	cancelled := make(chan struct{})
	server.registerRun("busy", func() { close(cancelled) })

	if !server.CancelActiveRun("busy") {
		t.Fatal("cancel of active session reported false")
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("cancel func not invoked")
	}
}

func TestApplyConfigSwapsResolver(t *testing.T) {
	cfg := testConfig(t)
	server := newTestServer(t, cfg, &scriptedProvider{})

	next := testConfig(t)
	next.Session.Root = cfg.Session.Root
	next.Bindings = []config.BindingRule{
		{AgentID: "support", Match: config.BindingMatch{Channel: "slack", AccountID: "*"}},
	}
	server.ApplyConfig(next)

	payload, err := server.SessionCreate(sessionCreateParams{Channel: "slack"})
	if err != nil {
		t.Fatalf("SessionCreate: %v", err)
	}
	result := payload.(map[string]any)
	if result["agentId"] != "support" {
		t.Errorf("agentId = %v, want support after reload", result["agentId"])
	}
	if result["matchedBy"] != "binding.channel" {
		t.Errorf("matchedBy = %v, want binding.channel", result["matchedBy"])
	}
}

func TestNodeInvokeNoNode(t *testing.T) {
	cfg := testConfig(t)
	server := newTestServer(t, cfg, &scriptedProvider{})

	_, err := server.NodeInvoke(context.Background(), nodeInvokeRequestParams{
		NodeID:  "ghost",
		Command: "screenshot",
	})
	if err == nil {
		t.Fatal("expected error for unconnected node")
	}
}

func TestNodeInvokeResultUnknownInvocation(t *testing.T) {
	cfg := testConfig(t)
	server := newTestServer(t, cfg, &scriptedProvider{})
	// Must not panic or block.
	server.NodeInvokeResult(nodeInvokeResultParams{InvokeID: "missing", OK: true})
}

func TestHealthSnapshot(t *testing.T) {
	cfg := testConfig(t)
	server := newTestServer(t, cfg, &scriptedProvider{})

	health := server.Health()
	if health["status"] != "ok" {
		t.Errorf("status = %v", health["status"])
	}
	if health["connections"] != 0 {
		t.Errorf("connections = %v, want 0", health["connections"])
	}
}

// armTestHeartbeat swaps in a short-fused monitor and counts probes.
func armTestHeartbeat(t *testing.T, server *Server, timeout time.Duration) *atomic.Int32 {
	t.Helper()
	var probes atomic.Int32
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server.heartbeat = heartbeat.NewMonitor(timeout, func(string) { probes.Add(1) }, logger)
	server.heartbeat.Start("gateway")
	t.Cleanup(server.heartbeat.StopAll)
	return &probes
}

func TestInboundTrafficResetsHeartbeat(t *testing.T) {
	t.Run("ws requests", func(t *testing.T) {
		cfg := testConfig(t)
		server := newTestServer(t, cfg, &scriptedProvider{})
		probes := armTestHeartbeat(t, server, 300*time.Millisecond)

		conn := newLoopConn()
		conn.server = server
		conn.connected.Store(true)

		// Steady pings well inside the timeout must keep the watchdog quiet
		// across a window twice the timeout.
		for i := 0; i < 10; i++ {
			conn.handleRequest(&Frame{Type: "req", ID: "1", Method: "ping"})
			time.Sleep(60 * time.Millisecond)
		}
		if n := probes.Load(); n != 0 {
			t.Errorf("health probe fired %d times under steady ws traffic", n)
		}
	})

	t.Run("agent.run", func(t *testing.T) {
		cfg := testConfig(t)
		scripts := make([][]*providers.Chunk, 5)
		for i := range scripts {
			scripts[i] = textScript("ok")
		}
		server := newTestServer(t, cfg, &scriptedProvider{scripts: scripts})
		probes := armTestHeartbeat(t, server, 300*time.Millisecond)

		for i := 0; i < 5; i++ {
			if _, err := server.AgentRun(context.Background(), agentRunParams{
				AgentID: "main",
				Content: "hi",
			}, nil); err != nil {
				t.Fatalf("AgentRun %d: %v", i, err)
			}
			time.Sleep(150 * time.Millisecond)
		}
		if n := probes.Load(); n != 0 {
			t.Errorf("health probe fired %d times under steady agent.run traffic", n)
		}
	})
}
