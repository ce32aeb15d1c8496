// Package gateway composes the relay runtime: it accepts WebSocket
// connections, dispatches framed requests to the routing, session, tool, and
// provider layers, fans turn events out to subscribers, and exposes the
// optional HTTP facade.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/agent"
	agentcontext "github.com/haasonsaas/relay/internal/agent/context"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/cache"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/heartbeat"
	"github.com/haasonsaas/relay/internal/hooks"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/internal/routing"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// Version is stamped at build time.
var Version = "dev"

// ProviderSource selects a model provider for an agent. Satisfied by
// providers.Registry; tests substitute scripted providers.
type ProviderSource interface {
	ForAgent(agentID string) (providers.Selection, error)
}

// Options carries the injectable dependencies. Zero-value fields fall back
// to production defaults built from the config.
type Options struct {
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Providers ProviderSource
	Version   string
}

// Server owns all connections and composes the runtime components. All
// cross-connection state (dedupe cache, token store, session store, presence)
// lives here and is passed to connections by handle.
type Server struct {
	logger    *slog.Logger
	metrics   *observability.Metrics
	version   string
	startTime time.Time

	cfg      atomic.Pointer[config.Config]
	resolver atomic.Pointer[routing.Resolver]

	authn     *auth.Authenticator
	tokens    *auth.TokenStore
	sessions  *sessions.Store
	overrides *sessions.OverrideStore
	dedupe    *cache.DedupeCache
	registry  *tools.Registry
	hooks     *hooks.Runner
	approvals *tools.ApprovalStore
	executor  *tools.Executor
	providers ProviderSource
	heartbeat *heartbeat.Monitor
	presence  *Presence

	mu         sync.Mutex
	conns      map[string]*wsConn
	replays    map[string]*replayBuffer
	activeRuns map[string]context.CancelFunc
	pending    map[string]chan nodeInvokeResultParams

	httpServer *httpServer
}

// New builds a server from config. The provider registry is constructed from
// config unless Options supplies one.
func New(cfg *config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = Version
	}

	tokenStore := auth.NewTokenStore(cfg.Session.Root)
	sessionStore := sessions.NewStore(cfg.Session.Root, cfg.Session.LockMaxHold, logger)
	hookRunner := hooks.NewRunner(logger)
	approvals := tools.NewApprovalStore()
	registry := tools.NewRegistry()
	executor := tools.NewExecutor(registry, hookRunner, approvals, cfg.Tools, logger)

	source := opts.Providers
	if source == nil {
		reg, err := providers.NewRegistry(cfg.Providers)
		if err != nil {
			return nil, fmt.Errorf("providers: %w", err)
		}
		source = reg
	}

	s := &Server{
		logger:     logger,
		metrics:    opts.Metrics,
		version:    version,
		startTime:  time.Now(),
		authn:      auth.NewAuthenticator(cfg.Auth, tokenStore),
		tokens:     tokenStore,
		sessions:   sessionStore,
		overrides:  sessions.NewOverrideStore(cfg.Session.Root),
		dedupe:     cache.NewDedupeCache(cache.DedupeCacheOptions{TTL: cfg.Session.DedupeTTL}),
		registry:   registry,
		hooks:      hookRunner,
		approvals:  approvals,
		executor:   executor,
		providers:  source,
		presence:   NewPresence(),
		conns:      make(map[string]*wsConn),
		replays:    make(map[string]*replayBuffer),
		activeRuns: make(map[string]context.CancelFunc),
		pending:    make(map[string]chan nodeInvokeResultParams),
	}
	s.cfg.Store(cfg)
	s.resolver.Store(routing.NewResolver(cfg))

	timeout := time.Duration(cfg.Heartbeat.TimeoutSeconds) * time.Second
	s.heartbeat = heartbeat.NewMonitor(timeout, s.healthProbe, logger)

	s.registerBuiltinTools()
	return s, nil
}

// Config returns the current config snapshot.
func (s *Server) Config() *config.Config {
	return s.cfg.Load()
}

// Hooks returns the extension pipeline for handler registration.
func (s *Server) Hooks() *hooks.Runner {
	return s.hooks
}

// Tools returns the tool registry for external registration.
func (s *Server) Tools() *tools.Registry {
	return s.registry
}

func (s *Server) registerBuiltinTools() {
	_ = s.registry.Register(&tools.TimeTool{})                             //nolint:errcheck
	_ = s.registry.Register(&tools.SessionStatusTool{Store: s.sessions})   //nolint:errcheck
	_ = s.registry.Register(&tools.SendMessageTool{Sink: s.broadcastText}) //nolint:errcheck
}

// broadcastText delivers assistant-initiated messages to every connection.
func (s *Server) broadcastText(ctx context.Context, text string) error {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		conn.sendEvent("message", map[string]any{"text": text})
	}
	return nil
}

// Run serves until ctx is cancelled. A config watcher on path enables hot
// reload; pass an empty path to disable it.
func (s *Server) Run(ctx context.Context, configPath string) error {
	if err := s.startHTTPServer(); err != nil {
		return err
	}
	defer s.stopHTTPServer()

	if cfg := s.Config(); cfg.Heartbeat.Enabled {
		s.heartbeat.Start("gateway")
		defer s.heartbeat.StopAll()
	}

	if configPath != "" {
		watcher := config.NewWatcher(configPath, s.Config(), s.logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("config watcher stopped", "error", err)
			}
		}()
		go s.consumeReloads(ctx, watcher.Events())
	}

	<-ctx.Done()
	return ctx.Err()
}

func (s *Server) consumeReloads(ctx context.Context, events <-chan config.ReloadEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Err != nil {
				continue
			}
			switch ev.Decision {
			case config.ReloadHotApply:
				s.ApplyConfig(ev.Config)
			case config.ReloadRestartRequired:
				s.logger.Warn("config change requires restart")
				s.broadcastEvent("config.restart_required", map[string]any{
					"timestamp": time.Now().UnixMilli(),
				})
			}
		}
	}
}

// ApplyConfig swaps the config and resolver atomically. Turns in flight keep
// the snapshot they started with.
func (s *Server) ApplyConfig(next *config.Config) {
	s.cfg.Store(next)
	s.resolver.Store(routing.NewResolver(next))
	s.logger.Info("config applied", "bindings", len(next.Bindings))
}

// healthProbe is the heartbeat expiry callback.
func (s *Server) healthProbe(channel string) {
	s.logger.Info("heartbeat expired, probing", "channel", channel)
	s.broadcastEvent("health.probe", map[string]any{
		"channel":   channel,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) broadcastEvent(event string, payload any) {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		conn.sendEvent(event, payload)
	}
}

// addConnection registers a connected principal. The hello is enqueued on
// the new socket before it joins the broadcast set, so it is the first event
// the client sees; the presence broadcast that follows skips the new socket
// because the snapshot already rode in on the hello.
func (s *Server) addConnection(c *wsConn) {
	snapshot := s.presence.Add(PresenceEntry{
		ConnID:      c.id,
		ClientID:    c.client.ID,
		DeviceID:    c.identity.DeviceID,
		Role:        c.identity.Role,
		Platform:    c.client.Platform,
		ConnectedAt: time.Now(),
	})
	c.sendHello(snapshot)

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.broadcastPresence(snapshot, c.id)
}

func (s *Server) dropConnection(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.broadcastPresence(s.presence.Remove(c.id), "")
}

func (s *Server) broadcastPresence(snapshot PresenceSnapshot, exceptConnID string) {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		if conn.id == exceptConnID {
			continue
		}
		conn.sendPresence(snapshot)
	}
}

// replayFor returns the replay buffer for a client identity, creating it on
// first connect. Buffers survive disconnects so reconnects can catch up.
func (s *Server) replayFor(clientID string) *replayBuffer {
	if clientID == "" {
		return newReplayBuffer(s.Config().Server.ReplayDepth)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.replays[clientID]
	if !ok {
		buf = newReplayBuffer(s.Config().Server.ReplayDepth)
		s.replays[clientID] = buf
	}
	return buf
}

// Health reports the server health snapshot.
func (s *Server) Health() map[string]any {
	s.mu.Lock()
	connCount := len(s.conns)
	s.mu.Unlock()
	return map[string]any{
		"status":      "ok",
		"version":     s.version,
		"uptimeMs":    time.Since(s.startTime).Milliseconds(),
		"connections": connCount,
		"sessions":    len(s.sessions.List()),
	}
}

// SessionCreate resolves a route and creates (or returns) its session.
func (s *Server) SessionCreate(params sessionCreateParams) (any, error) {
	route := s.resolver.Load().Resolve(routing.Request{
		Channel:   params.Channel,
		AccountID: params.AccountID,
		Peer:      params.Peer,
		GuildID:   params.GuildID,
		TeamID:    params.TeamID,
	})
	session, err := s.sessions.GetOrCreate(route.SessionKey, sessionInit(route, params.Peer))
	if err != nil {
		return nil, relayerr.New(relayerr.CodeInternal, "session create failed", err)
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.WithLabelValues(route.Channel).Set(float64(len(s.sessions.List())))
	}
	return map[string]any{
		"sessionKey": session.SessionKey,
		"sessionId":  session.SessionID,
		"agentId":    session.AgentID,
		"matchedBy":  string(route.MatchedBy),
	}, nil
}

// SessionHistory returns the most recent messages of a session.
func (s *Server) SessionHistory(params sessionHistoryParams) (any, error) {
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	messages, err := s.sessions.History(params.SessionKey, limit)
	if err != nil {
		return nil, relayerr.New(relayerr.CodeInternal, "history unavailable", err)
	}
	return map[string]any{"messages": messages}, nil
}

// SessionDelete removes a session and its transcript.
func (s *Server) SessionDelete(params sessionDeleteParams) (any, error) {
	if err := s.sessions.Delete(params.SessionKey); err != nil {
		return nil, relayerr.New(relayerr.CodeInternal, "session delete failed", err)
	}
	return map[string]any{"deleted": true}, nil
}

// ChatSend runs one inbound user turn: dedupe check, route resolution, write
// lock, context pruning, the provider loop, transcript append, dedupe store.
func (s *Server) ChatSend(ctx context.Context, params chatSendParams, emit func(models.AgentEvent)) (any, error) {
	dedupeKey := ""
	if params.IdempotencyKey != "" {
		dedupeKey = "chat:" + params.IdempotencyKey
	}
	if payload, hit, err := s.dedupeCheck(dedupeKey); hit {
		return payload, err
	}

	route := s.resolver.Load().Resolve(routing.Request{
		Channel:    params.Channel,
		AccountID:  params.AccountID,
		Peer:       params.Peer,
		ParentPeer: params.ParentPeer,
		GuildID:    params.GuildID,
		TeamID:     params.TeamID,
	})
	if s.metrics != nil {
		s.metrics.MessageCounter.WithLabelValues(route.Channel, "inbound").Inc()
	}
	s.heartbeat.Reset("gateway")

	userMsg := models.NewUserMessage(params.Content)
	userMsg.Media = params.Media

	payload, err := s.runTurn(ctx, route.AgentID, route.SessionKey, sessionInit(route, params.Peer), "", userMsg, emit)
	if err != nil {
		// Failed turns are not memoized: a retry with the same key should
		// run again.
		return nil, err
	}
	s.dedupeStore(dedupeKey, payload)
	return payload, nil
}

// AgentRun runs a turn against an explicit agent, bypassing routing.
func (s *Server) AgentRun(ctx context.Context, params agentRunParams, emit func(models.AgentEvent)) (any, error) {
	dedupeKey := ""
	if params.IdempotencyKey != "" {
		dedupeKey = "run:" + params.IdempotencyKey
	}
	if payload, hit, err := s.dedupeCheck(dedupeKey); hit {
		return payload, err
	}
	s.heartbeat.Reset("gateway")

	sessionKey := strings.ToLower(strings.TrimSpace(params.SessionKey))
	if sessionKey == "" {
		sessionKey = sessions.BuildMainSessionKey(params.AgentID, string(models.ChannelHTTP), "", s.Config().Session.MainKey)
	}
	init := sessions.SessionInit{AgentID: params.AgentID, Channel: models.ChannelHTTP}

	payload, err := s.runTurn(ctx, params.AgentID, sessionKey, init, params.System, models.NewUserMessage(params.Content), emit)
	if err != nil {
		return nil, err
	}
	s.dedupeStore(dedupeKey, payload)
	return payload, nil
}

func (s *Server) dedupeCheck(key string) (any, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	entry, ok := s.dedupe.Get(key)
	if !ok {
		return nil, false, nil
	}
	if s.metrics != nil {
		s.metrics.DedupeHits.Inc()
	}
	if !entry.OK {
		return nil, true, relayerr.Newf(relayerr.CodeDuplicateRequest, "%s", entry.Error)
	}
	// The cached payload is returned bit for bit.
	return entry.Payload, true, nil
}

func (s *Server) dedupeStore(key string, payload any) {
	if key == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.dedupe.Set(key, true, data, "")
}

// runTurn executes the locked portion of a turn. The lock covers the
// transcript append of the user message, the provider loop, and the append
// of everything the turn produced.
func (s *Server) runTurn(ctx context.Context, agentID, sessionKey string, init sessions.SessionInit, system string, userMsg *models.Message, emit func(models.AgentEvent)) (any, error) {
	cfg := s.Config()
	started := time.Now()

	if _, err := s.sessions.GetOrCreate(sessionKey, init); err != nil {
		return nil, relayerr.New(relayerr.CodeInternal, "session unavailable", err)
	}

	lock, err := s.sessions.AcquireLock(sessionKey)
	if err != nil {
		if s.metrics != nil {
			s.metrics.LockTimeouts.Inc()
		}
		return nil, relayerr.New(relayerr.CodeLockTimeout, "session busy", err)
	}
	defer func() {
		_ = lock.Release() //nolint:errcheck
	}()

	selection, err := s.selectionFor(agentID, sessionKey)
	if err != nil {
		return nil, relayerr.New(relayerr.CodeProvider, "no provider for agent", err)
	}

	if err := s.sessions.AppendMessage(sessionKey, userMsg); err != nil {
		return nil, relayerr.New(relayerr.CodeTranscriptWrite, "transcript append failed", err)
	}

	full, err := s.sessions.History(sessionKey, 0)
	if err != nil {
		return nil, relayerr.New(relayerr.CodeInternal, "history unavailable", err)
	}
	history := pruneHistory(full, cfg.ContextPruning)

	runCtx, cancel := context.WithCancel(ctx)
	s.registerRun(sessionKey, cancel)
	defer s.unregisterRun(sessionKey, cancel)

	runner := agent.NewRunner(
		selection,
		s.executor,
		s.registry,
		agent.BlockReplyMode(cfg.Tools.BlockReplyMode),
		cfg.Tools.MessagingTools,
		s.logger,
	)
	stream := runner.Run(runCtx, agent.RunRequest{
		RunID:      uuid.NewString(),
		SessionKey: sessionKey,
		AgentID:    agentID,
		System:     system,
		Messages:   history,
	})

	drainCtx := context.Background()
	for {
		event, ok := stream.Next(drainCtx)
		if !ok {
			break
		}
		if emit != nil {
			emit(event)
		}
	}
	result, err := stream.Result(drainCtx)
	if err != nil {
		return nil, relayerr.New(relayerr.CodeInternal, "turn produced no result", err)
	}

	status := "ok"
	if result.Err != nil {
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.TurnDuration.WithLabelValues(agentID, selection.Provider.Name()).Observe(time.Since(started).Seconds())
		s.metrics.TurnCounter.WithLabelValues(agentID, selection.Provider.Name(), status).Inc()
		s.metrics.TokensUsed.WithLabelValues(selection.Provider.Name(), selection.Model, "input").Add(float64(result.Usage.InputTokens))
		s.metrics.TokensUsed.WithLabelValues(selection.Provider.Name(), selection.Model, "output").Add(float64(result.Usage.OutputTokens))
	}
	if result.Err != nil {
		return nil, result.Err
	}

	for _, msg := range result.NewMessages {
		if err := s.sessions.AppendMessage(sessionKey, msg); err != nil {
			return nil, relayerr.New(relayerr.CodeTranscriptWrite, "transcript append failed", err)
		}
	}

	return map[string]any{
		"sessionKey": sessionKey,
		"agentId":    agentID,
		"text":       result.Text,
		"usage":      result.Usage,
	}, nil
}

// selectionFor resolves the provider for an agent, honoring any per-session
// override.
func (s *Server) selectionFor(agentID, sessionKey string) (providers.Selection, error) {
	selection, err := s.providers.ForAgent(agentID)
	if err != nil {
		return providers.Selection{}, err
	}
	if override, ok, err := s.overrides.Get(sessionKey); err == nil && ok && override.Model != "" {
		selection.Model = override.Model
	}
	return selection, nil
}

func pruneHistory(messages []*models.Message, cfg config.ContextPruningConfig) []*models.Message {
	settings := agentcontext.Settings{
		Mode:              agentcontext.PruningMode(cfg.Mode),
		TTL:               cfg.TTL,
		SoftTrimRatio:     cfg.SoftTrimRatio,
		KeepBootstrapSafe: cfg.KeepBootstrap(),
		PrunableTools:     cfg.PrunableTools,
	}
	return agentcontext.Prune(messages, settings, cfg.ContextWindowTokens, time.Now())
}

func (s *Server) registerRun(sessionKey string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeRuns[sessionKey] = cancel
}

func (s *Server) unregisterRun(sessionKey string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeRuns, sessionKey)
	cancel()
}

// CancelActiveRun cancels the in-flight turn for a session, if any.
func (s *Server) CancelActiveRun(sessionKey string) bool {
	s.mu.Lock()
	cancel, ok := s.activeRuns[sessionKey]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ToolsInvoke runs one tool through the full pipeline.
func (s *Server) ToolsInvoke(ctx context.Context, params toolsInvokeParams) (any, error) {
	started := time.Now()
	result, err := s.executor.Execute(ctx, params.SessionKey, tools.Invocation{
		ToolCallID: uuid.NewString(),
		Params:     params.Params,
	}, params.Tool)
	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.ToolExecutionCounter.WithLabelValues(params.Tool, status).Inc()
		s.metrics.ToolExecutionDuration.WithLabelValues(params.Tool).Observe(time.Since(started).Seconds())
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ok":      true,
		"result":  result.Content,
		"details": result.Details,
	}, nil
}

// ToolsApprove records a sticky approval for a dangerous command shape.
func (s *Server) ToolsApprove(params toolsApproveParams) {
	s.approvals.Approve(params.SessionKey, params.Shape)
}

// NodeInvoke forwards a command to a connected node and waits for its reply.
func (s *Server) NodeInvoke(ctx context.Context, params nodeInvokeRequestParams) (any, error) {
	node := s.findNode(params.NodeID)
	if node == nil {
		return nil, relayerr.Newf(relayerr.CodeInternal, "node %q not connected", params.NodeID)
	}

	invokeID := uuid.NewString()
	reply := make(chan nodeInvokeResultParams, 1)
	s.mu.Lock()
	s.pending[invokeID] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, invokeID)
		s.mu.Unlock()
	}()

	node.sendEvent("node.invoke", map[string]any{
		"invokeId": invokeID,
		"command":  params.Command,
		"params":   params.Params,
	})

	timeout := 30 * time.Second
	if params.TimeoutMs > 0 {
		timeout = time.Duration(params.TimeoutMs) * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, relayerr.New(relayerr.CodeCancelled, "node invoke cancelled", ctx.Err())
	case <-timer.C:
		return nil, relayerr.Newf(relayerr.CodeInternal, "node %q did not reply", params.NodeID)
	case result := <-reply:
		if !result.OK {
			return nil, relayerr.Newf(relayerr.CodeToolExecution, "%s", result.Error)
		}
		return map[string]any{"payload": result.Payload}, nil
	}
}

// NodeInvokeResult resolves a pending node invocation.
func (s *Server) NodeInvokeResult(params nodeInvokeResultParams) {
	s.mu.Lock()
	reply, ok := s.pending[params.InvokeID]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("node invoke result for unknown invocation", "invoke_id", params.InvokeID)
		return
	}
	select {
	case reply <- params:
	default:
	}
}

func (s *Server) findNode(nodeID string) *wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		if conn.isNode() && conn.identity.DeviceID == nodeID {
			return conn
		}
	}
	return nil
}

func sessionInit(route routing.Result, peer *models.Peer) sessions.SessionInit {
	init := sessions.SessionInit{
		AgentID:   route.AgentID,
		Channel:   models.ChannelType(route.Channel),
		AccountID: route.AccountID,
	}
	if peer != nil {
		init.Peer = *peer
	}
	return init
}

// stableSessionKey hashes an arbitrary user identifier into a session key,
// used by the HTTP facade where no channel route exists.
func stableSessionKey(agentID, user string) string {
	sum := sha256.Sum256([]byte(user))
	peer := &models.Peer{Kind: models.PeerDM, ID: hex.EncodeToString(sum[:8])}
	return sessions.BuildSessionKey(sessions.KeyParams{
		AgentID: agentID,
		Channel: string(models.ChannelHTTP),
		Peer:    peer,
		DMScope: "main",
	})
}
