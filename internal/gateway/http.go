package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

type httpServer struct {
	server   *http.Server
	listener net.Listener
}

// chatCompletionRequest is the facade's inbound shape, following the widely
// adopted chat-completions contract.
type chatCompletionRequest struct {
	Model    string                  `json:"model"`
	Messages []chatCompletionMessage `json:"messages"`
	Stream   bool                    `json:"stream,omitempty"`
	User     string                  `json:"user,omitempty"`
}

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type httpToolsInvokeRequest struct {
	Tool    string          `json:"tool"`
	Params  json.RawMessage `json:"params,omitempty"`
	Context struct {
		SessionKey string `json:"sessionKey,omitempty"`
	} `json:"context,omitempty"`
}

func (s *Server) startHTTPServer() error {
	cfg := s.Config()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health/live", s.handleHealthLive)
	mux.Handle("/ws", s.newWSHandler())

	if cfg.Server.HTTPFacade {
		mux.HandleFunc("/v1/chat/completions", s.requireAPIKey(s.handleChatCompletions))
		mux.HandleFunc("/tools/invoke", s.requireAPIKey(s.handleToolsInvoke))
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           s.instrument(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = &httpServer{server: server, listener: listener}

	go func() {
		var serveErr error
		if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
			serveErr = server.ServeTLS(listener, cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			serveErr = server.Serve(listener)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", serveErr)
		}
	}()

	s.logger.Info("starting http server", "addr", addr, "facade", cfg.Server.HTTPFacade)
	return nil
}

func (s *Server) stopHTTPServer() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.server.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
}

// instrument wraps the mux with request duration metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, r.URL.Path, fmt.Sprintf("%d", recorder.status)).
			Observe(time.Since(started).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the underlying writer so SSE streaming works through the
// instrumentation wrapper.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// requireAPIKey gates facade endpoints on the configured API key variable.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := s.Config()
		if cfg.Auth.Mode == config.AuthModeNone {
			next(w, r)
			return
		}
		expected := os.Getenv(cfg.Auth.APIKeyEnv)
		presented := bearerToken(r)
		if expected == "" || presented == "" ||
			subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
			writeHTTPError(w, http.StatusUnauthorized, relayerr.CodeUnauthorized, "invalid api key")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeHTTPError(w, http.StatusMethodNotAllowed, relayerr.CodeProtocol, "POST required")
		return
	}
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeHTTPError(w, http.StatusBadRequest, relayerr.CodeProtocol, "invalid request body")
		return
	}

	agentID := agentFromModel(req.Model, s.Config().Session.DefaultAgentID)
	system, content := splitMessages(req.Messages)
	if content == "" {
		writeHTTPError(w, http.StatusBadRequest, relayerr.CodeProtocol, "no user message")
		return
	}

	user := req.User
	if user == "" {
		user = "anonymous"
	}
	sessionKey := stableSessionKey(agentID, user)

	completionID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	if !req.Stream {
		payload, err := s.runTurn(r.Context(), agentID, sessionKey,
			httpSessionInit(agentID), system, models.NewUserMessage(content), nil)
		if err != nil {
			writeHTTPError(w, httpStatusFor(err), relayerr.CodeOf(err), relayerr.MessageOf(err))
			return
		}
		writeJSON(w, completionObject(completionID, created, req.Model, payload))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeHTTPError(w, http.StatusInternalServerError, relayerr.CodeInternal, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	emit := func(event models.AgentEvent) {
		if event.Type != models.AgentBlockReply || event.Text == "" {
			return
		}
		writeSSEChunk(w, flusher, completionID, created, req.Model, event.Text, "")
	}
	_, err := s.runTurn(r.Context(), agentID, sessionKey,
		httpSessionInit(agentID), system, models.NewUserMessage(content), emit)
	if err != nil {
		writeSSEError(w, flusher, err)
		return
	}
	writeSSEChunk(w, flusher, completionID, created, req.Model, "", "stop")
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n") //nolint:errcheck
	flusher.Flush()
}

func (s *Server) handleToolsInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeHTTPError(w, http.StatusMethodNotAllowed, relayerr.CodeProtocol, "POST required")
		return
	}
	var req httpToolsInvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tool == "" {
		writeHTTPError(w, http.StatusBadRequest, relayerr.CodeProtocol, "invalid request body")
		return
	}

	payload, err := s.ToolsInvoke(r.Context(), toolsInvokeParams{
		Tool:       req.Tool,
		Params:     req.Params,
		SessionKey: req.Context.SessionKey,
	})
	if err != nil {
		writeJSON(w, map[string]any{
			"ok":    false,
			"error": map[string]any{"code": string(relayerr.CodeOf(err)), "message": relayerr.MessageOf(err)},
		})
		return
	}
	writeJSON(w, payload)
}

// agentFromModel extracts the agent from a "<systemTag>:<agentId>" model
// string; a bare model name selects the default agent.
func agentFromModel(model, defaultAgent string) string {
	if _, agent, ok := strings.Cut(model, ":"); ok && agent != "" {
		return agent
	}
	return defaultAgent
}

func splitMessages(messages []chatCompletionMessage) (system, content string) {
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = msg.Content
		case "user":
			content = msg.Content
		}
	}
	return system, content
}

func httpSessionInit(agentID string) sessions.SessionInit {
	return sessions.SessionInit{AgentID: agentID, Channel: models.ChannelHTTP}
}

func completionObject(id string, created int64, model string, payload any) map[string]any {
	text := ""
	var usage models.TokenUsage
	if m, ok := payload.(map[string]any); ok {
		if t, ok := m["text"].(string); ok {
			text = t
		}
		if u, ok := m["usage"].(models.TokenUsage); ok {
			usage = u
		}
	}
	return map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": created,
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     usage.InputTokens,
			"completion_tokens": usage.OutputTokens,
			"total_tokens":      usage.InputTokens + usage.OutputTokens,
		},
	}
}

func writeSSEChunk(w http.ResponseWriter, flusher http.Flusher, id string, created int64, model, content, finish string) {
	delta := map[string]any{}
	if content != "" {
		delta["content"] = content
	}
	choice := map[string]any{"index": 0, "delta": delta}
	if finish != "" {
		choice["finish_reason"] = finish
	} else {
		choice["finish_reason"] = nil
	}
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]any{choice},
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data) //nolint:errcheck
	flusher.Flush()
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, err error) {
	payload := map[string]any{
		"error": map[string]any{
			"code":    string(relayerr.CodeOf(err)),
			"message": relayerr.MessageOf(err),
		},
	}
	data, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)  //nolint:errcheck
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")     //nolint:errcheck
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck
}

func writeHTTPError(w http.ResponseWriter, status int, code relayerr.Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"error": map[string]any{"code": string(code), "message": message},
	})
}

func httpStatusFor(err error) int {
	switch relayerr.CodeOf(err) {
	case relayerr.CodeUnauthenticated, relayerr.CodeUnauthorized:
		return http.StatusUnauthorized
	case relayerr.CodeLockTimeout:
		return http.StatusConflict
	case relayerr.CodeProtocol:
		return http.StatusBadRequest
	case relayerr.CodeApprovalRequired, relayerr.CodeToolBlocked:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
