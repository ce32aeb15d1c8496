package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	wsProtocolVersion = 1
	wsMaxPayloadBytes = 1 << 20
	wsTickInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

var wsPingInterval = wsPongWait / 3

// Frame is the single wire shape for all three variants. Type decides which
// fields are populated: req carries ID/Method/Params, res carries ID/OK and
// Payload or Error, event carries Event/Payload plus Seq for broadcast
// events and StateVersion for presence snapshots.
type Frame struct {
	Type         string          `json:"type"`
	ID           string          `json:"id,omitempty"`
	Method       string          `json:"method,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	Event        string          `json:"event,omitempty"`
	OK           *bool           `json:"ok,omitempty"`
	Payload      any             `json:"payload,omitempty"`
	Error        *FrameError     `json:"error,omitempty"`
	Seq          *int64          `json:"seq,omitempty"`
	StateVersion *int64          `json:"stateVersion,omitempty"`
}

// FrameError is the error variant carried in response frames.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type connectParams struct {
	MinProtocol int           `json:"minProtocol,omitempty"`
	MaxProtocol int           `json:"maxProtocol,omitempty"`
	Client      clientInfo    `json:"client"`
	Auth        *authPayload  `json:"auth,omitempty"`
	Caps        []string      `json:"caps,omitempty"`
	LastSeq     int64         `json:"lastSeq,omitempty"`
}

type clientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode,omitempty"`
}

type authPayload struct {
	Token string `json:"token"`
}

type chatSendParams struct {
	Channel        string       `json:"channel"`
	AccountID      string       `json:"accountId,omitempty"`
	Peer           *models.Peer `json:"peer,omitempty"`
	ParentPeer     *models.Peer `json:"parentPeer,omitempty"`
	GuildID        string       `json:"guildId,omitempty"`
	TeamID         string       `json:"teamId,omitempty"`
	Content        string       `json:"content"`
	Media          []string     `json:"media,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
}

type chatAbortParams struct {
	SessionKey string `json:"sessionKey"`
}

type agentRunParams struct {
	AgentID        string `json:"agentId"`
	SessionKey     string `json:"sessionKey,omitempty"`
	Content        string `json:"content"`
	System         string `json:"system,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type sessionCreateParams struct {
	Channel   string       `json:"channel"`
	AccountID string       `json:"accountId,omitempty"`
	Peer      *models.Peer `json:"peer,omitempty"`
	GuildID   string       `json:"guildId,omitempty"`
	TeamID    string       `json:"teamId,omitempty"`
}

type sessionHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

type sessionDeleteParams struct {
	SessionKey string `json:"sessionKey"`
}

type toolsInvokeParams struct {
	Tool       string          `json:"tool"`
	Params     json.RawMessage `json:"params,omitempty"`
	SessionKey string          `json:"sessionKey,omitempty"`
}

type toolsApproveParams struct {
	SessionKey string `json:"sessionKey"`
	Shape      string `json:"shape"`
}

type nodeInvokeRequestParams struct {
	NodeID    string          `json:"nodeId"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

type nodeInvokeResultParams struct {
	InvokeID string          `json:"invokeId"`
	OK       bool            `json:"ok"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type wsHandler struct {
	server   *Server
	upgrader websocket.Upgrader
}

func (s *Server) newWSHandler() http.Handler {
	return &wsHandler{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	conn := &wsConn{
		server: h.server,
		conn:   socket,
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.NewString(),
	}
	conn.run()
}

// wsConn is one accepted connection. Outbound frames pass through the send
// channel so the write loop is the single writer on the socket.
type wsConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	id        string
	connected atomic.Bool
	seq       atomic.Int64
	identity  auth.Identity
	client    clientInfo
	replay    *replayBuffer
}

func (c *wsConn) run() {
	defer c.close()
	if c.server.metrics != nil {
		c.server.metrics.ActiveConnections.Inc()
		defer c.server.metrics.ActiveConnections.Dec()
	}
	go c.writeLoop()
	c.readLoop()
}

// close tears the connection down. The send channel is never closed:
// broadcasts from other goroutines may still hold a reference to this
// connection, and a send on a closed channel would panic the process. The
// write loop exits on ctx instead.
func (c *wsConn) close() {
	c.cancel()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.connected.Load() {
		c.server.dropConnection(c)
	}
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// Any inbound frame proves the peer is alive.
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := c.decodeFrame(data)
		if err != nil {
			// A malformed frame terminates the connection; the protocol
			// error event goes out first.
			c.sendEvent("error", map[string]any{
				"code":    string(relayerr.CodeProtocol),
				"message": err.Error(),
			})
			return
		}

		if !c.connected.Load() {
			if frame.Method != "connect" {
				c.sendError(frame.ID, relayerr.CodeProtocol, "first request must be connect")
				return
			}
			if err := c.handleConnect(frame); err != nil {
				// Auth failures inside the handshake window close the
				// connection after the error response.
				c.sendError(frame.ID, relayerr.CodeOf(err), relayerr.MessageOf(err))
				return
			}
			continue
		}

		c.handleRequest(frame)
	}
}

func (c *wsConn) writeLoop() {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) decodeFrame(raw []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		frame.Type = "req"
	}
	if frame.Type != "req" {
		return nil, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	if err := validateRequestFrame(raw, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (c *wsConn) handleConnect(frame *Frame) error {
	var params connectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return relayerr.New(relayerr.CodeProtocol, "invalid connect params", err)
	}

	minProtocol := params.MinProtocol
	maxProtocol := params.MaxProtocol
	if minProtocol <= 0 {
		minProtocol = wsProtocolVersion
	}
	if maxProtocol <= 0 {
		maxProtocol = wsProtocolVersion
	}
	if wsProtocolVersion < minProtocol || wsProtocolVersion > maxProtocol {
		return relayerr.Newf(relayerr.CodeProtocol, "unsupported protocol range [%d, %d]", minProtocol, maxProtocol)
	}

	credential := ""
	if params.Auth != nil {
		credential = params.Auth.Token
	}
	identity, err := c.server.authn.Verify(credential)
	if err != nil {
		return err
	}
	c.identity = identity
	c.client = params.Client

	// Adopt the replay buffer for this client identity so sequence numbers
	// stay monotone across reconnects. The backlog is captured now, before
	// the hello lands in the buffer.
	c.replay = c.server.replayFor(params.Client.ID)
	c.seq.Store(c.replay.LastSeq())
	backlog := c.replay.Since(params.LastSeq)

	c.connected.Store(true)
	c.server.addConnection(c)
	if err := c.sendResponse(frame.ID, true, map[string]any{"connId": c.id}, nil); err != nil {
		return err
	}
	for _, data := range backlog {
		c.enqueueRaw(data)
	}
	go c.startTicking()
	return nil
}

func (c *wsConn) sendHello(snapshot PresenceSnapshot) {
	c.sendEvent("hello", map[string]any{
		"connId":          c.id,
		"version":         c.server.version,
		"protocolVersion": wsProtocolVersion,
		"capabilities":    supportedMethods(),
		"presence":        snapshot,
		"auth": map[string]any{
			"role":        c.identity.Role,
			"scopes":      c.identity.Scopes,
			"deviceToken": c.identity.DeviceID != "",
		},
	})
}

func (c *wsConn) handleRequest(frame *Frame) {
	c.server.heartbeat.Reset("gateway")
	payload, err := c.dispatch(frame)
	if err != nil {
		c.sendError(frame.ID, relayerr.CodeOf(err), relayerr.MessageOf(err))
		if c.server.metrics != nil {
			c.server.metrics.ErrorCounter.WithLabelValues("gateway", string(relayerr.CodeOf(err))).Inc()
		}
		return
	}
	_ = c.sendResponse(frame.ID, true, payload, nil) //nolint:errcheck
}

func (c *wsConn) dispatch(frame *Frame) (any, error) {
	switch frame.Method {
	case "health":
		return c.server.Health(), nil
	case "ping":
		return map[string]any{"timestamp": time.Now().UnixMilli()}, nil
	case "session.create":
		var params sessionCreateParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return nil, relayerr.New(relayerr.CodeProtocol, "invalid params", err)
		}
		return c.server.SessionCreate(params)
	case "session.get_history":
		var params sessionHistoryParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return nil, relayerr.New(relayerr.CodeProtocol, "invalid params", err)
		}
		return c.server.SessionHistory(params)
	case "session.delete":
		var params sessionDeleteParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return nil, relayerr.New(relayerr.CodeProtocol, "invalid params", err)
		}
		return c.server.SessionDelete(params)
	case "chat.send":
		var params chatSendParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return nil, relayerr.New(relayerr.CodeProtocol, "invalid params", err)
		}
		return c.server.ChatSend(c.ctx, params, c.emitAgentEvent)
	case "chat.abort":
		var params chatAbortParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return nil, relayerr.New(relayerr.CodeProtocol, "invalid params", err)
		}
		aborted := c.server.CancelActiveRun(params.SessionKey)
		return map[string]any{"aborted": aborted}, nil
	case "agent.run":
		var params agentRunParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return nil, relayerr.New(relayerr.CodeProtocol, "invalid params", err)
		}
		return c.server.AgentRun(c.ctx, params, c.emitAgentEvent)
	case "tools.invoke":
		var params toolsInvokeParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return nil, relayerr.New(relayerr.CodeProtocol, "invalid params", err)
		}
		return c.server.ToolsInvoke(c.ctx, params)
	case "tools.approve":
		var params toolsApproveParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return nil, relayerr.New(relayerr.CodeProtocol, "invalid params", err)
		}
		c.server.ToolsApprove(params)
		return map[string]any{"approved": true}, nil
	case "node.invoke.request":
		var params nodeInvokeRequestParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return nil, relayerr.New(relayerr.CodeProtocol, "invalid params", err)
		}
		return c.server.NodeInvoke(c.ctx, params)
	case "node.invoke.result":
		var params nodeInvokeResultParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return nil, relayerr.New(relayerr.CodeProtocol, "invalid params", err)
		}
		c.server.NodeInvokeResult(params)
		return map[string]any{"accepted": true}, nil
	default:
		return nil, relayerr.Newf(relayerr.CodeProtocol, "unknown method %q", frame.Method)
	}
}

// emitAgentEvent fans one turn event out to this connection.
func (c *wsConn) emitAgentEvent(event models.AgentEvent) {
	c.sendEvent("agent.event", event)
}

func (c *wsConn) sendResponse(id string, ok bool, payload any, frameErr *FrameError) error {
	return c.enqueue(Frame{
		Type:    "res",
		ID:      id,
		OK:      &ok,
		Payload: payload,
		Error:   frameErr,
	})
}

func (c *wsConn) sendError(id string, code relayerr.Code, message string) {
	_ = c.sendResponse(id, false, nil, &FrameError{Code: string(code), Message: message}) //nolint:errcheck
}

// sendEvent emits a broadcast event with the next monotone sequence number
// and retains it for reconnect replay.
func (c *wsConn) sendEvent(event string, payload any) {
	seq := c.seq.Add(1)
	frame := Frame{
		Type:    "event",
		Event:   event,
		Payload: payload,
		Seq:     &seq,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if c.replay != nil {
		c.replay.Append(seq, data)
	}
	c.enqueueRaw(data)
}

// sendPresence emits a presence snapshot; targeted events carry the state
// version instead of a sequence number.
func (c *wsConn) sendPresence(snapshot PresenceSnapshot) {
	version := snapshot.StateVersion
	_ = c.enqueue(Frame{ //nolint:errcheck
		Type:         "event",
		Event:        "presence",
		Payload:      snapshot,
		StateVersion: &version,
	})
}

func (c *wsConn) enqueue(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.enqueueRawErr(data)
}

func (c *wsConn) enqueueRaw(data []byte) {
	_ = c.enqueueRawErr(data) //nolint:errcheck
}

func (c *wsConn) enqueueRawErr(data []byte) error {
	if len(data) > wsMaxPayloadBytes {
		return fmt.Errorf("payload too large")
	}
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

func (c *wsConn) startTicking() {
	ticker := time.NewTicker(wsTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sendEvent("tick", map[string]any{"timestamp": time.Now().UnixMilli()})
		}
	}
}

func supportedMethods() []string {
	return []string{
		"health",
		"ping",
		"session.create",
		"session.get_history",
		"session.delete",
		"chat.send",
		"chat.abort",
		"agent.run",
		"tools.invoke",
		"tools.approve",
		"node.invoke.request",
		"node.invoke.result",
	}
}

// isNode reports whether the connection authenticated with the node role.
func (c *wsConn) isNode() bool {
	return strings.EqualFold(c.identity.Role, "node")
}
