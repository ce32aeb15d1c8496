package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type wsSchemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var wsSchemas wsSchemaRegistry

func initWSSchemas() error {
	wsSchemas.once.Do(func() {
		reqSchema, err := jsonschema.CompileString("ws_request", wsRequestSchema)
		if err != nil {
			wsSchemas.initErr = err
			return
		}
		wsSchemas.request = reqSchema

		methods := map[string]string{
			"connect":             wsConnectParamsSchema,
			"health":              wsEmptyParamsSchema,
			"ping":                wsEmptyParamsSchema,
			"session.create":      wsSessionCreateParamsSchema,
			"session.get_history": wsSessionHistoryParamsSchema,
			"session.delete":      wsSessionDeleteParamsSchema,
			"chat.send":           wsChatSendParamsSchema,
			"chat.abort":          wsChatAbortParamsSchema,
			"agent.run":           wsAgentRunParamsSchema,
			"tools.invoke":        wsToolsInvokeParamsSchema,
			"tools.approve":       wsToolsApproveParamsSchema,
			"node.invoke.request": wsNodeInvokeRequestParamsSchema,
			"node.invoke.result":  wsNodeInvokeResultParamsSchema,
		}

		wsSchemas.methods = make(map[string]*jsonschema.Schema, len(methods))
		for name, schema := range methods {
			compiled, err := jsonschema.CompileString("ws_method_"+name, schema)
			if err != nil {
				wsSchemas.initErr = err
				return
			}
			wsSchemas.methods[name] = compiled
		}
	})
	return wsSchemas.initErr
}

func validateRequestFrame(raw []byte, frame *Frame) error {
	if err := initWSSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := wsSchemas.request.Validate(payload); err != nil {
		return err
	}
	if frame == nil {
		return fmt.Errorf("missing frame")
	}
	if schema := wsSchemas.methods[frame.Method]; schema != nil {
		var params any
		if len(frame.Params) == 0 {
			params = map[string]any{}
		} else if err := json.Unmarshal(frame.Params, &params); err != nil {
			return err
		}
		if err := schema.Validate(params); err != nil {
			return err
		}
	}
	return nil
}

const wsRequestSchema = `{
  "type": "object",
  "required": ["id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const wsConnectParamsSchema = `{
  "type": "object",
  "required": ["client"],
  "properties": {
    "minProtocol": { "type": "integer", "minimum": 1 },
    "maxProtocol": { "type": "integer", "minimum": 1 },
    "client": {
      "type": "object",
      "required": ["id", "version", "platform"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "version": { "type": "string", "minLength": 1 },
        "platform": { "type": "string", "minLength": 1 },
        "mode": { "type": "string" }
      },
      "additionalProperties": true
    },
    "auth": {
      "type": "object",
      "properties": {
        "token": { "type": "string" }
      },
      "additionalProperties": true
    },
    "caps": {
      "type": "array",
      "items": { "type": "string" }
    },
    "lastSeq": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const wsEmptyParamsSchema = `{
  "type": "object",
  "additionalProperties": true
}`

const wsSessionCreateParamsSchema = `{
  "type": "object",
  "required": ["channel"],
  "properties": {
    "channel": { "type": "string", "minLength": 1 },
    "accountId": { "type": "string" },
    "peer": {
      "type": "object",
      "required": ["kind", "id"],
      "properties": {
        "kind": { "enum": ["dm", "group", "channel"] },
        "id": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": true
    },
    "guildId": { "type": "string" },
    "teamId": { "type": "string" }
  },
  "additionalProperties": true
}`

const wsSessionHistoryParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 }
  },
  "additionalProperties": true
}`

const wsSessionDeleteParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const wsChatSendParamsSchema = `{
  "type": "object",
  "required": ["channel", "content"],
  "properties": {
    "channel": { "type": "string", "minLength": 1 },
    "accountId": { "type": "string" },
    "peer": {
      "type": "object",
      "required": ["kind", "id"],
      "properties": {
        "kind": { "enum": ["dm", "group", "channel"] },
        "id": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": true
    },
    "parentPeer": {
      "type": "object",
      "properties": {
        "kind": { "type": "string" },
        "id": { "type": "string" }
      },
      "additionalProperties": true
    },
    "guildId": { "type": "string" },
    "teamId": { "type": "string" },
    "content": { "type": "string", "minLength": 1 },
    "media": {
      "type": "array",
      "items": { "type": "string" }
    },
    "idempotencyKey": { "type": "string" }
  },
  "additionalProperties": true
}`

const wsChatAbortParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const wsAgentRunParamsSchema = `{
  "type": "object",
  "required": ["agentId", "content"],
  "properties": {
    "agentId": { "type": "string", "minLength": 1 },
    "sessionKey": { "type": "string" },
    "content": { "type": "string", "minLength": 1 },
    "system": { "type": "string" },
    "idempotencyKey": { "type": "string" }
  },
  "additionalProperties": true
}`

const wsToolsInvokeParamsSchema = `{
  "type": "object",
  "required": ["tool"],
  "properties": {
    "tool": { "type": "string", "minLength": 1 },
    "params": { "type": "object" },
    "sessionKey": { "type": "string" }
  },
  "additionalProperties": true
}`

const wsToolsApproveParamsSchema = `{
  "type": "object",
  "required": ["sessionKey", "shape"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "shape": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const wsNodeInvokeRequestParamsSchema = `{
  "type": "object",
  "required": ["nodeId", "command"],
  "properties": {
    "nodeId": { "type": "string", "minLength": 1 },
    "command": { "type": "string", "minLength": 1 },
    "params": { "type": "object" },
    "timeoutMs": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": true
}`

const wsNodeInvokeResultParamsSchema = `{
  "type": "object",
  "required": ["invokeId", "ok"],
  "properties": {
    "invokeId": { "type": "string", "minLength": 1 },
    "ok": { "type": "boolean" },
    "payload": {},
    "error": { "type": "string" }
  },
  "additionalProperties": true
}`
