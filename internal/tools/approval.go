package tools

import (
	"encoding/json"
	"path"
	"strings"
	"sync"
)

// ApprovalStore records yes/no decisions for dangerous command shapes,
// sticky per session.
type ApprovalStore struct {
	mu       sync.RWMutex
	approved map[string]map[string]bool
}

// NewApprovalStore creates an empty approval store.
func NewApprovalStore() *ApprovalStore {
	return &ApprovalStore{approved: make(map[string]map[string]bool)}
}

// Approve records a sticky approval for a command shape in a session.
func (s *ApprovalStore) Approve(sessionKey, shape string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byShape, ok := s.approved[sessionKey]
	if !ok {
		byShape = make(map[string]bool)
		s.approved[sessionKey] = byShape
	}
	byShape[shape] = true
}

// Approved reports whether a shape has a sticky approval in a session.
func (s *ApprovalStore) Approved(sessionKey, shape string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.approved[sessionKey][shape]
}

// Reset drops all approvals for a session.
func (s *ApprovalStore) Reset(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.approved, sessionKey)
}

// CommandShape derives the approval key for a call: the tool name, plus the
// first token of a "command" parameter when one is present.
func CommandShape(toolName string, params json.RawMessage) string {
	var fields struct {
		Command string `json:"command"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &fields) //nolint:errcheck
	}
	command := strings.TrimSpace(fields.Command)
	if command == "" {
		return toolName
	}
	head := strings.Fields(command)[0]
	return toolName + ":" + head
}

// Dangerous reports whether a shape matches the configured danger set.
// Patterns use path.Match globs; a bare tool name matches any shape for
// that tool.
func Dangerous(dangerSet []string, shape string) bool {
	toolName := shape
	if idx := strings.IndexByte(shape, ':'); idx >= 0 {
		toolName = shape[:idx]
	}
	for _, pattern := range dangerSet {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if pattern == toolName || pattern == shape {
			return true
		}
		if ok, err := path.Match(pattern, shape); err == nil && ok {
			return true
		}
	}
	return false
}
