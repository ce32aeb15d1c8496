package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Override carries per-session model selection overrides, persisted at
// {root}/session_overrides.json.
type Override struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Level    string `json:"level,omitempty"`
}

// OverrideStore persists per-session overrides as a single JSON document.
type OverrideStore struct {
	path string

	mu      sync.Mutex
	entries map[string]Override
	loaded  bool
}

// NewOverrideStore creates an override store under the state root.
func NewOverrideStore(root string) *OverrideStore {
	return &OverrideStore{
		path: filepath.Join(root, "session_overrides.json"),
	}
}

// Get returns the override for a session key, if any.
func (s *OverrideStore) Get(sessionKey string) (Override, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return Override{}, false, err
	}
	ov, ok := s.entries[normalizeToken(sessionKey)]
	return ov, ok, nil
}

// Set stores (or clears, when zero) the override for a session key.
func (s *OverrideStore) Set(sessionKey string, ov Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	key := normalizeToken(sessionKey)
	if ov == (Override{}) {
		delete(s.entries, key)
	} else {
		s.entries[key] = ov
	}
	return s.writeLocked()
}

func (s *OverrideStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	s.entries = map[string]Override{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &s.entries); err != nil {
			return err
		}
	}
	s.loaded = true
	return nil
}

func (s *OverrideStore) writeLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0600)
}

// writeFileAtomic writes via a temp file and rename so readers never see a
// torn document.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
