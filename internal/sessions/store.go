package sessions

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// ErrSessionNotFound is returned for lookups of unknown session keys.
var ErrSessionNotFound = errors.New("sessions: session not found")

// SessionInit carries route metadata for lazy session creation.
type SessionInit struct {
	AgentID   string
	Channel   models.ChannelType
	AccountID string
	Peer      models.Peer
}

// Store owns all sessions in the process. Sessions are created lazily on
// first resolved route, kept in memory, and backed by append-only JSONL
// transcripts under {root}/sessions.
type Store struct {
	root    string
	maxHold time.Duration
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewStore creates a session store rooted at the given state directory.
func NewStore(root string, lockMaxHold time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if lockMaxHold <= 0 {
		lockMaxHold = DefaultLockMaxHold
	}
	return &Store{
		root:     root,
		maxHold:  lockMaxHold,
		logger:   logger,
		sessions: make(map[string]*models.Session),
	}
}

// TranscriptPath returns the transcript path for a session key.
func (s *Store) TranscriptPath(sessionKey string) string {
	return filepath.Join(s.root, "sessions", SafeFileKey(sessionKey)+".jsonl")
}

// Get returns the session for a key, loading it from its transcript on
// first access.
func (s *Store) Get(sessionKey string) (*models.Session, bool) {
	s.mu.RLock()
	session, ok := s.sessions[sessionKey]
	s.mu.RUnlock()
	if ok {
		return session, true
	}

	// Cold lookup: a transcript on disk revives the session.
	path := s.TranscriptPath(sessionKey)
	if _, err := os.Stat(path); err != nil {
		return nil, false
	}
	session, err := s.load(sessionKey, SessionInit{})
	if err != nil {
		s.logger.Warn("session transcript load failed", "session_key", sessionKey, "error", err)
		return nil, false
	}
	return session, true
}

// GetOrCreate returns the session for a key, creating it when absent.
func (s *Store) GetOrCreate(sessionKey string, init SessionInit) (*models.Session, error) {
	if session, ok := s.Get(sessionKey); ok {
		return session, nil
	}
	return s.load(sessionKey, init)
}

// load creates the in-memory session, replaying any existing transcript.
func (s *Store) load(sessionKey string, init SessionInit) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[sessionKey]; ok {
		return session, nil
	}

	path := s.TranscriptPath(sessionKey)
	messages, err := readTranscript(path)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &models.Session{
		SessionKey:     sessionKey,
		SessionID:      uuid.NewString(),
		AgentID:        init.AgentID,
		Channel:        init.Channel,
		AccountID:      init.AccountID,
		Peer:           init.Peer,
		TranscriptPath: path,
		LockPath:       LockPath(path),
		Messages:       messages,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	s.sessions[sessionKey] = session
	s.logger.Debug("session created", "session_key", sessionKey, "messages", len(messages))
	return session, nil
}

// AcquireLock takes the exclusive write lock for a session's transcript.
func (s *Store) AcquireLock(sessionKey string) (*WriteLock, error) {
	return AcquireWriteLock(s.TranscriptPath(sessionKey), s.maxHold)
}

// AppendMessage appends a message to the transcript and, only after the
// append succeeded, to the in-memory list. The caller must hold the write
// lock for the session.
func (s *Store) AppendMessage(sessionKey string, msg *models.Message) error {
	s.mu.RLock()
	session, ok := s.sessions[sessionKey]
	s.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	if err := appendTranscriptLine(session.TranscriptPath, msg); err != nil {
		return err
	}

	s.mu.Lock()
	session.Messages = append(session.Messages, msg)
	session.LastActivityAt = time.Now()
	s.mu.Unlock()
	return nil
}

// History returns up to limit most recent messages (all when limit <= 0).
func (s *Store) History(sessionKey string, limit int) ([]*models.Message, error) {
	session, ok := s.Get(sessionKey)
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	messages := session.Messages
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := make([]*models.Message, len(messages))
	copy(out, messages)
	return out, nil
}

// Touch updates the session's last-activity timestamp.
func (s *Store) Touch(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[sessionKey]; ok {
		session.LastActivityAt = time.Now()
	}
}

// Delete removes the in-memory session and its transcript file.
func (s *Store) Delete(sessionKey string) error {
	s.mu.Lock()
	session := s.sessions[sessionKey]
	delete(s.sessions, sessionKey)
	s.mu.Unlock()

	path := s.TranscriptPath(sessionKey)
	if session != nil {
		path = session.TranscriptPath
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns the keys of all live sessions.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.sessions))
	for key := range s.sessions {
		keys = append(keys, key)
	}
	return keys
}
