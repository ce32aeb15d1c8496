// Package auth verifies connection credentials: a static shared secret,
// persistent per-device tokens, and HS256 operator tokens.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/relayerr"
)

// tokenByteLength yields 192-bit tokens in URL-safe base64.
const tokenByteLength = 24

var (
	// ErrTokenNotFound is returned when no live token matches.
	ErrTokenNotFound = errors.New("auth: token not found")
	// ErrTokenExpired is returned for a matching but expired token.
	ErrTokenExpired = errors.New("auth: token expired")
)

// DeviceToken is one issued credential. A device has at most one live token.
type DeviceToken struct {
	Token     string     `json:"token"`
	DeviceID  string     `json:"deviceId"`
	Role      string     `json:"role"`
	Scopes    []string   `json:"scopes,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// TokenStore persists device tokens at {root}/tokens.json.
type TokenStore struct {
	path string
	now  func() time.Time
	rand io.Reader

	mu sync.Mutex
}

// NewTokenStore creates a token store under the state root.
func NewTokenStore(root string) *TokenStore {
	return &TokenStore{
		path: filepath.Join(root, "tokens.json"),
		now:  time.Now,
		rand: rand.Reader,
	}
}

// Issue mints a token for a device, revoking any previous token for the same
// device first so at most one stays live.
func (s *TokenStore) Issue(deviceID, role string, scopes []string, ttl time.Duration) (DeviceToken, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return DeviceToken{}, errors.New("auth: device id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.loadLocked()
	if err != nil {
		return DeviceToken{}, err
	}

	kept := tokens[:0]
	for _, tok := range tokens {
		if tok.DeviceID != deviceID {
			kept = append(kept, tok)
		}
	}

	raw := make([]byte, tokenByteLength)
	if _, err := io.ReadFull(s.rand, raw); err != nil {
		return DeviceToken{}, fmt.Errorf("auth: generate token: %w", err)
	}

	now := s.now().UTC()
	issued := DeviceToken{
		Token:     base64.RawURLEncoding.EncodeToString(raw),
		DeviceID:  deviceID,
		Role:      strings.TrimSpace(role),
		Scopes:    scopes,
		CreatedAt: now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		issued.ExpiresAt = &expires
	}

	kept = append(kept, issued)
	if err := s.writeLocked(kept); err != nil {
		return DeviceToken{}, err
	}
	return issued, nil
}

// Verify resolves a presented token. Expired tokens are evicted from the
// database as a side effect of the lookup.
func (s *TokenStore) Verify(token string) (DeviceToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return DeviceToken{}, ErrTokenNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.loadLocked()
	if err != nil {
		return DeviceToken{}, err
	}

	now := s.now()
	live := tokens[:0]
	evicted := false
	var match *DeviceToken
	matchExpired := false
	for _, tok := range tokens {
		expired := tok.ExpiresAt != nil && !tok.ExpiresAt.After(now)
		hit := subtle.ConstantTimeCompare([]byte(tok.Token), []byte(token)) == 1
		if expired {
			evicted = true
			if hit {
				matchExpired = true
			}
			continue
		}
		live = append(live, tok)
		if hit {
			t := tok
			match = &t
		}
	}
	if evicted {
		if err := s.writeLocked(live); err != nil {
			return DeviceToken{}, err
		}
	}
	if match != nil {
		return *match, nil
	}
	if matchExpired {
		return DeviceToken{}, ErrTokenExpired
	}
	return DeviceToken{}, ErrTokenNotFound
}

// Revoke removes the device's token. Revoking an unknown device is a no-op.
func (s *TokenStore) Revoke(deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)

	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.loadLocked()
	if err != nil {
		return err
	}
	kept := tokens[:0]
	for _, tok := range tokens {
		if tok.DeviceID != deviceID {
			kept = append(kept, tok)
		}
	}
	if len(kept) == len(tokens) {
		return nil
	}
	return s.writeLocked(kept)
}

// List returns all live tokens with their secrets redacted.
func (s *TokenStore) List() ([]DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]DeviceToken, 0, len(tokens))
	for _, tok := range tokens {
		if tok.ExpiresAt != nil && !tok.ExpiresAt.After(now) {
			continue
		}
		tok.Token = redactToken(tok.Token)
		out = append(out, tok)
	}
	return out, nil
}

func redactToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "…" + token[len(token)-4:]
}

func (s *TokenStore) loadLocked() ([]DeviceToken, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("auth: read %s: %w", s.path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var tokens []DeviceToken
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("auth: parse %s: %w", s.path, err)
	}
	return tokens, nil
}

func (s *TokenStore) writeLocked(tokens []DeviceToken) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tokens-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if err := tmp.Chmod(0600); err != nil {
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
	return os.Rename(tmpName, s.path)
}

// classify maps token store failures onto wire codes.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrTokenExpired):
		return relayerr.New(relayerr.CodeUnauthorized, "invalid or expired token", err)
	default:
		return relayerr.New(relayerr.CodeInternal, "token verification failed", err)
	}
}
