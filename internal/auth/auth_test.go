package auth

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/relayerr"
)

func TestTokenStoreIssueAndVerify(t *testing.T) {
	store := NewTokenStore(t.TempDir())

	issued, err := store.Issue("laptop", "client", []string{"chat"}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(issued.Token)
	if err != nil {
		t.Fatalf("token not URL-safe base64: %v", err)
	}
	if len(raw) < 24 {
		t.Errorf("token entropy = %d bytes, want >= 24", len(raw))
	}

	got, err := store.Verify(issued.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.DeviceID != "laptop" || got.Role != "client" {
		t.Errorf("got {%s %s}, want {laptop client}", got.DeviceID, got.Role)
	}
}

func TestTokenStoreOneLiveTokenPerDevice(t *testing.T) {
	store := NewTokenStore(t.TempDir())

	first, err := store.Issue("laptop", "client", nil, 0)
	if err != nil {
		t.Fatalf("first Issue: %v", err)
	}
	second, err := store.Issue("laptop", "client", nil, 0)
	if err != nil {
		t.Fatalf("second Issue: %v", err)
	}

	if _, err := store.Verify(first.Token); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("old token err = %v, want ErrTokenNotFound", err)
	}
	if _, err := store.Verify(second.Token); err != nil {
		t.Errorf("new token rejected: %v", err)
	}
}

func TestTokenStoreExpiry(t *testing.T) {
	store := NewTokenStore(t.TempDir())
	base := time.Now()
	store.now = func() time.Time { return base }

	issued, err := store.Issue("laptop", "client", nil, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	store.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := store.Verify(issued.Token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}

	// Expired tokens are evicted on lookup; a second probe misses entirely.
	if _, err := store.Verify(issued.Token); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("err = %v, want ErrTokenNotFound after eviction", err)
	}
}

func TestTokenStoreRevoke(t *testing.T) {
	store := NewTokenStore(t.TempDir())
	issued, err := store.Issue("laptop", "client", nil, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := store.Revoke("laptop"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := store.Verify(issued.Token); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("err = %v, want ErrTokenNotFound", err)
	}
	if err := store.Revoke("unknown"); err != nil {
		t.Errorf("revoking unknown device: %v", err)
	}
}

func TestTokenStorePersistsAcrossInstances(t *testing.T) {
	root := t.TempDir()
	issued, err := NewTokenStore(root).Issue("laptop", "client", nil, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := NewTokenStore(root).Verify(issued.Token); err != nil {
		t.Fatalf("Verify on fresh store: %v", err)
	}
}

func TestTokenStoreListRedacts(t *testing.T) {
	store := NewTokenStore(t.TempDir())
	issued, err := store.Issue("laptop", "client", nil, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	list, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d tokens, want 1", len(list))
	}
	if list[0].Token == issued.Token {
		t.Error("List leaked the full token")
	}
}

func TestAuthenticatorModes(t *testing.T) {
	t.Run("none accepts empty credential", func(t *testing.T) {
		a := NewAuthenticator(config.AuthConfig{Mode: config.AuthModeNone}, nil)
		if _, err := a.Verify(""); err != nil {
			t.Errorf("Verify: %v", err)
		}
	})

	t.Run("missing credential is unauthenticated", func(t *testing.T) {
		a := NewAuthenticator(config.AuthConfig{Mode: config.AuthModeSecret, Secret: "s3cret"}, nil)
		_, err := a.Verify("")
		if relayerr.CodeOf(err) != relayerr.CodeUnauthenticated {
			t.Errorf("code = %q, want %q", relayerr.CodeOf(err), relayerr.CodeUnauthenticated)
		}
	})

	t.Run("wrong secret is unauthorized", func(t *testing.T) {
		a := NewAuthenticator(config.AuthConfig{Mode: config.AuthModeSecret, Secret: "s3cret"}, nil)
		_, err := a.Verify("wrong")
		if relayerr.CodeOf(err) != relayerr.CodeUnauthorized {
			t.Errorf("code = %q, want %q", relayerr.CodeOf(err), relayerr.CodeUnauthorized)
		}
	})

	t.Run("correct secret", func(t *testing.T) {
		a := NewAuthenticator(config.AuthConfig{Mode: config.AuthModeSecret, Secret: "s3cret"}, nil)
		id, err := a.Verify("s3cret")
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if id.Role != "client" {
			t.Errorf("role = %q, want client", id.Role)
		}
	})

	t.Run("token mode resolves device identity", func(t *testing.T) {
		store := NewTokenStore(t.TempDir())
		issued, err := store.Issue("phone", "client", []string{"chat"}, 0)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		a := NewAuthenticator(config.AuthConfig{Mode: config.AuthModeToken}, store)
		id, err := a.Verify(issued.Token)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if id.DeviceID != "phone" {
			t.Errorf("device = %q, want phone", id.DeviceID)
		}
	})
}

func TestOperatorJWT(t *testing.T) {
	const secret = "jwt-secret"

	token, err := IssueOperatorToken(secret, "ops@example", []string{"admin"}, time.Minute)
	if err != nil {
		t.Fatalf("IssueOperatorToken: %v", err)
	}

	t.Run("valid token yields operator identity", func(t *testing.T) {
		a := NewAuthenticator(config.AuthConfig{Mode: config.AuthModeToken, JWTSecret: secret}, NewTokenStore(t.TempDir()))
		id, err := a.Verify(token)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if id.Role != "operator" || id.DeviceID != "ops@example" {
			t.Errorf("identity = %+v, want operator ops@example", id)
		}
	})

	t.Run("wrong signing secret is rejected", func(t *testing.T) {
		a := NewAuthenticator(config.AuthConfig{Mode: config.AuthModeToken, JWTSecret: "other"}, NewTokenStore(t.TempDir()))
		_, err := a.Verify(token)
		if relayerr.CodeOf(err) != relayerr.CodeUnauthorized {
			t.Errorf("code = %q, want %q", relayerr.CodeOf(err), relayerr.CodeUnauthorized)
		}
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		expired, err := IssueOperatorToken(secret, "ops@example", nil, -time.Minute)
		if err != nil {
			t.Fatalf("IssueOperatorToken: %v", err)
		}
		v := NewOperatorVerifier(secret)
		if _, err := v.Verify(expired); err == nil {
			t.Error("expected verification failure for expired token")
		}
	})
}
