package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/relayerr"
)

// Identity is the authenticated principal attached to a connection.
type Identity struct {
	DeviceID string
	Role     string
	Scopes   []string
}

// Authenticator verifies handshake credentials according to the configured
// auth mode.
type Authenticator struct {
	mode   config.AuthMode
	secret string
	tokens *TokenStore
	jwt    *OperatorVerifier
}

// NewAuthenticator builds an authenticator from config. The token store is
// only consulted in token mode; the JWT verifier is active whenever a JWT
// secret is configured.
func NewAuthenticator(cfg config.AuthConfig, tokens *TokenStore) *Authenticator {
	a := &Authenticator{
		mode:   cfg.Mode,
		secret: cfg.Secret,
		tokens: tokens,
	}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		a.jwt = NewOperatorVerifier(cfg.JWTSecret)
	}
	return a
}

// Verify checks the credential presented during the handshake and returns
// the resulting identity. A missing credential is Unauthenticated; a wrong
// one is Unauthorized.
func (a *Authenticator) Verify(credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)

	if a.mode == config.AuthModeNone {
		return Identity{Role: "anonymous"}, nil
	}
	if credential == "" {
		return Identity{}, relayerr.Newf(relayerr.CodeUnauthenticated, "credential required")
	}

	// Operator JWTs are accepted in any authenticated mode.
	if a.jwt != nil && looksLikeJWT(credential) {
		claims, err := a.jwt.Verify(credential)
		if err != nil {
			return Identity{}, relayerr.New(relayerr.CodeUnauthorized, "invalid operator token", err)
		}
		return Identity{DeviceID: claims.Subject, Role: "operator", Scopes: claims.Scopes}, nil
	}

	switch a.mode {
	case config.AuthModeSecret:
		if subtle.ConstantTimeCompare([]byte(a.secret), []byte(credential)) == 1 {
			return Identity{Role: "client"}, nil
		}
		return Identity{}, relayerr.Newf(relayerr.CodeUnauthorized, "invalid secret")
	case config.AuthModeToken:
		tok, err := a.tokens.Verify(credential)
		if err != nil {
			return Identity{}, classify(err)
		}
		return Identity{DeviceID: tok.DeviceID, Role: tok.Role, Scopes: tok.Scopes}, nil
	default:
		return Identity{}, relayerr.Newf(relayerr.CodeInternal, "unknown auth mode %q", a.mode)
	}
}

// looksLikeJWT applies the cheap three-segment shape test.
func looksLikeJWT(credential string) bool {
	return strings.Count(credential, ".") == 2
}
