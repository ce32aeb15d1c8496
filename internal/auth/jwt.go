package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims are the claims carried by HS256 operator tokens.
type OperatorClaims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// OperatorVerifier validates HS256 operator tokens.
type OperatorVerifier struct {
	secret []byte
}

// NewOperatorVerifier creates a verifier over the shared HS256 secret.
func NewOperatorVerifier(secret string) *OperatorVerifier {
	return &OperatorVerifier{secret: []byte(secret)}
}

// Verify parses and validates a token, enforcing the HS256 algorithm.
func (v *OperatorVerifier) Verify(token string) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("auth: invalid operator token")
	}
	return claims, nil
}

// IssueOperatorToken mints an HS256 token for an operator subject.
func IssueOperatorToken(secret, subject string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := OperatorClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
