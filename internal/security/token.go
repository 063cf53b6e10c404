// Package security signs and verifies the optional authentication material
// an Endpoint Pool handle may carry. It is intentionally small: one shared
// signing key per deployment, HMAC-signed bearer tokens carried as gRPC
// metadata, the same shape used for service-to-service auth in
// r3e-network-service_layer and jonwraymond-toolops.
package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSigningKey means the caller asked for a token but no signing key is
// configured. Authentication is optional, so this is not fatal by itself —
// callers decide whether to require it.
var ErrNoSigningKey = errors.New("security: no signing key configured")

// TokenIssuer signs and verifies bearer tokens identifying an agent.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
}

// NewTokenIssuer returns nil, ErrNoSigningKey if key is empty — the zero
// value is a valid "authentication disabled" issuer for callers that check
// the error and proceed unauthenticated.
func NewTokenIssuer(key []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(key) == 0 {
		return nil, ErrNoSigningKey
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenIssuer{key: key, ttl: ttl}, nil
}

type claims struct {
	jwt.RegisteredClaims
	Machine string `json:"machine,omitempty"`
}

// Issue mints a token for the given agent/machine identity.
func (t *TokenIssuer) Issue(agentName, machine string) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		Machine: machine,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(t.key)
}

// Identity is the verified subject of a token.
type Identity struct {
	AgentName string
	Machine   string
}

// Verify checks signature and expiry, returning the embedded identity.
func (t *TokenIssuer) Verify(tokenString string) (Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("security: unexpected signing method")
		}
		return t.key, nil
	})
	if err != nil {
		return Identity{}, err
	}
	return Identity{AgentName: c.Subject, Machine: c.Machine}, nil
}
