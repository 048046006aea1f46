// Package auth is the boundary to the external auth collaborator: it
// turns a presented credential into an authenticated identity or a
// rejection. The service never inspects protocol-level signatures
// itself.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// ErrUnauthorized rejects a credential that does not resolve to an
// identity.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Authenticator validates a credential and returns the authenticated
// identity's DID.
type Authenticator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// JWTAuthenticator verifies HMAC-signed service tokens whose subject is
// the identity DID. It is the deployment default; production setups can
// swap in a client for the platform auth service behind the same
// interface.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator constructs a JWTAuthenticator.
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

// ValidateToken parses and verifies the token, returning the subject.
func (a *JWTAuthenticator) ValidateToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}

	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrUnauthorized
	}
	if claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}
