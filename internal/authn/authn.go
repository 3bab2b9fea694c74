// Package authn verifies the HS256 JWTs that gate both the REST surface
// (Authorization: Bearer) and the WebSocket handshake (?token=) per
// spec.md §6. Grounded on the teacher's auth middleware shape in the pack
// (bearer-token extraction wrapping a claims struct) rather than anything
// in goa-ai itself, which has no authn layer of its own.
package authn

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of the token payload turnloop cares about.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Sentinel errors.
var (
	ErrMissingToken = errors.New("authn: missing token")
	ErrInvalidToken = errors.New("authn: invalid or expired token")
)

// Verifier checks HS256-signed bearer tokens against one shared secret.
type Verifier struct {
	secret []byte
}

// New builds a Verifier over secret, the HMAC key used to sign tokens.
func New(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify parses and validates raw, returning its Claims.
func (v *Verifier) Verify(raw string) (Claims, error) {
	if raw == "" {
		return Claims{}, ErrMissingToken
	}
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// FromAuthorizationHeader extracts and verifies a "Bearer <token>" header.
func (v *Verifier) FromAuthorizationHeader(header string) (Claims, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return Claims{}, ErrMissingToken
	}
	return v.Verify(strings.TrimPrefix(header, prefix))
}

type contextKey struct{}

// WithClaims returns a context carrying claims, retrievable with
// ClaimsFromContext.
func WithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// ClaimsFromContext returns the Claims stashed by WithClaims, if any.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(Claims)
	return c, ok
}
