package authn_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/turnloop/turnloop/internal/authn"
)

func sign(t *testing.T, secret []byte, claims authn.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestVerifyRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	v := authn.New(secret)

	claims := authn.Claims{Subject: "user-1", Role: "operator"}
	raw := sign(t, secret, claims)

	got, err := v.Verify(raw)
	require.NoError(t, err)
	require.Equal(t, "user-1", got.Subject)
	require.Equal(t, "operator", got.Role)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	raw := sign(t, []byte("one-secret"), authn.Claims{Subject: "user-1"})

	v := authn.New([]byte("a-different-secret"))
	_, err := v.Verify(raw)
	require.ErrorIs(t, err, authn.ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	secret := []byte("test-secret")
	claims := authn.Claims{
		Subject: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	raw := sign(t, secret, claims)

	v := authn.New(secret)
	_, err := v.Verify(raw)
	require.ErrorIs(t, err, authn.ErrInvalidToken)
}

func TestVerifyRejectsEmpty(t *testing.T) {
	v := authn.New([]byte("s"))
	_, err := v.Verify("")
	require.ErrorIs(t, err, authn.ErrMissingToken)
}

func TestFromAuthorizationHeader(t *testing.T) {
	secret := []byte("test-secret")
	v := authn.New(secret)
	raw := sign(t, secret, authn.Claims{Subject: "user-1", Role: "admin"})

	claims, err := v.FromAuthorizationHeader("Bearer " + raw)
	require.NoError(t, err)
	require.Equal(t, "admin", claims.Role)

	_, err = v.FromAuthorizationHeader(raw)
	require.ErrorIs(t, err, authn.ErrMissingToken)

	_, err = v.FromAuthorizationHeader("")
	require.ErrorIs(t, err, authn.ErrMissingToken)
}

func TestClaimsContextRoundTrip(t *testing.T) {
	ctx := authn.WithClaims(t.Context(), authn.Claims{Subject: "user-2"})
	claims, ok := authn.ClaimsFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "user-2", claims.Subject)

	_, ok = authn.ClaimsFromContext(t.Context())
	require.False(t, ok)
}
