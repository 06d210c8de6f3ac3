package writersroom

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHS256(t *testing.T, secret []byte, claims jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestHMACVerifier(t *testing.T) {
	secret := []byte("sekrit")
	v := NewHMACVerifier(secret)

	principal, err := v.Verify(signHS256(t, secret, jwt.RegisteredClaims{Subject: "alice"}))
	assert.Nil(t, err)
	assert.Equal(t, "alice", principal)

	_, err = v.Verify(signHS256(t, []byte("wrong"), jwt.RegisteredClaims{Subject: "alice"}))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = v.Verify(signHS256(t, secret, jwt.RegisteredClaims{}))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = v.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAnonymousVerifier(t *testing.T) {
	p, err := Anonymous{}.Verify("")
	assert.Nil(t, err)
	assert.Equal(t, "anon", p)

	p, err = Anonymous{Principal: "dev"}.Verify("whatever")
	assert.Nil(t, err)
	assert.Equal(t, "dev", p)
}
