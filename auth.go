package writersroom

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Verifier turns a bearer token into a principal id. Verification
// happens before the websocket upgrade, so a bad token never reaches
// the protocol layer.
type Verifier interface {
	Verify(token string) (principal string, err error)
}

// HMACVerifier accepts HMAC-signed JWTs and uses the subject claim as
// the principal.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret []byte) *HMACVerifier {
	return &HMACVerifier{secret: secret}
}

func (v *HMACVerifier) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthorized
		}
		return v.secret, nil
	})
	if err != nil || !tok.Valid || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

// Anonymous admits every connection under one fixed principal. Meant
// for local development, not production.
type Anonymous struct {
	Principal string
}

func (a Anonymous) Verify(string) (string, error) {
	if a.Principal == "" {
		return "anon", nil
	}
	return a.Principal, nil
}
