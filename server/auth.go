package server

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/synckit/core/wire"
)

// Claims is the token payload shape from spec.md §6: userId plus a
// permission grant.
type Claims struct {
	UserID      string            `json:"userId"`
	Permissions wire.Permissions  `json:"permissions"`
	jwt.RegisteredClaims
}

// CodeAuthRequired is the AUTH_REQUIRED wire error code: no token
// was presented and the server requires one.
const CodeAuthRequired = "AUTH_REQUIRED"

// CodeInvalidToken is the wire error code for a token that fails
// signature verification or has expired.
const CodeInvalidToken = "INVALID_TOKEN"

// CodePermissionDenied is the wire error code for a token that
// verifies but does not grant the requested access.
const CodePermissionDenied = "PERMISSION_DENIED"

// TokenVerifier validates an AUTH token and extracts its claims.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier returns a verifier that checks HMAC-signed tokens
// against secret.
func NewTokenVerifier(secret []byte) *TokenVerifier {
	return &TokenVerifier{secret: secret}
}

// Verify parses and validates tokenString, returning its claims.
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
