package server

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// AuthResult is what a successful Authenticator call establishes for the
// remainder of a connection's lifetime (spec §4.9.1: "authenticate(...) ->
// {userId, context?}").
type AuthResult struct {
	UserID  string
	Context any
}

// Authenticator validates a handshake token. Spec §4.9.1 leaves the
// mechanism pluggable ("authenticate(token) hook"); NewJWTAuthenticator
// below is the concrete implementation this server ships.
type Authenticator func(ctx context.Context, token string) (AuthResult, error)

// NewJWTAuthenticator builds an Authenticator that verifies HMAC-signed
// (HS256/HS384/HS512) tokens signed with secret and takes the "sub" claim as the userId, mirroring
// the handshake-token pattern golang-jwt/jwt/v5 documents for its own
// examples.
func NewJWTAuthenticator(secret []byte) Authenticator {
	return func(ctx context.Context, token string) (AuthResult, error) {
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil {
			return AuthResult{}, err
		}

		sub, ok := claims["sub"].(string)
		if !ok || sub == "" {
			return AuthResult{}, fmt.Errorf("token missing sub claim")
		}
		return AuthResult{UserID: sub, Context: claims}, nil
	}
}

// AuthzRequest is what an Authorizer inspects for one event (spec
// §4.9.2: "authorize({type, payload, userId, context})").
type AuthzRequest struct {
	Type    string
	Payload any
	UserID  string
	Context any
}

// Authorizer decides whether userId may perform the event described by
// req. Returning false denies the event: sync-operations and presence
// answer with an AuthorizationError, delete-doc answers {success:false}.
type Authorizer func(req AuthzRequest) bool

// AllowAll is the default Authorizer when none is configured: every
// authenticated connection may perform every event.
func AllowAll(AuthzRequest) bool { return true }
