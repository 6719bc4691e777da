// internal/authn/authn.go
// Package authn turns an Authorization header into the caller's user id.
// It is the first stage of token issuance and runs before anything is charged or read.
package authn

import (
	"context"
	"errors"
	"strings"

	errordefs "github.com/ExpertDevUX/socialworld/internal/errors"
	"github.com/ExpertDevUX/socialworld/internal/identity"
	"github.com/ExpertDevUX/socialworld/internal/jwks"
)

const bearerPrefix = "Bearer "

// Authenticator resolves a caller from the raw Authorization header value.
// Failures are *errordefs.Error with code UNAUTHORIZED or UPSTREAM.
type Authenticator interface {
	Authenticate(ctx context.Context, authorizationHeader string) (string, error)
}

func unauthorized(cause error) error {
	return errordefs.Wrap(errordefs.UNAUTHORIZED, "Unauthorized", cause)
}

// BearerToken extracts the credential from a "Bearer <token>" header.
func BearerToken(authorizationHeader string) (string, error) {
	if authorizationHeader == "" {
		return "", unauthorized(errors.New("missing Authorization header"))
	}
	if !strings.HasPrefix(authorizationHeader, bearerPrefix) {
		return "", unauthorized(errors.New("invalid Authorization header format"))
	}
	token := strings.TrimSpace(strings.TrimPrefix(authorizationHeader, bearerPrefix))
	if token == "" {
		return "", unauthorized(errors.New("empty bearer token"))
	}
	return token, nil
}

// JWTAuthenticator verifies tokens locally with a jwks.Client.
type JWTAuthenticator struct {
	client   *jwks.Client
	issuer   string
	audience string
}

// NewJWTAuthenticator creates a JWTAuthenticator. Empty issuer or audience disables that check.
func NewJWTAuthenticator(client *jwks.Client, issuer, audience string) *JWTAuthenticator {
	return &JWTAuthenticator{client: client, issuer: issuer, audience: audience}
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, authorizationHeader string) (string, error) {
	token, err := BearerToken(authorizationHeader)
	if err != nil {
		return "", err
	}

	claims, err := a.client.ValidateJWT(ctx, token, a.issuer, a.audience)
	if err != nil {
		if errors.Is(err, jwks.ErrKeySource) {
			return "", errordefs.Wrap(errordefs.UPSTREAM, "Authentication service unavailable", err)
		}
		return "", unauthorized(err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", unauthorized(errors.New("missing or invalid sub claim"))
	}
	return sub, nil
}

// RemoteAuthenticator asks the auth platform who owns the token.
type RemoteAuthenticator struct {
	client *identity.Client
}

// NewRemoteAuthenticator creates a RemoteAuthenticator.
func NewRemoteAuthenticator(client *identity.Client) *RemoteAuthenticator {
	return &RemoteAuthenticator{client: client}
}

func (a *RemoteAuthenticator) Authenticate(ctx context.Context, authorizationHeader string) (string, error) {
	token, err := BearerToken(authorizationHeader)
	if err != nil {
		return "", err
	}

	user, err := a.client.GetUser(ctx, token)
	if err != nil {
		if errors.Is(err, identity.ErrUnauthorized) {
			return "", unauthorized(err)
		}
		return "", errordefs.Wrap(errordefs.UPSTREAM, "Authentication service unavailable", err)
	}
	if user.ID == "" {
		return "", unauthorized(errors.New("user without id"))
	}
	return user.ID, nil
}
