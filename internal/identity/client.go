// internal/identity/client.go
// Package identity provides a client for the hosted auth platform's user endpoint.
// It resolves a caller's access token to a user when tokens cannot be verified locally.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client for interacting with the auth platform.
type Client struct {
	base       string       // Base URL of the auth platform
	serviceKey string       // Project API key sent as the apikey header
	hc         *http.Client // HTTP client with custom configuration
}

// User is the subset of the auth platform's user object the service needs.
type User struct {
	ID    string `json:"id"`              // Stable user identifier
	Email string `json:"email,omitempty"` // Primary email
	Role  string `json:"role,omitempty"`  // Platform role, usually "authenticated"
}

// ErrUnauthorized is returned when the platform rejects the access token.
var ErrUnauthorized = errors.New("access token rejected")

// New creates a new identity client with the specified base URL.
// Parameters:
//   - baseURL: Base URL of the auth platform
//   - serviceKey: Project API key
//   - timeout: Overall request timeout
func New(baseURL, serviceKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Client{
		base:       strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		hc:         &http.Client{Transport: transport, Timeout: timeout},
	}
}

// GetUser resolves accessToken to its user.
// Returns:
//   - User: the authenticated user
//   - error: ErrUnauthorized when the platform answers 401 or 403, any other error otherwise
func (c *Client) GetUser(ctx context.Context, accessToken string) (User, error) {
	u, err := url.Parse(c.base + "/auth/v1/user")
	if err != nil {
		return User{}, fmt.Errorf("identity base url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return User{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if c.serviceKey != "" {
		req.Header.Set("apikey", c.serviceKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return User{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var user User
		if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
			return User{}, fmt.Errorf("decode user: %w", err)
		}
		return user, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return User{}, ErrUnauthorized
	default:
		return User{}, fmt.Errorf("identity get user failed: %s", resp.Status)
	}
}
