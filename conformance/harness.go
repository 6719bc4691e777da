// Package conformance provides a test harness for verifying the call-token endpoint contract.
package conformance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ExpertDevUX/socialworld/internal/accesstoken"
	"github.com/ExpertDevUX/socialworld/internal/authn"
	"github.com/ExpertDevUX/socialworld/internal/authz"
	"github.com/ExpertDevUX/socialworld/internal/event"
	"github.com/ExpertDevUX/socialworld/internal/jwks"
	"github.com/ExpertDevUX/socialworld/internal/model"
	"github.com/ExpertDevUX/socialworld/internal/ratelimit"
	"github.com/ExpertDevUX/socialworld/internal/schema"
	"github.com/ExpertDevUX/socialworld/internal/server"
	"github.com/ExpertDevUX/socialworld/internal/storage"
	"github.com/golang-jwt/jwt/v5"
)

// Fixture identities seeded into every harness.
const (
	Channel     = "call_conformance"
	Participant = "user-participant"
	Outsider    = "user-outsider"
)

// Harness runs the service in-process against seeded fixtures.
type Harness struct {
	server *httptest.Server
	cfg    Config
	pub    *event.Recorder
}

// Config holds configuration for the conformance test harness.
type Config struct {
	AppID          string
	AppCertificate string
	JWTSecret      string

	// RateLimit is the admissions per window; the window is long enough not to roll over during a run.
	RateLimit int
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = ratelimit.DefaultLimit
	}

	store := storage.NewMemory()
	if err := store.AddConversation(model.Conversation{ID: "conv-conformance", CallChannel: Channel, Name: "Conformance", CreatedAt: time.Now()}); err != nil {
		return nil, err
	}
	if err := store.AddParticipant("conv-conformance", Participant); err != nil {
		return nil, err
	}

	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize request validator: %w", err)
	}
	builder, err := accesstoken.NewBuilder(cfg.AppID, cfg.AppCertificate)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token builder: %w", err)
	}

	pub := &event.Recorder{}
	mux := server.NewMux(server.Deps{
		Authenticator: authn.NewJWTAuthenticator(jwks.NewClient("", jwks.WithHMACSecret(cfg.JWTSecret)), "", ""),
		Limiter:       ratelimit.NewMemory(nil, cfg.RateLimit, time.Hour),
		Validator:     validator,
		Authorizer:    authz.New(store, time.Second),
		Builder:       builder,
		Publisher:     pub,
		Store:         store,
	})

	return &Harness{server: httptest.NewServer(mux), cfg: cfg, pub: pub}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server.
func (h *Harness) Close() {
	h.server.Close()
}

// bearer signs a short-lived HS256 access token for subject.
func (h *Harness) bearer(t *testing.T, subject string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(10 * time.Minute).Unix(),
	}).SignedString([]byte(h.cfg.JWTSecret))
	if err != nil {
		t.Fatalf("failed to sign access token: %v", err)
	}
	return "Bearer " + s
}

func (h *Harness) post(t *testing.T, path, auth string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, h.URL()+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

// RunConformanceTests runs every contract check against the endpoint.
// The rate limit check runs last because it exhausts the participant's budget.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("Preflight", h.testPreflight)
	t.Run("Authentication", h.testAuthentication)
	t.Run("Validation", h.testValidation)
	t.Run("Authorization", h.testAuthorization)
	t.Run("Issuance", h.testIssuance)
	t.Run("RateLimit", h.testRateLimit)
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

func (h *Harness) testPreflight(t *testing.T) {
	req, _ := http.NewRequest(http.MethodOptions, h.URL()+server.PathAgoraTokenFunc, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200 for preflight, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Error("preflight is missing Access-Control-Allow-Origin")
	}
}

func (h *Harness) testAuthentication(t *testing.T) {
	for _, auth := range []string{"", "Bearer garbage", "Token abc"} {
		resp, body := h.post(t, server.PathCallToken, auth, map[string]any{"channelName": Channel})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("auth %q: expected 401, got %d", auth, resp.StatusCode)
		}
		if body["error"] != "Unauthorized" {
			t.Errorf("auth %q: expected error Unauthorized, got %v", auth, body["error"])
		}
	}
}

func (h *Harness) testValidation(t *testing.T) {
	cases := []map[string]any{
		{},
		{"channelName": "has space"},
		{"channelName": Channel, "uid": "7"},
		{"channelName": Channel, "role": "host"},
	}
	for _, c := range cases {
		resp, body := h.post(t, server.PathCallToken, h.bearer(t, Participant), c)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %v: expected 400, got %d", c, resp.StatusCode)
		}
		if _, ok := body["error"].(string); !ok {
			t.Errorf("body %v: expected an error message, got %v", c, body)
		}
	}
}

func (h *Harness) testAuthorization(t *testing.T) {
	resp, body := h.post(t, server.PathCallToken, h.bearer(t, Participant), map[string]any{"channelName": "call_missing"})
	if resp.StatusCode != http.StatusNotFound || body["error"] != "Invalid channel" {
		t.Errorf("unknown channel: got %d %v", resp.StatusCode, body)
	}

	resp, body = h.post(t, server.PathCallToken, h.bearer(t, Outsider), map[string]any{"channelName": Channel})
	if resp.StatusCode != http.StatusForbidden || body["error"] != "Forbidden - not a participant" {
		t.Errorf("outsider: got %d %v", resp.StatusCode, body)
	}
}

func (h *Harness) testIssuance(t *testing.T) {
	before := len(h.pub.Events())
	resp, body := h.post(t, server.PathAgoraTokenFunc, h.bearer(t, Participant), map[string]any{"channelName": Channel, "uid": 1234, "role": "audience"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", resp.StatusCode, body)
	}
	if body["appId"] != h.cfg.AppID || body["channel"] != Channel || body["uid"] != float64(1234) {
		t.Errorf("unexpected response body %v", body)
	}

	token, _ := body["token"].(string)
	tok, err := accesstoken.Verify(token, h.cfg.AppID, h.cfg.AppCertificate, Channel)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if keys := tok.Message.Keys(); len(keys) != 1 || keys[0] != accesstoken.JoinChannel {
		t.Errorf("audience token privileges: got %v", keys)
	}
	if got := len(h.pub.Events()) - before; got != 1 {
		t.Errorf("expected one audit event, got %d", got)
	}
}

func (h *Harness) testRateLimit(t *testing.T) {
	auth := h.bearer(t, Participant)
	for i := 0; i <= h.cfg.RateLimit; i++ {
		resp, body := h.post(t, server.PathCallToken, auth, map[string]any{"channelName": Channel})
		if resp.StatusCode == http.StatusOK {
			continue
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			t.Fatalf("request %d: expected 200 or 429, got %d", i+1, resp.StatusCode)
		}
		retry, err := strconv.Atoi(resp.Header.Get("Retry-After"))
		if err != nil || retry <= 0 {
			t.Errorf("Retry-After must be a positive integer, got %q", resp.Header.Get("Retry-After"))
		}
		if resp.Header.Get("X-RateLimit-Remaining") != "0" {
			t.Errorf("X-RateLimit-Remaining: got %q", resp.Header.Get("X-RateLimit-Remaining"))
		}
		if body["retryAfter"] != float64(retry) {
			t.Errorf("retryAfter body %v does not match header %d", body["retryAfter"], retry)
		}
		return
	}
	t.Errorf("expected a 429 within %d requests", h.cfg.RateLimit+1)
}
