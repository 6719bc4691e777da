// internal/server/mux_test.go
// Package server provides unit tests for the HTTP handlers and routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
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
	"github.com/ExpertDevUX/socialworld/internal/storage"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testAppID  = "970CA35de60c44645bbae8a215061b33"
	testCert   = "5CFd2fd1755d40ecb72977518be15d3b"
	testSecret = "super-secret-jwt-token-with-at-least-32-characters"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingStore counts lookups so tests can assert the store was never consulted.
type countingStore struct {
	storage.Store
	calls int32
	err   error
}

func (s *countingStore) FindConversationByCallChannel(ctx context.Context, channel string) (*model.Conversation, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return nil, s.err
	}
	return s.Store.FindConversationByCallChannel(ctx, channel)
}

func (s *countingStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.Store.IsParticipant(ctx, conversationID, userID)
}

// failingLimiter simulates an unreachable shared limiter.
type failingLimiter struct{}

func (failingLimiter) Check(ctx context.Context, identity string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis: connection refused")
}

// brokenAuthenticator fails with an error outside the taxonomy.
type brokenAuthenticator struct{}

func (brokenAuthenticator) Authenticate(ctx context.Context, header string) (string, error) {
	return "", errors.New("session decoder misconfigured")
}

// panickingAuthenticator exercises the recover middleware.
type panickingAuthenticator struct{}

func (panickingAuthenticator) Authenticate(ctx context.Context, header string) (string, error) {
	panic("boom")
}

type testEnv struct {
	handler   http.Handler
	clock     *fakeClock
	limiter   *ratelimit.Memory
	store     *countingStore
	publisher *event.Recorder
	deps      Deps
}

func newTestEnv(t *testing.T, mutate ...func(*Deps)) *testEnv {
	t.Helper()

	mem := storage.NewMemory()
	if err := mem.AddConversation(model.Conversation{ID: "conv-1", CallChannel: "call_abc", IsGroup: true}); err != nil {
		t.Fatal(err)
	}
	for _, u := range []string{"alice", "carol"} {
		if err := mem.AddParticipant("conv-1", u); err != nil {
			t.Fatal(err)
		}
	}
	store := &countingStore{Store: mem}

	validator, err := schema.NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	builder, err := accesstoken.NewBuilder(testAppID, testCert)
	if err != nil {
		t.Fatal(err)
	}

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	limiter := ratelimit.NewMemory(clock, 10, time.Minute)
	publisher := &event.Recorder{}

	d := Deps{
		Authenticator: authn.NewJWTAuthenticator(jwks.NewClient("", jwks.WithHMACSecret(testSecret)), "", ""),
		Limiter:       limiter,
		Validator:     validator,
		Authorizer:    authz.New(store, time.Second),
		Builder:       builder,
		Publisher:     publisher,
		Store:         store,
	}
	for _, f := range mutate {
		f(&d)
	}

	return &testEnv{
		handler:   NewMux(d),
		clock:     clock,
		limiter:   limiter,
		store:     store,
		publisher: publisher,
		deps:      d,
	}
}

func bearer(t *testing.T, sub string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + s
}

func (e *testEnv) do(t *testing.T, method, path, auth, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid error body %q: %v", rr.Body.String(), err)
	}
	return body
}

// TestHealthzEndpoint tests the healthz endpoint.
func TestHealthzEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/healthz", "", "")

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), "ok")
	}
}

// TestReadyzEndpoint tests the readyz endpoint against a reachable and a failing store.
func TestReadyzEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/readyz", "", "")
	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}

	closed := storage.NewMemory()
	down := newTestEnv(t, func(d *Deps) { d.Store = pingFailStore{closed} })
	rr = down.do(t, http.MethodGet, "/readyz", "", "")
	if status := rr.Code; status != http.StatusServiceUnavailable {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusServiceUnavailable)
	}
}

type pingFailStore struct{ storage.Store }

func (pingFailStore) Ping(ctx context.Context) error { return errors.New("connection reset") }

// TestIssueToken covers the successful path on both routes.
func TestIssueToken(t *testing.T) {
	for _, path := range []string{PathCallToken, PathAgoraTokenFunc} {
		t.Run(path, func(t *testing.T) {
			env := newTestEnv(t)
			rr := env.do(t, http.MethodPost, path, bearer(t, "alice"), `{"channelName":"call_abc","uid":42}`)

			if rr.Code != http.StatusOK {
				t.Fatalf("handler returned wrong status code: got %v want %v (%s)", rr.Code, http.StatusOK, rr.Body.String())
			}

			var resp model.CallTokenResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.AppID != testAppID || resp.Channel != "call_abc" || resp.UID != 42 {
				t.Errorf("unexpected response: %+v", resp)
			}
			if strings.Contains(rr.Body.String(), testCert) {
				t.Error("response leaks the app certificate")
			}

			tok, err := accesstoken.Verify(resp.Token, testAppID, testCert, "call_abc")
			if err != nil {
				t.Fatalf("token does not verify: %v", err)
			}
			if tok.UID != "42" {
				t.Errorf("token uid got %v want %v", tok.UID, "42")
			}
			if len(tok.Message.Privileges) != 4 {
				t.Errorf("default role should be publisher, got privileges %v", tok.Message.Keys())
			}

			h := rr.Header()
			if h.Get("X-RateLimit-Limit") != "10" || h.Get("X-RateLimit-Remaining") != "9" {
				t.Errorf("rate limit headers got %s/%s", h.Get("X-RateLimit-Limit"), h.Get("X-RateLimit-Remaining"))
			}
			if h.Get("X-RateLimit-Reset") != strconv.FormatInt(1700000060, 10) {
				t.Errorf("X-RateLimit-Reset got %v want %v", h.Get("X-RateLimit-Reset"), 1700000060)
			}
			if h.Get("Access-Control-Allow-Origin") != "*" {
				t.Errorf("Access-Control-Allow-Origin got %q want %q", h.Get("Access-Control-Allow-Origin"), "*")
			}
			if h.Get("X-Correlation-Id") == "" {
				t.Error("expected a correlation id")
			}

			events := env.publisher.Events()
			if len(events) != 1 {
				t.Fatalf("published events got %d want 1", len(events))
			}
			issued := events[0].Payload.(model.TokenIssued)
			if issued.UserID != "alice" || issued.ConversationID != "conv-1" || issued.Role != "publisher" {
				t.Errorf("unexpected audit event: %+v", issued)
			}
			if events[0].CorrelationID != h.Get("X-Correlation-Id") {
				t.Errorf("event correlation id got %v want %v", events[0].CorrelationID, h.Get("X-Correlation-Id"))
			}
		})
	}
}

func TestRolePrivileges(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		body string
		want []accesstoken.Privilege
	}{
		{`{"channelName":"call_abc","role":"audience"}`, []accesstoken.Privilege{accesstoken.JoinChannel}},
		{`{"channelName":"call_abc","role":"publisher"}`, accesstoken.PrivilegesFor(accesstoken.RolePublisher)},
		{`{"channelName":"call_abc"}`, accesstoken.PrivilegesFor(accesstoken.RolePublisher)},
	}
	for _, tt := range tests {
		rr := env.do(t, http.MethodPost, PathCallToken, bearer(t, "alice"), tt.body)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status got %v want %v", tt.body, rr.Code, http.StatusOK)
		}
		var resp model.CallTokenResponse
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		tok, err := accesstoken.Verify(resp.Token, testAppID, testCert, "call_abc")
		if err != nil {
			t.Fatal(err)
		}
		keys := tok.Message.Keys()
		if len(keys) != len(tt.want) {
			t.Errorf("%s: privileges got %v want %v", tt.body, keys, tt.want)
			continue
		}
		for i := range keys {
			if keys[i] != tt.want[i] {
				t.Errorf("%s: privilege[%d] got %v want %v", tt.body, i, keys[i], tt.want[i])
			}
		}
		if tok.UID != "" {
			t.Errorf("%s: uid 0 should encode empty, got %q", tt.body, tok.UID)
		}
	}
}

// TestUnauthenticatedRequestsAreNotCharged checks that 401s never reach the limiter or the store.
func TestUnauthenticatedRequestsAreNotCharged(t *testing.T) {
	env := newTestEnv(t)

	for _, auth := range []string{"", "Basic abc", "Bearer ", "Bearer not-a-jwt"} {
		rr := env.do(t, http.MethodPost, PathCallToken, auth, `{"channelName":"call_abc"}`)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("auth %q: status got %v want %v", auth, rr.Code, http.StatusUnauthorized)
		}
		if body := decodeError(t, rr); body.Error != "Unauthorized" {
			t.Errorf("auth %q: error got %q want %q", auth, body.Error, "Unauthorized")
		}
		if rr.Header().Get("Access-Control-Allow-Origin") == "" {
			t.Errorf("auth %q: CORS headers missing on error", auth)
		}
	}

	if n := env.limiter.Len(); n != 0 {
		t.Errorf("limiter entries got %v want 0", n)
	}
	if n := atomic.LoadInt32(&env.store.calls); n != 0 {
		t.Errorf("store calls got %v want 0", n)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t)
	auth := bearer(t, "alice")

	for i := 0; i < 10; i++ {
		if rr := env.do(t, http.MethodPost, PathCallToken, auth, `{"channelName":"call_abc"}`); rr.Code != http.StatusOK {
			t.Fatalf("request %d: status got %v want %v", i+1, rr.Code, http.StatusOK)
		}
	}

	env.clock.Advance(20 * time.Second)
	rr := env.do(t, http.MethodPost, PathCallToken, auth, `{"channelName":"call_abc"}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request: status got %v want %v", rr.Code, http.StatusTooManyRequests)
	}
	if got := rr.Header().Get("Retry-After"); got != "40" {
		t.Errorf("Retry-After got %q want %q", got, "40")
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining got %q want %q", got, "0")
	}
	body := decodeError(t, rr)
	if body.Error != "Rate limit exceeded. Try again later." || body.RetryAfter != 40 {
		t.Errorf("unexpected body: %+v", body)
	}

	// Another caller is unaffected.
	if rr := env.do(t, http.MethodPost, PathCallToken, bearer(t, "carol"), `{"channelName":"call_abc"}`); rr.Code != http.StatusOK {
		t.Errorf("carol: status got %v want %v", rr.Code, http.StatusOK)
	}

	env.clock.Advance(41 * time.Second)
	if rr := env.do(t, http.MethodPost, PathCallToken, auth, `{"channelName":"call_abc"}`); rr.Code != http.StatusOK {
		t.Errorf("after window: status got %v want %v", rr.Code, http.StatusOK)
	}
}

// TestInvalidInputNeverReachesStore checks that validation failures cost no lookups.
func TestInvalidInputNeverReachesStore(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		body string
		msg  string
	}{
		{`{"channelName":"abc xyz"}`, "Invalid channel name format"},
		{`{}`, "Channel name is required"},
		{`not json`, "Invalid request body"},
		{`{"channelName":"call_abc","uid":-5}`, "Invalid uid"},
		{`{"channelName":"call_abc","role":"owner"}`, "Invalid role"},
	}
	for _, tt := range tests {
		rr := env.do(t, http.MethodPost, PathCallToken, bearer(t, "alice"), tt.body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status got %v want %v", tt.body, rr.Code, http.StatusBadRequest)
		}
		if got := decodeError(t, rr).Error; got != tt.msg {
			t.Errorf("%s: error got %q want %q", tt.body, got, tt.msg)
		}
	}
	if n := atomic.LoadInt32(&env.store.calls); n != 0 {
		t.Errorf("store calls got %v want 0", n)
	}
}

func TestChannelAuthorization(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		caller  string
		channel string
		status  int
		msg     string
	}{
		{"alice", "call_abc", http.StatusOK, ""},
		{"bob", "call_abc", http.StatusForbidden, "Forbidden - not a participant"},
		{"alice", "call_unknown", http.StatusNotFound, "Invalid channel"},
	}
	for _, tt := range tests {
		rr := env.do(t, http.MethodPost, PathCallToken, bearer(t, tt.caller), `{"channelName":"`+tt.channel+`"}`)
		if rr.Code != tt.status {
			t.Errorf("%s on %s: status got %v want %v", tt.caller, tt.channel, rr.Code, tt.status)
			continue
		}
		if tt.msg != "" {
			body := decodeError(t, rr)
			if body.Error != tt.msg {
				t.Errorf("%s on %s: error got %q want %q", tt.caller, tt.channel, body.Error, tt.msg)
			}
			if strings.Contains(rr.Body.String(), "token") {
				t.Errorf("%s on %s: error body mentions a token: %s", tt.caller, tt.channel, rr.Body.String())
			}
		}
	}

	if got := len(env.publisher.Events()); got != 1 {
		t.Errorf("published events got %d want 1", got)
	}
}

func TestPreflight(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodOptions, PathAgoraTokenFunc, "", "")

	if rr.Code != http.StatusOK {
		t.Errorf("status got %v want %v", rr.Code, http.StatusOK)
	}
	if rr.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", rr.Body.String())
	}
	h := rr.Header()
	if got := h.Get("Access-Control-Allow-Headers"); got != "authorization, x-client-info, apikey, content-type" {
		t.Errorf("Access-Control-Allow-Headers got %q", got)
	}
	if got := h.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin got %q", got)
	}
	if !strings.Contains(h.Get("Access-Control-Expose-Headers"), "Retry-After") {
		t.Errorf("Access-Control-Expose-Headers got %q", h.Get("Access-Control-Expose-Headers"))
	}
}

func TestCORSAllowList(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.CORSAllowedOrigins = []string{"https://app.example.test"} })

	for origin, want := range map[string]string{
		"https://app.example.test":  "https://app.example.test",
		"https://evil.example.test": "",
	} {
		req := httptest.NewRequest(http.MethodOptions, PathCallToken, nil)
		req.Header.Set("Origin", origin)
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, req)
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != want {
			t.Errorf("origin %s: got %q want %q", origin, got, want)
		}
	}
}

func TestMissingCredentialsIsConfigurationError(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Builder = nil })
	rr := env.do(t, http.MethodPost, PathCallToken, bearer(t, "alice"), `{"channelName":"call_abc"}`)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status got %v want %v", rr.Code, http.StatusInternalServerError)
	}
	if got := decodeError(t, rr).Error; got != "Agora credentials not configured" {
		t.Errorf("error got %q", got)
	}
}

func TestUpstreamFailures(t *testing.T) {
	t.Run("store", func(t *testing.T) {
		env := newTestEnv(t)
		env.store.err = errors.New("connection refused")
		rr := env.do(t, http.MethodPost, PathCallToken, bearer(t, "alice"), `{"channelName":"call_abc"}`)
		if rr.Code != http.StatusBadGateway {
			t.Errorf("status got %v want %v", rr.Code, http.StatusBadGateway)
		}
		if strings.Contains(rr.Body.String(), "connection refused") {
			t.Errorf("error body leaks the cause: %s", rr.Body.String())
		}
	})

	t.Run("limiter", func(t *testing.T) {
		env := newTestEnv(t, func(d *Deps) { d.Limiter = failingLimiter{} })
		rr := env.do(t, http.MethodPost, PathCallToken, bearer(t, "alice"), `{"channelName":"call_abc"}`)
		if rr.Code != http.StatusBadGateway {
			t.Errorf("status got %v want %v", rr.Code, http.StatusBadGateway)
		}
	})
}

func TestPanicIsRecovered(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Authenticator = panickingAuthenticator{} })
	rr := env.do(t, http.MethodPost, PathCallToken, bearer(t, "alice"), `{"channelName":"call_abc"}`)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status got %v want %v", rr.Code, http.StatusInternalServerError)
	}
	if got := decodeError(t, rr).Error; got != "Internal server error" {
		t.Errorf("error got %q", got)
	}
}

func TestUnexpectedErrorKeepsItsMessage(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Authenticator = brokenAuthenticator{} })
	rr := env.do(t, http.MethodPost, PathCallToken, bearer(t, "alice"), `{"channelName":"call_abc"}`)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status got %v want %v", rr.Code, http.StatusInternalServerError)
	}
	if got := decodeError(t, rr).Error; got != "session decoder misconfigured" {
		t.Errorf("error got %q want %q", got, "session decoder misconfigured")
	}
	if strings.Contains(rr.Body.String(), "token\"") {
		t.Errorf("error body carries a token: %s", rr.Body.String())
	}
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, PathCallToken, strings.NewReader(`{}`))
	req.Header.Set("X-Correlation-Id", "corr-123")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Correlation-Id"); got != "corr-123" {
		t.Errorf("X-Correlation-Id got %q want %q", got, "corr-123")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, PathCallToken, bearer(t, "alice"), `{"channelName":"call_abc"}`)

	rr := env.do(t, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status got %v want %v", rr.Code, http.StatusOK)
	}
	if !strings.Contains(rr.Body.String(), "calltoken_tokens_issued_total") {
		t.Error("expected token issuance counter in /metrics output")
	}
}
