// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the call-token service.
// It wires the authentication, rate limiting, validation, authorization and token
// building stages into one endpoint and adds CORS, correlation ids, logging, metrics and tracing.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ExpertDevUX/socialworld/internal/accesstoken"
	"github.com/ExpertDevUX/socialworld/internal/authn"
	"github.com/ExpertDevUX/socialworld/internal/authz"
	errordefs "github.com/ExpertDevUX/socialworld/internal/errors"
	"github.com/ExpertDevUX/socialworld/internal/event"
	"github.com/ExpertDevUX/socialworld/internal/metrics"
	"github.com/ExpertDevUX/socialworld/internal/ratelimit"
	"github.com/ExpertDevUX/socialworld/internal/schema"
	"github.com/ExpertDevUX/socialworld/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// Context keys for storing request-scoped values
	ContextKeyUserID        ContextKey = "userId"        // Caller resolved by the authenticator
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// Routes
	PathCallToken      = "/v1/call/token"
	PathAgoraTokenFunc = "/functions/v1/agora-token" // Path the existing web client invokes

	// maxBodyBytes bounds the request body; a token request is a few dozen bytes.
	maxBodyBytes = 16 << 10
)

// CORS header values
const (
	corsAllowHeaders  = "authorization, x-client-info, apikey, content-type"
	corsAllowMethods  = "POST, OPTIONS"
	corsExposeHeaders = "Retry-After, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, X-Correlation-Id"
)

// Deps are the collaborators of the token endpoint.
type Deps struct {
	Authenticator authn.Authenticator  // Required
	Limiter       ratelimit.Limiter    // Required
	Validator     *schema.Validator    // Required
	Authorizer    *authz.Authorizer    // Required
	Builder       *accesstoken.Builder // Nil when provider credentials are missing
	Publisher     event.Publisher      // Optional, defaults to no-op
	Store         storage.Store        // Optional, used by /readyz

	CORSAllowedOrigins []string // "*" allows any origin
}

// Mux handles HTTP requests for the call-token service.
type Mux struct {
	mux     *http.ServeMux
	deps    Deps
	metrics *metrics.Metrics
}

// NewMux creates the HTTP handler with all endpoints registered.
func NewMux(d Deps) http.Handler {
	if d.Publisher == nil {
		d.Publisher = event.NewNoop()
	}
	if len(d.CORSAllowedOrigins) == 0 {
		d.CORSAllowedOrigins = []string{"*"}
	}

	m := &Mux{
		mux:     http.NewServeMux(),
		deps:    d,
		metrics: metrics.NewMetrics(),
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Token endpoint under its own path and the path the client already calls
	m.mux.HandleFunc(PathCallToken, m.withMiddleware(PathCallToken, m.handleCallToken))
	m.mux.HandleFunc(PathAgoraTokenFunc, m.withMiddleware(PathAgoraTokenFunc, m.handleCallToken))

	return m.mux
}

// statusRecorder captures the status code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wrote {
		s.status = code
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wrote {
		s.status = http.StatusOK
		s.wrote = true
	}
	return s.ResponseWriter.Write(b)
}

// withMiddleware applies CORS, correlation ids, panic recovery, logging and
// request metrics. route is the metrics label, independent of the raw path.
func (m *Mux) withMiddleware(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.setCORSHeaders(w, r)

		// Preflight: headers only
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		var userID string
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyUserID, &userID))

		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic while handling request", "panic", rec, "correlation_id", correlationID)
				if !sw.wrote {
					m.writeErrorDef(sw, errordefs.New(errordefs.INTERNAL, "Internal server error"))
				}
			}

			status := strconv.Itoa(sw.status)
			m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, status).Inc()
			m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
			m.logRequest(r, sw.status, time.Since(start), correlationID, userID)
		}()

		h(sw, r)
	}
}

// setCORSHeaders sets the CORS headers on every token endpoint response, errors included.
func (m *Mux) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	if lo.Contains(m.deps.CORSAllowedOrigins, "*") {
		h.Set("Access-Control-Allow-Origin", "*")
	} else if origin := r.Header.Get("Origin"); origin != "" && lo.Contains(m.deps.CORSAllowedOrigins, origin) {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
}

// setRateLimitHeaders reports the caller's budget after a limiter decision.
func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// writeSuccess writes a successful JSON response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// errorBody is the wire shape of every error: {"error": message}, plus retryAfter on 429.
type errorBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// writeErrorDef writes an error response using the error definitions package.
// Unexpected errors carry their own message; errordefs.As copies it from the cause.
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	body := errorBody{Error: err.Message}
	if body.Error == "" {
		body.Error = "Internal server error"
	}
	if err.Code == errordefs.RATE_LIMITED {
		body.RetryAfter = err.RetryAfter
		w.Header().Set("Retry-After", strconv.Itoa(err.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	_ = json.NewEncoder(w).Encode(body)
}

// logRequest logs request details. Tokens and credentials are never logged.
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID, userID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}
	if userID != "" {
		attrs = append(attrs, slog.String("user_id", userID))
	}

	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.LogAttrs(r.Context(), level, "request completed", attrs...)
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports whether the conversation store is reachable
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if m.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := m.deps.Store.Ping(ctx); err != nil {
			slog.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
