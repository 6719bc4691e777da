// internal/server/calltoken.go
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ExpertDevUX/socialworld/internal/accesstoken"
	errordefs "github.com/ExpertDevUX/socialworld/internal/errors"
	"github.com/ExpertDevUX/socialworld/internal/event"
	"github.com/ExpertDevUX/socialworld/internal/model"
	"github.com/ExpertDevUX/socialworld/internal/ratelimit"
	"github.com/ExpertDevUX/socialworld/internal/schema"
	"github.com/ExpertDevUX/socialworld/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// handleCallToken issues a call token. Stages run strictly in order and the
// first failure ends the request: authenticate, rate limit, validate,
// authorize, build. No token is produced on any failure.
func (m *Mux) handleCallToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(r.Context(), "issueCallToken")
	defer span.End()

	fail := func(err error) {
		e := errordefs.As(err)
		span.SetStatus(codes.Error, string(e.Code))
		if e.Cause != nil {
			span.RecordError(e.Cause)
		}
		if e.HTTPStatus >= http.StatusInternalServerError {
			slog.ErrorContext(ctx, "call token request failed", "code", e.Code, "error", e.Error(), "correlation_id", correlationIDFrom(ctx))
		}
		m.writeErrorDef(w, e)
	}

	// Authenticate before anything is charged or read.
	identity, err := m.authenticate(ctx, r.Header.Get("Authorization"))
	if err != nil {
		fail(err)
		return
	}
	setUserID(ctx, identity)

	decision, err := m.checkRateLimit(ctx, identity)
	if err != nil {
		fail(err)
		return
	}
	setRateLimitHeaders(w, decision)
	if !decision.Allowed {
		fail(errordefs.RateLimited(decision.RetryAfterSeconds()))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		fail(errordefs.Wrap(errordefs.INVALID_INPUT, schema.MsgInvalidBody, err))
		return
	}
	req, err := m.deps.Validator.ValidateTokenRequest(body)
	if err != nil {
		fail(err)
		return
	}
	uid, role := req.Normalize()
	span.SetAttributes(
		attribute.String("channel", req.ChannelName),
		attribute.String("role", role),
		attribute.Int64("uid", int64(uid)),
	)

	if m.deps.Builder == nil {
		fail(errordefs.Wrap(errordefs.CONFIGURATION, "Agora credentials not configured", accesstoken.ErrNotConfigured))
		return
	}

	conv, err := m.authorize(ctx, identity, req.ChannelName)
	if err != nil {
		fail(err)
		return
	}

	_, buildSpan := otel.Tracer(telemetry.TracerName).Start(ctx, "buildToken")
	issued, err := m.deps.Builder.BuildForRole(req.ChannelName, uid, accesstoken.Role(role))
	buildSpan.End()
	if err != nil {
		fail(errordefs.Wrap(errordefs.INTERNAL, "failed to build token", err))
		return
	}
	m.metrics.TokensIssuedTotal.WithLabelValues(role).Inc()
	slog.InfoContext(ctx, "token generated for channel", "channel", req.ChannelName, "uid", uid)

	m.publishIssued(ctx, model.TokenIssued{
		Channel:        req.ChannelName,
		ConversationID: conv.ID,
		UserID:         identity,
		UID:            uid,
		Role:           role,
		IssuedAt:       issued.IssuedAt.UTC(),
		ExpiresAt:      issued.ExpiresAt.UTC(),
	})

	m.writeSuccess(w, http.StatusOK, model.CallTokenResponse{
		Token:   issued.Token,
		AppID:   m.deps.Builder.AppID(),
		Channel: req.ChannelName,
		UID:     uid,
	})
}

func (m *Mux) authenticate(ctx context.Context, header string) (string, error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "authenticate")
	defer span.End()

	start := time.Now()
	identity, err := m.deps.Authenticator.Authenticate(ctx, header)
	m.observeUpstream("identity", start, err)
	return identity, err
}

func (m *Mux) checkRateLimit(ctx context.Context, identity string) (ratelimit.Decision, error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "rateLimit")
	defer span.End()

	start := time.Now()
	d, err := m.deps.Limiter.Check(ctx, identity)
	m.observeUpstream("ratelimit", start, err)
	if err != nil {
		m.metrics.RateLimitTotal.WithLabelValues("error").Inc()
		return d, errordefs.Wrap(errordefs.UPSTREAM, "Rate limiter unavailable", err)
	}
	if d.Allowed {
		m.metrics.RateLimitTotal.WithLabelValues("allowed").Inc()
	} else {
		m.metrics.RateLimitTotal.WithLabelValues("rejected").Inc()
		span.SetAttributes(attribute.Bool("rate_limited", true))
	}
	return d, nil
}

func (m *Mux) authorize(ctx context.Context, identity, channel string) (model.Conversation, error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "authorize", trace.WithAttributes(attribute.String("channel", channel)))
	defer span.End()

	start := time.Now()
	conv, err := m.deps.Authorizer.Authorize(ctx, identity, channel)

	outcome := "allowed"
	switch {
	case err == nil:
	case errordefs.HasCode(err, errordefs.NOT_FOUND):
		outcome = "not_found"
	case errordefs.HasCode(err, errordefs.FORBIDDEN):
		outcome = "forbidden"
	default:
		outcome = "error"
	}
	m.metrics.AuthorizationTotal.WithLabelValues(outcome).Inc()
	m.observeUpstream("store", start, err)
	return conv, err
}

// publishIssued emits the audit event. Failures are logged and never fail the request.
func (m *Mux) publishIssued(ctx context.Context, issued model.TokenIssued) {
	status := "ok"
	if err := m.deps.Publisher.PublishTokenIssued(ctx, correlationIDFrom(ctx), issued); err != nil {
		status = "error"
		slog.WarnContext(ctx, "failed to publish token issued event", "error", err)
	}
	m.metrics.EventPublishTotal.WithLabelValues(event.SubjectTokenIssued, status).Inc()
}

// observeUpstream records a dependency call. Caller mistakes such as a bad
// token count as successful calls; only dependency failures are errors.
func (m *Mux) observeUpstream(dependency string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		var e *errordefs.Error
		if !errors.As(err, &e) || e.Code == errordefs.UPSTREAM || e.Code == errordefs.INTERNAL {
			status = "error"
		}
	}
	m.metrics.UpstreamCallDuration.WithLabelValues(dependency, status).Observe(time.Since(start).Seconds())
}

func correlationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// setUserID records the authenticated caller for the request log line.
func setUserID(ctx context.Context, id string) {
	if p, ok := ctx.Value(ContextKeyUserID).(*string); ok {
		*p = id
	}
}
