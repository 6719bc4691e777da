// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams token issuance records to support audit trails and abuse analysis.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ExpertDevUX/socialworld/internal/model"
	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
)

const (
	// StreamName is the JetStream stream holding audit events.
	StreamName = "CALLTOKEN_AUDIT"
	// SubjectTokenIssued is the subject and event type of TokenIssued events.
	SubjectTokenIssued = "calltoken.tokens.issued"
	// EnvelopeVersion is the envelope schema version.
	EnvelopeVersion = "1.0.0"
)

// Publisher interface defines the event publishing operations required by the call-token service.
// Publishing is best effort: callers log failures and never fail the request on them.
type Publisher interface {
	PublishTokenIssued(ctx context.Context, correlationID string, issued model.TokenIssued) error

	// Close closes the publisher connection
	Close() error
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	ID            string      `json:"id"`            // ULID, also used as the JetStream message id
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID of the originating request
	Payload       interface{} `json:"payload"`       // Event-specific data
}

// NewTokenIssuedEnvelope wraps issued in an envelope with a fresh ULID.
func NewTokenIssuedEnvelope(correlationID string, issued model.TokenIssued) EventEnvelope {
	now := time.Now().UTC()
	return EventEnvelope{
		ID:            ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Type:          SubjectTokenIssued,
		Version:       EnvelopeVersion,
		OccurredAt:    now,
		CorrelationID: correlationID,
		Payload:       issued,
	}
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return noop{} }

func (noop) PublishTokenIssued(ctx context.Context, correlationID string, issued model.TokenIssued) error {
	return nil
}

func (noop) Close() error { return nil }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations
}

// NewPublisher connects to url and ensures the audit stream exists.
// If url is empty or NATS is unavailable, it returns a no-op publisher so the
// service keeps issuing tokens without an audit trail.
func NewPublisher(url string) Publisher {
	if url == "" {
		return noop{}
	}

	nc, err := nats.Connect(url, nats.Name("calltokend"))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	return &natsPub{nc: nc, js: js}
}

// initStreams creates the audit stream. The duplicate window lets JetStream
// drop retried publishes carrying the same envelope id.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{"calltoken.tokens.*"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     30 * 24 * time.Hour,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", StreamName, err)
	}
	return nil
}

func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func (p *natsPub) PublishTokenIssued(ctx context.Context, correlationID string, issued model.TokenIssued) error {
	envelope := NewTokenIssuedEnvelope(correlationID, issued)

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	_, err = p.js.Publish(SubjectTokenIssued, b, nats.Context(ctx), nats.MsgId(envelope.ID))
	return err
}

// Recorder keeps published events in memory. It is used in development and tests.
type Recorder struct {
	mu     sync.Mutex
	events []EventEnvelope
}

func (r *Recorder) PublishTokenIssued(ctx context.Context, correlationID string, issued model.TokenIssued) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, NewTokenIssuedEnvelope(correlationID, issued))
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []EventEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventEnvelope(nil), r.events...)
}
