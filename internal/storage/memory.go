// internal/storage/memory.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ExpertDevUX/socialworld/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when no conversation owns a channel
	ErrConflict = errors.New("conflict")  // Returned when a call channel is already taken
)

// Store interface defines the read operations the call-token service needs
// from the chat backend. Both backends are read-only from the service's point of view;
// the seeding helpers on the memory store exist for development and tests.
type Store interface {
	// FindConversationByCallChannel returns the conversation whose call channel equals channel,
	// or ErrNotFound.
	FindConversationByCallChannel(ctx context.Context, channel string) (*model.Conversation, error)
	// IsParticipant reports whether userID is a member of conversationID.
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	// Ping checks connectivity for readiness probes.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close()
}

// Memory implements the Store interface using in-memory maps.
// It's intended for development and testing purposes.
type Memory struct {
	mu            sync.RWMutex                   // Protects concurrent access to maps
	conversations map[string]*model.Conversation // Map of conversation ID to conversation
	byChannel     map[string]string              // Map of call channel to conversation ID
	participants  map[string]map[string]struct{} // Map of conversation ID to member user IDs
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*model.Conversation),
		byChannel:     make(map[string]string),
		participants:  make(map[string]map[string]struct{}),
	}
}

// AddConversation stores or replaces c. A conversation's call channel must be
// unique; replacing a conversation releases its previous channel.
func (m *Memory) AddConversation(c model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.CallChannel != "" {
		if owner, taken := m.byChannel[c.CallChannel]; taken && owner != c.ID {
			return ErrConflict
		}
	}
	if prev, ok := m.conversations[c.ID]; ok && prev.CallChannel != c.CallChannel {
		if m.byChannel[prev.CallChannel] == c.ID {
			delete(m.byChannel, prev.CallChannel)
		}
	}
	if c.CallChannel != "" {
		m.byChannel[c.CallChannel] = c.ID
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.conversations[c.ID] = &c
	return nil
}

// AddParticipant makes userID a member of conversationID.
func (m *Memory) AddParticipant(conversationID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return ErrNotFound
	}
	members, ok := m.participants[conversationID]
	if !ok {
		members = make(map[string]struct{})
		m.participants[conversationID] = members
	}
	members[userID] = struct{}{}
	return nil
}

func (m *Memory) FindConversationByCallChannel(ctx context.Context, channel string) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byChannel[channel]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m.conversations[id]
	return &c, nil
}

func (m *Memory) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.participants[conversationID][userID]
	return ok, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() {}
