// internal/model/call.go
// Package model defines the data structures used throughout the call-token service.
// These structures represent the request and response bodies and the read-only
// conversation facts consulted during authorization.
package model

import (
	"time"
)

// DefaultRole is the role assumed when a request omits it.
const DefaultRole = "publisher"

// CallTokenRequest is the body of a token request.
// UID and Role are optional; see Normalize for the defaults.
type CallTokenRequest struct {
	ChannelName string  `json:"channelName"`    // Call channel to join
	UID         *uint32 `json:"uid,omitempty"`  // Provider-level user id, 0 lets the provider assign one
	Role        string  `json:"role,omitempty"` // "publisher" or "audience"
}

// Normalize returns the effective uid and role after defaults are applied.
func (r CallTokenRequest) Normalize() (uint32, string) {
	var uid uint32
	if r.UID != nil {
		uid = *r.UID
	}
	role := r.Role
	if role == "" {
		role = DefaultRole
	}
	return uid, role
}

// CallTokenResponse is returned on success. It never carries the app certificate.
type CallTokenResponse struct {
	Token   string `json:"token"`   // Signed "007" token
	AppID   string `json:"appId"`   // Provider application id
	Channel string `json:"channel"` // Echo of the requested channel
	UID     uint32 `json:"uid"`     // Echo of the effective uid
}

// Conversation is a chat conversation that may own a call channel.
// This corresponds to the conversations table in storage.
type Conversation struct {
	ID          string    `json:"id" db:"id"`                    // Conversation identifier
	CallChannel string    `json:"callChannel" db:"call_channel"` // Provider channel name, unique when set
	Name        string    `json:"name" db:"name"`                // Display name, empty for direct chats
	IsGroup     bool      `json:"isGroup" db:"is_group"`         // Group or direct conversation
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`     // When the conversation was created
}

// Participant links a user to a conversation.
// This corresponds to the conversation_participants table in storage.
type Participant struct {
	ConversationID string    `json:"conversationId" db:"conversation_id"`
	UserID         string    `json:"userId" db:"user_id"`
	JoinedAt       time.Time `json:"joinedAt" db:"joined_at"`
}

// TokenIssued is the audit record emitted after a token has been minted.
// It deliberately excludes the token itself.
type TokenIssued struct {
	Channel        string    `json:"channel"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	UID            uint32    `json:"uid"`
	Role           string    `json:"role"`
	IssuedAt       time.Time `json:"issuedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}
