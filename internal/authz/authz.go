// internal/authz/authz.go
// Package authz decides whether a caller may join a call channel: the channel
// must belong to a conversation, and the caller must be one of its participants.
package authz

import (
	"context"
	"errors"
	"time"

	errordefs "github.com/ExpertDevUX/socialworld/internal/errors"
	"github.com/ExpertDevUX/socialworld/internal/model"
	"github.com/ExpertDevUX/socialworld/internal/storage"
)

// Messages returned to the caller.
const (
	MsgInvalidChannel = "Invalid channel"
	MsgNotParticipant = "Forbidden - not a participant"
	MsgLookupFailed   = "Conversation lookup failed"
)

// Authorizer checks channel membership against a storage.Store.
// It never caches: membership changes take effect on the next request.
type Authorizer struct {
	store   storage.Store
	timeout time.Duration
}

// New creates an Authorizer. A positive timeout bounds each store lookup.
func New(store storage.Store, timeout time.Duration) *Authorizer {
	return &Authorizer{store: store, timeout: timeout}
}

// Authorize returns the conversation owning channel when identity participates in it.
// Errors are NOT_FOUND, FORBIDDEN or UPSTREAM.
func (a *Authorizer) Authorize(ctx context.Context, identity, channel string) (model.Conversation, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	conv, err := a.store.FindConversationByCallChannel(ctx, channel)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Conversation{}, errordefs.New(errordefs.NOT_FOUND, MsgInvalidChannel)
		}
		return model.Conversation{}, errordefs.Wrap(errordefs.UPSTREAM, MsgLookupFailed, err)
	}

	ok, err := a.store.IsParticipant(ctx, conv.ID, identity)
	if err != nil {
		return model.Conversation{}, errordefs.Wrap(errordefs.UPSTREAM, MsgLookupFailed, err)
	}
	if !ok {
		return model.Conversation{}, errordefs.New(errordefs.FORBIDDEN, MsgNotParticipant)
	}
	return *conv, nil
}
