package negotiation

import (
	"context"
	"errors"
	"time"
)

// ErrConcurrentUpdate is returned by Save when the stored version moved on.
var ErrConcurrentUpdate = errors.New("negotiation: concurrent update detected")

// Repository persists conversations with optimistic versioning: Save succeeds
// only when the stored version equals c.Version and then increments it.
type Repository interface {
	ByID(ctx context.Context, id ConversationID) (*Conversation, error)
	ByEventArtist(ctx context.Context, eventID, artistID string) (*Conversation, error)
	Save(ctx context.Context, c *Conversation) error
	MarkRead(ctx context.Context, id ConversationID, partyID string, at time.Time) error
}

// NotFound builds the error repositories return for a missing conversation.
func NotFound(id ConversationID) error {
	return NewError(KindNotFound, "load", CodeNotFound, errors.New("conversation "+string(id)+" not found"))
}
