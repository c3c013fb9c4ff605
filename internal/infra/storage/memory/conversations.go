package memory

import (
	"context"
	"sync"
	"time"

	"gigdeal/internal/domain/negotiation"
)

// ConversationRepository keeps conversations in memory with the same
// optimistic versioning as the mongo repository.
type ConversationRepository struct {
	mu       sync.RWMutex
	items    map[negotiation.ConversationID]negotiation.Conversation
	byEvent  map[string]negotiation.ConversationID
	receipts map[negotiation.ConversationID]map[string]time.Time
}

func NewConversationRepository() *ConversationRepository {
	return &ConversationRepository{
		items:    make(map[negotiation.ConversationID]negotiation.Conversation),
		byEvent:  make(map[string]negotiation.ConversationID),
		receipts: make(map[negotiation.ConversationID]map[string]time.Time),
	}
}

// ByID returns a private copy of the stored conversation.
func (r *ConversationRepository) ByID(ctx context.Context, id negotiation.ConversationID) (*negotiation.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.items[id]
	if !ok {
		return nil, negotiation.NotFound(id)
	}
	out := conv.Clone()
	return &out, nil
}

func (r *ConversationRepository) ByEventArtist(ctx context.Context, eventID, artistID string) (*negotiation.Conversation, error) {
	r.mu.RLock()
	id, ok := r.byEvent[eventKey(eventID, artistID)]
	r.mu.RUnlock()
	if !ok {
		return nil, negotiation.NotFound(negotiation.ConversationID(eventID + "/" + artistID))
	}
	return r.ByID(ctx, id)
}

func (r *ConversationRepository) Save(ctx context.Context, c *negotiation.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.conflict(*c, c.Version); err != nil {
		return err
	}
	c.Version++
	r.put(c.Clone())
	return nil
}

// stagedWrite is a conversation saved inside a unit of work. base is the
// version it was loaded at.
type stagedWrite struct {
	conv negotiation.Conversation
	base int64
}

func (r *ConversationRepository) check(c negotiation.Conversation, base int64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conflict(c, base)
}

// apply verifies every write, runs fn, and stores the writes only if fn succeeds.
func (r *ConversationRepository) apply(writes []stagedWrite, fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range writes {
		if err := r.conflict(w.conv, w.base); err != nil {
			return err
		}
	}
	if err := fn(); err != nil {
		return err
	}
	for _, w := range writes {
		r.put(w.conv)
	}
	return nil
}

// conflict reports whether c, loaded at version base, may replace the stored copy.
func (r *ConversationRepository) conflict(c negotiation.Conversation, base int64) error {
	stored, exists := r.items[c.ID]
	switch {
	case exists && stored.Version != base:
		return negotiation.ErrConcurrentUpdate
	case !exists && base != 0:
		return negotiation.ErrConcurrentUpdate
	}
	if owner, taken := r.byEvent[eventKey(c.EventID, c.Artist.ID)]; taken && owner != c.ID {
		return negotiation.ErrConcurrentUpdate
	}
	return nil
}

func (r *ConversationRepository) put(c negotiation.Conversation) {
	r.items[c.ID] = c
	r.byEvent[eventKey(c.EventID, c.Artist.ID)] = c.ID
}

func (r *ConversationRepository) MarkRead(ctx context.Context, id negotiation.ConversationID, partyID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return negotiation.NotFound(id)
	}
	if r.receipts[id] == nil {
		r.receipts[id] = map[string]time.Time{}
	}
	r.receipts[id][partyID] = at
	return nil
}

// ReadAt reports when partyID last marked id as read.
func (r *ConversationRepository) ReadAt(id negotiation.ConversationID, partyID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	at, ok := r.receipts[id][partyID]
	return at, ok
}

func eventKey(eventID, artistID string) string {
	return eventID + "\x00" + artistID
}

var _ negotiation.Repository = (*ConversationRepository)(nil)
