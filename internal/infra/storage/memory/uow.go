package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	appoutbox "gigdeal/internal/app/outbox"
	"gigdeal/internal/app/uow"
	"gigdeal/internal/domain/negotiation"
)

var ErrFactoryMisconfigured = errors.New("memory: unit of work factory misconfigured")

var errUnitClosed = errors.New("memory: unit of work already finished")

// Factory stages writes per unit and applies them under the repository lock
// on Commit, so a failed outbox write leaves the conversation untouched.
type Factory struct {
	Conversations *ConversationRepository
	Outbox        appoutbox.Outbox
}

func (f Factory) Begin(ctx context.Context, opts uow.TxOptions) (uow.UnitOfWork, error) {
	if f.Conversations == nil || f.Outbox == nil {
		return nil, ErrFactoryMisconfigured
	}
	u := &Unit{repo: f.Conversations, box: f.Outbox, staged: map[negotiation.ConversationID]stagedWrite{}}
	u.conversations = stagedConversations{u}
	u.outbox = stagedOutbox{u}
	return u, nil
}

type Unit struct {
	repo *ConversationRepository
	box  appoutbox.Outbox

	mu      sync.Mutex
	staged  map[negotiation.ConversationID]stagedWrite
	order   []negotiation.ConversationID
	records []appoutbox.EventRecord
	done    bool

	conversations stagedConversations
	outbox        stagedOutbox
}

func (u *Unit) Conversations() negotiation.Repository { return u.conversations }

func (u *Unit) Outbox() appoutbox.Outbox { return u.outbox }

func (u *Unit) Commit(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return errUnitClosed
	}
	u.done = true
	writes := make([]stagedWrite, 0, len(u.order))
	for _, id := range u.order {
		writes = append(writes, u.staged[id])
	}
	return u.repo.apply(writes, func() error {
		for _, rec := range u.records {
			if err := u.box.Add(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (u *Unit) Rollback(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.done = true
	return nil
}

type stagedConversations struct{ u *Unit }

func (s stagedConversations) ByID(ctx context.Context, id negotiation.ConversationID) (*negotiation.Conversation, error) {
	s.u.mu.Lock()
	w, ok := s.u.staged[id]
	s.u.mu.Unlock()
	if ok {
		out := w.conv.Clone()
		return &out, nil
	}
	return s.u.repo.ByID(ctx, id)
}

func (s stagedConversations) ByEventArtist(ctx context.Context, eventID, artistID string) (*negotiation.Conversation, error) {
	s.u.mu.Lock()
	for _, id := range s.u.order {
		if w := s.u.staged[id]; w.conv.EventID == eventID && w.conv.Artist.ID == artistID {
			s.u.mu.Unlock()
			out := w.conv.Clone()
			return &out, nil
		}
	}
	s.u.mu.Unlock()
	return s.u.repo.ByEventArtist(ctx, eventID, artistID)
}

// Save reports conflicts visible now; Commit checks again.
func (s stagedConversations) Save(ctx context.Context, c *negotiation.Conversation) error {
	s.u.mu.Lock()
	defer s.u.mu.Unlock()
	if s.u.done {
		return errUnitClosed
	}
	w, ok := s.u.staged[c.ID]
	switch {
	case ok && w.conv.Version != c.Version:
		return negotiation.ErrConcurrentUpdate
	case ok:
		w.conv = c.Clone()
		w.conv.Version++
	default:
		if err := s.u.repo.check(*c, c.Version); err != nil {
			return err
		}
		w = stagedWrite{conv: c.Clone(), base: c.Version}
		w.conv.Version++
		s.u.order = append(s.u.order, c.ID)
	}
	s.u.staged[c.ID] = w
	c.Version = w.conv.Version
	return nil
}

// MarkRead is not staged; receipts carry no outbox record.
func (s stagedConversations) MarkRead(ctx context.Context, id negotiation.ConversationID, partyID string, at time.Time) error {
	return s.u.repo.MarkRead(ctx, id, partyID, at)
}

type stagedOutbox struct{ u *Unit }

func (s stagedOutbox) Add(ctx context.Context, record appoutbox.EventRecord) error {
	s.u.mu.Lock()
	defer s.u.mu.Unlock()
	if s.u.done {
		return errUnitClosed
	}
	s.u.records = append(s.u.records, record)
	return nil
}

var (
	_ uow.Factory            = Factory{}
	_ negotiation.Repository = stagedConversations{}
	_ appoutbox.Outbox       = stagedOutbox{}
)
