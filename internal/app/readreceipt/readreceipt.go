package readreceipt

import (
	"context"
	"errors"
	"log/slog"

	domainnegotiation "gigdeal/internal/domain/negotiation"
)

// MarkReader records that the local party has seen a conversation.
type MarkReader interface {
	MarkRead(ctx context.Context, id domainnegotiation.ConversationID) error
}

// Refresher re-fetches conversation state.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Synchronizer marks a conversation read whenever the user focuses it and
// pulls the latest snapshot afterwards.
type Synchronizer struct {
	ConversationID domainnegotiation.ConversationID
	Receipts       MarkReader
	Conversation   Refresher
	Logger         *slog.Logger
}

// Focus is best effort for the receipt. The refresh error is returned so the
// caller can log it; negotiation state is left untouched.
func (s *Synchronizer) Focus(ctx context.Context) error {
	if s.Conversation == nil {
		return errors.New("readreceipt: refresher required")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if s.Receipts != nil {
		if err := s.Receipts.MarkRead(ctx, s.ConversationID); err != nil {
			logger.Warn("mark as read failed", "conversation_id", s.ConversationID, "error", err)
		}
	}
	return s.Conversation.Refresh(ctx)
}
