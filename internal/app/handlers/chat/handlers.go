package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"gigdeal/internal/app/commands"
	"gigdeal/internal/app/dto"
	"gigdeal/internal/app/middleware"
	"gigdeal/internal/app/outbox"
	"gigdeal/internal/app/uow"
	"gigdeal/internal/domain/negotiation"
)

const (
	maxSaveAttempts = 3

	codeStoreUnavailable = "store_unavailable"
)

// Notifier fans a changed snapshot out to connected parties.
type Notifier interface {
	ConversationUpdated(ctx context.Context, eventType string, conv negotiation.Conversation)
}

// Deps are shared by every chat handler. Reads go to Conversations; writes
// run in a unit from Units so a snapshot and its outbox records commit together.
type Deps struct {
	Conversations negotiation.Repository
	Units         uow.Factory
	Encoder       outbox.EventEncoder
	Notifier      Notifier
	Logger        *slog.Logger
	Now           func() time.Time
	NewProposalID func() string
	NewChatID     func() string
}

// Register wires the chat command handlers into bus.
func Register(bus *commands.InMemoryBus, deps *Deps) {
	commands.Register[StartChatCommand, *ChatResult](bus, startChatKey, &StartChatHandler{Deps: deps})
	commands.Register[SendProposalCommand, *ChatResult](bus, sendProposalKey, &SendProposalHandler{Deps: deps})
	commands.Register[ApprovePriceCommand, *ChatResult](bus, approvePriceKey, &ApprovePriceHandler{Deps: deps})
	commands.Register[MarkReadCommand, *ReadResult](bus, markReadKey, &MarkReadHandler{Deps: deps})
}

type StartChatHandler struct{ Deps *Deps }

func (h *StartChatHandler) Handle(ctx context.Context, cmd StartChatCommand) (*ChatResult, error) {
	d := h.Deps
	if strings.TrimSpace(cmd.EventID) == "" {
		return nil, negotiation.NewError(negotiation.KindInvalid, startChatKey, "missing_event", errors.New("event id required"))
	}
	var role negotiation.Role
	switch cmd.ActorID {
	case cmd.Host.ID:
		role = negotiation.RoleHost
	case cmd.Artist.ID:
		role = negotiation.RoleArtist
	default:
		return nil, notParticipant(startChatKey)
	}
	if cmd.ProposerRole != "" && cmd.ProposerRole != role {
		return nil, negotiation.NewError(negotiation.KindInvalid, startChatKey, "role_mismatch", errors.New("proposer role must match the caller"))
	}

	existing, err := d.Conversations.ByEventArtist(ctx, cmd.EventID, cmd.Artist.ID)
	switch {
	case err == nil:
		if _, ok := existing.RoleOf(cmd.ActorID); !ok {
			return nil, notParticipant(startChatKey)
		}
		return result(*existing), nil
	case negotiation.KindOf(err) != negotiation.KindNotFound:
		return nil, err
	}

	conv, err := negotiation.NewConversation(negotiation.CreateParams{
		ID:           negotiation.ConversationID(d.newChatID()),
		EventID:      cmd.EventID,
		Host:         cmd.Host,
		Artist:       cmd.Artist,
		ProposerRole: role,
		ProposalID:   d.newProposalID(),
		Price:        cmd.Price,
		CreatedAt:    d.now(),
	})
	if err != nil {
		return nil, err
	}
	err = d.inUnit(ctx, startChatKey, func(ctx context.Context, unit uow.UnitOfWork) error {
		return unit.Conversations().Save(ctx, conv)
	})
	if err != nil {
		if !errors.Is(err, negotiation.ErrConcurrentUpdate) {
			return nil, err
		}
		// Lost a creation race; the winner's conversation is the answer.
		winner, rerr := d.Conversations.ByEventArtist(ctx, cmd.EventID, cmd.Artist.ID)
		if rerr != nil {
			return nil, rerr
		}
		return result(*winner), nil
	}
	d.notify(ctx, dto.EventNewMessage, *conv)
	return result(*conv), nil
}

type SendProposalHandler struct{ Deps *Deps }

func (h *SendProposalHandler) Handle(ctx context.Context, cmd SendProposalCommand) (*ChatResult, error) {
	if err := negotiation.ValidatePrice(cmd.Price); err != nil {
		return nil, err
	}
	d := h.Deps
	conv, err := d.mutate(ctx, sendProposalKey, cmd.ConversationID, cmd.ActorID, func(c *negotiation.Conversation, role negotiation.Role, now time.Time) (bool, []outbox.Event, error) {
		_, err := c.Propose(role, d.newProposalID(), cmd.Price, now)
		return err == nil, nil, err
	})
	if err != nil {
		return nil, err
	}
	d.notify(ctx, dto.EventNewMessage, *conv)
	return result(*conv), nil
}

type ApprovePriceHandler struct{ Deps *Deps }

func (h *ApprovePriceHandler) Handle(ctx context.Context, cmd ApprovePriceCommand) (*ChatResult, error) {
	d := h.Deps
	conv, err := d.mutate(ctx, approvePriceKey, cmd.ConversationID, cmd.ActorID, func(c *negotiation.Conversation, role negotiation.Role, now time.Time) (bool, []outbox.Event, error) {
		already := c.Approved(role)
		done, err := c.Approve(role, now)
		if err != nil || already {
			return false, nil, err
		}
		if done {
			return true, []outbox.Event{negotiation.NewFinalized(*c)}, nil
		}
		return true, nil, nil
	})
	if err != nil {
		return nil, err
	}
	if conv.IsFinalized {
		d.logger().Info("negotiation finalized", "conversation_id", conv.ID, "price", conv.LatestProposedPrice)
	}
	d.notify(ctx, dto.EventPriceApproved, *conv)
	return result(*conv), nil
}

type MarkReadHandler struct{ Deps *Deps }

func (h *MarkReadHandler) Handle(ctx context.Context, cmd MarkReadCommand) (*ReadResult, error) {
	d := h.Deps
	if _, _, err := d.load(ctx, d.Conversations, markReadKey, cmd.ConversationID, cmd.ActorID); err != nil {
		return nil, err
	}
	at := d.now()
	if err := d.Conversations.MarkRead(ctx, cmd.ConversationID, cmd.ActorID, at); err != nil {
		return nil, err
	}
	return &ReadResult{ReadAt: at}, nil
}

type GetChatHandler struct{ Deps *Deps }

func (h *GetChatHandler) Handle(ctx context.Context, q GetChatQuery) (*ChatResult, error) {
	conv, _, err := h.Deps.load(ctx, h.Deps.Conversations, "chat.get", q.ConversationID, q.ActorID)
	if err != nil {
		return nil, err
	}
	return result(*conv), nil
}

func (d *Deps) load(ctx context.Context, repo negotiation.Repository, op string, id negotiation.ConversationID, actor string) (*negotiation.Conversation, negotiation.Role, error) {
	conv, err := repo.ByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	role, ok := conv.RoleOf(actor)
	if !ok {
		return nil, "", notParticipant(op)
	}
	return conv, role, nil
}

// mutation changes c and reports whether anything changed plus the events the
// change produced.
type mutation func(c *negotiation.Conversation, role negotiation.Role, now time.Time) (bool, []outbox.Event, error)

// mutate runs fn against the stored conversation and commits it with its
// events, reloading when another writer got there first.
func (d *Deps) mutate(ctx context.Context, op string, id negotiation.ConversationID, actor string, fn mutation) (*negotiation.Conversation, error) {
	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		var conv *negotiation.Conversation
		err := d.inUnit(ctx, op, func(ctx context.Context, unit uow.UnitOfWork) error {
			loaded, role, err := d.load(ctx, unit.Conversations(), op, id, actor)
			if err != nil {
				return err
			}
			conv = loaded
			changed, events, err := fn(loaded, role, d.now())
			if err != nil || !changed {
				return err
			}
			if err := unit.Conversations().Save(ctx, loaded); err != nil {
				return err
			}
			if err := outbox.Record(ctx, unit.Outbox(), d.Encoder, events...); err != nil {
				return negotiation.NewError(negotiation.KindNetwork, op, codeStoreUnavailable, err)
			}
			return nil
		})
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, negotiation.ErrConcurrentUpdate) {
			return nil, err
		}
		d.logger().Debug("conversation changed concurrently, reloading", "conversation_id", id, "attempt", attempt)
	}
	return nil, negotiation.NewError(negotiation.KindNetwork, op, "busy", fmt.Errorf("after %d attempts: %w", maxSaveAttempts, negotiation.ErrConcurrentUpdate))
}

// inUnit runs fn in the unit already carried by ctx, or in a fresh one it
// commits when fn succeeds.
func (d *Deps) inUnit(ctx context.Context, op string, fn func(ctx context.Context, unit uow.UnitOfWork) error) error {
	if unit, ok := uow.FromContext(ctx); ok {
		return fn(ctx, unit)
	}
	unit, execCtx, err := uow.Begin(ctx, d.Units, uow.TxOptions{})
	if err != nil {
		return fmt.Errorf("%s: begin unit: %w", op, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = unit.Rollback(execCtx)
		}
	}()
	if err := fn(execCtx, unit); err != nil {
		return err
	}
	// Commit ends the unit whether or not it succeeds.
	committed = true
	if err := unit.Commit(execCtx); err != nil {
		if errors.Is(err, negotiation.ErrConcurrentUpdate) {
			return err
		}
		return negotiation.NewError(negotiation.KindNetwork, op, codeStoreUnavailable, err)
	}
	return nil
}

func (d *Deps) notify(ctx context.Context, eventType string, conv negotiation.Conversation) {
	if d.Notifier != nil {
		d.Notifier.ConversationUpdated(ctx, eventType, conv)
	}
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Deps) newProposalID() string {
	if d.NewProposalID != nil {
		return d.NewProposalID()
	}
	return ulid.Make().String()
}

func (d *Deps) newChatID() string {
	if d.NewChatID != nil {
		return d.NewChatID()
	}
	return uuid.NewString()
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func result(c negotiation.Conversation) *ChatResult {
	return &ChatResult{Chat: dto.FromConversation(c)}
}

func notParticipant(op string) error {
	return negotiation.NewError(negotiation.KindUnauthorized, op, negotiation.CodeNotParticipant, errors.New("caller is not a party to this conversation"))
}

var (
	_ commands.Handler[StartChatCommand, *ChatResult]    = (*StartChatHandler)(nil)
	_ commands.Handler[SendProposalCommand, *ChatResult] = (*SendProposalHandler)(nil)
	_ commands.Handler[ApprovePriceCommand, *ChatResult] = (*ApprovePriceHandler)(nil)
	_ commands.Handler[MarkReadCommand, *ReadResult]     = (*MarkReadHandler)(nil)
	_ middleware.IdempotentCommand                       = StartChatCommand{}
	_ middleware.IdempotentCommand                       = SendProposalCommand{}
	_ middleware.IdempotentCommand                       = ApprovePriceCommand{}
	_ middleware.ActorCommand                            = MarkReadCommand{}
	_ outbox.Event                                       = negotiation.Finalized{}
)
