package chat

import (
	"time"

	"gigdeal/internal/app/dto"
	"gigdeal/internal/domain/negotiation"
)

const (
	startChatKey    = "chat.start"
	sendProposalKey = "chat.send_proposal"
	approvePriceKey = "chat.approve_price"
	markReadKey     = "chat.mark_read"
)

// ChatResult is the snapshot answer shared by every chat command.
type ChatResult struct {
	Chat dto.Conversation `json:"chat"`
}

type ReadResult struct {
	ReadAt time.Time `json:"readAt"`
}

type StartChatCommand struct {
	ActorID         string
	EventID         string
	Host            negotiation.Party
	Artist          negotiation.Party
	Price           float64
	ProposerRole    negotiation.Role
	IdempotencyKeyV string
}

func (c StartChatCommand) Key() string            { return startChatKey }
func (c StartChatCommand) Actor() string          { return c.ActorID }
func (c StartChatCommand) IdempotencyKey() string { return scoped(c.ActorID, c.IdempotencyKeyV) }
func (c StartChatCommand) ResultPrototype() any   { return &ChatResult{} }

type SendProposalCommand struct {
	ConversationID  negotiation.ConversationID
	ActorID         string
	Price           float64
	IdempotencyKeyV string
}

func (c SendProposalCommand) Key() string            { return sendProposalKey }
func (c SendProposalCommand) Actor() string          { return c.ActorID }
func (c SendProposalCommand) IdempotencyKey() string { return scoped(c.ActorID, c.IdempotencyKeyV) }
func (c SendProposalCommand) ResultPrototype() any   { return &ChatResult{} }

type ApprovePriceCommand struct {
	ConversationID  negotiation.ConversationID
	ActorID         string
	IdempotencyKeyV string
}

func (c ApprovePriceCommand) Key() string            { return approvePriceKey }
func (c ApprovePriceCommand) Actor() string          { return c.ActorID }
func (c ApprovePriceCommand) IdempotencyKey() string { return scoped(c.ActorID, c.IdempotencyKeyV) }
func (c ApprovePriceCommand) ResultPrototype() any   { return &ChatResult{} }

type MarkReadCommand struct {
	ConversationID negotiation.ConversationID
	ActorID        string
}

func (c MarkReadCommand) Key() string   { return markReadKey }
func (c MarkReadCommand) Actor() string { return c.ActorID }

// GetChatQuery is answered directly; reads bypass the command bus.
type GetChatQuery struct {
	ConversationID negotiation.ConversationID
	ActorID        string
}

// scoped keeps one party's keys from colliding with another's.
func scoped(actor, key string) string {
	if key == "" {
		return ""
	}
	return actor + "/" + key
}
