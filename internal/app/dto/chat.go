package dto

import (
	"time"

	"gigdeal/internal/domain/negotiation"
)

// Push event types.
const (
	EventNewMessage    = "newMessage"
	EventPriceApproved = "priceApproved"
)

// Party is the wire form of a negotiating participant.
type Party struct {
	ID     string `json:"_id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Proposal is one priced offer.
type Proposal struct {
	ID            string           `json:"_id"`
	ProposerRole  negotiation.Role `json:"proposerRole"`
	ProposedPrice float64          `json:"proposedPrice"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// Conversation is the full snapshot returned by every chat endpoint and push event.
type Conversation struct {
	ID                  string     `json:"_id"`
	EventID             string     `json:"eventId,omitempty"`
	Host                Party      `json:"host"`
	Artist              Party      `json:"artist"`
	Messages            []Proposal `json:"messages"`
	HostApproved        bool       `json:"hostApproved"`
	ArtistApproved      bool       `json:"artistApproved"`
	IsFinalized         bool       `json:"isFinalized"`
	LatestProposedPrice float64    `json:"latestProposedPrice"`
}

// ChatEnvelope wraps a snapshot in REST responses.
type ChatEnvelope struct {
	Chat Conversation `json:"chat"`
}

// PushEnvelope is a single websocket frame.
type PushEnvelope struct {
	Type string       `json:"type"`
	Data Conversation `json:"data"`
}

type ProposalRequest struct {
	ProposedPrice float64 `json:"proposedPrice"`
}

type StartRequest struct {
	EventID       string           `json:"eventId"`
	Host          Party            `json:"host"`
	Artist        Party            `json:"artist"`
	ProposedPrice float64          `json:"proposedPrice"`
	ProposerRole  negotiation.Role `json:"proposerRole"`
}

type ReadReceipt struct {
	ReadAt time.Time `json:"readAt"`
}

type TokenRequest struct {
	PartyID string `json:"partyId"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// ErrorBody carries a structured error code next to the human message.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func FromConversation(c negotiation.Conversation) Conversation {
	out := Conversation{
		ID:                  string(c.ID),
		EventID:             c.EventID,
		Host:                FromParty(c.Host),
		Artist:              FromParty(c.Artist),
		Messages:            make([]Proposal, 0, len(c.Messages)),
		HostApproved:        c.HostApproved,
		ArtistApproved:      c.ArtistApproved,
		IsFinalized:         c.IsFinalized,
		LatestProposedPrice: c.LatestProposedPrice,
	}
	for _, p := range c.Messages {
		out.Messages = append(out.Messages, Proposal{
			ID:            p.ID,
			ProposerRole:  p.ProposerRole,
			ProposedPrice: p.Price,
			CreatedAt:     p.CreatedAt,
		})
	}
	return out
}

func (d Conversation) ToDomain() negotiation.Conversation {
	out := negotiation.Conversation{
		ID:                  negotiation.ConversationID(d.ID),
		EventID:             d.EventID,
		Host:                d.Host.ToDomain(),
		Artist:              d.Artist.ToDomain(),
		Messages:            make([]negotiation.Proposal, 0, len(d.Messages)),
		HostApproved:        d.HostApproved,
		ArtistApproved:      d.ArtistApproved,
		IsFinalized:         d.IsFinalized,
		LatestProposedPrice: d.LatestProposedPrice,
	}
	for _, p := range d.Messages {
		out.Messages = append(out.Messages, negotiation.Proposal{
			ID:           p.ID,
			ProposerRole: p.ProposerRole,
			Price:        p.ProposedPrice,
			CreatedAt:    p.CreatedAt,
		})
	}
	if latest, ok := out.Latest(); ok && out.LatestProposedPrice == 0 {
		out.LatestProposedPrice = latest.Price
	}
	return out
}

func FromParty(p negotiation.Party) Party {
	return Party{ID: p.ID, Name: p.Name, Avatar: p.Avatar}
}

func (p Party) ToDomain() negotiation.Party {
	return negotiation.Party{ID: p.ID, Name: p.Name, Avatar: p.Avatar}
}
