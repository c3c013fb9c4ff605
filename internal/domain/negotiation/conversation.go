package negotiation

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type ConversationID string

type Role string

const (
	RoleHost   Role = "host"
	RoleArtist Role = "artist"
)

// ParseRole accepts "host" or "artist" in any case.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleHost:
		return RoleHost, nil
	case RoleArtist:
		return RoleArtist, nil
	default:
		return "", fmt.Errorf("negotiation: unknown role %q", raw)
	}
}

func (r Role) Valid() bool {
	return r == RoleHost || r == RoleArtist
}

// Counterparty returns the other side of the negotiation.
func (r Role) Counterparty() Role {
	if r == RoleHost {
		return RoleArtist
	}
	return RoleHost
}

// Party carries identity and display attributes of a participant.
type Party struct {
	ID     string
	Name   string
	Avatar string
}

type Proposal struct {
	ID           string
	ProposerRole Role
	Price        float64
	CreatedAt    time.Time
}

// Conversation is one host/artist negotiation thread for one event.
type Conversation struct {
	ID                  ConversationID
	EventID             string
	Host                Party
	Artist              Party
	Messages            []Proposal
	HostApproved        bool
	ArtistApproved      bool
	IsFinalized         bool
	LatestProposedPrice float64
	CreatedAt           time.Time
	UpdatedAt           time.Time
	Version             int64
}

type CreateParams struct {
	ID           ConversationID
	EventID      string
	Host         Party
	Artist       Party
	ProposerRole Role
	ProposalID   string
	Price        float64
	CreatedAt    time.Time
}

// NewConversation opens a negotiation with its initial proposal.
func NewConversation(params CreateParams) (*Conversation, error) {
	if params.ID == "" {
		return nil, errors.New("negotiation: conversation id required")
	}
	if params.Host.ID == "" || params.Artist.ID == "" {
		return nil, invalid("create", "missing_party", errors.New("host and artist are required"))
	}
	if params.Host.ID == params.Artist.ID {
		return nil, invalid("create", "same_party", errors.New("host and artist must differ"))
	}
	if !params.ProposerRole.Valid() {
		return nil, invalid("create", "invalid_role", fmt.Errorf("unknown role %q", params.ProposerRole))
	}
	if err := ValidatePrice(params.Price); err != nil {
		return nil, err
	}
	now := params.CreatedAt.UTC()
	c := &Conversation{
		ID:        params.ID,
		EventID:   params.EventID,
		Host:      params.Host,
		Artist:    params.Artist,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.appendProposal(Proposal{ID: params.ProposalID, ProposerRole: params.ProposerRole, Price: params.Price, CreatedAt: now})
	return c, nil
}

// ValidatePrice rejects non-positive and non-finite prices.
func ValidatePrice(price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return invalid("validate price", CodeInvalidPrice, errors.New("price must be a finite number"))
	}
	if price <= 0 {
		return invalid("validate price", CodeInvalidPrice, errors.New("price must be positive"))
	}
	return nil
}

// ParsePrice converts user input into a validated price.
func ParsePrice(raw string) (float64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, invalid("parse price", CodeInvalidPrice, errors.New("price is required"))
	}
	price, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, invalid("parse price", CodeInvalidPrice, fmt.Errorf("%q is not a number", trimmed))
	}
	if err := ValidatePrice(price); err != nil {
		return 0, err
	}
	return price, nil
}

// Latest returns the most recent proposal by CreatedAt; later position wins ties.
func (c Conversation) Latest() (Proposal, bool) {
	if len(c.Messages) == 0 {
		return Proposal{}, false
	}
	latest := c.Messages[0]
	for _, p := range c.Messages[1:] {
		if !p.CreatedAt.Before(latest.CreatedAt) {
			latest = p
		}
	}
	return latest, true
}

func (c Conversation) Approved(role Role) bool {
	switch role {
	case RoleHost:
		return c.HostApproved
	case RoleArtist:
		return c.ArtistApproved
	default:
		return false
	}
}

func (c Conversation) PartyFor(role Role) Party {
	if role == RoleHost {
		return c.Host
	}
	return c.Artist
}

// RoleOf maps a participant id to its role.
func (c Conversation) RoleOf(partyID string) (Role, bool) {
	switch partyID {
	case "":
		return "", false
	case c.Host.ID:
		return RoleHost, true
	case c.Artist.ID:
		return RoleArtist, true
	default:
		return "", false
	}
}

// CanApprove reports whether role may approve the latest proposal. The author
// of the latest proposal may only confirm it after the counterparty approved.
func (c Conversation) CanApprove(role Role) bool {
	if c.IsFinalized || !role.Valid() || c.Approved(role) {
		return false
	}
	latest, ok := c.Latest()
	if !ok {
		return false
	}
	if latest.ProposerRole != role {
		return true
	}
	return c.Approved(role.Counterparty())
}

// Clone returns a copy that shares no slices with c.
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = append([]Proposal(nil), c.Messages...)
	return out
}

// Propose appends a new proposal and resets both approvals.
func (c *Conversation) Propose(role Role, proposalID string, price float64, now time.Time) (Proposal, error) {
	if c.IsFinalized {
		return Proposal{}, ErrFinalized
	}
	if !role.Valid() {
		return Proposal{}, invalid("propose", "invalid_role", fmt.Errorf("unknown role %q", role))
	}
	if err := ValidatePrice(price); err != nil {
		return Proposal{}, err
	}
	now = now.UTC()
	// CreatedAt must not go backwards or Latest would pick an older entry.
	if latest, ok := c.Latest(); ok && now.Before(latest.CreatedAt) {
		now = latest.CreatedAt
	}
	p := Proposal{ID: proposalID, ProposerRole: role, Price: price, CreatedAt: now}
	c.appendProposal(p)
	c.UpdatedAt = now
	return p, nil
}

// Approve records role's approval of the latest proposal and reports whether
// the conversation became finalized. Repeated approvals are no-ops.
func (c *Conversation) Approve(role Role, now time.Time) (bool, error) {
	if c.IsFinalized {
		return false, ErrFinalized
	}
	if !role.Valid() {
		return false, invalid("approve", "invalid_role", fmt.Errorf("unknown role %q", role))
	}
	if c.Approved(role) {
		return false, nil
	}
	if !c.CanApprove(role) {
		return false, ErrNotEntitled
	}
	if role == RoleHost {
		c.HostApproved = true
	} else {
		c.ArtistApproved = true
	}
	c.UpdatedAt = now.UTC()
	if c.HostApproved && c.ArtistApproved {
		c.IsFinalized = true
		return true, nil
	}
	return false, nil
}

func (c *Conversation) appendProposal(p Proposal) {
	c.Messages = append(c.Messages, p)
	c.HostApproved = false
	c.ArtistApproved = false
	c.LatestProposedPrice = p.Price
}
