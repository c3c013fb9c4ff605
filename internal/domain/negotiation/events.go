package negotiation

import "time"

const EventFinalized = "negotiation.finalized"

// Finalized is recorded once both parties approved the same proposal.
type Finalized struct {
	ConversationID ConversationID `json:"conversation_id"`
	EventID        string         `json:"event_id"`
	HostID         string         `json:"host_id"`
	ArtistID       string         `json:"artist_id"`
	Price          float64        `json:"price"`
	At             time.Time      `json:"at"`
}

func NewFinalized(c Conversation) Finalized {
	return Finalized{
		ConversationID: c.ID,
		EventID:        c.EventID,
		HostID:         c.Host.ID,
		ArtistID:       c.Artist.ID,
		Price:          c.LatestProposedPrice,
		At:             c.UpdatedAt,
	}
}

func (e Finalized) EventName() string     { return EventFinalized }
func (e Finalized) AggregateID() string   { return string(e.ConversationID) }
func (e Finalized) OccurredAt() time.Time { return e.At }
