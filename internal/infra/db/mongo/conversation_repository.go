package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"gigdeal/internal/domain/negotiation"
)

type ConversationRepository struct {
	col      *mongo.Collection
	receipts *mongo.Collection
}

func NewConversationRepository(ctx context.Context, db *mongo.Database) (*ConversationRepository, error) {
	col := db.Collection("agg_conversation")
	_, err := col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "event_id", Value: 1}, {Key: "artist._id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return &ConversationRepository{col: col, receipts: db.Collection("conversation_reads")}, nil
}

func (r *ConversationRepository) ByID(ctx context.Context, id negotiation.ConversationID) (*negotiation.Conversation, error) {
	return r.findOne(ctx, bson.M{"_id": string(id)}, id)
}

func (r *ConversationRepository) ByEventArtist(ctx context.Context, eventID, artistID string) (*negotiation.Conversation, error) {
	return r.findOne(ctx, bson.M{"event_id": eventID, "artist._id": artistID}, negotiation.ConversationID(eventID+"/"+artistID))
}

func (r *ConversationRepository) findOne(ctx context.Context, filter bson.M, id negotiation.ConversationID) (*negotiation.Conversation, error) {
	var doc conversationDocument
	if err := r.col.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, negotiation.NotFound(id)
		}
		return nil, err
	}
	return doc.toAggregate(), nil
}

// Save upserts on (_id, version); a stale version either matches nothing or
// collides with the existing _id.
func (r *ConversationRepository) Save(ctx context.Context, c *negotiation.Conversation) error {
	doc := newConversationDocument(c)
	filter := bson.M{"_id": doc.ID, "version": c.Version}
	doc.Version = c.Version + 1
	res, err := r.col.UpdateOne(ctx, filter, bson.M{"$set": doc}, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) || isTransactionConflict(err) {
			return negotiation.ErrConcurrentUpdate
		}
		return err
	}
	if res.MatchedCount == 0 && res.UpsertedCount == 0 {
		return negotiation.ErrConcurrentUpdate
	}
	c.Version = doc.Version
	return nil
}

func (r *ConversationRepository) MarkRead(ctx context.Context, id negotiation.ConversationID, partyID string, at time.Time) error {
	n, err := r.col.CountDocuments(ctx, bson.M{"_id": string(id)})
	if err != nil {
		return err
	}
	if n == 0 {
		return negotiation.NotFound(id)
	}
	_, err = r.receipts.UpdateOne(ctx,
		bson.M{"_id": string(id) + ":" + partyID},
		bson.M{"$set": bson.M{"conversation_id": string(id), "party_id": partyID, "read_at": at.UnixMilli()}},
		options.Update().SetUpsert(true))
	return err
}

type conversationDocument struct {
	ID                  string             `bson:"_id"`
	EventID             string             `bson:"event_id"`
	Host                partyDocument      `bson:"host"`
	Artist              partyDocument      `bson:"artist"`
	Messages            []proposalDocument `bson:"messages"`
	HostApproved        bool               `bson:"host_approved"`
	ArtistApproved      bool               `bson:"artist_approved"`
	IsFinalized         bool               `bson:"is_finalized"`
	LatestProposedPrice float64            `bson:"latest_proposed_price"`
	CreatedAt           int64              `bson:"created_at"`
	UpdatedAt           int64              `bson:"updated_at"`
	Version             int64              `bson:"version"`
}

type partyDocument struct {
	ID     string `bson:"_id"`
	Name   string `bson:"name"`
	Avatar string `bson:"avatar,omitempty"`
}

type proposalDocument struct {
	ID           string  `bson:"_id"`
	ProposerRole string  `bson:"proposer_role"`
	Price        float64 `bson:"price"`
	CreatedAt    int64   `bson:"created_at"`
}

func newConversationDocument(c *negotiation.Conversation) conversationDocument {
	doc := conversationDocument{
		ID:                  string(c.ID),
		EventID:             c.EventID,
		Host:                partyDocument(c.Host),
		Artist:              partyDocument(c.Artist),
		Messages:            make([]proposalDocument, 0, len(c.Messages)),
		HostApproved:        c.HostApproved,
		ArtistApproved:      c.ArtistApproved,
		IsFinalized:         c.IsFinalized,
		LatestProposedPrice: c.LatestProposedPrice,
		CreatedAt:           c.CreatedAt.UnixMilli(),
		UpdatedAt:           c.UpdatedAt.UnixMilli(),
		Version:             c.Version,
	}
	for _, p := range c.Messages {
		doc.Messages = append(doc.Messages, proposalDocument{
			ID:           p.ID,
			ProposerRole: string(p.ProposerRole),
			Price:        p.Price,
			CreatedAt:    p.CreatedAt.UnixMilli(),
		})
	}
	return doc
}

func (d conversationDocument) toAggregate() *negotiation.Conversation {
	c := &negotiation.Conversation{
		ID:                  negotiation.ConversationID(d.ID),
		EventID:             d.EventID,
		Host:                negotiation.Party(d.Host),
		Artist:              negotiation.Party(d.Artist),
		Messages:            make([]negotiation.Proposal, 0, len(d.Messages)),
		HostApproved:        d.HostApproved,
		ArtistApproved:      d.ArtistApproved,
		IsFinalized:         d.IsFinalized,
		LatestProposedPrice: d.LatestProposedPrice,
		CreatedAt:           timestampToTime(d.CreatedAt),
		UpdatedAt:           timestampToTime(d.UpdatedAt),
		Version:             d.Version,
	}
	for _, p := range d.Messages {
		c.Messages = append(c.Messages, negotiation.Proposal{
			ID:           p.ID,
			ProposerRole: negotiation.Role(p.ProposerRole),
			Price:        p.Price,
			CreatedAt:    timestampToTime(p.CreatedAt),
		})
	}
	return c
}

func timestampToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

var _ negotiation.Repository = (*ConversationRepository)(nil)
