package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is what domain packages hand to the outbox.
type Event interface {
	EventName() string
	AggregateID() string
	OccurredAt() time.Time
}

type EventRecord struct {
	ID         string
	Name       string
	Payload    []byte
	OccurredAt time.Time
	Aggregate  string
	Headers    map[string]string
}

// Outbox stores events next to the state change that produced them.
type Outbox interface {
	Add(ctx context.Context, record EventRecord) error
}

// Pending is a claimed record awaiting publication.
type Pending struct {
	EventRecord
	Attempts int
}

// Queue is the worker side of an outbox.
type Queue interface {
	Claim(ctx context.Context, workerID string) (*Pending, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, next time.Time, reason string) error
}

type EventEncoder interface {
	Encode(ev Event) (EventRecord, error)
}

// JSONEncoder stores the event itself as the JSON payload.
type JSONEncoder struct {
	NewID func() string
}

func (e JSONEncoder) Encode(ev Event) (EventRecord, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return EventRecord{}, fmt.Errorf("outbox: encode %s: %w", ev.EventName(), err)
	}
	newID := e.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return EventRecord{
		ID:         newID(),
		Name:       ev.EventName(),
		Payload:    payload,
		OccurredAt: ev.OccurredAt().UTC(),
		Aggregate:  ev.AggregateID(),
		Headers:    map[string]string{"event-name": ev.EventName()},
	}, nil
}

// Record encodes and stores evs in order, stopping at the first failure.
func Record(ctx context.Context, box Outbox, encoder EventEncoder, evs ...Event) error {
	if box == nil || len(evs) == 0 {
		return nil
	}
	if encoder == nil {
		encoder = JSONEncoder{}
	}
	for _, ev := range evs {
		rec, err := encoder.Encode(ev)
		if err != nil {
			return err
		}
		if err := box.Add(ctx, rec); err != nil {
			return fmt.Errorf("outbox: add %s: %w", rec.Name, err)
		}
	}
	return nil
}
