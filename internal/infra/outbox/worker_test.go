package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	appoutbox "gigdeal/internal/app/outbox"
	"gigdeal/internal/domain/negotiation"
	"gigdeal/internal/infra/storage/memory"
)

type published struct {
	topic   string
	key     string
	payload []byte
	headers map[string]string
}

type fakeProducer struct {
	fail error
	out  []published
}

func (p *fakeProducer) Publish(_ context.Context, topic, key string, payload []byte, headers map[string]string) error {
	if p.fail != nil {
		return p.fail
	}
	p.out = append(p.out, published{topic: topic, key: key, payload: payload, headers: headers})
	return nil
}

func finalizedRecord(t *testing.T) appoutbox.EventRecord {
	t.Helper()
	ev := negotiation.Finalized{ConversationID: "conv-1", HostID: "host-1", ArtistID: "artist-1", Price: 5000, At: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	rec, err := appoutbox.JSONEncoder{NewID: func() string { return "evt-1" }}.Encode(ev)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestDrainPublishesCloudEvent(t *testing.T) {
	box := memory.NewOutbox()
	if err := box.Add(context.Background(), finalizedRecord(t)); err != nil {
		t.Fatal(err)
	}
	producer := &fakeProducer{}
	w := &Worker{Queue: box, Producer: producer, TopicPrefix: "dev."}

	n, err := w.Drain(context.Background(), "w-1")
	if err != nil || n != 1 {
		t.Fatalf("Drain: n=%d err=%v", n, err)
	}
	if len(producer.out) != 1 {
		t.Fatalf("expected one message, got %d", len(producer.out))
	}
	msg := producer.out[0]
	if msg.topic != "dev.negotiation.events.v1" || msg.key != "conv-1" {
		t.Fatalf("unexpected routing %s/%s", msg.topic, msg.key)
	}
	if msg.headers["content-type"] != "application/cloudevents+json" {
		t.Fatalf("missing content type header")
	}
	var evt map[string]any
	if err := json.Unmarshal(msg.payload, &evt); err != nil {
		t.Fatal(err)
	}
	if evt["type"] != "negotiation.finalized.v1" || evt["id"] != "evt-1" {
		t.Fatalf("unexpected envelope %v", evt)
	}
	data, _ := evt["data"].(map[string]any)
	if data["price"] != float64(5000) {
		t.Fatalf("unexpected data %v", data)
	}
	if box.Pending() != 0 {
		t.Fatalf("record should be marked sent")
	}
}

func TestDrainSchedulesRetryOnFailure(t *testing.T) {
	box := memory.NewOutbox()
	_ = box.Add(context.Background(), finalizedRecord(t))
	w := &Worker{Queue: box, Producer: &fakeProducer{fail: errors.New("broker down")}, Backoff: []time.Duration{time.Hour}}

	n, err := w.Drain(context.Background(), "w-1")
	if err != nil || n != 1 {
		t.Fatalf("Drain: n=%d err=%v", n, err)
	}
	if box.Pending() != 1 {
		t.Fatalf("failed record must stay pending")
	}
	// backoff keeps it out of the next claim
	if n, _ := w.Drain(context.Background(), "w-1"); n != 0 {
		t.Fatalf("record retried before its backoff elapsed")
	}
}

func TestRunRequiresDependencies(t *testing.T) {
	if err := (&Worker{}).Run(context.Background()); !errors.Is(err, ErrWorkerNotConfigured) {
		t.Fatalf("expected ErrWorkerNotConfigured, got %v", err)
	}
}
