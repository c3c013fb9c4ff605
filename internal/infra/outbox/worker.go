package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	appoutbox "gigdeal/internal/app/outbox"
)

type Producer interface {
	Publish(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error
}

// Worker drains an outbox queue into a producer as CloudEvents.
type Worker struct {
	Queue       appoutbox.Queue
	Producer    Producer
	Interval    time.Duration
	TopicPrefix string
	Source      string
	ID          string
	Backoff     []time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

var ErrWorkerNotConfigured = errors.New("outbox: worker missing dependencies")

func (w *Worker) Run(ctx context.Context) error {
	if w.Queue == nil || w.Producer == nil {
		return ErrWorkerNotConfigured
	}
	id := w.workerID()
	ticker := time.NewTicker(w.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Drain(ctx, id); err != nil && ctx.Err() == nil {
				w.logger().Warn("outbox drain failed", "worker", id, "error", err)
			}
		}
	}
}

// Drain publishes claimable records until the queue is empty and reports how
// many were handled.
func (w *Worker) Drain(ctx context.Context, workerID string) (int, error) {
	n := 0
	for {
		more, err := w.processOnce(ctx, workerID)
		if err != nil || !more {
			return n, err
		}
		n++
	}
}

func (w *Worker) processOnce(ctx context.Context, workerID string) (bool, error) {
	rec, err := w.Queue.Claim(ctx, workerID)
	if err != nil || rec == nil {
		return false, err
	}
	topic := w.topicFor(rec.Name)
	payload, headers, err := w.formatPayload(rec.EventRecord)
	if err == nil {
		err = w.Producer.Publish(ctx, topic, rec.Aggregate, payload, headers)
	}
	if err != nil {
		next := w.nextRetry(rec.Attempts)
		w.logger().Warn("outbox publish failed", "event_id", rec.ID, "topic", topic, "attempts", rec.Attempts+1, "retry_at", next, "error", err)
		return true, w.Queue.MarkFailed(ctx, rec.ID, next, err.Error())
	}
	w.logger().Debug("outbox event published", "event_id", rec.ID, "topic", topic)
	return true, w.Queue.MarkSent(ctx, rec.ID)
}

// cloudEvent is the structured-mode CloudEvents 1.0 envelope.
type cloudEvent struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	Subject         string          `json:"subject,omitempty"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	TraceParent     string          `json:"traceparent,omitempty"`
	Data            json.RawMessage `json:"data"`
}

func (w *Worker) formatPayload(rec appoutbox.EventRecord) ([]byte, map[string]string, error) {
	if !json.Valid(rec.Payload) {
		return nil, nil, fmt.Errorf("outbox: event %s has a malformed payload", rec.ID)
	}
	payload, err := json.Marshal(cloudEvent{
		SpecVersion:     "1.0",
		ID:              rec.ID,
		Type:            rec.Name + ".v1",
		Source:          w.source(),
		Subject:         rec.Aggregate,
		Time:            rec.OccurredAt,
		DataContentType: "application/json",
		TraceParent:     rec.Headers["traceparent"],
		Data:            rec.Payload,
	})
	if err != nil {
		return nil, nil, err
	}
	headers := make(map[string]string, len(rec.Headers)+1)
	for k, v := range rec.Headers {
		headers[k] = v
	}
	headers["content-type"] = "application/cloudevents+json"
	return payload, headers, nil
}

// topicFor maps "negotiation.finalized" to "<prefix>negotiation.events.v1".
func (w *Worker) topicFor(name string) string {
	base := name
	if idx := strings.IndexRune(name, '.'); idx > 0 {
		base = name[:idx]
	}
	return w.TopicPrefix + base + ".events.v1"
}

func (w *Worker) workerID() string {
	if w.ID != "" {
		return w.ID
	}
	return uuid.NewString()
}

func (w *Worker) interval() time.Duration {
	if w.Interval <= 0 {
		return 500 * time.Millisecond
	}
	return w.Interval
}

func (w *Worker) nextRetry(attempts int) time.Time {
	now := time.Now()
	if w.Now != nil {
		now = w.Now()
	}
	switch {
	case attempts < len(w.Backoff):
		return now.Add(w.Backoff[attempts])
	case len(w.Backoff) > 0:
		return now.Add(w.Backoff[len(w.Backoff)-1])
	default:
		return now.Add(5 * time.Second)
	}
}

func (w *Worker) source() string {
	if w.Source != "" {
		return w.Source
	}
	return "app://gigdeal"
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// LogProducer writes events to a logger when no broker is configured.
type LogProducer struct {
	Logger *slog.Logger
}

func (p LogProducer) Publish(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "outbox event", "topic", topic, "key", key, "payload", string(payload))
	return nil
}
