package memory

import (
	"context"
	"sync"
	"time"

	appoutbox "gigdeal/internal/app/outbox"
)

type outboxState int

const (
	outboxNew outboxState = iota
	outboxClaimed
	outboxSent
	outboxFailed
)

type outboxEntry struct {
	record   appoutbox.EventRecord
	state    outboxState
	attempts int
	next     time.Time
	lastErr  string
}

// Outbox is an in-process queue with the same claim protocol as the mongo store.
type Outbox struct {
	mu      sync.Mutex
	entries []*outboxEntry
	now     func() time.Time
}

func NewOutbox() *Outbox {
	return &Outbox{now: time.Now}
}

func (o *Outbox) Add(ctx context.Context, record appoutbox.EventRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, &outboxEntry{record: record, state: outboxNew, next: o.now()})
	return nil
}

func (o *Outbox) Claim(ctx context.Context, workerID string) (*appoutbox.Pending, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	for _, e := range o.entries {
		if (e.state == outboxNew || e.state == outboxFailed) && !e.next.After(now) {
			e.state = outboxClaimed
			return &appoutbox.Pending{EventRecord: e.record, Attempts: e.attempts}, nil
		}
	}
	return nil, nil
}

func (o *Outbox) MarkSent(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e := o.find(id); e != nil {
		e.state = outboxSent
	}
	return nil
}

func (o *Outbox) MarkFailed(ctx context.Context, id string, next time.Time, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e := o.find(id); e != nil {
		e.state = outboxFailed
		e.attempts++
		e.next = next
		e.lastErr = reason
	}
	return nil
}

// Pending counts records not yet sent.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.entries {
		if e.state != outboxSent {
			n++
		}
	}
	return n
}

func (o *Outbox) find(id string) *outboxEntry {
	for _, e := range o.entries {
		if e.record.ID == id {
			return e
		}
	}
	return nil
}

var (
	_ appoutbox.Outbox = (*Outbox)(nil)
	_ appoutbox.Queue  = (*Outbox)(nil)
)
