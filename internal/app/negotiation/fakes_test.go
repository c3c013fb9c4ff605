package negotiation

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	domainnegotiation "gigdeal/internal/domain/negotiation"
)

const testConversationID domainnegotiation.ConversationID = "conv-1"

// fakeBackend enforces the server-side protocol in memory and pushes every
// change to subscribers before answering the request.
type fakeBackend struct {
	mu    sync.Mutex
	conv  domainnegotiation.Conversation
	hub   *fakeHub
	now   time.Time
	seq   int
	calls map[string]int

	fetchErr   error
	proposeErr func(applied bool) error
	approveErr error
	// applyBeforeError makes proposeErr fire after the proposal was stored.
	applyBeforeError bool
	block            chan struct{}
}

func newFakeBackend(t *testing.T, proposer domainnegotiation.Role, price float64) *fakeBackend {
	t.Helper()
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	conv, err := domainnegotiation.NewConversation(domainnegotiation.CreateParams{
		ID:           testConversationID,
		EventID:      "evt-1",
		Host:         domainnegotiation.Party{ID: "host-1", Name: "Venue"},
		Artist:       domainnegotiation.Party{ID: "artist-1", Name: "Quartet"},
		ProposerRole: proposer,
		ProposalID:   "p-0",
		Price:        price,
		CreatedAt:    start,
	})
	if err != nil {
		t.Fatalf("NewConversation: %v", err)
	}
	return &fakeBackend{conv: *conv, hub: &fakeHub{}, now: start, calls: map[string]int{}}
}

func (b *fakeBackend) snapshot() domainnegotiation.Conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conv.Clone()
}

func (b *fakeBackend) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *fakeBackend) transport(role domainnegotiation.Role) *fakeTransport {
	return &fakeTransport{backend: b, role: role}
}

type fakeTransport struct {
	backend *fakeBackend
	role    domainnegotiation.Role
}

func (t *fakeTransport) FetchConversation(ctx context.Context, id domainnegotiation.ConversationID) (domainnegotiation.Conversation, error) {
	b := t.backend
	b.mu.Lock()
	b.calls["fetch"]++
	err := b.fetchErr
	conv := b.conv.Clone()
	b.mu.Unlock()
	if err != nil {
		return domainnegotiation.Conversation{}, err
	}
	return conv, nil
}

func (t *fakeTransport) PostProposal(ctx context.Context, id domainnegotiation.ConversationID, price float64) (domainnegotiation.Conversation, error) {
	b := t.backend
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	b.calls["propose"]++
	if b.proposeErr != nil && !b.applyBeforeError {
		err := b.proposeErr(false)
		b.mu.Unlock()
		return domainnegotiation.Conversation{}, err
	}
	b.seq++
	b.now = b.now.Add(time.Minute)
	if _, err := b.conv.Propose(t.role, "p-"+string(rune('0'+b.seq)), price, b.now); err != nil {
		b.mu.Unlock()
		return domainnegotiation.Conversation{}, err
	}
	conv := b.conv.Clone()
	failure := b.proposeErr
	b.mu.Unlock()
	if failure != nil {
		return domainnegotiation.Conversation{}, failure(true)
	}
	b.hub.publish(conv)
	return conv, nil
}

func (t *fakeTransport) PostApproval(ctx context.Context, id domainnegotiation.ConversationID) (domainnegotiation.Conversation, error) {
	b := t.backend
	b.mu.Lock()
	b.calls["approve"]++
	if b.approveErr != nil {
		err := b.approveErr
		b.mu.Unlock()
		return domainnegotiation.Conversation{}, err
	}
	if _, err := b.conv.Approve(t.role, b.now); err != nil {
		b.mu.Unlock()
		return domainnegotiation.Conversation{}, err
	}
	conv := b.conv.Clone()
	b.mu.Unlock()
	b.hub.publish(conv)
	return conv, nil
}

type fakeHub struct {
	mu     sync.Mutex
	next   int
	subs   map[int]fakeSub
	closed int
}

type fakeSub struct {
	id domainnegotiation.ConversationID
	fn func(domainnegotiation.Conversation)
}

func (h *fakeHub) OnConversationUpdated(id domainnegotiation.ConversationID, fn func(domainnegotiation.Conversation)) (io.Closer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = map[int]fakeSub{}
	}
	h.next++
	key := h.next
	h.subs[key] = fakeSub{id: id, fn: fn}
	return closerFunc(func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[key]; ok {
			delete(h.subs, key)
			h.closed++
		}
		return nil
	}), nil
}

func (h *fakeHub) publish(conv domainnegotiation.Conversation) {
	h.mu.Lock()
	subs := make([]fakeSub, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		if s.id == conv.ID {
			s.fn(conv.Clone())
		}
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type recordingListener struct {
	mu        sync.Mutex
	proposals [][]domainnegotiation.Proposal
	approvals [][2]bool
	finalized []float64
	failures  []domainnegotiation.ErrorKind
	states    []State
}

func (r *recordingListener) ProposalsChanged(messages []domainnegotiation.Proposal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proposals = append(r.proposals, messages)
}

func (r *recordingListener) ApprovalsChanged(host, artist bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals = append(r.approvals, [2]bool{host, artist})
}

func (r *recordingListener) Finalized(price float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = append(r.finalized, price)
}

func (r *recordingListener) Failed(kind domainnegotiation.ErrorKind, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, kind)
}

func (r *recordingListener) StateChanged(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recordingListener) finalizedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.finalized)
}

func (r *recordingListener) lastFailure() domainnegotiation.ErrorKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.failures) == 0 {
		return ""
	}
	return r.failures[len(r.failures)-1]
}

func startController(t *testing.T, b *fakeBackend, role domainnegotiation.Role) (*Controller, *recordingListener) {
	t.Helper()
	rec := &recordingListener{}
	ctrl, err := NewController(Config{
		ConversationID: testConversationID,
		LocalRole:      role,
		Transport:      b.transport(role),
		Updates:        b.hub,
		Listener:       rec,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl, rec
}

func mustConversation(t *testing.T, c *Controller) domainnegotiation.Conversation {
	t.Helper()
	conv, ok := c.Conversation()
	if !ok {
		t.Fatalf("controller has no conversation")
	}
	return conv
}

func networkError(ambiguous bool) error {
	err := domainnegotiation.NewError(domainnegotiation.KindNetwork, "post proposal", "", errors.New("i/o timeout"))
	err.Ambiguous = ambiguous
	return err
}
