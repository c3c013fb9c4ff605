package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gigdeal/internal/app/commands"
	"gigdeal/internal/app/outbox"
	"gigdeal/internal/app/uow"
	"gigdeal/internal/domain/negotiation"
	"gigdeal/internal/infra/storage/memory"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) ConversationUpdated(ctx context.Context, eventType string, conv negotiation.Conversation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
}

// contendedRepo fails every update of an existing conversation.
type contendedRepo struct {
	*memory.ConversationRepository
	saves int
}

func (r *contendedRepo) Save(ctx context.Context, c *negotiation.Conversation) error {
	if c.Version > 0 {
		r.saves++
		return negotiation.ErrConcurrentUpdate
	}
	return r.ConversationRepository.Save(ctx, c)
}

// racingRepo lets another writer create the conversation between lookup and save.
type racingRepo struct {
	*memory.ConversationRepository
	winner *negotiation.Conversation
}

func (r *racingRepo) Save(ctx context.Context, c *negotiation.Conversation) error {
	if r.winner != nil {
		w := r.winner
		r.winner = nil
		if err := r.ConversationRepository.Save(ctx, w); err != nil {
			return err
		}
	}
	return r.ConversationRepository.Save(ctx, c)
}

// directUnits writes straight through to repo so fakes see every Save.
type directUnits struct {
	repo negotiation.Repository
	box  outbox.Outbox
}

func (f directUnits) Begin(ctx context.Context, opts uow.TxOptions) (uow.UnitOfWork, error) {
	return directUnit(f), nil
}

type directUnit directUnits

func (u directUnit) Conversations() negotiation.Repository { return u.repo }
func (u directUnit) Outbox() outbox.Outbox                 { return u.box }
func (u directUnit) Commit(ctx context.Context) error      { return nil }
func (u directUnit) Rollback(ctx context.Context) error    { return nil }

type failingOutbox struct{ adds int }

func (f *failingOutbox) Add(ctx context.Context, rec outbox.EventRecord) error {
	f.adds++
	return errors.New("outbox collection unavailable")
}

func newBus(t *testing.T, repo negotiation.Repository) (*commands.InMemoryBus, *Deps, *memory.Outbox, *recordingNotifier) {
	t.Helper()
	box := memory.NewOutbox()
	var units uow.Factory = directUnits{repo: repo, box: box}
	if mem, ok := repo.(*memory.ConversationRepository); ok {
		units = memory.Factory{Conversations: mem, Outbox: box}
	}
	notifier := &recordingNotifier{}
	seq := 0
	deps := &Deps{
		Conversations: repo,
		Units:         units,
		Notifier:      notifier,
		Now:           func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) },
		NewChatID:     func() string { return "conv-1" },
		NewProposalID: func() string { seq++; return "p-" + string(rune('0'+seq)) },
	}
	bus := commands.NewInMemoryBus()
	Register(bus, deps)
	return bus, deps, box, notifier
}

func startCmd(actor string) StartChatCommand {
	return StartChatCommand{
		ActorID: actor,
		EventID: "evt-1",
		Host:    negotiation.Party{ID: "host-1"},
		Artist:  negotiation.Party{ID: "artist-1"},
		Price:   5000,
	}
}

func TestStartChatReturnsExistingConversation(t *testing.T) {
	ctx := context.Background()
	bus, _, _, notifier := newBus(t, memory.NewConversationRepository())

	first, err := commands.Dispatch[StartChatCommand, *ChatResult](ctx, bus, startCmd("artist-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := commands.Dispatch[StartChatCommand, *ChatResult](ctx, bus, startCmd("host-1"))
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if first.Chat.ID != second.Chat.ID || len(second.Chat.Messages) != 1 {
		t.Fatalf("expected the same conversation, got %+v", second.Chat)
	}
	if len(notifier.events) != 1 {
		t.Fatalf("only creation should notify, got %v", notifier.events)
	}

	stranger := startCmd("someone")
	stranger.Host.ID = "someone"
	if _, err := commands.Dispatch[StartChatCommand, *ChatResult](ctx, bus, stranger); negotiation.CodeOf(err) != negotiation.CodeNotParticipant {
		t.Fatalf("stranger must not read an existing conversation, got %v", err)
	}
}

func TestStartChatResolvesCreationRace(t *testing.T) {
	ctx := context.Background()
	repo := &racingRepo{ConversationRepository: memory.NewConversationRepository()}
	winner, err := negotiation.NewConversation(negotiation.CreateParams{
		ID:           "conv-winner",
		EventID:      "evt-1",
		Host:         negotiation.Party{ID: "host-1"},
		Artist:       negotiation.Party{ID: "artist-1"},
		ProposerRole: negotiation.RoleHost,
		ProposalID:   "p-w",
		Price:        4000,
		CreatedAt:    time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("NewConversation: %v", err)
	}
	repo.winner = winner
	bus, _, _, _ := newBus(t, repo)

	res, err := commands.Dispatch[StartChatCommand, *ChatResult](ctx, bus, startCmd("artist-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.Chat.ID != "conv-winner" || res.Chat.LatestProposedPrice != 4000 {
		t.Fatalf("expected the winner's conversation, got %+v", res.Chat)
	}
}

func TestApprovalFinalizesAndRecordsOnce(t *testing.T) {
	ctx := context.Background()
	bus, _, box, notifier := newBus(t, memory.NewConversationRepository())
	if _, err := commands.Dispatch[StartChatCommand, *ChatResult](ctx, bus, startCmd("artist-1")); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := commands.Dispatch[ApprovePriceCommand, *ChatResult](ctx, bus, ApprovePriceCommand{ConversationID: "conv-1", ActorID: "artist-1"})
	if !errors.Is(err, negotiation.ErrNotEntitled) {
		t.Fatalf("author approving first = %v, want not entitled", err)
	}
	if _, err := commands.Dispatch[ApprovePriceCommand, *ChatResult](ctx, bus, ApprovePriceCommand{ConversationID: "conv-1", ActorID: "host-1"}); err != nil {
		t.Fatalf("host approve: %v", err)
	}
	res, err := commands.Dispatch[ApprovePriceCommand, *ChatResult](ctx, bus, ApprovePriceCommand{ConversationID: "conv-1", ActorID: "artist-1"})
	if err != nil {
		t.Fatalf("artist approve: %v", err)
	}
	if !res.Chat.IsFinalized {
		t.Fatal("both approvals should finalize")
	}
	if box.Pending() != 1 {
		t.Fatalf("outbox pending = %d, want 1", box.Pending())
	}
	if got := notifier.events[len(notifier.events)-1]; got != "priceApproved" {
		t.Fatalf("last notification = %q", got)
	}

	_, err = commands.Dispatch[SendProposalCommand, *ChatResult](ctx, bus, SendProposalCommand{ConversationID: "conv-1", ActorID: "host-1", Price: 10})
	if !errors.Is(err, negotiation.ErrFinalized) {
		t.Fatalf("proposal after finalize = %v", err)
	}
}

func TestFinalizationFailsWhenOutboxRejectsEvent(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewConversationRepository()
	bus, deps, _, notifier := newBus(t, repo)
	failing := &failingOutbox{}
	deps.Units = memory.Factory{Conversations: repo, Outbox: failing}
	if _, err := commands.Dispatch[StartChatCommand, *ChatResult](ctx, bus, startCmd("artist-1")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := commands.Dispatch[ApprovePriceCommand, *ChatResult](ctx, bus, ApprovePriceCommand{ConversationID: "conv-1", ActorID: "host-1"}); err != nil {
		t.Fatalf("host approve: %v", err)
	}
	before := len(notifier.events)

	_, err := commands.Dispatch[ApprovePriceCommand, *ChatResult](ctx, bus, ApprovePriceCommand{ConversationID: "conv-1", ActorID: "artist-1"})
	if negotiation.KindOf(err) != negotiation.KindNetwork || negotiation.CodeOf(err) != codeStoreUnavailable {
		t.Fatalf("expected store_unavailable network error, got %v", err)
	}
	if failing.adds != 1 {
		t.Fatalf("outbox adds = %d, want 1", failing.adds)
	}
	stored, err := repo.ByID(ctx, "conv-1")
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	if stored.IsFinalized || stored.ArtistApproved {
		t.Fatal("approval must not commit without its finalized event")
	}
	if len(notifier.events) != before {
		t.Fatal("failed command must not notify")
	}

	deps.Units = memory.Factory{Conversations: repo, Outbox: memory.NewOutbox()}
	res, err := commands.Dispatch[ApprovePriceCommand, *ChatResult](ctx, bus, ApprovePriceCommand{ConversationID: "conv-1", ActorID: "artist-1"})
	if err != nil || !res.Chat.IsFinalized {
		t.Fatalf("retry after outage: %v", err)
	}
}

func TestMutateGivesUpUnderContention(t *testing.T) {
	ctx := context.Background()
	repo := &contendedRepo{ConversationRepository: memory.NewConversationRepository()}
	bus, _, _, _ := newBus(t, repo)
	if _, err := commands.Dispatch[StartChatCommand, *ChatResult](ctx, bus, startCmd("artist-1")); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := commands.Dispatch[SendProposalCommand, *ChatResult](ctx, bus, SendProposalCommand{ConversationID: "conv-1", ActorID: "host-1", Price: 4500})
	if negotiation.KindOf(err) != negotiation.KindNetwork || negotiation.CodeOf(err) != "busy" {
		t.Fatalf("expected busy network error, got %v", err)
	}
	if repo.saves != maxSaveAttempts {
		t.Fatalf("saves = %d, want %d", repo.saves, maxSaveAttempts)
	}
}

func TestSendProposalRejectsBadPrice(t *testing.T) {
	ctx := context.Background()
	bus, _, _, _ := newBus(t, memory.NewConversationRepository())
	_, _ = commands.Dispatch[StartChatCommand, *ChatResult](ctx, bus, startCmd("artist-1"))
	_, err := commands.Dispatch[SendProposalCommand, *ChatResult](ctx, bus, SendProposalCommand{ConversationID: "conv-1", ActorID: "host-1", Price: 0})
	if negotiation.KindOf(err) != negotiation.KindInvalid {
		t.Fatalf("kind = %q, want invalid", negotiation.KindOf(err))
	}
}
