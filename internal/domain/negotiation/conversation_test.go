package negotiation

import (
	"errors"
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func newTestConversation(t *testing.T, proposer Role, price float64) *Conversation {
	t.Helper()
	c, err := NewConversation(CreateParams{
		ID:           "c-1",
		EventID:      "evt-1",
		Host:         Party{ID: "host-1", Name: "Hall"},
		Artist:       Party{ID: "artist-1", Name: "Band"},
		ProposerRole: proposer,
		ProposalID:   "p-1",
		Price:        price,
		CreatedAt:    t0,
	})
	if err != nil {
		t.Fatalf("NewConversation: %v", err)
	}
	return c
}

func TestNewConversationStartsWithInitialProposal(t *testing.T) {
	c := newTestConversation(t, RoleArtist, 5000)
	if len(c.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(c.Messages))
	}
	if c.LatestProposedPrice != 5000 {
		t.Fatalf("expected latest price 5000, got %v", c.LatestProposedPrice)
	}
	if c.HostApproved || c.ArtistApproved || c.IsFinalized {
		t.Fatalf("fresh conversation must have no approvals")
	}
}

func TestNewConversationRejectsSameParty(t *testing.T) {
	_, err := NewConversation(CreateParams{
		ID:           "c-1",
		Host:         Party{ID: "x"},
		Artist:       Party{ID: "x"},
		ProposerRole: RoleHost,
		Price:        10,
	})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestValidatePrice(t *testing.T) {
	for _, price := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if err := ValidatePrice(price); !errors.Is(err, ErrInvalid) {
			t.Fatalf("price %v: expected invalid, got %v", price, err)
		}
	}
	if err := ValidatePrice(0.5); err != nil {
		t.Fatalf("expected 0.5 to be valid, got %v", err)
	}
}

func TestParsePrice(t *testing.T) {
	price, err := ParsePrice(" 4500 ")
	if err != nil || price != 4500 {
		t.Fatalf("expected 4500, got %v (%v)", price, err)
	}
	if _, err := ParsePrice("lots"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid for non-numeric input, got %v", err)
	}
	if CodeOf(func() error { _, err := ParsePrice("-3"); return err }()) != CodeInvalidPrice {
		t.Fatalf("expected invalid_price code")
	}
}

func TestProposeResetsBothApprovals(t *testing.T) {
	c := newTestConversation(t, RoleArtist, 5000)
	if _, err := c.Approve(RoleHost, t0.Add(time.Minute)); err != nil {
		t.Fatalf("host approve: %v", err)
	}
	if !c.HostApproved {
		t.Fatalf("expected host approval")
	}
	if _, err := c.Propose(RoleHost, "p-2", 4800, t0.Add(2*time.Minute)); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if c.HostApproved || c.ArtistApproved {
		t.Fatalf("new proposal must reset approvals, got host=%v artist=%v", c.HostApproved, c.ArtistApproved)
	}
	if c.LatestProposedPrice != 4800 {
		t.Fatalf("expected latest price 4800, got %v", c.LatestProposedPrice)
	}
}

func TestCanApproveGating(t *testing.T) {
	c := newTestConversation(t, RoleArtist, 5000)
	if c.CanApprove(RoleArtist) {
		t.Fatalf("author must not approve before counterparty")
	}
	if !c.CanApprove(RoleHost) {
		t.Fatalf("counterparty must be able to approve")
	}
	if _, err := c.Approve(RoleArtist, t0); !errors.Is(err, ErrNotEntitled) {
		t.Fatalf("expected not entitled, got %v", err)
	}
	if _, err := c.Approve(RoleHost, t0); err != nil {
		t.Fatalf("host approve: %v", err)
	}
	if c.CanApprove(RoleHost) {
		t.Fatalf("host already approved")
	}
	if !c.CanApprove(RoleArtist) {
		t.Fatalf("author may confirm after counterparty approval")
	}
}

func TestApproveBothFinalizes(t *testing.T) {
	c := newTestConversation(t, RoleArtist, 5000)
	finalized, err := c.Approve(RoleHost, t0)
	if err != nil || finalized {
		t.Fatalf("host approve: finalized=%v err=%v", finalized, err)
	}
	finalized, err = c.Approve(RoleArtist, t0)
	if err != nil || !finalized {
		t.Fatalf("artist approve: finalized=%v err=%v", finalized, err)
	}
	if !c.IsFinalized || c.LatestProposedPrice != 5000 {
		t.Fatalf("unexpected final state: %+v", c)
	}
	if _, err := c.Propose(RoleHost, "p-2", 10, t0); !errors.Is(err, ErrFinalized) || !errors.Is(err, ErrConflict) {
		t.Fatalf("expected finalized conflict, got %v", err)
	}
	if _, err := c.Approve(RoleHost, t0); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict after finalization, got %v", err)
	}
}

func TestLatestUsesCreatedAt(t *testing.T) {
	c := Conversation{Messages: []Proposal{
		{ID: "a", CreatedAt: t0.Add(time.Minute)},
		{ID: "b", CreatedAt: t0},
	}}
	latest, ok := c.Latest()
	if !ok || latest.ID != "a" {
		t.Fatalf("expected a, got %+v", latest)
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	c := newTestConversation(t, RoleHost, 100)
	cp := c.Clone()
	cp.Messages[0].Price = 1
	if c.Messages[0].Price != 100 {
		t.Fatalf("clone aliased messages")
	}
}

func TestErrorKinds(t *testing.T) {
	err := NewError(KindNetwork, "fetch", "", errors.New("dial tcp"))
	if KindOf(err) != KindNetwork || !errors.Is(err, ErrNetwork) {
		t.Fatalf("unexpected classification for %v", err)
	}
	if !SafeToRetry(err) {
		t.Fatalf("plain network errors are safe to retry")
	}
	err.Ambiguous = true
	if SafeToRetry(err) || !Retryable(err) {
		t.Fatalf("ambiguous errors are retryable only by re-fetch")
	}
	if KindOf(errors.New("boom")) != "" {
		t.Fatalf("unclassified errors have no kind")
	}
}
