package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"gigdeal/internal/app/dto"
	"gigdeal/internal/app/retry"
	"gigdeal/internal/domain/negotiation"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: url,
		Timeout: time.Second,
		Retry:   retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: noSleep},
		Tokens:  StaticToken("tok"),
	}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func snapshotJSON(id string, price float64) dto.ChatEnvelope {
	return dto.ChatEnvelope{Chat: dto.Conversation{
		ID:     id,
		Host:   dto.Party{ID: "host-1"},
		Artist: dto.Party{ID: "artist-1"},
		Messages: []dto.Proposal{{
			ID: "p-1", ProposerRole: negotiation.RoleArtist, ProposedPrice: price,
			CreatedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		}},
		LatestProposedPrice: price,
	}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestFetchConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/chat/get-chat/conv-1" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		if r.Header.Get(headerRequestID) == "" {
			t.Errorf("missing request id")
		}
		writeJSON(w, http.StatusOK, snapshotJSON("conv-1", 5000))
	}))
	defer srv.Close()

	conv, err := newTestClient(t, srv.URL).FetchConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("FetchConversation: %v", err)
	}
	if conv.ID != "conv-1" || len(conv.Messages) != 1 || conv.Messages[0].Price != 5000 {
		t.Fatalf("unexpected conversation %+v", conv)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		code   string
		kind   negotiation.ErrorKind
	}{
		{http.StatusBadRequest, negotiation.CodeInvalidPrice, negotiation.KindInvalid},
		{http.StatusUnprocessableEntity, "", negotiation.KindInvalid},
		{http.StatusUnauthorized, negotiation.CodeUnauthorized, negotiation.KindUnauthorized},
		{http.StatusForbidden, negotiation.CodeNotParticipant, negotiation.KindUnauthorized},
		{http.StatusForbidden, negotiation.CodeNotEntitled, negotiation.KindConflict},
		{http.StatusNotFound, negotiation.CodeNotFound, negotiation.KindNotFound},
		{http.StatusConflict, negotiation.CodeFinalized, negotiation.KindConflict},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, tc.status, dto.ErrorBody{Error: "nope", Code: tc.code})
		}))
		_, err := newTestClient(t, srv.URL).PostProposal(context.Background(), "conv-1", 100)
		srv.Close()
		if negotiation.KindOf(err) != tc.kind {
			t.Fatalf("status %d code %q: expected %s, got %v", tc.status, tc.code, tc.kind, err)
		}
		if negotiation.CodeOf(err) != tc.code {
			t.Fatalf("status %d: code not preserved: %v", tc.status, err)
		}
	}
}

func TestFinalizedConflictMatchesSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, dto.ErrorBody{Error: "finalized", Code: negotiation.CodeFinalized})
	}))
	defer srv.Close()
	_, err := newTestClient(t, srv.URL).PostApproval(context.Background(), "conv-1")
	if !errors.Is(err, negotiation.ErrFinalized) || !errors.Is(err, negotiation.ErrConflict) {
		t.Fatalf("expected finalized conflict, got %v", err)
	}
}

func TestProposalRetriesServiceUnavailableWithStableKey(t *testing.T) {
	var mu sync.Mutex
	var keys, requestIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get(headerIdempotencyKey))
		requestIDs = append(requestIDs, r.Header.Get(headerRequestID))
		n := len(keys)
		mu.Unlock()
		var body dto.ProposalRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ProposedPrice != 4500 {
			t.Errorf("unexpected body %+v (%v)", body, err)
		}
		if n < 3 {
			writeJSON(w, http.StatusServiceUnavailable, dto.ErrorBody{Error: "busy"})
			return
		}
		writeJSON(w, http.StatusOK, snapshotJSON("conv-1", 4500))
	}))
	defer srv.Close()

	conv, err := newTestClient(t, srv.URL).PostProposal(context.Background(), "conv-1", 4500)
	if err != nil {
		t.Fatalf("PostProposal: %v", err)
	}
	if conv.LatestProposedPrice != 4500 {
		t.Fatalf("unexpected snapshot %+v", conv)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(keys) != 3 || keys[0] == "" || keys[0] != keys[1] || keys[1] != keys[2] {
		t.Fatalf("idempotency key must be stable across retries: %v", keys)
	}
	if requestIDs[0] == requestIDs[1] {
		t.Fatalf("request id must change per attempt: %v", requestIDs)
	}
}

func TestProposalNotRetriedAfterInternalError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusInternalServerError, dto.ErrorBody{Error: "boom"})
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).PostProposal(context.Background(), "conv-1", 4500)
	if !errors.Is(err, negotiation.ErrNetwork) || !negotiation.IsAmbiguous(err) {
		t.Fatalf("expected ambiguous network error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("ambiguous failure was retried %d times", calls)
	}
}

func TestProposalTimeoutAfterWriteIsAmbiguous(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv.URL)
	c.timeout = 50 * time.Millisecond
	_, err := c.PostProposal(context.Background(), "conv-1", 4500)
	if !errors.Is(err, negotiation.ErrNetwork) || !negotiation.IsAmbiguous(err) {
		t.Fatalf("expected ambiguous network error, got %v", err)
	}
}

func TestFetchRetriesConnectionFailures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	var retries int
	c, err := NewClient(Config{
		BaseURL: "http://" + addr,
		Retry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: noSleep,
			OnRetry: func(int, time.Duration, error) { retries++ }},
		Tokens: StaticToken("tok"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.FetchConversation(context.Background(), "conv-1")
	if !errors.Is(err, negotiation.ErrNetwork) || negotiation.IsAmbiguous(err) {
		t.Fatalf("expected plain network error, got %v", err)
	}
	if retries != 2 {
		t.Fatalf("expected 2 retries, got %d", retries)
	}
}

func TestUnauthorizedNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusUnauthorized, dto.ErrorBody{Error: "expired", Code: negotiation.CodeUnauthorized})
	}))
	defer srv.Close()
	if _, err := newTestClient(t, srv.URL).FetchConversation(context.Background(), "conv-1"); !errors.Is(err, negotiation.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("unauthorized retried: %d calls", calls)
	}
}

func TestMarkReadAndDevToken(t *testing.T) {
	var marked string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/token":
			var req dto.TokenRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			writeJSON(w, http.StatusOK, dto.TokenResponse{Token: "dev-" + req.PartyID})
		case "/chat/mark-as-read/conv-1":
			marked = r.Header.Get("Authorization")
			writeJSON(w, http.StatusOK, dto.ReadReceipt{ReadAt: time.Now().UTC()})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Tokens: &DevTokenSource{BaseURL: srv.URL, PartyID: "host-1"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.MarkRead(context.Background(), "conv-1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if marked != "Bearer dev-host-1" {
		t.Fatalf("expected dev token, got %q", marked)
	}
}

func TestDevTokenOutageIsRetried(t *testing.T) {
	var mu sync.Mutex
	var mints, fetches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.URL.Path {
		case "/auth/token":
			mints++
			if mints == 1 {
				writeJSON(w, http.StatusServiceUnavailable, dto.ErrorBody{Error: "starting"})
				return
			}
			writeJSON(w, http.StatusOK, dto.TokenResponse{Token: "dev-host-1"})
		default:
			fetches++
			writeJSON(w, http.StatusOK, snapshotJSON("conv-1", 5000))
		}
	}))
	defer srv.Close()

	c, err := NewClient(Config{
		BaseURL: srv.URL,
		Retry:   retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: noSleep},
		Tokens:  &DevTokenSource{BaseURL: srv.URL, PartyID: "host-1"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.FetchConversation(context.Background(), "conv-1"); err != nil {
		t.Fatalf("FetchConversation: %v", err)
	}
	if mints != 2 || fetches != 1 {
		t.Fatalf("mints=%d fetches=%d, want 2 and 1", mints, fetches)
	}
}

func TestDevTokenFailureKinds(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusServiceUnavailable, negotiation.ErrNetwork},
		{http.StatusTooManyRequests, negotiation.ErrNetwork},
		{http.StatusUnauthorized, negotiation.ErrUnauthorized},
		{http.StatusForbidden, negotiation.ErrUnauthorized},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, tc.status, dto.ErrorBody{Error: "no"})
		}))
		src := &DevTokenSource{BaseURL: srv.URL, PartyID: "host-1"}
		_, err := src.Token(context.Background())
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: got %v, want %v", tc.status, err, tc.want)
		}
	}

	src := &DevTokenSource{BaseURL: "http://127.0.0.1:1", PartyID: "host-1"}
	if _, err := src.Token(context.Background()); !errors.Is(err, negotiation.ErrNetwork) {
		t.Fatalf("unreachable sandbox: got %v, want network", err)
	}
}

func TestRejectedDevTokenIsMintedAgain(t *testing.T) {
	var mu sync.Mutex
	var mints int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.URL.Path == "/auth/token" {
			mints++
			writeJSON(w, http.StatusOK, dto.TokenResponse{Token: "dev-" + string(rune('0'+mints))})
			return
		}
		if r.Header.Get("Authorization") == "Bearer dev-1" {
			writeJSON(w, http.StatusUnauthorized, dto.ErrorBody{Error: "expired", Code: negotiation.CodeUnauthorized})
			return
		}
		writeJSON(w, http.StatusOK, snapshotJSON("conv-1", 5000))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Tokens: &DevTokenSource{BaseURL: srv.URL, PartyID: "host-1"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.FetchConversation(context.Background(), "conv-1"); !errors.Is(err, negotiation.ErrUnauthorized) {
		t.Fatalf("expired token: got %v", err)
	}
	if _, err := c.FetchConversation(context.Background(), "conv-1"); err != nil {
		t.Fatalf("after re-mint: %v", err)
	}
	if mints != 2 {
		t.Fatalf("mints = %d, want 2", mints)
	}
}

func TestStartConversationRejectsBadPrice(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.StartConversation(context.Background(), dto.StartRequest{ProposedPrice: -1})
	if !errors.Is(err, negotiation.ErrInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := NewClient(Config{Tokens: StaticToken("x")}, nil); err == nil {
		t.Fatal("expected base url error")
	}
	if _, err := NewClient(Config{BaseURL: "ftp://x", Tokens: StaticToken("x")}, nil); err == nil {
		t.Fatal("expected scheme error")
	}
	if _, err := NewClient(Config{BaseURL: "http://x"}, nil); err == nil {
		t.Fatal("expected token source error")
	}
}
