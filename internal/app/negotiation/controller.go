package negotiation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	domainnegotiation "gigdeal/internal/domain/negotiation"
)

var (
	ErrDisposed          = errors.New("negotiation: controller disposed")
	ErrNotLoaded         = errors.New("negotiation: conversation not loaded")
	ErrSubmissionPending = errors.New("negotiation: proposal submission already pending")
	ErrApprovalPending   = errors.New("negotiation: approval already pending")
	ErrInvalidTransition = errors.New("negotiation: invalid state transition")
)

// Transport is the request/response half of the backend contract.
type Transport interface {
	FetchConversation(ctx context.Context, id domainnegotiation.ConversationID) (domainnegotiation.Conversation, error)
	PostProposal(ctx context.Context, id domainnegotiation.ConversationID, price float64) (domainnegotiation.Conversation, error)
	PostApproval(ctx context.Context, id domainnegotiation.ConversationID) (domainnegotiation.Conversation, error)
}

// Updates is the push half of the backend contract.
type Updates interface {
	OnConversationUpdated(id domainnegotiation.ConversationID, fn func(domainnegotiation.Conversation)) (io.Closer, error)
}

type Config struct {
	ConversationID domainnegotiation.ConversationID
	LocalRole      domainnegotiation.Role
	Transport      Transport
	// Updates may be nil; the controller then relies on REST responses only.
	Updates  Updates
	Listener Listener
	Logger   *slog.Logger
}

// Controller runs the negotiation state machine for one conversation and one
// local role.
type Controller struct {
	id        domainnegotiation.ConversationID
	role      domainnegotiation.Role
	transport Transport
	updates   Updates
	listener  Listener
	logger    *slog.Logger

	mu                sync.Mutex
	phase             State
	store             domainnegotiation.Store
	sub               io.Closer
	disposed          bool
	pendingSubmission bool
	pendingApproval   bool
	queue             []note
	draining          bool
}

type note func(Listener)

func NewController(cfg Config) (*Controller, error) {
	if cfg.ConversationID == "" {
		return nil, errors.New("negotiation: conversation id required")
	}
	if !cfg.LocalRole.Valid() {
		return nil, errors.New("negotiation: local role must be host or artist")
	}
	if cfg.Transport == nil {
		return nil, errors.New("negotiation: transport required")
	}
	listener := cfg.Listener
	if listener == nil {
		listener = ListenerFuncs{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		id:        cfg.ConversationID,
		role:      cfg.LocalRole,
		transport: cfg.Transport,
		updates:   cfg.Updates,
		listener:  listener,
		logger:    logger.With("conversation_id", cfg.ConversationID, "role", cfg.LocalRole),
		phase:     StateUninitialized,
	}, nil
}

func (c *Controller) ID() domainnegotiation.ConversationID { return c.id }

func (c *Controller) LocalRole() domainnegotiation.Role { return c.role }

// Start subscribes to push updates and loads the conversation.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.phase != StateUninitialized {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	c.phase = StateLoading
	c.publishLocked(stateNote(StateLoading))
	c.subscribe()
	return c.load(ctx)
}

// Retry reloads the conversation after a failure.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.phase != StateErrored {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	c.phase = StateLoading
	c.publishLocked(stateNote(StateLoading))
	c.subscribe()
	return c.load(ctx)
}

// Refresh fetches and reconciles without touching the state on failure.
func (c *Controller) Refresh(ctx context.Context) error {
	if c.isDisposed() {
		return ErrDisposed
	}
	conv, err := c.transport.FetchConversation(ctx, c.id)
	if err != nil {
		c.logger.Debug("refresh failed", "error", err)
		return err
	}
	c.reconcile(conv, true)
	return nil
}

// SubmitProposal posts a new price. Invalid prices never reach the network.
func (c *Controller) SubmitProposal(ctx context.Context, price float64) error {
	if err := domainnegotiation.ValidatePrice(price); err != nil {
		c.fail(err)
		return err
	}
	c.mu.Lock()
	cur, err := c.mutableLocked()
	if err != nil {
		c.mu.Unlock()
		c.reportLocal(err)
		return err
	}
	if c.pendingSubmission {
		c.mu.Unlock()
		return ErrSubmissionPending
	}
	c.pendingSubmission = true
	baseline := len(cur.Messages)
	c.mu.Unlock()

	conv, err := c.transport.PostProposal(ctx, c.id, price)
	if err == nil {
		c.reconcile(conv, true)
		c.settle(&c.pendingSubmission)
		return nil
	}
	if domainnegotiation.IsAmbiguous(err) {
		c.logger.Warn("proposal outcome unknown, re-fetching", "error", err)
		landed := c.resync(ctx, func(cur domainnegotiation.Conversation) bool {
			for _, p := range cur.Messages[min(baseline, len(cur.Messages)):] {
				if p.ProposerRole == c.role && p.Price == price {
					return true
				}
			}
			return false
		})
		if landed {
			c.settle(&c.pendingSubmission)
			return nil
		}
	}
	c.settle(&c.pendingSubmission)
	c.handleFailure(ctx, err)
	return err
}

// ApproveLatest approves the latest proposal. It is a no-op when the local
// party is not entitled to approve it.
func (c *Controller) ApproveLatest(ctx context.Context) error {
	c.mu.Lock()
	cur, err := c.mutableLocked()
	if err != nil {
		c.mu.Unlock()
		c.reportLocal(err)
		return err
	}
	if !cur.CanApprove(c.role) {
		c.mu.Unlock()
		c.logger.Debug("approve ignored, latest proposal not approvable by local party")
		return nil
	}
	if c.pendingApproval {
		c.mu.Unlock()
		return ErrApprovalPending
	}
	c.pendingApproval = true
	baseline := len(cur.Messages)
	c.mu.Unlock()

	conv, err := c.transport.PostApproval(ctx, c.id)
	if err == nil {
		c.reconcile(conv, true)
		c.settle(&c.pendingApproval)
		return nil
	}
	if domainnegotiation.IsAmbiguous(err) {
		c.logger.Warn("approval outcome unknown, re-fetching", "error", err)
		landed := c.resync(ctx, func(cur domainnegotiation.Conversation) bool {
			return cur.IsFinalized || (len(cur.Messages) == baseline && cur.Approved(c.role))
		})
		if landed {
			c.settle(&c.pendingApproval)
			return nil
		}
	}
	c.settle(&c.pendingApproval)
	c.handleFailure(ctx, err)
	return err
}

// Close releases the push subscription. Results arriving afterwards are dropped.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	sub := c.sub
	c.sub = nil
	c.queue = nil
	c.mu.Unlock()
	if sub != nil {
		return sub.Close()
	}
	return nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Conversation returns a copy of the local snapshot.
func (c *Controller) Conversation() (domainnegotiation.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Current()
}

// CanApprove reports whether ApproveLatest would reach the network.
func (c *Controller) CanApprove() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.store.Current()
	return ok && !c.disposed && !c.pendingApproval && cur.CanApprove(c.role)
}

// CanPropose reports whether SubmitProposal would reach the network.
func (c *Controller) CanPropose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.store.Current()
	return ok && !c.disposed && !c.pendingSubmission && !cur.IsFinalized
}

func (c *Controller) load(ctx context.Context) error {
	conv, err := c.transport.FetchConversation(ctx, c.id)
	if err != nil {
		c.fail(err)
		return err
	}
	c.reconcile(conv, true)
	return nil
}

func (c *Controller) subscribe() {
	if c.updates == nil {
		return
	}
	c.mu.Lock()
	already := c.sub != nil
	c.mu.Unlock()
	if already {
		return
	}
	sub, err := c.updates.OnConversationUpdated(c.id, c.handlePush)
	if err != nil {
		c.logger.Warn("push subscription failed, relying on REST", "error", err)
		return
	}
	c.mu.Lock()
	if c.disposed || c.sub != nil {
		c.mu.Unlock()
		_ = sub.Close()
		return
	}
	c.sub = sub
	c.mu.Unlock()
}

func (c *Controller) handlePush(conv domainnegotiation.Conversation) {
	if conv.ID != c.id {
		return
	}
	c.reconcile(conv, false)
}

// reconcile replaces local state with conv when it is newer. fromREST marks
// snapshots that prove the backend answered a request.
func (c *Controller) reconcile(conv domainnegotiation.Conversation, fromREST bool) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		c.logger.Debug("snapshot discarded after dispose")
		return
	}
	if conv.ID != c.id {
		c.mu.Unlock()
		c.logger.Warn("snapshot for another conversation ignored", "snapshot_id", conv.ID)
		return
	}
	prev := c.stateLocked()
	out := c.store.Apply(conv)
	cur, _ := c.store.Current()

	var notes []note
	if out.Applied {
		if out.MessagesChanged {
			c.pendingSubmission = false
			messages := append([]domainnegotiation.Proposal(nil), cur.Messages...)
			notes = append(notes, func(l Listener) { l.ProposalsChanged(messages) })
		}
		if out.ApprovalsChanged {
			host, artist := cur.HostApproved, cur.ArtistApproved
			notes = append(notes, func(l Listener) { l.ApprovalsChanged(host, artist) })
		}
	} else {
		c.logger.Debug("stale snapshot discarded", "messages", len(conv.Messages), "finalized", conv.IsFinalized)
	}

	switch {
	case cur.IsFinalized:
		c.phase = StateFinalized
	case c.phase == StateLoading:
		c.phase = StateActive
	case c.phase == StateErrored && (out.Applied || fromREST):
		c.phase = StateActive
	}
	if next := c.stateLocked(); next != prev {
		notes = append(notes, stateNote(next))
	}
	if out.Finalized {
		price := cur.LatestProposedPrice
		c.logger.Info("negotiation finalized", "price", price)
		notes = append(notes, func(l Listener) { l.Finalized(price) })
	}
	c.publishLocked(notes...)
}

func (c *Controller) resync(ctx context.Context, landed func(domainnegotiation.Conversation) bool) bool {
	conv, err := c.transport.FetchConversation(ctx, c.id)
	if err != nil {
		c.logger.Warn("re-fetch after ambiguous failure failed", "error", err)
		return false
	}
	c.reconcile(conv, true)
	cur, ok := c.Conversation()
	return ok && landed(cur)
}

func (c *Controller) handleFailure(ctx context.Context, err error) {
	c.fail(err)
	if domainnegotiation.KindOf(err) != domainnegotiation.KindConflict {
		return
	}
	if rerr := c.Refresh(ctx); rerr != nil {
		c.logger.Debug("refresh after conflict failed", "error", rerr)
	}
}

// fail reports err and moves to Errored for failures that need a retry.
func (c *Controller) fail(err error) {
	kind := domainnegotiation.KindOf(err)
	if kind == "" {
		kind = domainnegotiation.KindNetwork
	}
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	notes := []note{func(l Listener) { l.Failed(kind, err) }}
	switch kind {
	case domainnegotiation.KindNetwork, domainnegotiation.KindUnauthorized, domainnegotiation.KindNotFound:
		if c.phase != StateFinalized && c.phase != StateErrored {
			c.phase = StateErrored
			notes = append(notes, stateNote(StateErrored))
		}
	}
	if kind == domainnegotiation.KindUnauthorized || kind == domainnegotiation.KindNotFound {
		c.logger.Warn("negotiation failed", "kind", kind, "error", err)
	} else {
		c.logger.Info("negotiation operation failed", "kind", kind, "error", err)
	}
	c.publishLocked(notes...)
}

// reportLocal surfaces guard failures that carry a domain kind.
func (c *Controller) reportLocal(err error) {
	if domainnegotiation.KindOf(err) == domainnegotiation.KindConflict {
		c.fail(err)
	}
}

func (c *Controller) mutableLocked() (domainnegotiation.Conversation, error) {
	if c.disposed {
		return domainnegotiation.Conversation{}, ErrDisposed
	}
	cur, ok := c.store.Current()
	if !ok {
		return domainnegotiation.Conversation{}, ErrNotLoaded
	}
	if cur.IsFinalized {
		return cur, domainnegotiation.ErrFinalized
	}
	return cur, nil
}

func (c *Controller) settle(flag *bool) {
	c.mu.Lock()
	*flag = false
	c.mu.Unlock()
}

func (c *Controller) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *Controller) stateLocked() State {
	if c.phase != StateActive {
		return c.phase
	}
	if cur, ok := c.store.Current(); ok && cur.CanApprove(c.role) {
		return StateAwaitingOwnApproval
	}
	return StateActive
}

// publishLocked queues notes and releases c.mu. The first goroutine to find
// the queue idle delivers everything queued, in order, without holding c.mu.
func (c *Controller) publishLocked(notes ...note) {
	c.queue = append(c.queue, notes...)
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for {
		batch := c.queue
		c.queue = nil
		if len(batch) == 0 || c.disposed {
			c.draining = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		for _, n := range batch {
			n(c.listener)
		}
		c.mu.Lock()
	}
}

func stateNote(s State) note {
	return func(l Listener) { l.StateChanged(s) }
}
