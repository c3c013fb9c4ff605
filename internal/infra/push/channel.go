package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gigdeal/internal/app/dto"
	"gigdeal/internal/app/retry"
	"gigdeal/internal/domain/negotiation"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second
)

// TokenSource supplies the bearer credential for the handshake.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Config struct {
	URL    string
	Tokens TokenSource
	// Reconnect controls the pause between dial attempts. Only Delay is used.
	Reconnect retry.Policy
	Dialer    *websocket.Dialer
}

// Channel keeps one websocket session open and fans snapshots out to
// per-conversation listeners.
type Channel struct {
	url    string
	tokens TokenSource
	policy retry.Policy
	dialer *websocket.Dialer
	logger *slog.Logger

	connected atomic.Bool

	mu         sync.Mutex
	next       int
	listeners  map[int]listener
	reconnects map[int]func()
}

type listener struct {
	id negotiation.ConversationID
	fn func(negotiation.Conversation)
}

func NewChannel(cfg Config, logger *slog.Logger) (*Channel, error) {
	if cfg.URL == "" {
		return nil, errors.New("push: url required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("push: token source required")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	policy := cfg.Reconnect
	if policy.Backoff == "" {
		policy.Backoff = retry.Exponential
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Channel{
		url:        cfg.URL,
		tokens:     cfg.Tokens,
		policy:     policy,
		dialer:     dialer,
		logger:     logger,
		listeners:  map[int]listener{},
		reconnects: map[int]func(){},
	}, nil
}

// OnConversationUpdated registers fn for snapshots of conversation id. Close
// the returned handle to unregister. Snapshots may repeat after a reconnect.
func (c *Channel) OnConversationUpdated(id negotiation.ConversationID, fn func(negotiation.Conversation)) (io.Closer, error) {
	if fn == nil {
		return nil, errors.New("push: listener required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	key := c.next
	c.listeners[key] = listener{id: id, fn: fn}
	return closeFunc(func() error {
		c.mu.Lock()
		delete(c.listeners, key)
		c.mu.Unlock()
		return nil
	}), nil
}

// OnReconnect registers fn to run, on its own goroutine, after every
// successful dial so owners can re-fetch whatever they missed.
func (c *Channel) OnReconnect(fn func()) io.Closer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	key := c.next
	c.reconnects[key] = fn
	return closeFunc(func() error {
		c.mu.Lock()
		delete(c.reconnects, key)
		c.mu.Unlock()
		return nil
	})
}

func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// Run dials and reads until ctx ends, re-dialing with backoff after every
// failure.
func (c *Channel) Run(ctx context.Context) error {
	failures := 0
	for {
		err := c.session(ctx, func() { failures = 0 })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failures++
		delay := c.policy.Delay(failures)
		c.logger.Warn("push channel disconnected", "attempt", failures, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Channel) session(ctx context.Context, onConnect func()) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("push: token: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			if inv, ok := c.tokens.(interface{ Invalidate(string) }); ok && resp.StatusCode == http.StatusUnauthorized {
				inv.Invalidate(token)
			}
			return fmt.Errorf("push: dial: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("push: dial: %w", err)
	}
	defer conn.Close()

	c.connected.Store(true)
	defer c.connected.Store(false)
	onConnect()
	c.logger.Info("push channel connected", "url", c.url)
	c.fireReconnect()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
		_ = conn.Close()
	})
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	var env dto.PushEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("push frame dropped", "error", err)
		return
	}
	switch env.Type {
	case dto.EventNewMessage, dto.EventPriceApproved:
	default:
		c.logger.Debug("push event ignored", "type", env.Type)
		return
	}
	conv := env.Data.ToDomain()
	c.mu.Lock()
	targets := make([]func(negotiation.Conversation), 0, len(c.listeners))
	for _, l := range c.listeners {
		if l.id == conv.ID {
			targets = append(targets, l.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range targets {
		fn(conv.Clone())
	}
}

func (c *Channel) fireReconnect() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.reconnects))
	for _, fn := range c.reconnects {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		go fn()
	}
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }
