package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gigdeal/internal/app/dto"
	"gigdeal/internal/app/retry"
	"gigdeal/internal/domain/negotiation"
)

const (
	headerRequestID      = "X-Request-ID"
	headerIdempotencyKey = "Idempotency-Key"

	defaultTimeout = 5 * time.Second
	maxBodyBytes   = 1 << 20
)

// Config defines REST client settings.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	Retry      retry.Policy
	Tokens     TokenSource
	HTTPClient *http.Client
}

// Client talks to the chat REST API and normalizes every failure into a
// negotiation.Error.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	policy  retry.Policy
	tokens  TokenSource
	logger  *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("chatapi: base url required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("chatapi: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("chatapi: unsupported scheme %q", base.Scheme)
	}
	if cfg.Tokens == nil {
		return nil, errors.New("chatapi: token source required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	policy := cfg.Retry
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, delay time.Duration, err error) {
			logger.Info("chat api retry scheduled", "attempt", attempt, "delay", delay, "error", err)
		}
	}
	return &Client{
		base:    base,
		http:    httpClient,
		timeout: timeout,
		policy:  policy,
		tokens:  cfg.Tokens,
		logger:  logger,
	}, nil
}

// FetchConversation loads the full snapshot.
func (c *Client) FetchConversation(ctx context.Context, id negotiation.ConversationID) (negotiation.Conversation, error) {
	var env dto.ChatEnvelope
	err := c.do(ctx, call{op: "fetch conversation", method: http.MethodGet, path: "/chat/get-chat/" + url.PathEscape(string(id)), repeatable: true}, &env)
	if err != nil {
		return negotiation.Conversation{}, err
	}
	return env.Chat.ToDomain(), nil
}

// PostProposal submits a new price. Failures after the request was written are
// marked ambiguous and never retried.
func (c *Client) PostProposal(ctx context.Context, id negotiation.ConversationID, price float64) (negotiation.Conversation, error) {
	var env dto.ChatEnvelope
	err := c.do(ctx, call{
		op:     "post proposal",
		method: http.MethodPost,
		path:   "/chat/send-message/" + url.PathEscape(string(id)),
		body:   dto.ProposalRequest{ProposedPrice: price},
	}, &env)
	if err != nil {
		return negotiation.Conversation{}, err
	}
	return env.Chat.ToDomain(), nil
}

// PostApproval approves the latest proposal.
func (c *Client) PostApproval(ctx context.Context, id negotiation.ConversationID) (negotiation.Conversation, error) {
	var env dto.ChatEnvelope
	err := c.do(ctx, call{op: "post approval", method: http.MethodPatch, path: "/chat/approve-price/" + url.PathEscape(string(id))}, &env)
	if err != nil {
		return negotiation.Conversation{}, err
	}
	return env.Chat.ToDomain(), nil
}

// MarkRead records a read receipt for the caller.
func (c *Client) MarkRead(ctx context.Context, id negotiation.ConversationID) error {
	var receipt dto.ReadReceipt
	return c.do(ctx, call{op: "mark read", method: http.MethodPost, path: "/chat/mark-as-read/" + url.PathEscape(string(id)), repeatable: true}, &receipt)
}

// StartConversation opens a negotiation, or returns the existing one for the
// same event and artist.
func (c *Client) StartConversation(ctx context.Context, req dto.StartRequest) (negotiation.Conversation, error) {
	if err := negotiation.ValidatePrice(req.ProposedPrice); err != nil {
		return negotiation.Conversation{}, err
	}
	var env dto.ChatEnvelope
	err := c.do(ctx, call{op: "start conversation", method: http.MethodPost, path: "/chat/create-chat", body: req, repeatable: true}, &env)
	if err != nil {
		return negotiation.Conversation{}, err
	}
	return env.Chat.ToDomain(), nil
}

type call struct {
	op     string
	method string
	path   string
	body   any
	// repeatable calls have the same effect when applied twice.
	repeatable bool
}

func (c *Client) do(ctx context.Context, cl call, out any) error {
	var payload []byte
	if cl.body != nil {
		data, err := json.Marshal(cl.body)
		if err != nil {
			return negotiation.NewError(negotiation.KindInvalid, cl.op, "", fmt.Errorf("encode body: %w", err))
		}
		payload = data
	}
	var key string
	if cl.method != http.MethodGet {
		key = uuid.NewString()
	}
	policy := c.policy.With(negotiation.SafeToRetry)
	if cl.repeatable {
		policy = c.policy.With(negotiation.Retryable)
	}
	_, err := retry.Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.attempt(ctx, cl, payload, key, out)
	})
	return err
}

func (c *Client) attempt(ctx context.Context, cl call, payload []byte, key string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		if negotiation.KindOf(err) != "" {
			return err
		}
		return negotiation.NewError(negotiation.KindUnauthorized, cl.op, negotiation.CodeUnauthorized, err)
	}

	var written atomic.Bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				written.Store(true)
			}
		},
	})

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.base.String()+cl.path, body)
	if err != nil {
		return negotiation.NewError(negotiation.KindInvalid, cl.op, "", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(headerRequestID, requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(headerIdempotencyKey, key)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		failure := negotiation.NewError(negotiation.KindNetwork, cl.op, "", err)
		failure.Ambiguous = !cl.repeatable && written.Load()
		c.logger.Debug("chat api transport failure", "op", cl.op, "request_id", requestID, "written", written.Load(), "error", err)
		return failure
	}
	defer resp.Body.Close()
	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	c.logger.Debug("chat api response", "op", cl.op, "request_id", requestID, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized {
			if inv, ok := c.tokens.(TokenInvalidator); ok {
				inv.Invalidate(token)
			}
		}
		return classify(cl, resp.StatusCode, data)
	}
	if readErr == nil && out != nil {
		readErr = json.Unmarshal(data, out)
	}
	if readErr != nil {
		// The server accepted the request; only the answer is lost.
		failure := negotiation.NewError(negotiation.KindNetwork, cl.op, "", fmt.Errorf("read response: %w", readErr))
		failure.Ambiguous = !cl.repeatable
		return failure
	}
	return nil
}

func classify(cl call, status int, data []byte) error {
	var body dto.ErrorBody
	_ = json.Unmarshal(data, &body)
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	cause := fmt.Errorf("status %d: %s", status, msg)

	kind := kindForStatus(status, body.Code)
	failure := negotiation.NewError(kind, cl.op, body.Code, cause)
	if kind == negotiation.KindNetwork && !cl.repeatable {
		switch status {
		case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		default:
			failure.Ambiguous = true
		}
	}
	return failure
}

func kindForStatus(status int, code string) negotiation.ErrorKind {
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return negotiation.KindInvalid
	case status == http.StatusUnauthorized:
		return negotiation.KindUnauthorized
	case status == http.StatusForbidden:
		if code == negotiation.CodeNotEntitled {
			return negotiation.KindConflict
		}
		return negotiation.KindUnauthorized
	case status == http.StatusNotFound:
		return negotiation.KindNotFound
	case status == http.StatusConflict:
		return negotiation.KindConflict
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return negotiation.KindNetwork
	default:
		return negotiation.KindInvalid
	}
}
