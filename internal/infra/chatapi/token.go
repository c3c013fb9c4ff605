package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"gigdeal/internal/app/dto"
	"gigdeal/internal/domain/negotiation"
)

const devTokenOp = "dev token"

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a pre-issued credential.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", errors.New("chatapi: empty token")
	}
	return string(s), nil
}

// TokenInvalidator is implemented by token sources that can drop a
// credential the server rejected.
type TokenInvalidator interface {
	Invalidate(token string)
}

// DevTokenSource asks the sandbox to mint a token for PartyID and caches it.
// Concurrent callers share one mint.
type DevTokenSource struct {
	BaseURL    string
	PartyID    string
	HTTPClient *http.Client

	mu     sync.Mutex
	token  string
	flight singleflight.Group
}

func (d *DevTokenSource) Token(ctx context.Context) (string, error) {
	d.mu.Lock()
	cached := d.token
	d.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	if d.PartyID == "" {
		return "", negotiation.NewError(negotiation.KindUnauthorized, devTokenOp, negotiation.CodeUnauthorized, errors.New("party id required for dev token"))
	}
	ch := d.flight.DoChan(d.PartyID, func() (any, error) {
		// Detached from the first caller so its cancellation does not fail the others.
		mintCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
		defer cancel()
		token, err := d.mint(mintCtx)
		if err != nil {
			return "", err
		}
		d.mu.Lock()
		d.token = token
		d.mu.Unlock()
		return token, nil
	})
	select {
	case <-ctx.Done():
		return "", negotiation.NewError(negotiation.KindNetwork, devTokenOp, "", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate forgets token if it is still the cached one, so the next call mints again.
func (d *DevTokenSource) Invalidate(token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.token == token {
		d.token = ""
	}
}

func (d *DevTokenSource) mint(ctx context.Context) (string, error) {
	payload, err := json.Marshal(dto.TokenRequest{PartyID: d.PartyID})
	if err != nil {
		return "", negotiation.NewError(negotiation.KindInvalid, devTokenOp, "", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(d.BaseURL, "/")+"/auth/token", bytes.NewReader(payload))
	if err != nil {
		return "", negotiation.NewError(negotiation.KindInvalid, devTokenOp, "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", negotiation.NewError(negotiation.KindNetwork, devTokenOp, "", fmt.Errorf("request dev token: %w", err))
	}
	defer resp.Body.Close()
	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode != http.StatusOK {
		return "", classify(call{op: devTokenOp, repeatable: true}, resp.StatusCode, data)
	}
	if readErr != nil {
		return "", negotiation.NewError(negotiation.KindNetwork, devTokenOp, "", fmt.Errorf("read dev token: %w", readErr))
	}
	var out dto.TokenResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", negotiation.NewError(negotiation.KindNetwork, devTokenOp, "", fmt.Errorf("decode dev token: %w", err))
	}
	if out.Token == "" {
		return "", negotiation.NewError(negotiation.KindUnauthorized, devTokenOp, negotiation.CodeUnauthorized, errors.New("dev token empty"))
	}
	return out.Token, nil
}
