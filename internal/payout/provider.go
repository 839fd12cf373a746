package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultCircleBaseURL is the Circle sandbox API.
const DefaultCircleBaseURL = "https://api-sandbox.circle.com"

// ErrNotConfigured is returned when the provider has no credentials.
var ErrNotConfigured = errors.New("payout provider not configured")

// Request describes one transfer.
type Request struct {
	IdempotencyKey string
	Address        string
	Chain          string
	Amount         string
	Currency       string
}

// Provider submits a payout and returns the provider's receipt.
type Provider interface {
	Submit(ctx context.Context, req Request) (json.RawMessage, error)
}

// ProviderError is a non-2xx answer from the provider.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payout provider returned %d: %s", e.StatusCode, e.Body)
}

// CircleClient calls the Circle payouts API.
type CircleClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewCircleClient returns a client for baseURL; an empty baseURL selects the sandbox.
func NewCircleClient(baseURL, apiKey string, httpClient *http.Client) *CircleClient {
	if baseURL == "" {
		baseURL = DefaultCircleBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &CircleClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type circleMoney struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type circleDestination struct {
	Type    string `json:"type"`
	Chain   string `json:"chain"`
	Address string `json:"address"`
}

type circlePayoutRequest struct {
	Amount         circleMoney       `json:"amount"`
	Destination    circleDestination `json:"destination"`
	IdempotencyKey string            `json:"idempotencyKey"`
}

// Submit posts a blockchain payout. The idempotency key makes a retried
// submission a no-op on the provider side.
func (c *CircleClient) Submit(ctx context.Context, req Request) (json.RawMessage, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(circlePayoutRequest{
		Amount:         circleMoney{Amount: req.Amount, Currency: req.Currency},
		Destination:    circleDestination{Type: "blockchain", Chain: req.Chain, Address: req.Address},
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payout request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payouts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build payout request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post payout: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read payout response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payout response is not json")
	}
	return json.RawMessage(data), nil
}
