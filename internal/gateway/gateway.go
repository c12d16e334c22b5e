// Package gateway is the HTTP client for the external payment processor. It
// is the only network dependency of the escrow path; every call carries an
// idempotency key so an unknown-outcome timeout can be retried safely.
package gateway

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

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Error is a non-2xx gateway response. 4xx responses are permanent; 5xx and
// transport failures are retryable.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway http status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("gateway http status %d", e.Status)
}

// Retryable reports whether the failure may resolve on retry.
func Retryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Status >= 500 || ge.Status == http.StatusTooManyRequests
	}
	// Transport-level failures (timeouts included) have unknown outcomes and
	// are retried under the same idempotency key.
	return true
}

type chargeRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
}

// Capture converts a hold into a charge.
func (c *Client) Capture(ctx context.Context, idempotencyKey string, amountCents int64, currency string) error {
	return c.post(ctx, "/v1/charges/capture", idempotencyKey, chargeRequest{
		IdempotencyKey: idempotencyKey,
		AmountCents:    amountCents,
		Currency:       currency,
	})
}

// Refund releases a hold back to the payer.
func (c *Client) Refund(ctx context.Context, idempotencyKey string, amountCents int64, currency string) error {
	return c.post(ctx, "/v1/refunds", idempotencyKey, chargeRequest{
		IdempotencyKey: idempotencyKey,
		AmountCents:    amountCents,
		Currency:       currency,
	})
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	return nil
}
