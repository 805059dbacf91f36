// Package access calls the downstream service that grants buyers access to
// what they paid for.
package access

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrRejected marks a 4xx answer; sending the same request again will not help.
var ErrRejected = errors.New("access grant rejected")

type Enrollment struct {
	UserID      string `json:"userId"`
	ServiceID   string `json:"serviceId"`
	ServiceName string `json:"serviceName,omitempty"`
	OrderCode   string `json:"orderCode"`
	Amount      int64  `json:"amount"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Grant posts the enrollment. The order code doubles as an idempotency key so
// a replayed grant is safe on the receiving side.
func (c *Client) Grant(ctx context.Context, e Enrollment) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal enrollment: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/enrollments", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build enrollment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "order-"+e.OrderCode)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post enrollment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("status %d %s: %w", resp.StatusCode, bytes.TrimSpace(snippet), ErrRejected)
	}
	return fmt.Errorf("enrollment service returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
}
