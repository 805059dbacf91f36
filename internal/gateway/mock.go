package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	domainErrors "github.com/cassiomorais/paylink/internal/domain/errors"
	"github.com/cassiomorais/paylink/internal/domain/payment"
	"github.com/google/uuid"
)

// SignatureHeader carries the hex HMAC-SHA256 of a mock webhook body.
const SignatureHeader = "X-Webhook-Signature"

// MockGateway simulates a hosted checkout for local runs and tests.
type MockGateway struct {
	name        string
	baseURL     string
	latency     time.Duration
	failureRate float64 // 0.0 to 1.0
	secret      string
}

type MockOption func(*MockGateway)

func WithLatency(d time.Duration) MockOption {
	return func(g *MockGateway) { g.latency = d }
}

func WithFailureRate(rate float64) MockOption {
	return func(g *MockGateway) { g.failureRate = rate }
}

// WithWebhookSecret makes ParseNotification require a valid signature header.
func WithWebhookSecret(secret string) MockOption {
	return func(g *MockGateway) { g.secret = secret }
}

func WithCheckoutBaseURL(u string) MockOption {
	return func(g *MockGateway) {
		if u != "" {
			g.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func NewMockGateway(opts ...MockOption) *MockGateway {
	g := &MockGateway{
		name:    "mock",
		baseURL: "http://localhost:3004/mock-checkout",
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *MockGateway) Name() string { return g.name }

func (g *MockGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if g.latency > 0 {
		select {
		case <-time.After(g.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if g.failureRate > 0 && rand.Float64() < g.failureRate {
		return nil, fmt.Errorf("mock: simulated outage for order %s: %w", req.OrderCode, domainErrors.ErrGatewayUnavailable)
	}

	ref := uuid.NewString()
	return &Session{
		CheckoutURL: fmt.Sprintf("%s/%s?ref=%s", g.baseURL, req.OrderCode, ref),
		Reference:   ref,
	}, nil
}

type mockWebhook struct {
	OrderCode json.Number `json:"orderCode"`
	Status    string      `json:"status"`
}

func (g *MockGateway) ParseNotification(header http.Header, body []byte) (*Notification, error) {
	if g.secret != "" && !hmac.Equal([]byte(header.Get(SignatureHeader)), []byte(SignMockPayload(g.secret, body))) {
		return nil, domainErrors.ErrInvalidSignature
	}

	var wh mockWebhook
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&wh); err != nil {
		return nil, malformed("decode mock webhook: %v", err)
	}

	code, err := payment.ParseOrderCode(wh.OrderCode.String())
	if err != nil {
		return nil, malformed("mock webhook orderCode %q", wh.OrderCode)
	}
	if wh.Status == "" {
		return nil, malformed("mock webhook missing status")
	}

	var raw map[string]any
	_ = json.Unmarshal(body, &raw)

	return &Notification{
		Gateway:   g.name,
		OrderCode: code,
		Status:    NormalizeStatus(wh.Status),
		Payload:   raw,
	}, nil
}

// SignMockPayload returns the signature the mock gateway expects for body.
func SignMockPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
