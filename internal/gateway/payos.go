package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	domainErrors "github.com/cassiomorais/paylink/internal/domain/errors"
	"github.com/cassiomorais/paylink/internal/domain/payment"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const payosSuccessCode = "00"

type PayOSConfig struct {
	BaseURL     string
	ClientID    string
	APIKey      string
	ChecksumKey string
}

// PayOSGateway creates PayOS payment links and verifies PayOS webhooks.
type PayOSGateway struct {
	cfg        PayOSConfig
	httpClient *http.Client
}

func NewPayOSGateway(cfg PayOSConfig, httpClient *http.Client) *PayOSGateway {
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &PayOSGateway{cfg: cfg, httpClient: httpClient}
}

func (g *PayOSGateway) Name() string { return "payos" }

type payosCreateRequest struct {
	OrderCode   int64  `json:"orderCode"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	CancelURL   string `json:"cancelUrl"`
	ReturnURL   string `json:"returnUrl"`
	BuyerEmail  string `json:"buyerEmail,omitempty"`
	Signature   string `json:"signature"`
}

type payosEnvelope struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

type payosLink struct {
	CheckoutURL   string `json:"checkoutUrl"`
	PaymentLinkID string `json:"paymentLinkId"`
}

func (g *PayOSGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	body := payosCreateRequest{
		OrderCode:   int64(req.OrderCode),
		Amount:      req.Amount,
		Description: req.Description,
		CancelURL:   req.CancelURL,
		ReturnURL:   req.ReturnURL,
		BuyerEmail:  req.BuyerEmail,
	}
	body.Signature = g.sign(fmt.Sprintf("amount=%d&cancelUrl=%s&description=%s&orderCode=%d&returnUrl=%s",
		body.Amount, body.CancelURL, body.Description, body.OrderCode, body.ReturnURL))

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal payos request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v2/payment-requests", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build payos request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-client-id", g.cfg.ClientID)
	httpReq.Header.Set("x-api-key", g.cfg.APIKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("payos: %w", domainErrors.ErrGatewayTimeout)
		}
		return nil, fmt.Errorf("payos: %w: %w", domainErrors.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("payos: read response: %w: %w", domainErrors.ErrGatewayUnavailable, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("payos: status %d: %w", resp.StatusCode, domainErrors.ErrGatewayUnavailable)
	}

	var env payosEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("payos: decode response (status %d): %w", resp.StatusCode, domainErrors.ErrGatewayUnavailable)
	}
	if env.Code != payosSuccessCode {
		return nil, fmt.Errorf("payos: code %s %q: %w", env.Code, env.Desc, domainErrors.ErrGatewayRejected)
	}

	var link payosLink
	if err := json.Unmarshal(env.Data, &link); err != nil || link.CheckoutURL == "" {
		return nil, fmt.Errorf("payos: response without checkout url: %w", domainErrors.ErrGatewayRejected)
	}

	return &Session{CheckoutURL: link.CheckoutURL, Reference: link.PaymentLinkID}, nil
}

// ParseNotification verifies the data signature of a PayOS webhook. PayOS
// only notifies settled payments, so a success code maps to PAID and any other
// code is passed through as an unrecognized status.
func (g *PayOSGateway) ParseNotification(_ http.Header, body []byte) (*Notification, error) {
	var env payosEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, malformed("decode payos webhook: %v", err)
	}
	if len(env.Data) == 0 || env.Signature == "" {
		return nil, malformed("payos webhook missing data or signature")
	}

	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, malformed("decode payos webhook data: %v", err)
	}

	expected := g.sign(canonicalQuery(data))
	if !hmac.Equal([]byte(strings.ToLower(env.Signature)), []byte(expected)) {
		return nil, domainErrors.ErrInvalidSignature
	}

	code, err := payment.ParseOrderCode(stringify(data["orderCode"]))
	if err != nil {
		return nil, malformed("payos webhook orderCode %v", data["orderCode"])
	}

	status := StatusPaid
	dataCode := stringify(data["code"])
	if env.Code != payosSuccessCode || (dataCode != "" && dataCode != payosSuccessCode) {
		status = Status("PAYOS_" + env.Code)
	}

	var payload map[string]any
	_ = json.Unmarshal(body, &payload)

	return &Notification{
		Gateway:   g.Name(),
		OrderCode: code,
		Status:    status,
		Payload:   payload,
	}, nil
}

func (g *PayOSGateway) sign(message string) string {
	mac := hmac.New(sha256.New, []byte(g.cfg.ChecksumKey))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalQuery renders data as key=value pairs sorted by key, the form
// PayOS signs.
func canonicalQuery(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+stringify(data[k]))
	}
	return strings.Join(parts, "&")
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		if t == "null" || t == "undefined" {
			return ""
		}
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
