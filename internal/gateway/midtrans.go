package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	domainErrors "github.com/cassiomorais/paylink/internal/domain/errors"
	"github.com/cassiomorais/paylink/internal/domain/payment"
	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/snap"
)

// snapCreator is the part of snap.Client the gateway uses.
type snapCreator interface {
	CreateTransaction(req *snap.Request) (*snap.Response, *midtrans.Error)
}

// MidtransGateway opens Snap checkouts and verifies Midtrans HTTP notifications.
type MidtransGateway struct {
	snap      snapCreator
	serverKey string
}

// NewMidtransGateway builds a Snap client that sends through httpClient. The
// SDK call takes no context, so httpClient's Timeout is what stops a request
// the caller has given up on. A nil httpClient falls back to the SDK default.
func NewMidtransGateway(serverKey string, production bool, httpClient *http.Client) *MidtransGateway {
	env := midtrans.Sandbox
	if production {
		env = midtrans.Production
	}

	var client snap.Client
	client.New(serverKey, env)
	if httpClient != nil {
		client.HttpClient = &midtrans.HttpClientImplementation{
			HttpClient: httpClient,
			Logger:     midtrans.GetDefaultLogger(env),
		}
	}

	return &MidtransGateway{snap: &client, serverKey: serverKey}
}

func (g *MidtransGateway) Name() string { return "midtrans" }

type snapResult struct {
	resp *snap.Response
	err  *midtrans.Error
}

// CreateSession runs the Snap call in the background so ctx can cut it short;
// the SDK call itself takes no context.
func (g *MidtransGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	snapReq := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.OrderCode.String(),
			GrossAmt: req.Amount,
		},
		Items: &[]midtrans.ItemDetails{{
			ID:    req.OrderCode.String(),
			Name:  truncate(req.Description, 50),
			Price: req.Amount,
			Qty:   1,
		}},
	}
	if req.ReturnURL != "" {
		snapReq.Callbacks = &snap.Callbacks{Finish: req.ReturnURL}
	}
	if req.BuyerEmail != "" {
		snapReq.CustomerDetail = &midtrans.CustomerDetails{Email: req.BuyerEmail}
	}

	done := make(chan snapResult, 1)
	go func() {
		resp, mErr := g.snap.CreateTransaction(snapReq)
		done <- snapResult{resp: resp, err: mErr}
	}()

	var res snapResult
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("midtrans: %w: %w", domainErrors.ErrGatewayTimeout, ctx.Err())
	case res = <-done:
	}

	// Compare the concrete pointer; a nil *midtrans.Error stored in an error
	// interface would not be nil.
	if res.err != nil {
		if res.err.StatusCode == 0 || res.err.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("midtrans: %s: %w", res.err.Message, domainErrors.ErrGatewayUnavailable)
		}
		return nil, fmt.Errorf("midtrans: status %d %s: %w", res.err.StatusCode, res.err.Message, domainErrors.ErrGatewayRejected)
	}
	if res.resp == nil || res.resp.RedirectURL == "" {
		return nil, fmt.Errorf("midtrans: response without redirect url: %w", domainErrors.ErrGatewayRejected)
	}

	return &Session{CheckoutURL: res.resp.RedirectURL, Reference: res.resp.Token}, nil
}

type midtransNotification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
}

func (g *MidtransGateway) ParseNotification(_ http.Header, body []byte) (*Notification, error) {
	var n midtransNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, malformed("decode midtrans notification: %v", err)
	}
	if n.OrderID == "" || n.TransactionStatus == "" {
		return nil, malformed("midtrans notification missing order_id or transaction_status")
	}

	expected := MidtransSignature(n.OrderID, n.StatusCode, n.GrossAmount, g.serverKey)
	if !hmac.Equal([]byte(strings.ToLower(n.SignatureKey)), []byte(expected)) {
		return nil, domainErrors.ErrInvalidSignature
	}

	code, err := payment.ParseOrderCode(n.OrderID)
	if err != nil {
		return nil, malformed("midtrans order_id %q", n.OrderID)
	}

	var payload map[string]any
	_ = json.Unmarshal(body, &payload)

	return &Notification{
		Gateway:   g.Name(),
		OrderCode: code,
		Status:    midtransStatus(n.TransactionStatus, n.FraudStatus),
		Payload:   payload,
	}, nil
}

// MidtransSignature is SHA-512 over order id, status code, gross amount and server key.
func MidtransSignature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

func midtransStatus(transactionStatus, fraudStatus string) Status {
	switch strings.ToLower(transactionStatus) {
	case "capture":
		switch strings.ToLower(fraudStatus) {
		case "challenge":
			return StatusPending
		case "deny":
			return StatusFailed
		}
		return StatusPaid
	case "settlement":
		return StatusPaid
	case "pending":
		return StatusPending
	case "deny", "failure":
		return StatusFailed
	case "cancel":
		return StatusCancelled
	case "expire":
		return StatusExpired
	default:
		return NormalizeStatus(transactionStatus)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
