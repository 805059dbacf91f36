// Package gateway talks to hosted-checkout payment gateways: it opens checkout
// sessions and decodes the notifications gateways send back.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	domainErrors "github.com/cassiomorais/paylink/internal/domain/errors"
	"github.com/cassiomorais/paylink/internal/domain/payment"
)

// Status is a payment status in gateway vocabulary.
type Status string

const (
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
	StatusFailed    Status = "FAILED"
	StatusPending   Status = "PENDING"
)

// NormalizeStatus upper-cases s. Values outside the known vocabulary are kept
// as-is so the reconciler can log them.
func NormalizeStatus(s string) Status {
	return Status(strings.ToUpper(strings.TrimSpace(s)))
}

type SessionRequest struct {
	OrderCode   payment.OrderCode
	Amount      int64
	Description string
	ReturnURL   string
	CancelURL   string
	BuyerEmail  string
}

type Session struct {
	CheckoutURL string
	// Reference is the gateway's own id for the session, when it has one.
	Reference string
}

// Notification is a decoded, authenticated status report from a gateway.
type Notification struct {
	Gateway   string
	OrderCode payment.OrderCode
	Status    Status
	Payload   map[string]any
}

// Client opens checkout sessions.
type Client interface {
	Name() string
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
}

// NotificationParser authenticates and decodes webhook deliveries.
// It returns ErrInvalidSignature or ErrMalformedNotification on bad input.
type NotificationParser interface {
	ParseNotification(header http.Header, body []byte) (*Notification, error)
}

// Gateway is a full adapter for one provider.
type Gateway interface {
	Client
	NotificationParser
}

// Registry resolves notification parsers by gateway name.
type Registry struct {
	parsers map[string]NotificationParser
}

func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]NotificationParser)}
}

func (r *Registry) Register(name string, p NotificationParser) {
	r.parsers[strings.ToLower(name)] = p
}

func (r *Registry) Parser(name string) (NotificationParser, error) {
	p, ok := r.parsers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, domainErrors.ErrGatewayNotFound)
	}
	return p, nil
}

// Names lists registered gateways in lexical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.parsers))
	for n := range r.parsers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), domainErrors.ErrMalformedNotification)
}
