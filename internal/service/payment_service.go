package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domainErrors "github.com/cassiomorais/paylink/internal/domain/errors"
	"github.com/cassiomorais/paylink/internal/domain/payment"
	"github.com/cassiomorais/paylink/internal/gateway"
	"github.com/cassiomorais/paylink/internal/infrastructure/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// OrderCodeAllocator issues unused order codes.
type OrderCodeAllocator interface {
	Allocate(ctx context.Context) (payment.OrderCode, error)
	EnsureAvailable(ctx context.Context, code payment.OrderCode) error
}

// PaymentServiceConfig holds the defaults applied to new payments.
type PaymentServiceConfig struct {
	ReturnURL string
	CancelURL string
}

// PaymentService creates payments and serves direct queries and updates.
type PaymentService struct {
	paymentRepo payment.Repository
	txManager   TransactionManager
	gateway     gateway.Client
	allocator   OrderCodeAllocator
	transitions *transitioner
	cfg         PaymentServiceConfig
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

func NewPaymentService(
	paymentRepo payment.Repository,
	txManager TransactionManager,
	gw gateway.Client,
	allocator OrderCodeAllocator,
	dispatcher SideEffectDispatcher,
	cfg PaymentServiceConfig,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PaymentService {
	logger = logger.With().Str("component", "payment_service").Logger()
	return &PaymentService{
		paymentRepo: paymentRepo,
		txManager:   txManager,
		gateway:     gw,
		allocator:   allocator,
		transitions: &transitioner{
			repo:       paymentRepo,
			txManager:  txManager,
			dispatcher: dispatcher,
			metrics:    metrics,
			logger:     logger,
		},
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// CreatePaymentRequest holds the input for creating a payment.
type CreatePaymentRequest struct {
	Amount      int64 // minor currency unit
	Description string
	// OrderCode is optional; one is allocated when nil.
	OrderCode *payment.OrderCode
	Metadata  map[string]any
	ReturnURL string
	CancelURL string
}

// CreatePayment opens a gateway session and then stores the PENDING record.
// If the gateway call fails nothing is stored. If storing fails after the
// session exists, the session is left to expire on the gateway side.
func (s *PaymentService) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*payment.Payment, error) {
	ctx, span := otel.Tracer("paylink/service").Start(ctx, "payment.create")
	defer span.End()

	req.Description = strings.TrimSpace(req.Description)
	if err := payment.ValidateDetails(req.Amount, req.Description); err != nil {
		return nil, err
	}

	code, err := s.orderCode(ctx, req.OrderCode)
	if err != nil {
		return nil, err
	}

	returnURL := firstNonEmpty(req.ReturnURL, s.cfg.ReturnURL)
	cancelURL := firstNonEmpty(req.CancelURL, s.cfg.CancelURL)

	session, err := s.gateway.CreateSession(ctx, gateway.SessionRequest{
		OrderCode:   code,
		Amount:      req.Amount,
		Description: req.Description,
		ReturnURL:   returnURL,
		CancelURL:   cancelURL,
		BuyerEmail:  stringValue(req.Metadata["email"]),
	})
	if err != nil {
		s.logger.Warn().Err(err).Stringer("order_code", code).Msg("Gateway session creation failed")
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	p, err := payment.NewPayment(code, req.Amount, req.Description, session.CheckoutURL, s.gateway.Name(), req.Metadata)
	if err != nil {
		return nil, err
	}

	// Collisions are retried by the allocator before the gateway call. A code
	// taken between that check and this insert surfaces ErrDuplicateOrderCode
	// rather than retrying, since the session is already bound to this code.
	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.paymentRepo.Create(txCtx, p); err != nil {
			return err
		}
		return s.paymentRepo.AddEvent(txCtx, payment.NewEvent(p.ID, payment.EventCreated, map[string]any{
			"order_code":        p.OrderCode.String(),
			"amount":            p.Amount,
			"gateway":           p.Gateway,
			"gateway_reference": session.Reference,
		}))
	})
	if err != nil {
		s.logger.Error().Err(err).
			Stringer("order_code", code).
			Str("gateway_reference", session.Reference).
			Msg("Payment not stored, gateway session orphaned")
		return nil, fmt.Errorf("store payment: %w", err)
	}

	span.SetAttributes(attribute.Int64("order_code", int64(p.OrderCode)))
	if s.metrics != nil {
		s.metrics.PaymentsCreated.WithLabelValues(p.Gateway).Inc()
	}
	s.logger.Info().
		Str("payment_id", p.ID.String()).
		Stringer("order_code", p.OrderCode).
		Int64("amount", p.Amount).
		Msg("Payment created")

	return p, nil
}

func (s *PaymentService) orderCode(ctx context.Context, supplied *payment.OrderCode) (payment.OrderCode, error) {
	if supplied == nil {
		return s.allocator.Allocate(ctx)
	}
	if *supplied <= 0 {
		return 0, domainErrors.NewValidationError("orderCode", "must be a positive integer")
	}
	if err := s.allocator.EnsureAvailable(ctx, *supplied); err != nil {
		return 0, err
	}
	return *supplied, nil
}

func (s *PaymentService) GetByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return s.paymentRepo.GetByID(ctx, id)
}

func (s *PaymentService) GetByOrderCode(ctx context.Context, code payment.OrderCode) (*payment.Payment, error) {
	return s.paymentRepo.GetByOrderCode(ctx, code)
}

// Resolve looks a payment up by id or, failing to parse one, by order code.
func (s *PaymentService) Resolve(ctx context.Context, ref string) (*payment.Payment, error) {
	ref = strings.TrimSpace(ref)
	if id, err := uuid.Parse(ref); err == nil {
		return s.paymentRepo.GetByID(ctx, id)
	}
	code, err := payment.ParseOrderCode(ref)
	if err != nil {
		return nil, domainErrors.NewValidationError("ref", "must be a payment id or an order code")
	}
	return s.paymentRepo.GetByOrderCode(ctx, code)
}

// UpdateStatus is the administrative transition path. It follows the same
// rule as webhooks, so repeating a status is a no-op and entering COMPLETED
// runs side effects once.
func (s *PaymentService) UpdateStatus(ctx context.Context, ref string, target payment.Status) (*payment.Payment, error) {
	p, err := s.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	res, err := s.transitions.apply(ctx, p, target, SourceAdmin, nil)
	if err != nil {
		if errors.Is(err, domainErrors.ErrInvalidStateTransition) {
			s.logger.Warn().
				Str("payment_id", p.ID.String()).
				Str("status", string(p.Status)).
				Str("target", string(target)).
				Msg("Rejected status update")
		}
		return nil, err
	}
	return res.Payment, nil
}

// ListPayments returns payments newest first unless the filter says otherwise.
func (s *PaymentService) ListPayments(ctx context.Context, filter payment.ListFilter) ([]*payment.Payment, error) {
	return s.paymentRepo.List(ctx, filter)
}

// GetEvents returns the audit trail of a payment, oldest first.
func (s *PaymentService) GetEvents(ctx context.Context, id uuid.UUID) ([]*payment.PaymentEvent, error) {
	if _, err := s.paymentRepo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.paymentRepo.GetEvents(ctx, id)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
