package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	domainErrors "github.com/cassiomorais/paylink/internal/domain/errors"
	"github.com/cassiomorais/paylink/internal/domain/payment"
	"github.com/cassiomorais/paylink/internal/gateway"
	"github.com/cassiomorais/paylink/internal/infrastructure/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// WebhookOutcome says what a notification did to the payment.
type WebhookOutcome string

const (
	// OutcomeApplied means this delivery moved the payment out of PENDING.
	OutcomeApplied WebhookOutcome = "applied"
	// OutcomeDuplicate means the payment already held the reported status.
	OutcomeDuplicate WebhookOutcome = "duplicate"
	// OutcomeIgnored means the reported status maps to PENDING.
	OutcomeIgnored WebhookOutcome = "ignored"
	// OutcomeRejected means the report contradicts a terminal status.
	OutcomeRejected WebhookOutcome = "rejected"
)

// WebhookResult is returned for every acknowledged notification.
type WebhookResult struct {
	PaymentID            uuid.UUID
	OrderCode            payment.OrderCode
	Status               payment.Status
	Outcome              WebhookOutcome
	SideEffectsTriggered bool
}

// MapStatus translates a gateway status into a payment status. Anything the
// reconciler does not recognize maps to PENDING, which never changes a record.
func MapStatus(s gateway.Status) payment.Status {
	switch s {
	case gateway.StatusPaid:
		return payment.StatusCompleted
	case gateway.StatusCancelled:
		return payment.StatusCancelled
	case gateway.StatusExpired:
		return payment.StatusExpired
	case gateway.StatusFailed:
		return payment.StatusFailed
	default:
		return payment.StatusPending
	}
}

// WebhookService reconciles gateway notifications with stored payments.
type WebhookService struct {
	paymentRepo payment.Repository
	registry    *gateway.Registry
	transitions *transitioner
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

func NewWebhookService(
	paymentRepo payment.Repository,
	txManager TransactionManager,
	registry *gateway.Registry,
	dispatcher SideEffectDispatcher,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *WebhookService {
	logger = logger.With().Str("component", "webhook_service").Logger()
	return &WebhookService{
		paymentRepo: paymentRepo,
		registry:    registry,
		transitions: &transitioner{
			repo:       paymentRepo,
			txManager:  txManager,
			dispatcher: dispatcher,
			metrics:    metrics,
			logger:     logger,
		},
		metrics: metrics,
		logger:  logger,
	}
}

// Ingest authenticates a raw delivery with the named gateway's parser and
// reconciles it.
func (s *WebhookService) Ingest(ctx context.Context, gatewayName string, header http.Header, body []byte) (*WebhookResult, error) {
	parser, err := s.registry.Parser(gatewayName)
	if err != nil {
		return nil, err
	}

	n, err := parser.ParseNotification(header, body)
	if err != nil {
		s.observe(gatewayName, "invalid")
		s.logger.Warn().Err(err).Str("gateway", gatewayName).Msg("Rejected webhook delivery")
		return nil, err
	}
	if n.Gateway == "" {
		n.Gateway = gatewayName
	}
	return s.HandleNotification(ctx, n)
}

// HandleNotification applies one decoded notification. An error is returned
// only when the order code is unknown or storage fails; a report that
// contradicts a terminal status is acknowledged with OutcomeRejected.
func (s *WebhookService) HandleNotification(ctx context.Context, n *gateway.Notification) (*WebhookResult, error) {
	ctx, span := otel.Tracer("paylink/service").Start(ctx, "webhook.reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("gateway", n.Gateway),
		attribute.Int64("order_code", int64(n.OrderCode)),
		attribute.String("gateway_status", string(n.Status)),
	)

	log := s.logger.With().
		Str("gateway", n.Gateway).
		Stringer("order_code", n.OrderCode).
		Str("gateway_status", string(n.Status)).
		Logger()

	p, err := s.paymentRepo.GetByOrderCode(ctx, n.OrderCode)
	if err != nil {
		if errors.Is(err, domainErrors.ErrPaymentNotFound) {
			s.observe(n.Gateway, "unknown_order")
			log.Warn().Msg("Webhook for unknown order")
			span.SetStatus(codes.Error, "unknown order")
			return nil, fmt.Errorf("order %s: %w", n.OrderCode, domainErrors.ErrUnknownOrder)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("lookup order %s: %w", n.OrderCode, err)
	}

	if err := s.paymentRepo.AddEvent(ctx, payment.NewEvent(p.ID, payment.EventWebhookReceived, map[string]any{
		"gateway": n.Gateway,
		"status":  string(n.Status),
		"payload": n.Payload,
	})); err != nil {
		log.Warn().Err(err).Msg("Failed to record webhook event")
	}

	result := &WebhookResult{PaymentID: p.ID, OrderCode: p.OrderCode, Status: p.Status}

	target := MapStatus(n.Status)
	if target == payment.StatusPending {
		result.Outcome = OutcomeIgnored
		s.observe(n.Gateway, string(result.Outcome))
		log.Info().Str("status", string(p.Status)).Msg("Webhook status needs no change")
		return result, nil
	}

	res, err := s.transitions.apply(ctx, p, target, SourceWebhook, map[string]any{
		"gateway":        n.Gateway,
		"gateway_status": string(n.Status),
	})
	if err != nil {
		if errors.Is(err, domainErrors.ErrInvalidStateTransition) {
			result.Outcome = OutcomeRejected
			s.observe(n.Gateway, string(result.Outcome))
			log.Warn().
				Str("status", string(p.Status)).
				Str("target", string(target)).
				Msg("Webhook contradicts terminal status")
			return result, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result.Status = res.Payment.Status
	result.SideEffectsTriggered = res.SideEffects != nil
	if res.Applied {
		result.Outcome = OutcomeApplied
	} else {
		result.Outcome = OutcomeDuplicate
	}
	s.observe(n.Gateway, string(result.Outcome))
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))

	for _, r := range res.SideEffects {
		if r.Err != nil {
			log.Warn().Err(r.Err).Str("action", r.Action).Msg("Side effect did not complete")
		}
	}
	return result, nil
}

func (s *WebhookService) observe(gatewayName, outcome string) {
	if s.metrics != nil {
		s.metrics.WebhooksReceived.WithLabelValues(gatewayName, outcome).Inc()
	}
}
