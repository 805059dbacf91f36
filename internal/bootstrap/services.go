package bootstrap

import (
	"context"
	"fmt"

	"github.com/cassiomorais/paylink/internal/access"
	"github.com/cassiomorais/paylink/internal/dispatch"
	"github.com/cassiomorais/paylink/internal/gateway"
	infraRedis "github.com/cassiomorais/paylink/internal/infrastructure/redis"
	"github.com/cassiomorais/paylink/internal/mailer"
	"github.com/cassiomorais/paylink/internal/ordercode"
	"github.com/cassiomorais/paylink/internal/repository/postgres"
	"github.com/cassiomorais/paylink/internal/service"
)

// Services is the wired domain layer shared by the API and the replay tool.
type Services struct {
	PaymentRepo     *postgres.PaymentRepository
	IdempotencyRepo *postgres.IdempotencyRepository
	DeadLetters     *infraRedis.StreamProducer
	Dispatcher      *dispatch.Dispatcher
	Gateways        *gateway.Registry
	Payments        *service.PaymentService
	Webhooks        *service.WebhookService
}

// Wire builds repositories, the gateway, side-effect actions and services.
func (a *App) Wire() (*Services, error) {
	cfg := a.Config

	paymentRepo := postgres.NewPaymentRepository(a.Pool)
	txManager := postgres.NewTxManager(a.Pool)
	dlq := infraRedis.NewStreamProducer(a.Redis)

	gw, err := NewGateway(cfg.Gateway)
	if err != nil {
		return nil, err
	}
	registry := gateway.NewRegistry()
	registry.Register(gw.Name(), gw)

	client := gateway.NewBreakerClient(gw, gateway.BreakerSettings{
		Timeout:          cfg.Gateway.Timeout,
		FailureThreshold: uint32(cfg.Gateway.CircuitBreakerThreshold),
		OpenTimeout:      cfg.Gateway.CircuitBreakerTimeout,
	}, a.Metrics)

	gen, err := ordercode.NewSnowflakeGenerator(cfg.OrderCode.NodeID)
	if err != nil {
		return nil, fmt.Errorf("order code generator: %w", err)
	}
	allocator := ordercode.NewAllocator(gen, paymentRepo, cfg.OrderCode.MaxAttempts, a.Metrics, a.Logger)

	var actions []dispatch.Action
	if cfg.Notify.Enabled {
		actions = append(actions, dispatch.NewNotificationAction(mailer.NewSMTPMailer(cfg.Notify.SMTP), cfg.Notify.DefaultRecipient))
	}
	if cfg.Access.Enabled {
		actions = append(actions, dispatch.NewAccessGrantAction(access.NewClient(cfg.Access.BaseURL, cfg.Access.Token, cfg.Access.Timeout)))
	}
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		ActionTimeout: cfg.Dispatch.ActionTimeout,
		MaxAttempts:   cfg.Dispatch.MaxAttempts,
		RetryDelay:    cfg.Dispatch.RetryDelay,
	}, dlq, a.Metrics, a.Logger, actions...)

	a.Logger.Info().
		Str("gateway", gw.Name()).
		Strs("side_effects", dispatcher.Actions()).
		Msg("Services wired")

	return &Services{
		PaymentRepo:     paymentRepo,
		IdempotencyRepo: postgres.NewIdempotencyRepository(a.Pool),
		DeadLetters:     dlq,
		Dispatcher:      dispatcher,
		Gateways:        registry,
		Payments: service.NewPaymentService(
			paymentRepo, txManager, client, allocator, dispatcher,
			service.PaymentServiceConfig{ReturnURL: cfg.Gateway.ReturnURL, CancelURL: cfg.Gateway.CancelURL},
			a.Metrics, a.Logger,
		),
		Webhooks: service.NewWebhookService(paymentRepo, txManager, registry, dispatcher, a.Metrics, a.Logger),
	}, nil
}

// Ping functions for readiness probes.
func (a *App) PingDatabase(ctx context.Context) error { return a.Pool.Ping(ctx) }
func (a *App) PingRedis(ctx context.Context) error    { return a.Redis.Ping(ctx).Err() }
