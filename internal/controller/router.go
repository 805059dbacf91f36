package controller

import (
	"time"

	"github.com/cassiomorais/paylink/internal/infrastructure/config"
	"github.com/cassiomorais/paylink/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/paylink/internal/middleware"
	"github.com/cassiomorais/paylink/internal/service"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterDeps struct {
	HealthChecks     []HealthCheck
	PaymentService   *service.PaymentService
	WebhookService   *service.WebhookService
	IdempotencyStore customMW.IdempotencyStore
	Metrics          *observability.Metrics
	// Gatherer backs /metrics; nil means the default registry.
	Gatherer         prometheus.Gatherer
	CORSConfig       config.CORSConfig
	JWTSecret        string
	WebhookRateLimit int
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing())
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSConfig.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Idempotency-Replayed"},
		AllowCredentials: deps.CORSConfig.AllowCredentials,
		MaxAge:           300,
	}))
	if deps.Metrics != nil {
		r.Use(customMW.Metrics(deps.Metrics))
	}

	healthH := NewHealthController(deps.HealthChecks...)
	paymentH := NewPaymentController(deps.PaymentService)
	webhookH := NewWebhookController(deps.WebhookService)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Group(func(r chi.Router) {
		if deps.WebhookRateLimit > 0 {
			r.Use(customMW.RateLimit(deps.WebhookRateLimit))
		}
		r.Post("/webhooks/{gateway}", webhookH.Handle)
	})

	r.Route("/api/v1", func(r chi.Router) {
		create := r.With()
		if deps.IdempotencyStore != nil {
			create = r.With(customMW.Idempotency(deps.IdempotencyStore))
		}
		create.Post("/payments", paymentH.CreatePayment)

		r.Get("/payments", paymentH.ListPayments)
		r.Get("/payments/order/{orderCode}", paymentH.GetPaymentByOrderCode)
		r.Get("/payments/{id}", paymentH.GetPayment)
		r.Get("/payments/{id}/events", paymentH.GetEvents)

		admin := r.With()
		if deps.JWTSecret != "" {
			admin = r.With(customMW.RequireAuth(deps.JWTSecret, customMW.RoleAdmin))
		}
		admin.Put("/payments/{id}/status", paymentH.UpdateStatus)
	})

	return r
}
