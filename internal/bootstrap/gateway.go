package bootstrap

import (
	"fmt"
	"net/http"

	"github.com/cassiomorais/paylink/internal/gateway"
	"github.com/cassiomorais/paylink/internal/infrastructure/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewGateway builds the adapter selected by cfg.Provider.
func NewGateway(cfg config.GatewayConfig) (gateway.Gateway, error) {
	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	switch cfg.Provider {
	case "mock":
		return gateway.NewMockGateway(
			gateway.WithCheckoutBaseURL(cfg.Mock.CheckoutBaseURL),
			gateway.WithLatency(cfg.Mock.Latency),
			gateway.WithFailureRate(cfg.Mock.FailureRate),
			gateway.WithWebhookSecret(cfg.Mock.WebhookSecret),
		), nil
	case "payos":
		return gateway.NewPayOSGateway(gateway.PayOSConfig{
			BaseURL:     cfg.PayOS.BaseURL,
			ClientID:    cfg.PayOS.ClientID,
			APIKey:      cfg.PayOS.APIKey,
			ChecksumKey: cfg.PayOS.ChecksumKey,
		}, httpClient), nil
	case "midtrans":
		return gateway.NewMidtransGateway(cfg.Midtrans.ServerKey, cfg.Midtrans.Production, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", cfg.Provider)
	}
}
