package controller

import (
	"time"

	"github.com/cassiomorais/paylink/internal/domain/payment"
	"github.com/cassiomorais/paylink/internal/service"
)

// --- Request DTOs ---
// Amounts are integers in the minor currency unit.

// CreatePaymentRequest holds the input for creating a payment.
type CreatePaymentRequest struct {
	Amount      int64          `json:"amount" validate:"required,gt=0"`
	Description string         `json:"description" validate:"required,max=255"`
	OrderCode   *int64         `json:"orderCode,omitempty" validate:"omitempty,gt=0"`
	ReturnURL   string         `json:"returnUrl,omitempty" validate:"omitempty,url"`
	CancelURL   string         `json:"cancelUrl,omitempty" validate:"omitempty,url"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (r CreatePaymentRequest) toService() service.CreatePaymentRequest {
	req := service.CreatePaymentRequest{
		Amount:      r.Amount,
		Description: r.Description,
		Metadata:    r.Metadata,
		ReturnURL:   r.ReturnURL,
		CancelURL:   r.CancelURL,
	}
	if r.OrderCode != nil {
		code := payment.OrderCode(*r.OrderCode)
		req.OrderCode = &code
	}
	return req
}

// UpdateStatusRequest holds the target of an administrative status change.
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// --- Response DTOs ---

// PaymentResponse represents a payment in API responses.
type PaymentResponse struct {
	ID          string         `json:"id"`
	OrderCode   int64          `json:"orderCode"`
	Amount      int64          `json:"amount"`
	Description string         `json:"description"`
	Status      string         `json:"status"`
	CheckoutURL string         `json:"checkoutUrl"`
	Gateway     string         `json:"gateway"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// EventResponse is one audit trail entry.
type EventResponse struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// WebhookResponse acknowledges a gateway delivery.
type WebhookResponse struct {
	Success              bool   `json:"success"`
	Outcome              string `json:"outcome"`
	OrderCode            int64  `json:"orderCode"`
	Status               string `json:"status"`
	SideEffectsTriggered bool   `json:"sideEffectsTriggered"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// --- Conversion helpers ---

func FromPayment(p *payment.Payment) *PaymentResponse {
	return &PaymentResponse{
		ID:          p.ID.String(),
		OrderCode:   int64(p.OrderCode),
		Amount:      p.Amount,
		Description: p.Description,
		Status:      string(p.Status),
		CheckoutURL: p.CheckoutURL,
		Gateway:     p.Gateway,
		Metadata:    p.Metadata,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func FromEvent(e *payment.PaymentEvent) *EventResponse {
	return &EventResponse{
		ID:        e.ID.String(),
		Type:      e.EventType,
		Data:      e.EventData,
		CreatedAt: e.CreatedAt,
	}
}

func FromWebhookResult(r *service.WebhookResult) *WebhookResponse {
	return &WebhookResponse{
		Success:              true,
		Outcome:              string(r.Outcome),
		OrderCode:            int64(r.OrderCode),
		Status:               string(r.Status),
		SideEffectsTriggered: r.SideEffectsTriggered,
	}
}
