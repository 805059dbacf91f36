package controller

import (
	"errors"
	"io"
	"net/http"

	domainErrors "github.com/cassiomorais/paylink/internal/domain/errors"
	"github.com/cassiomorais/paylink/internal/service"
	"github.com/go-chi/chi/v5"
)

// WebhookController receives gateway notifications.
type WebhookController struct {
	webhookService *service.WebhookService
}

func NewWebhookController(webhookService *service.WebhookService) *WebhookController {
	return &WebhookController{webhookService: webhookService}
}

// Handle handles POST /webhooks/{gateway}. Once the order is resolved the
// delivery is acknowledged with 200, including when the reported status is
// rejected or a side effect failed, so the gateway stops retrying.
func (h *WebhookController) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "payload too large", Code: "payload_too_large"})
			return
		}
		writeError(w, domainErrors.NewValidationError("body", "unreadable"))
		return
	}

	res, err := h.webhookService.Ingest(r.Context(), chi.URLParam(r, "gateway"), r.Header, body)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, FromWebhookResult(res))
}
