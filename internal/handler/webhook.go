package handler

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/promptforge/hub/internal/service"
)

// maxWebhookBody caps how much of a delivery we read before rejecting it.
const maxWebhookBody = 1 << 20

// WebhookHandler receives provider-signed terminal-state events.
type WebhookHandler struct {
	recon   *service.Reconciler
	secrets *service.SecretCache
}

func NewWebhookHandler(recon *service.Reconciler, secrets *service.SecretCache) *WebhookHandler {
	return &WebhookHandler{recon: recon, secrets: secrets}
}

// webhookBody is the provider's event envelope.
type webhookBody struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// POST /v1/webhooks/openai
// 401 on a bad signature, 400 on malformed JSON, 500 when the
// must-succeed PendingResponse update fails (so the provider retries),
// 200 for everything else including replays — never give the provider a
// reason to retry an already-processed event.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unreadable body")
		return
	}

	if err := service.VerifyWebhookSignature(r.Context(), h.secrets,
		r.Header.Get("webhook-id"),
		r.Header.Get("webhook-timestamp"),
		r.Header.Get("webhook-signature"),
		body,
	); err != nil {
		log.Printf("webhook: signature rejected: %v", err)
		writeError(w, http.StatusUnauthorized, "AUTH_INVALID_SIGNATURE", "signature verification failed")
		return
	}

	var ev webhookBody
	if err := json.Unmarshal(body, &ev); err != nil || ev.Data.ID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed event payload")
		return
	}

	eventID := ev.ID
	if eventID == "" {
		eventID = r.Header.Get("webhook-id")
	}

	if err := h.recon.HandleWebhookEvent(r.Context(), service.WebhookEvent{
		EventID:    eventID,
		Type:       ev.Type,
		ResponseID: ev.Data.ID,
	}); err != nil {
		// Includes "row not found": the dispatch insert may still be in
		// flight, and the provider's retry will land after it.
		log.Printf("webhook: apply event %s (%s): %v", eventID, ev.Type, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "event not applied")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
