package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/inkread/backend/internal/ledger"
	"github.com/inkread/backend/internal/models"
	"github.com/inkread/backend/internal/reconcile"
)

// WebhookVerifier checks a webhook delivery against the gateway's own
// verification endpoint.
type WebhookVerifier interface {
	VerifyWebhook(ctx context.Context, headers http.Header, body []byte) (bool, error)
}

// WebhookEngine is the capture entry point webhooks use.
type WebhookEngine interface {
	CaptureFromWebhook(ctx context.Context, provider, gatewayOrderID string) (*reconcile.CaptureResult, error)
}

// WebhookHandler serves the international gateway's asynchronous capture
// events. Webhooks are a second, independent notification path: the same
// order may already have been settled by a client capture call, which the
// engine answers idempotently.
type WebhookHandler struct {
	Verifier WebhookVerifier
	Engine   WebhookEngine
	Logger   *slog.Logger
}

// webhookEvent is the subset of PayPal's event envelope needed to locate the
// order a capture refers to.
type webhookEvent struct {
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string `json:"id"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

// HandlePayPal handles POST /v1/webhooks/paypal.
func (h *WebhookHandler) HandlePayPal(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}

	ok, err := h.Verifier.VerifyWebhook(r.Context(), r.Header, body)
	if err != nil {
		h.Logger.Error("webhook verification call failed", "error", err)
		// 5xx so the gateway redelivers once verification is reachable again.
		http.Error(w, `{"error":"verification unavailable"}`, http.StatusBadGateway)
		return
	}
	if !ok {
		h.Logger.Error("webhook signature rejected", "remote_addr", r.RemoteAddr)
		http.Error(w, `{"error":"verification failed"}`, http.StatusBadRequest)
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, `{"error":"invalid event payload"}`, http.StatusBadRequest)
		return
	}

	orderID := orderIDFromEvent(event)
	if orderID == "" {
		// Not a capture-relevant event; acknowledge so it isn't redelivered.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "event_type": event.EventType})
		return
	}

	res, err := h.Engine.CaptureFromWebhook(r.Context(), models.ProviderPayPal, orderID)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			// An order this process never created; nothing to reconcile.
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "order_id": orderID})
		case errors.Is(err, reconcile.ErrPurchaseFailed):
			writeJSON(w, http.StatusOK, map[string]string{"status": "already_failed", "order_id": orderID})
		default:
			h.Logger.Error("webhook capture failed", "order_id", orderID, "error", err)
			http.Error(w, `{"error":"capture failed"}`, http.StatusInternalServerError)
		}
		return
	}

	status := "completed"
	if res.AlreadyCompleted {
		status = "already_completed"
	}
	capturesTotal.WithLabelValues(models.ProviderPayPal, "webhook_"+status).Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "order_id": orderID})
}

func orderIDFromEvent(e webhookEvent) string {
	switch e.EventType {
	case "CHECKOUT.ORDER.APPROVED", "CHECKOUT.ORDER.COMPLETED":
		return e.Resource.ID
	case "PAYMENT.CAPTURE.COMPLETED":
		return e.Resource.SupplementaryData.RelatedIDs.OrderID
	}
	return ""
}
