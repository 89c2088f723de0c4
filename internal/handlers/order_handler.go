package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/inkread/backend/internal/fx"
	"github.com/inkread/backend/internal/gateway"
	"github.com/inkread/backend/internal/ledger"
	"github.com/inkread/backend/internal/middleware"
	"github.com/inkread/backend/internal/models"
	"github.com/inkread/backend/internal/pricing"
	"github.com/inkread/backend/internal/reconcile"
)

var (
	ordersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_orders_created_total",
		Help: "Purchase orders created, labeled by provider and result",
	}, []string{"provider", "result"})

	capturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_captures_total",
		Help: "Capture attempts, labeled by provider and outcome",
	}, []string{"provider", "outcome"})

	captureDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payments_capture_duration_seconds",
		Help:    "Latency of capture verification including gateway round-trips",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"provider"})
)

// OrderEngine is the slice of the reconciliation engine the handler drives.
type OrderEngine interface {
	CreatePurchase(ctx context.Context, user *models.User, req reconcile.CreateRequest) (*reconcile.CreateResult, error)
	Capture(ctx context.Context, userID uuid.UUID, provider, gatewayOrderID string, proof gateway.Proof) (*reconcile.CaptureResult, error)
	ListPurchases(ctx context.Context, userID uuid.UUID) ([]*models.Purchase, error)
}

// OrderHandler serves /v1/orders endpoints.
type OrderHandler struct {
	Engine OrderEngine
	Logger *slog.Logger
}

// --- POST /v1/orders ---

type createOrderRequest struct {
	PurchaseType string  `json:"purchase_type"`
	Chapters     []int32 `json:"chapters,omitempty"`
	Currency     string  `json:"currency,omitempty"`
}

type createOrderResponse struct {
	PurchaseID     string `json:"purchase_id"`
	GatewayOrderID string `json:"gateway_order_id"`
	Provider       string `json:"provider"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	ApprovalURL    string `json:"approval_url,omitempty"`
}

// CreateOrder handles POST /v1/orders.
// Auth (via middleware) -> Price -> Remote order -> Ledger row -> 201.
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	res, err := h.Engine.CreatePurchase(r.Context(), user, reconcile.CreateRequest{
		PurchaseType: req.PurchaseType,
		Chapters:     req.Chapters,
		Currency:     req.Currency,
	})
	if err != nil {
		h.writeCreateError(w, req, err)
		return
	}

	ordersCreatedTotal.WithLabelValues(res.Provider, "created").Inc()
	writeJSON(w, http.StatusCreated, createOrderResponse{
		PurchaseID:     res.PurchaseID.String(),
		GatewayOrderID: res.GatewayOrderID,
		Provider:       res.Provider,
		Amount:         res.Amount,
		Currency:       res.Currency,
		ApprovalURL:    res.ApprovalURL,
	})
}

func (h *OrderHandler) writeCreateError(w http.ResponseWriter, req createOrderRequest, err error) {
	switch {
	case errors.Is(err, reconcile.ErrAlreadyOwned):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "complete pack already owned"})
	case errors.Is(err, reconcile.ErrInvalidPurchase), errors.Is(err, pricing.ErrInsufficientSelection), errors.Is(err, fx.ErrUnknownCurrency):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, gateway.ErrUnavailable):
		ordersCreatedTotal.WithLabelValues("unknown", "gateway_unavailable").Inc()
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "payment gateway unavailable, please retry"})
	default:
		h.Logger.Error("create order", "purchase_type", req.PurchaseType, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// --- POST /v1/orders/capture ---

type captureRequest struct {
	Provider       string `json:"provider"`
	GatewayOrderID string `json:"gateway_order_id"`
	PaymentID      string `json:"payment_id,omitempty"`
	Signature      string `json:"signature,omitempty"`
}

type captureResponse struct {
	Success          bool    `json:"success"`
	Message          string  `json:"message"`
	AlreadyCompleted bool    `json:"already_completed,omitempty"`
	Tier             string  `json:"tier,omitempty"`
	ChaptersUnlocked []int32 `json:"chapters_unlocked,omitempty"`
}

// CaptureOrder handles POST /v1/orders/capture, the client-reported
// completion path. The engine re-verifies everything with the gateway; the
// request body is treated as a claim, not as proof of payment.
func (h *OrderHandler) CaptureOrder(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Provider == "" || req.GatewayOrderID == "" {
		http.Error(w, `{"error":"provider and gateway_order_id are required"}`, http.StatusBadRequest)
		return
	}

	timer := prometheus.NewTimer(captureDuration.WithLabelValues(req.Provider))
	res, err := h.Engine.Capture(r.Context(), user.ID, req.Provider, req.GatewayOrderID,
		gateway.Proof{PaymentID: req.PaymentID, Signature: req.Signature})
	timer.ObserveDuration()

	if err != nil {
		h.writeCaptureError(w, req, err)
		return
	}

	outcome := "completed"
	if res.AlreadyCompleted {
		outcome = "already_completed"
	}
	capturesTotal.WithLabelValues(req.Provider, outcome).Inc()

	writeJSON(w, http.StatusOK, captureResponse{
		Success:          true,
		Message:          "payment verified",
		AlreadyCompleted: res.AlreadyCompleted,
		Tier:             res.Tier,
		ChaptersUnlocked: res.ChaptersUnlocked,
	})
}

func (h *OrderHandler) writeCaptureError(w http.ResponseWriter, req captureRequest, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		capturesTotal.WithLabelValues(req.Provider, "not_found").Inc()
		writeJSON(w, http.StatusNotFound, captureResponse{Message: "order not found"})
	case errors.Is(err, gateway.ErrVerificationFailed):
		capturesTotal.WithLabelValues(req.Provider, "verification_failed").Inc()
		writeJSON(w, http.StatusBadRequest, captureResponse{Message: "payment verification failed"})
	case errors.Is(err, reconcile.ErrAmountMismatch):
		capturesTotal.WithLabelValues(req.Provider, "amount_mismatch").Inc()
		writeJSON(w, http.StatusConflict, captureResponse{Message: "payment amount mismatch, purchase voided"})
	case errors.Is(err, reconcile.ErrPurchaseFailed):
		capturesTotal.WithLabelValues(req.Provider, "already_failed").Inc()
		writeJSON(w, http.StatusConflict, captureResponse{Message: "purchase already failed"})
	case errors.Is(err, gateway.ErrNotSettled):
		capturesTotal.WithLabelValues(req.Provider, "not_settled").Inc()
		writeJSON(w, http.StatusConflict, captureResponse{Message: "payment not settled at gateway"})
	case errors.Is(err, gateway.ErrUnavailable):
		capturesTotal.WithLabelValues(req.Provider, "gateway_unavailable").Inc()
		writeJSON(w, http.StatusBadGateway, captureResponse{Message: "payment gateway unavailable, please retry"})
	default:
		h.Logger.Error("capture order", "gateway_order_id", req.GatewayOrderID, "error", err)
		writeJSON(w, http.StatusInternalServerError, captureResponse{Message: "internal error"})
	}
}

// --- GET /v1/purchases ---

// ListPurchases handles GET /v1/purchases: the caller's ledger history.
func (h *OrderHandler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.Engine.ListPurchases(r.Context(), user.ID)
	if err != nil {
		h.Logger.Error("list purchases", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Purchase{}
	}
	writeJSON(w, http.StatusOK, list)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
