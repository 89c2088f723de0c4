package main

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inkread/backend/internal/auth"
	"github.com/inkread/backend/internal/gateway/paypal"
	"github.com/inkread/backend/internal/handlers"
	"github.com/inkread/backend/internal/middleware"
	"github.com/inkread/backend/internal/reconcile"
	"github.com/inkread/backend/internal/users"
)

// RegisterRoutes adds all /v1/ endpoints to the given mux.
// Middleware chain for purchase endpoints: UserAuth -> handler.
// The PayPal webhook is unauthenticated; its proof is the gateway signature.
func RegisterRoutes(
	mux *http.ServeMux,
	engine *reconcile.Engine,
	paypalClient *paypal.Client,
	authSvc auth.Service,
	authHandler *auth.Handler,
	userRepo *users.Repository,
	logger *slog.Logger,
) {
	oh := &handlers.OrderHandler{Engine: engine, Logger: logger}
	wh := &handlers.WebhookHandler{Verifier: paypalClient, Engine: engine, Logger: logger}

	userAuth := middleware.UserAuth(authSvc, userRepo)

	mux.HandleFunc("POST /v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /v1/auth/login", authHandler.Login)

	mux.Handle("POST /v1/orders", userAuth(http.HandlerFunc(oh.CreateOrder)))
	mux.Handle("POST /v1/orders/capture", userAuth(http.HandlerFunc(oh.CaptureOrder)))
	mux.Handle("GET /v1/purchases", userAuth(http.HandlerFunc(oh.ListPurchases)))

	mux.HandleFunc("POST /v1/webhooks/paypal", wh.HandlePayPal)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}
