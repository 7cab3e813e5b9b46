package rest

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/nbelthan/whstudio-settlement/internal/settlement"
	"github.com/nbelthan/whstudio-settlement/internal/transport/middleware"
	"github.com/nbelthan/whstudio-settlement/internal/transport/swagger"
)

func RegisterAllRoutes(router *chi.Mux, db *sql.DB, paymentHandler *settlement.Handler, webhookHandler *settlement.WebhookHandler, tokenSecret string, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db)

	router.Use(middleware.CORS)
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	// Serve OpenAPI spec at root (outside API prefix)
	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./api/openapi.yml")
	})
	router.Handle("/swagger/*", swagger.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		// gateway callback authenticates by reference, not user token
		if webhookHandler != nil {
			r.Post("/payments/callback", webhookHandler.HandleCallback)
		}

		if paymentHandler != nil {
			r.Group(func(pr chi.Router) {
				pr.Use(middleware.Auth(tokenSecret))

				pr.Route("/payments", func(pmr chi.Router) {
					pmr.Post("/", paymentHandler.CreatePayment)
					pmr.Get("/", paymentHandler.ListPayments)
					pmr.Get("/{id}", paymentHandler.GetPayment)
					pmr.Post("/{id}/confirm", paymentHandler.ConfirmPayment)
					pmr.Post("/{id}/cancel", paymentHandler.CancelPayment)
					pmr.Post("/{id}/retry", paymentHandler.RetryPayment)
				})
			})
		}
	})
}
