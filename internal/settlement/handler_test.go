package settlement_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/go-chi/chi"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	apperrors "github.com/nbelthan/whstudio-settlement/internal"
	"github.com/nbelthan/whstudio-settlement/internal/core/datamodel/payment"
	"github.com/nbelthan/whstudio-settlement/internal/fees"
	"github.com/nbelthan/whstudio-settlement/internal/settlement"
	"github.com/nbelthan/whstudio-settlement/internal/transport"
)

var _ = ginkgo.Describe("Handler", func() {
	var (
		repo       *memLedger
		gw         *mockGateway
		handler    *settlement.Handler
		webhook    *settlement.WebhookHandler
		router     *chi.Mux
		ctx        context.Context
		submission *mockSubmissions
		earnings   *mockEarnings
	)

	asUser := func(req *http.Request, userID string) *http.Request {
		return req.WithContext(apperrors.ContextWithUserID(req.Context(), userID))
	}

	ginkgo.BeforeEach(func() {
		ctx = context.Background()
		repo = newMemLedger()
		gw = newMockGateway()
		submission = newMockSubmissions()
		submission.approved["sub-1"] = true
		earnings = newMockEarnings()
		directory := &mockDirectory{addresses: map[string]string{"worker-1": "0xabc"}}
		limiter := &mockLimiter{remaining: 300}

		lg := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		calc := fees.NewCalculator(decimal.NewFromFloat(0.05), decimal.NewFromFloat(0.01))
		service := settlement.NewService(repo, gw, directory, submission, limiter, calc, testSettlementConfig(), testGatewayConfig(), nil, lg)
		reconciler := settlement.NewReconciler(repo, submission, earnings, nil, lg)

		base := transport.NewBaseHandler(lg)
		handler = settlement.NewHandler(base, service, reconciler)
		webhook = settlement.NewWebhookHandler(base, repo, reconciler)

		router = chi.NewRouter()
		router.Post("/payments", handler.CreatePayment)
		router.Get("/payments/{id}", handler.GetPayment)
		router.Post("/payments/{id}/cancel", handler.CancelPayment)
		router.Post("/payments/callback", webhook.HandleCallback)
	})

	ginkgo.It("should create a payment and answer 201", func() {
		body, _ := json.Marshal(map[string]interface{}{
			"task_id":       "task-1",
			"submission_id": "sub-1",
			"recipient_id":  "worker-1",
			"gross_amount":  "10",
			"currency":      "WLD",
			"payment_type":  "task_reward",
		})
		req := asUser(httptest.NewRequest(http.MethodPost, "/payments", bytes.NewReader(body)), "payer-1")
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, req)

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusCreated))
		var got payment.Payment
		gomega.Expect(json.Unmarshal(rec.Body.Bytes(), &got)).To(gomega.Succeed())
		gomega.Expect(got.Status).To(gomega.Equal(payment.StatusProcessing))
		gomega.Expect(got.PayerID).To(gomega.Equal("payer-1"))
	})

	ginkgo.It("should answer 401 without an authenticated user", func() {
		req := httptest.NewRequest(http.MethodPost, "/payments", bytes.NewReader([]byte(`{}`)))
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, req)

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusUnauthorized))
	})

	ginkgo.It("should hide other users' payments behind 403", func() {
		now := time.Now().UTC()
		p := &payment.Payment{
			ID:                "pay-1",
			ExternalReference: "ref-1",
			TaskID:            "task-1",
			PayerID:           "payer-1",
			RecipientID:       "worker-1",
			GrossAmount:       decimal.NewFromInt(10),
			Currency:          payment.CurrencyWLD,
			PaymentType:       payment.TypeTaskReward,
			Status:            payment.StatusProcessing,
			CreatedAt:         now,
			ExpiresAt:         now.Add(15 * time.Minute),
		}
		gomega.Expect(repo.Create(ctx, p)).To(gomega.Succeed())

		req := asUser(httptest.NewRequest(http.MethodGet, "/payments/pay-1", nil), "stranger")
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, req)

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusForbidden))
	})

	ginkgo.It("should settle a payment through the gateway callback", func() {
		body, _ := json.Marshal(map[string]interface{}{
			"task_id":       "task-1",
			"submission_id": "sub-1",
			"recipient_id":  "worker-1",
			"gross_amount":  "10",
			"currency":      "WLD",
			"payment_type":  "task_reward",
		})
		createReq := asUser(httptest.NewRequest(http.MethodPost, "/payments", bytes.NewReader(body)), "payer-1")
		createRec := httptest.NewRecorder()
		router.ServeHTTP(createRec, createReq)
		gomega.Expect(createRec.Code).To(gomega.Equal(http.StatusCreated))
		var created payment.Payment
		gomega.Expect(json.Unmarshal(createRec.Body.Bytes(), &created)).To(gomega.Succeed())

		callback, _ := json.Marshal(map[string]interface{}{
			"reference":        created.ExternalReference,
			"status":           "mined",
			"transaction_hash": "0xhash",
		})
		req := httptest.NewRequest(http.MethodPost, "/payments/callback", bytes.NewReader(callback))
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, req)

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
		settled, err := repo.GetByID(ctx, created.ID)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(settled.Status).To(gomega.Equal(payment.StatusCompleted))
		gomega.Expect(earnings.credits["worker-1"].Equal(decimal.NewFromFloat(9.5))).To(gomega.BeTrue())
	})

	ginkgo.It("should answer 404 for a callback with an unknown reference", func() {
		callback, _ := json.Marshal(map[string]interface{}{
			"reference": "ref-unknown",
			"status":    "mined",
		})
		req := httptest.NewRequest(http.MethodPost, "/payments/callback", bytes.NewReader(callback))
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, req)

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusNotFound))
	})

	ginkgo.It("should answer 409 when cancelling a completed payment", func() {
		now := time.Now().UTC()
		p := &payment.Payment{
			ID:                "pay-done",
			ExternalReference: "ref-done",
			TaskID:            "task-1",
			PayerID:           "payer-1",
			RecipientID:       "worker-1",
			GrossAmount:       decimal.NewFromInt(10),
			Currency:          payment.CurrencyWLD,
			PaymentType:       payment.TypeTaskReward,
			Status:            payment.StatusCompleted,
			CreatedAt:         now,
			ExpiresAt:         now.Add(15 * time.Minute),
		}
		gomega.Expect(repo.Create(ctx, p)).To(gomega.Succeed())

		req := asUser(httptest.NewRequest(http.MethodPost, "/payments/pay-done/cancel", nil), "payer-1")
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, req)

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusConflict))
		unchanged, _ := repo.GetByID(ctx, "pay-done")
		gomega.Expect(unchanged.Status).To(gomega.Equal(payment.StatusCompleted))
	})
})
