package settlement_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	apperrors "github.com/nbelthan/whstudio-settlement/internal"
	gwtypes "github.com/nbelthan/whstudio-settlement/internal/core/datamodel/gateway"
	"github.com/nbelthan/whstudio-settlement/internal/core/datamodel/payment"
	"github.com/nbelthan/whstudio-settlement/internal/fees"
	"github.com/nbelthan/whstudio-settlement/internal/gateway"
	"github.com/nbelthan/whstudio-settlement/internal/ledger"
	"github.com/nbelthan/whstudio-settlement/internal/settlement"
)

func testSettlementConfig() apperrors.SettlementConfig {
	cfg := apperrors.SettlementConfig{
		FeePercent: decimal.NewFromFloat(0.05),
		MinFee:     decimal.NewFromFloat(0.01),
		MinAmounts: map[string]decimal.Decimal{
			"WLD":  decimal.NewFromFloat(0.1),
			"USDC": decimal.NewFromFloat(0.1),
			"ETH":  decimal.NewFromFloat(0.001),
		},
		MaxAmounts: map[string]decimal.Decimal{
			"WLD":  decimal.NewFromInt(10000),
			"USDC": decimal.NewFromInt(10000),
			"ETH":  decimal.NewFromInt(100),
		},
		ExpiryWindow:      15 * time.Minute,
		SweepInterval:     time.Minute,
		ProcessingPollAge: 2 * time.Minute,
		DailyTxCap:        300,
	}
	return cfg
}

func testGatewayConfig() apperrors.GatewayConfig {
	return apperrors.GatewayConfig{
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
	}
}

var _ = ginkgo.Describe("Service", func() {
	var (
		repo        *memLedger
		gw          *mockGateway
		directory   *mockDirectory
		submissions *mockSubmissions
		limiter     *mockLimiter
		service     *settlement.Service
		ctx         context.Context
	)

	newRequest := func() *settlement.InitiateRequest {
		subID := "sub-1"
		return &settlement.InitiateRequest{
			TaskID:       "task-1",
			SubmissionID: &subID,
			PayerID:      "payer-1",
			RecipientID:  "worker-1",
			GrossAmount:  decimal.NewFromInt(10),
			Currency:     payment.CurrencyWLD,
			PaymentType:  payment.TypeTaskReward,
		}
	}

	ginkgo.BeforeEach(func() {
		repo = newMemLedger()
		gw = newMockGateway()
		directory = &mockDirectory{addresses: map[string]string{
			"worker-1": "0xabc",
			"payer-1":  "0xdef",
		}}
		submissions = newMockSubmissions()
		submissions.approved["sub-1"] = true
		limiter = &mockLimiter{remaining: 300}

		lg := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		calc := fees.NewCalculator(decimal.NewFromFloat(0.05), decimal.NewFromFloat(0.01))
		service = settlement.NewService(repo, gw, directory, submissions, limiter, calc, testSettlementConfig(), testGatewayConfig(), nil, lg)
		ctx = context.Background()
	})

	ginkgo.Describe("Initiate", func() {
		ginkgo.It("should create a processing payment with the fee split applied", func() {
			p, err := service.Initiate(ctx, newRequest())

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(p.Status).To(gomega.Equal(payment.StatusProcessing))
			gomega.Expect(p.GrossAmount.Equal(decimal.NewFromInt(10))).To(gomega.BeTrue())
			gomega.Expect(p.PlatformFee.Equal(decimal.NewFromFloat(0.5))).To(gomega.BeTrue())
			gomega.Expect(p.NetAmount.Equal(decimal.NewFromFloat(9.5))).To(gomega.BeTrue())
			gomega.Expect(p.TransactionHash).ToNot(gomega.BeNil())
			gomega.Expect(p.ExternalReference).ToNot(gomega.BeEmpty())
			gomega.Expect(p.ExpiresAt.After(p.CreatedAt)).To(gomega.BeTrue())
		})

		ginkgo.It("should submit the gross amount under the payment's own reference", func() {
			p, err := service.Initiate(ctx, newRequest())

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			calls := gw.calls()
			gomega.Expect(calls).To(gomega.HaveLen(1))
			gomega.Expect(calls[0].Reference).To(gomega.Equal(p.ExternalReference))
			gomega.Expect(calls[0].Address).To(gomega.Equal("0xabc"))
			gomega.Expect(calls[0].Amount.Equal(decimal.NewFromInt(10))).To(gomega.BeTrue())
		})

		ginkgo.It("should consume exactly one rate limit slot", func() {
			_, err := service.Initiate(ctx, newRequest())

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(limiter.reserved).To(gomega.Equal(1))
		})

		ginkgo.It("should reject an unsupported currency", func() {
			req := newRequest()
			req.Currency = "DOGE"

			_, err := service.Initiate(ctx, req)

			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.StatusCode).To(gomega.Equal(400))
		})

		ginkgo.It("should reject an amount below the currency minimum", func() {
			req := newRequest()
			req.GrossAmount = decimal.NewFromFloat(0.05)

			_, err := service.Initiate(ctx, req)

			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.Code).To(gomega.Equal(apperrors.ErrCodeAmountTooLow))
		})

		ginkgo.It("should reject an amount above the currency maximum", func() {
			req := newRequest()
			req.GrossAmount = decimal.NewFromInt(20000)

			_, err := service.Initiate(ctx, req)

			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.Code).To(gomega.Equal(apperrors.ErrCodeAmountTooHigh))
		})

		ginkgo.It("should reject a reward paid to the payer themselves", func() {
			req := newRequest()
			req.RecipientID = req.PayerID

			_, err := service.Initiate(ctx, req)

			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.Code).To(gomega.Equal(apperrors.ErrCodeSelfPayment))
		})

		ginkgo.It("should reject a reward for an unapproved submission", func() {
			submissions.approved["sub-1"] = false

			_, err := service.Initiate(ctx, newRequest())

			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.Code).To(gomega.Equal(apperrors.ErrCodeSubmissionNotApproved))
		})

		ginkgo.It("should refuse a second payment for a submission already in flight", func() {
			_, err := service.Initiate(ctx, newRequest())
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			_, err = service.Initiate(ctx, newRequest())

			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.Code).To(gomega.Equal(apperrors.ErrCodeSubmissionAlreadyPaid))
			gomega.Expect(appErr.StatusCode).To(gomega.Equal(409))
		})

		ginkgo.It("should refuse with 429 and create nothing when the daily cap is reached", func() {
			limiter.remaining = 0

			_, err := service.Initiate(ctx, newRequest())

			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.StatusCode).To(gomega.Equal(429))
			gomega.Expect(gw.calls()).To(gomega.BeEmpty())

			payments, _ := repo.ListByTask(ctx, "task-1")
			gomega.Expect(payments).To(gomega.BeEmpty())
		})

		ginkgo.It("should fail the payment when the recipient has no wallet address", func() {
			delete(directory.addresses, "worker-1")

			p, err := service.Initiate(ctx, newRequest())

			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.Code).To(gomega.Equal(apperrors.ErrCodeRecipientUnresolved))
			gomega.Expect(p).ToNot(gomega.BeNil())
			gomega.Expect(p.Status).To(gomega.Equal(payment.StatusFailed))
			gomega.Expect(p.FailureReason).ToNot(gomega.BeNil())
			gomega.Expect(gw.calls()).To(gomega.BeEmpty())
		})

		ginkgo.It("should fail the payment on synchronous gateway rejection", func() {
			gw.payFn = func(call payCall) (*gwtypes.PayResult, error) {
				return &gwtypes.PayResult{Status: gwtypes.PayStatusError, ErrorMessage: "insufficient escrow balance"}, nil
			}

			p, err := service.Initiate(ctx, newRequest())

			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.Code).To(gomega.Equal(apperrors.ErrCodeGatewayRejected))
			gomega.Expect(p.Status).To(gomega.Equal(payment.StatusFailed))
			gomega.Expect(*p.FailureReason).To(gomega.Equal("insufficient escrow balance"))
		})

		ginkgo.It("should retry transient gateway errors before giving up", func() {
			gw.payFn = func(call payCall) (*gwtypes.PayResult, error) {
				return nil, &gateway.TransientError{Err: errors.New("connection reset")}
			}

			p, err := service.Initiate(ctx, newRequest())

			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.Code).To(gomega.Equal(apperrors.ErrCodeGatewayTimeout))
			gomega.Expect(gw.calls()).To(gomega.HaveLen(3))
			gomega.Expect(p.Status).To(gomega.Equal(payment.StatusFailed))
		})

		ginkgo.It("should succeed when a transient error clears on a later attempt", func() {
			attempts := 0
			gw.payFn = func(call payCall) (*gwtypes.PayResult, error) {
				attempts++
				if attempts == 1 {
					return nil, &gateway.TransientError{Err: errors.New("gateway 502")}
				}
				return &gwtypes.PayResult{Status: gwtypes.PayStatusSuccess, TransactionID: "tx-1"}, nil
			}

			p, err := service.Initiate(ctx, newRequest())

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(p.Status).To(gomega.Equal(payment.StatusProcessing))
			gomega.Expect(attempts).To(gomega.Equal(2))
		})
	})

	ginkgo.Describe("Retry", func() {
		failedReward := func() *payment.Payment {
			gw.payFn = func(call payCall) (*gwtypes.PayResult, error) {
				return &gwtypes.PayResult{Status: gwtypes.PayStatusError, ErrorMessage: "rejected"}, nil
			}
			p, _ := service.Initiate(ctx, newRequest())
			gw.payFn = func(call payCall) (*gwtypes.PayResult, error) {
				return &gwtypes.PayResult{Status: gwtypes.PayStatusSuccess, TransactionID: "tx-retry"}, nil
			}
			return p
		}

		ginkgo.It("should open a new payment linked to the failed one", func() {
			original := failedReward()

			retried, err := service.Retry(ctx, original.ID, "payer-1")

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(retried.ID).ToNot(gomega.Equal(original.ID))
			gomega.Expect(retried.RetryOf).ToNot(gomega.BeNil())
			gomega.Expect(*retried.RetryOf).To(gomega.Equal(original.ID))
			gomega.Expect(retried.ExternalReference).ToNot(gomega.Equal(original.ExternalReference))
			gomega.Expect(retried.Status).To(gomega.Equal(payment.StatusProcessing))
		})

		ginkgo.It("should reuse the original fee breakdown", func() {
			original := failedReward()

			retried, err := service.Retry(ctx, original.ID, "payer-1")

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(retried.PlatformFee.Equal(original.PlatformFee)).To(gomega.BeTrue())
			gomega.Expect(retried.NetAmount.Equal(original.NetAmount)).To(gomega.BeTrue())
		})

		ginkgo.It("should leave the failed original untouched", func() {
			original := failedReward()

			_, err := service.Retry(ctx, original.ID, "payer-1")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			reloaded, err := service.Get(ctx, original.ID)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(reloaded.Status).To(gomega.Equal(payment.StatusFailed))
		})

		ginkgo.It("should consume a fresh rate limit slot", func() {
			original := failedReward()
			before := limiter.reserved

			_, err := service.Retry(ctx, original.ID, "payer-1")

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(limiter.reserved).To(gomega.Equal(before + 1))
		})

		ginkgo.It("should refuse to retry a payment that is not failed", func() {
			p, err := service.Initiate(ctx, newRequest())
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			_, err = service.Retry(ctx, p.ID, "payer-1")

			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.Code).To(gomega.Equal(apperrors.ErrCodeRetryNotAllowed))
			gomega.Expect(appErr.StatusCode).To(gomega.Equal(409))
		})

		ginkgo.It("should refuse a retry requested by someone other than the payer", func() {
			original := failedReward()

			_, err := service.Retry(ctx, original.ID, "stranger")

			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.StatusCode).To(gomega.Equal(403))
		})
	})

	ginkgo.Describe("Cancel", func() {
		ginkgo.It("should cancel a pending payment directly", func() {
			// gateway never acked, record stays pending
			gw.payFn = func(call payCall) (*gwtypes.PayResult, error) {
				return nil, &gateway.TransientError{Err: errors.New("down")}
			}
			p, _ := service.Initiate(ctx, newRequest())
			gomega.Expect(p.Status).To(gomega.Equal(payment.StatusFailed))

			// build a genuinely pending record through a fresh request that
			// is cancelled before any dispatch by seeding the repo directly
			pending := *p
			pending.ID = "pending-1"
			pending.ExternalReference = "ref-pending-1"
			pending.Status = payment.StatusPending
			gomega.Expect(repo.Create(ctx, &pending)).To(gomega.Succeed())

			cancelled, err := service.Cancel(ctx, "pending-1", "payer-1")

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(cancelled.Status).To(gomega.Equal(payment.StatusCancelled))
		})

		ginkgo.It("should cancel a processing payment the rail has not confirmed", func() {
			p, err := service.Initiate(ctx, newRequest())
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gw.statusFn = func(transactionID string) (*gwtypes.StatusResult, error) {
				return &gwtypes.StatusResult{Status: gwtypes.TxStatusSubmitted}, nil
			}

			cancelled, err := service.Cancel(ctx, p.ID, "payer-1")

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(cancelled.Status).To(gomega.Equal(payment.StatusCancelled))
		})

		ginkgo.It("should refuse to cancel a confirmed reward payment", func() {
			p, err := service.Initiate(ctx, newRequest())
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gw.statusFn = func(transactionID string) (*gwtypes.StatusResult, error) {
				return &gwtypes.StatusResult{Status: gwtypes.TxStatusMined}, nil
			}

			_, err = service.Cancel(ctx, p.ID, "payer-1")

			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.Code).To(gomega.Equal(apperrors.ErrCodeCancelNotAllowed))
		})

		ginkgo.It("should open a refund for a confirmed escrow deposit", func() {
			req := newRequest()
			req.SubmissionID = nil
			req.PaymentType = payment.TypeEscrowDeposit
			p, err := service.Initiate(ctx, req)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gw.statusFn = func(transactionID string) (*gwtypes.StatusResult, error) {
				return &gwtypes.StatusResult{Status: gwtypes.TxStatusConfirmed}, nil
			}

			refund, err := service.Cancel(ctx, p.ID, "payer-1")

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(refund.ID).ToNot(gomega.Equal(p.ID))
			gomega.Expect(refund.PaymentType).To(gomega.Equal(payment.TypeRefund))
			gomega.Expect(refund.PayerID).To(gomega.Equal(p.RecipientID))
			gomega.Expect(refund.RecipientID).To(gomega.Equal(p.PayerID))
			gomega.Expect(refund.PlatformFee.IsZero()).To(gomega.BeTrue())
			gomega.Expect(refund.NetAmount.Equal(p.GrossAmount)).To(gomega.BeTrue())
		})

		ginkgo.It("should refuse to cancel a finalized payment", func() {
			p, err := service.Initiate(ctx, newRequest())
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			_, err = repo.Transition(ctx, p.ID, payment.StatusProcessing, payment.StatusCompleted, ledger.TransitionFields{})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			_, err = service.Cancel(ctx, p.ID, "payer-1")

			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.StatusCode).To(gomega.Equal(409))
		})

		ginkgo.It("should refuse a cancel requested by someone other than the payer", func() {
			p, err := service.Initiate(ctx, newRequest())
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			_, err = service.Cancel(ctx, p.ID, "worker-1")

			appErr, ok := apperrors.IsAppError(err)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(appErr.StatusCode).To(gomega.Equal(403))
		})
	})
})
