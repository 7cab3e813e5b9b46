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

	gwtypes "github.com/nbelthan/whstudio-settlement/internal/core/datamodel/gateway"
	"github.com/nbelthan/whstudio-settlement/internal/core/datamodel/payment"
	"github.com/nbelthan/whstudio-settlement/internal/settlement"
)

var _ = ginkgo.Describe("Sweeper", func() {
	var (
		repo        *memLedger
		gw          *mockGateway
		submissions *mockSubmissions
		earnings    *mockEarnings
		sweeper     *settlement.Sweeper
		ctx         context.Context
		now         time.Time
	)

	seed := func(id string, status payment.Status, expiresAt time.Time, processedAt *time.Time) *payment.Payment {
		hash := "tx-" + id
		subID := "sub-" + id
		p := &payment.Payment{
			ID:                id,
			ExternalReference: "ref-" + id,
			TaskID:            "task-1",
			SubmissionID:      &subID,
			PayerID:           "payer-1",
			RecipientID:       "worker-1",
			GrossAmount:       decimal.NewFromInt(10),
			Currency:          payment.CurrencyWLD,
			PlatformFee:       decimal.NewFromFloat(0.5),
			NetAmount:         decimal.NewFromFloat(9.5),
			PaymentType:       payment.TypeTaskReward,
			Status:            status,
			TransactionHash:   &hash,
			CreatedAt:         now.Add(-time.Hour),
			ExpiresAt:         expiresAt,
			ProcessedAt:       processedAt,
		}
		gomega.Expect(repo.Create(ctx, p)).To(gomega.Succeed())
		return p
	}

	ginkgo.BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
		repo = newMemLedger()
		gw = newMockGateway()
		submissions = newMockSubmissions()
		earnings = newMockEarnings()
		lg := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		reconciler := settlement.NewReconciler(repo, submissions, earnings, nil, lg)
		sweeper = settlement.NewSweeper(repo, reconciler, gw, &mockPruner{}, testSettlementConfig(), nil, lg)
	})

	ginkgo.Describe("SweepExpired", func() {
		ginkgo.It("should fail pending payments past their deadline", func() {
			seed("expired", payment.StatusPending, now.Add(-time.Minute), nil)

			swept, err := sweeper.SweepExpired(ctx, now)

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(swept).To(gomega.Equal(1))

			p, _ := repo.GetByID(ctx, "expired")
			gomega.Expect(p.Status).To(gomega.Equal(payment.StatusFailed))
			gomega.Expect(p.FailureReason).ToNot(gomega.BeNil())
		})

		ginkgo.It("should leave unexpired and processing payments alone", func() {
			seed("fresh", payment.StatusPending, now.Add(10*time.Minute), nil)
			old := now.Add(-time.Hour)
			seed("inflight", payment.StatusProcessing, now.Add(-time.Minute), &old)

			swept, err := sweeper.SweepExpired(ctx, now)

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(swept).To(gomega.Equal(0))

			fresh, _ := repo.GetByID(ctx, "fresh")
			gomega.Expect(fresh.Status).To(gomega.Equal(payment.StatusPending))
			inflight, _ := repo.GetByID(ctx, "inflight")
			gomega.Expect(inflight.Status).To(gomega.Equal(payment.StatusProcessing))
		})

		ginkgo.It("should never resurrect an expired payment on later sweeps", func() {
			seed("expired", payment.StatusPending, now.Add(-time.Minute), nil)

			_, err := sweeper.SweepExpired(ctx, now)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			swept, err := sweeper.SweepExpired(ctx, now.Add(time.Minute))

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(swept).To(gomega.Equal(0))
			p, _ := repo.GetByID(ctx, "expired")
			gomega.Expect(p.Status).To(gomega.Equal(payment.StatusFailed))
		})
	})

	ginkgo.Describe("PollProcessing", func() {
		ginkgo.It("should settle stale processing payments the gateway reports mined", func() {
			old := now.Add(-10 * time.Minute)
			seed("stale", payment.StatusProcessing, now.Add(5*time.Minute), &old)
			gw.statusFn = func(transactionID string) (*gwtypes.StatusResult, error) {
				return &gwtypes.StatusResult{Status: gwtypes.TxStatusMined, TxHash: "0xmined", GasFee: "0.001"}, nil
			}

			err := sweeper.PollProcessing(ctx, now)

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			p, _ := repo.GetByID(ctx, "stale")
			gomega.Expect(p.Status).To(gomega.Equal(payment.StatusCompleted))
			gomega.Expect(*p.TransactionHash).To(gomega.Equal("0xmined"))
			gomega.Expect(earnings.creditCalls).To(gomega.Equal(1))
		})

		ginkgo.It("should skip recently processed payments", func() {
			recent := now.Add(-30 * time.Second)
			seed("recent", payment.StatusProcessing, now.Add(5*time.Minute), &recent)
			gw.statusFn = func(transactionID string) (*gwtypes.StatusResult, error) {
				return &gwtypes.StatusResult{Status: gwtypes.TxStatusMined}, nil
			}

			err := sweeper.PollProcessing(ctx, now)

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			p, _ := repo.GetByID(ctx, "recent")
			gomega.Expect(p.Status).To(gomega.Equal(payment.StatusProcessing))
		})

		ginkgo.It("should keep going when the gateway query fails", func() {
			old := now.Add(-10 * time.Minute)
			seed("stale", payment.StatusProcessing, now.Add(5*time.Minute), &old)
			gw.statusFn = func(transactionID string) (*gwtypes.StatusResult, error) {
				return nil, errors.New("gateway unavailable")
			}

			err := sweeper.PollProcessing(ctx, now)

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			p, _ := repo.GetByID(ctx, "stale")
			gomega.Expect(p.Status).To(gomega.Equal(payment.StatusProcessing))
		})
	})
})

type mockPruner struct{ pruned int }

func (m *mockPruner) Prune(ctx context.Context, now time.Time) error {
	m.pruned++
	return nil
}
