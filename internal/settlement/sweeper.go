package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/nbelthan/whstudio-settlement/internal"
	"github.com/nbelthan/whstudio-settlement/internal/core/datamodel/payment"
	"github.com/nbelthan/whstudio-settlement/internal/core/events"
	"github.com/nbelthan/whstudio-settlement/internal/ledger"
)

// PrunerAPI retires rate-limit counters that can no longer influence a
// decision.
type PrunerAPI interface {
	Prune(ctx context.Context, now time.Time) error
}

// Sweeper is the background maintenance loop. Each tick it expires pending
// payments past their deadline, polls the gateway for stale processing
// payments and prunes exhausted rate-limit counters.
type Sweeper struct {
	repo       ledger.Repository
	reconciler *Reconciler
	gw         WalletGateway
	limiter    PrunerAPI
	interval   time.Duration
	pollAge    time.Duration
	bus        *events.EventBus
	logger     *slog.Logger
	now        func() time.Time
}

func NewSweeper(repo ledger.Repository, reconciler *Reconciler, gw WalletGateway, limiter PrunerAPI, cfg apperrors.SettlementConfig, bus *events.EventBus, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		repo:       repo,
		reconciler: reconciler,
		gw:         gw,
		limiter:    limiter,
		interval:   cfg.SweepInterval,
		pollAge:    cfg.ProcessingPollAge,
		bus:        bus,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval. Errors in
// a tick are logged and do not stop the loop.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			now := s.now()
			if _, err := s.SweepExpired(ctx, now); err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
			}
			if err := s.PollProcessing(ctx, now); err != nil {
				s.logger.Error("processing poll failed", "error", err)
			}
			if err := s.limiter.Prune(ctx, now); err != nil {
				s.logger.Error("counter prune failed", "error", err)
			}
		}
	}
}

// SweepExpired fails every pending payment whose deadline has passed and
// returns how many were expired. A payment that leaves pending between the
// query and the transition is skipped; the gateway ack won the race and
// the record must not be clawed back.
func (s *Sweeper) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.repo.ListExpiredPending(ctx, now)
	if err != nil {
		return 0, err
	}

	swept := 0
	reason := "expired before gateway acknowledgement"
	for _, p := range expired {
		updated, err := s.repo.Transition(ctx, p.ID, payment.StatusPending, payment.StatusFailed, ledger.TransitionFields{
			FailureReason: &reason,
		})
		if err != nil {
			if appErr, ok := apperrors.IsAppError(err); ok && appErr.Code == apperrors.ErrCodeInvalidTransition {
				continue
			}
			s.logger.Error("failed to expire payment", "error", err, "payment_id", p.ID)
			continue
		}

		swept++
		s.logger.Info("payment expired", "payment_id", updated.ID, "expires_at", p.ExpiresAt)

		if s.bus != nil {
			s.bus.Publish(ctx, events.NewPaymentExpiredEvent(updated.ID, updated.ExternalReference))
		}
	}

	return swept, nil
}

// PollProcessing asks the gateway about processing payments that have not
// progressed recently and feeds any answer through the reconciler.
func (s *Sweeper) PollProcessing(ctx context.Context, now time.Time) error {
	stale, err := s.repo.ListStaleProcessing(ctx, now.Add(-s.pollAge))
	if err != nil {
		return err
	}

	for _, p := range stale {
		if p.TransactionHash == nil || *p.TransactionHash == "" {
			continue
		}

		status, err := s.gw.QueryStatus(ctx, *p.TransactionHash)
		if err != nil {
			s.logger.Warn("status poll failed", "error", err, "payment_id", p.ID)
			continue
		}

		var gasFee *decimal.Decimal
		if status.GasFee != "" {
			if fee, perr := decimal.NewFromString(status.GasFee); perr == nil {
				gasFee = &fee
			}
		}

		if _, err := s.reconciler.Reconcile(ctx, p.ID, status.Status, status.TxHash, gasFee, ""); err != nil {
			s.logger.Error("reconciliation from poll failed", "error", err, "payment_id", p.ID)
		}
	}

	return nil
}
