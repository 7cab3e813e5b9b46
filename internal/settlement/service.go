package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	apperrors "github.com/nbelthan/whstudio-settlement/internal"
	gwtypes "github.com/nbelthan/whstudio-settlement/internal/core/datamodel/gateway"
	"github.com/nbelthan/whstudio-settlement/internal/core/datamodel/payment"
	"github.com/nbelthan/whstudio-settlement/internal/core/events"
	"github.com/nbelthan/whstudio-settlement/internal/fees"
	"github.com/nbelthan/whstudio-settlement/internal/gateway"
	"github.com/nbelthan/whstudio-settlement/internal/ledger"
)

// WalletGateway is the narrow slice of the external rail the engine consumes.
type WalletGateway interface {
	Pay(ctx context.Context, reference, recipientAddress string, currency payment.Currency, amount decimal.Decimal, description string) (*gwtypes.PayResult, error)
	QueryStatus(ctx context.Context, transactionID string) (*gwtypes.StatusResult, error)
}

type DirectoryAPI interface {
	ResolveWalletAddress(ctx context.Context, userID string) (string, error)
}

type SubmissionsAPI interface {
	RequireApproved(ctx context.Context, submissionID string) error
	MarkPaid(tx *gorm.DB, submissionID string) error
}

type EarningsAPI interface {
	CreditEarnings(tx *gorm.DB, userID string, amount decimal.Decimal) error
}

type RateLimiterAPI interface {
	CheckAndReserve(ctx context.Context, userID string, now time.Time) error
}

// Service is the settlement orchestrator: it creates payments, drives them
// through the wallet gateway and owns cancel and retry. It never finalizes
// a payment itself; that is the Reconciler's job.
type Service struct {
	repo        ledger.Repository
	gw          WalletGateway
	directory   DirectoryAPI
	submissions SubmissionsAPI
	limiter     RateLimiterAPI
	feeCalc     *fees.Calculator
	cfg         apperrors.SettlementConfig
	gwCfg       apperrors.GatewayConfig
	bus         *events.EventBus
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(
	repo ledger.Repository,
	gw WalletGateway,
	directory DirectoryAPI,
	submissions SubmissionsAPI,
	limiter RateLimiterAPI,
	feeCalc *fees.Calculator,
	cfg apperrors.SettlementConfig,
	gwCfg apperrors.GatewayConfig,
	bus *events.EventBus,
	logger *slog.Logger,
) *Service {
	return &Service{
		repo:        repo,
		gw:          gw,
		directory:   directory,
		submissions: submissions,
		limiter:     limiter,
		feeCalc:     feeCalc,
		cfg:         cfg,
		gwCfg:       gwCfg,
		bus:         bus,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Initiate validates the request, reserves a rate-limit slot, writes the
// pending ledger record and submits the transfer to the gateway. It returns
// as soon as the gateway has acknowledged (or rejected) the request; final
// settlement is observed through the Reconciler.
//
// On gateway rejection or exhaustion of retries the failed snapshot is
// returned alongside the error so callers can surface both.
func (s *Service) Initiate(ctx context.Context, req *InitiateRequest) (*payment.Payment, error) {
	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}

	breakdown, err := s.feeCalc.Compute(req.GrossAmount, req.Currency)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.CheckAndReserve(ctx, req.PayerID, s.now()); err != nil {
		return nil, err
	}

	now := s.now()
	p := &payment.Payment{
		ID:                uuid.NewString(),
		ExternalReference: uuid.NewString(),
		TaskID:            req.TaskID,
		SubmissionID:      req.SubmissionID,
		PayerID:           req.PayerID,
		RecipientID:       req.RecipientID,
		GrossAmount:       breakdown.GrossAmount,
		Currency:          req.Currency,
		PlatformFee:       breakdown.PlatformFee,
		NetAmount:         breakdown.NetAmount,
		PaymentType:       req.PaymentType,
		Status:            payment.StatusPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.ExpiryWindow),
	}

	if err := s.repo.Create(ctx, p); err != nil {
		s.logger.Error("failed to create payment record", "error", err, "task_id", req.TaskID)
		return nil, apperrors.NewInternalError("failed to create payment record", err)
	}

	s.logger.Info("payment created",
		"payment_id", p.ID,
		"external_reference", p.ExternalReference,
		"task_id", p.TaskID,
		"payer_id", p.PayerID,
		"recipient_id", p.RecipientID,
		"gross_amount", p.GrossAmount.String(),
		"currency", p.Currency)

	return s.dispatch(ctx, p, req.Description)
}

// dispatch resolves the recipient address and submits the transfer for an
// already-created pending payment box.
func (s *Service) dispatch(ctx context.Context, p *payment.Payment, description string) (*payment.Payment, error) {
	address, err := s.directory.ResolveWalletAddress(ctx, p.RecipientID)
	if err != nil {
		reason := "recipient wallet address unresolved"
		failed, trErr := s.repo.Transition(ctx, p.ID, payment.StatusPending, payment.StatusFailed, ledger.TransitionFields{
			FailureReason: &reason,
		})
		if trErr != nil {
			s.logger.Error("failed to mark payment failed after address resolution", "error", trErr, "payment_id", p.ID)
			return nil, trErr
		}
		s.publishFailed(ctx, failed, reason)
		return failed, apperrors.ErrRecipientUnresolved
	}

	result, err := s.payWithRetry(ctx, p, address, description)
	if err != nil {
		reason := err.Error()
		failed, trErr := s.repo.Transition(ctx, p.ID, payment.StatusPending, payment.StatusFailed, ledger.TransitionFields{
			FailureReason: &reason,
		})
		if trErr != nil {
			s.logger.Error("failed to mark payment failed after gateway error", "error", trErr, "payment_id", p.ID)
			return nil, trErr
		}
		s.publishFailed(ctx, failed, reason)

		if gateway.IsTransient(err) {
			return failed, apperrors.NewExternalError("gateway did not respond in time", apperrors.ErrCodeGatewayTimeout, err)
		}
		return failed, apperrors.NewExternalError("gateway refused the transfer", apperrors.ErrCodeGatewayRejected, err)
	}

	if result.Status != gwtypes.PayStatusSuccess {
		reason := result.ErrorMessage
		if reason == "" {
			reason = "gateway rejected the transfer"
		}
		failed, trErr := s.repo.Transition(ctx, p.ID, payment.StatusPending, payment.StatusFailed, ledger.TransitionFields{
			FailureReason: &reason,
		})
		if trErr != nil {
			return nil, trErr
		}
		s.publishFailed(ctx, failed, reason)
		return failed, apperrors.NewExternalError(reason, apperrors.ErrCodeGatewayRejected, nil)
	}

	processing, err := s.repo.Transition(ctx, p.ID, payment.StatusPending, payment.StatusProcessing, ledger.TransitionFields{
		TransactionHash: &result.TransactionID,
	})
	if err != nil {
		// the sweeper may have expired the record while the gateway call
		// was in flight; surface the conflict rather than guessing
		s.logger.Error("gateway accepted but payment left pending state", "error", err, "payment_id", p.ID)
		return nil, err
	}

	s.logger.Info("payment accepted by gateway",
		"payment_id", processing.ID,
		"transaction_id", result.TransactionID)

	return processing, nil
}

func (s *Service) payWithRetry(ctx context.Context, p *payment.Payment, address, description string) (*gwtypes.PayResult, error) {
	backoff := retry.WithMaxRetries(uint64(s.gwCfg.MaxAttempts-1), retry.NewExponential(s.gwCfg.RetryBackoff))

	var result *gwtypes.PayResult
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := s.gw.Pay(ctx, p.ExternalReference, address, p.Currency, p.GrossAmount, description)
		if err != nil {
			if gateway.IsTransient(err) {
				s.logger.Warn("transient gateway error, will retry",
					"error", err,
					"payment_id", p.ID,
					"external_reference", p.ExternalReference)
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Retry opens a new linked payment for a failed one. The original record is
// never mutated; the chain is auditable through retry_of.
func (s *Service) Retry(ctx context.Context, paymentID, requestedBy string) (*payment.Payment, error) {
	original, err := s.repo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if original.PayerID != requestedBy {
		return nil, apperrors.NewForbiddenError("only the payer can retry a payment", apperrors.ErrCodeRetryNotAllowed)
	}
	if original.Status != payment.StatusFailed {
		return nil, apperrors.NewConflictError("only failed payments can be retried", apperrors.ErrCodeRetryNotAllowed)
	}

	req := &InitiateRequest{
		TaskID:       original.TaskID,
		SubmissionID: original.SubmissionID,
		PayerID:      original.PayerID,
		RecipientID:  original.RecipientID,
		GrossAmount:  original.GrossAmount,
		Currency:     original.Currency,
		PaymentType:  original.PaymentType,
	}
	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}

	if err := s.limiter.CheckAndReserve(ctx, original.PayerID, s.now()); err != nil {
		return nil, err
	}

	now := s.now()
	p := &payment.Payment{
		ID:                uuid.NewString(),
		ExternalReference: uuid.NewString(),
		TaskID:            original.TaskID,
		SubmissionID:      original.SubmissionID,
		PayerID:           original.PayerID,
		RecipientID:       original.RecipientID,
		GrossAmount:       original.GrossAmount,
		Currency:          original.Currency,
		PlatformFee:       original.PlatformFee,
		NetAmount:         original.NetAmount,
		PaymentType:       original.PaymentType,
		Status:            payment.StatusPending,
		RetryOf:           &original.ID,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.ExpiryWindow),
	}

	if err := s.repo.Create(ctx, p); err != nil {
		s.logger.Error("failed to create retry payment", "error", err, "retry_of", original.ID)
		return nil, apperrors.NewInternalError("failed to create retry payment", err)
	}

	s.logger.Info("retry payment created",
		"payment_id", p.ID,
		"retry_of", original.ID,
		"external_reference", p.ExternalReference)

	return s.dispatch(ctx, p, "")
}

// Cancel is payer-initiated. A pending payment cancels directly. A
// processing payment cancels only if the rail has not confirmed the funds;
// a confirmed escrow deposit is compensated with a refund payment instead.
func (s *Service) Cancel(ctx context.Context, paymentID, requestedBy string) (*payment.Payment, error) {
	p, err := s.repo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if p.PayerID != requestedBy {
		return nil, apperrors.NewForbiddenError("only the payer can cancel a payment", apperrors.ErrCodeCancelNotAllowed)
	}

	switch p.Status {
	case payment.StatusPending:
		return s.repo.Transition(ctx, p.ID, payment.StatusPending, payment.StatusCancelled, ledger.TransitionFields{})

	case payment.StatusProcessing:
		confirmed, err := s.fundsConfirmed(ctx, p)
		if err != nil {
			return nil, err
		}

		if !confirmed {
			return s.repo.Transition(ctx, p.ID, payment.StatusProcessing, payment.StatusCancelled, ledger.TransitionFields{})
		}

		// funds already moved on the rail: a confirmed escrow deposit is
		// unwound with an explicit refund payment, everything else is too
		// late to cancel
		if p.PaymentType == payment.TypeEscrowDeposit {
			return s.createRefund(ctx, p)
		}
		return nil, apperrors.NewConflictError("funds already confirmed on the payment rail", apperrors.ErrCodeCancelNotAllowed)

	default:
		return nil, apperrors.NewConflictError("payment is already finalized", apperrors.ErrCodeInvalidTransition)
	}
}

func (s *Service) fundsConfirmed(ctx context.Context, p *payment.Payment) (bool, error) {
	if p.TransactionHash == nil || *p.TransactionHash == "" {
		return false, nil
	}
	status, err := s.gw.QueryStatus(ctx, *p.TransactionHash)
	if err != nil {
		s.logger.Error("gateway status query failed during cancel", "error", err, "payment_id", p.ID)
		return false, apperrors.NewExternalError("unable to verify transfer status", apperrors.ErrCodeGatewayTimeout, err)
	}
	return status.Status == gwtypes.TxStatusMined || status.Status == gwtypes.TxStatusConfirmed, nil
}

// createRefund opens a compensating refund payment flowing back to the
// original payer, fee-free.
func (s *Service) createRefund(ctx context.Context, original *payment.Payment) (*payment.Payment, error) {
	now := s.now()
	refund := &payment.Payment{
		ID:                uuid.NewString(),
		ExternalReference: uuid.NewString(),
		TaskID:            original.TaskID,
		SubmissionID:      original.SubmissionID,
		PayerID:           original.RecipientID,
		RecipientID:       original.PayerID,
		GrossAmount:       original.GrossAmount,
		Currency:          original.Currency,
		PlatformFee:       decimal.Zero,
		NetAmount:         original.GrossAmount,
		PaymentType:       payment.TypeRefund,
		Status:            payment.StatusPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.ExpiryWindow),
	}

	if err := s.repo.Create(ctx, refund); err != nil {
		s.logger.Error("failed to create refund payment", "error", err, "original_payment_id", original.ID)
		return nil, apperrors.NewInternalError("failed to create refund payment", err)
	}

	s.logger.Info("refund payment created for confirmed escrow deposit",
		"refund_payment_id", refund.ID,
		"original_payment_id", original.ID)

	return s.dispatch(ctx, refund, "escrow refund")
}

func (s *Service) validate(ctx context.Context, req *InitiateRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	if min, ok := s.cfg.MinAmounts[string(req.Currency)]; ok && req.GrossAmount.LessThan(min) {
		return apperrors.NewValidationError("amount below the minimum for this currency", apperrors.ErrCodeAmountTooLow)
	}
	if max, ok := s.cfg.MaxAmounts[string(req.Currency)]; ok && req.GrossAmount.GreaterThan(max) {
		return apperrors.NewValidationError("amount above the maximum for this currency", apperrors.ErrCodeAmountTooHigh)
	}

	if req.PaymentType == payment.TypeTaskReward && req.PayerID == req.RecipientID {
		return apperrors.NewValidationError("payer and recipient must differ for reward payments", apperrors.ErrCodeSelfPayment)
	}

	if req.PaymentType == payment.TypeTaskReward && req.SubmissionID != nil {
		if err := s.submissions.RequireApproved(ctx, *req.SubmissionID); err != nil {
			return err
		}

		// one live settlement per submission; failed and cancelled attempts
		// do not block a new one
		existing, err := s.repo.ListBySubmission(ctx, *req.SubmissionID)
		if err != nil {
			return apperrors.NewInternalError("failed to check submission payments", err)
		}
		for _, p := range existing {
			if p.Status != payment.StatusFailed && p.Status != payment.StatusCancelled {
				return apperrors.NewConflictError("a payment for this submission is already in flight", apperrors.ErrCodeSubmissionAlreadyPaid)
			}
		}
	}

	return nil
}

// Getters used by handlers.

func (s *Service) Get(ctx context.Context, id string) (*payment.Payment, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID string, direction ledger.Direction, filters ledger.Filters, limit, offset int) ([]*payment.Payment, error) {
	return s.repo.ListByUser(ctx, userID, direction, filters, limit, offset)
}

func (s *Service) ListByTask(ctx context.Context, taskID string) ([]*payment.Payment, error) {
	return s.repo.ListByTask(ctx, taskID)
}

func (s *Service) publishFailed(ctx context.Context, p *payment.Payment, reason string) {
	if s.bus == nil || p == nil {
		return
	}
	event := events.NewPaymentFailedEvent(p.ID, p.TaskID, p.ExternalReference, p.PayerID, reason)
	s.bus.Publish(ctx, event)
}
