package settlement

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	apperrors "github.com/nbelthan/whstudio-settlement/internal"
	gwtypes "github.com/nbelthan/whstudio-settlement/internal/core/datamodel/gateway"
	"github.com/nbelthan/whstudio-settlement/internal/core/datamodel/payment"
	"github.com/nbelthan/whstudio-settlement/internal/core/events"
	"github.com/nbelthan/whstudio-settlement/internal/ledger"
)

// Reconciler folds gateway-reported outcomes into the ledger. It is the
// only component that finalizes payments, and it is safe to call any
// number of times with the same outcome: side effects (submission marking,
// earnings credit) commit atomically with the status change, so a payment
// is credited exactly once no matter how often confirmation is delivered.
type Reconciler struct {
	repo        ledger.Repository
	submissions SubmissionsAPI
	earnings    EarningsAPI
	bus         *events.EventBus
	logger      *slog.Logger
}

func NewReconciler(repo ledger.Repository, submissions SubmissionsAPI, earnings EarningsAPI, bus *events.EventBus, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		repo:        repo,
		submissions: submissions,
		earnings:    earnings,
		bus:         bus,
		logger:      logger,
	}
}

// outcome is the ledger-side meaning of a gateway transaction status.
type outcome int

const (
	outcomeNone outcome = iota
	outcomeCompleted
	outcomeFailed
)

func outcomeOf(status gwtypes.TxStatus) (outcome, error) {
	switch status {
	case gwtypes.TxStatusMined, gwtypes.TxStatusConfirmed:
		return outcomeCompleted, nil
	case gwtypes.TxStatusPending, gwtypes.TxStatusSubmitted:
		return outcomeNone, nil
	case gwtypes.TxStatusFailed, gwtypes.TxStatusReverted:
		return outcomeFailed, nil
	default:
		return outcomeNone, apperrors.NewValidationError("unknown gateway transaction status", apperrors.ErrCodeValidationFailed)
	}
}

// Reconcile applies one gateway-reported status to the payment. Non-final
// gateway statuses are a no-op. Re-delivery of the outcome the payment
// already reflects is a no-op; a contradictory terminal outcome is
// reported loudly instead of being absorbed.
func (r *Reconciler) Reconcile(ctx context.Context, paymentID string, gwStatus gwtypes.TxStatus, txHash string, gasFee *decimal.Decimal, failureReason string) (*payment.Payment, error) {
	target, err := outcomeOf(gwStatus)
	if err != nil {
		return nil, err
	}

	p, err := r.repo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if target == outcomeNone {
		return p, nil
	}

	want := payment.StatusCompleted
	if target == outcomeFailed {
		want = payment.StatusFailed
	}

	if p.Status.Terminal() {
		if p.Status == want {
			r.logger.Debug("duplicate terminal confirmation ignored",
				"payment_id", p.ID, "status", p.Status)
			return p, nil
		}
		r.logger.Error("conflicting terminal status reported",
			"payment_id", p.ID,
			"ledger_status", p.Status,
			"gateway_status", gwStatus)
		return nil, apperrors.ErrReconciliationConflict
	}

	switch target {
	case outcomeCompleted:
		return r.complete(ctx, p, txHash, gasFee)
	default:
		return r.fail(ctx, p, txHash, failureReason)
	}
}

func (r *Reconciler) complete(ctx context.Context, p *payment.Payment, txHash string, gasFee *decimal.Decimal) (*payment.Payment, error) {
	fields := ledger.TransitionFields{GasFee: gasFee}
	if txHash != "" {
		fields.TransactionHash = &txHash
	}

	updated, err := r.repo.TransitionWith(ctx, p.ID, p.Status, payment.StatusCompleted, fields, func(tx *gorm.DB, current *payment.Payment) error {
		if current.PaymentType != payment.TypeTaskReward {
			return nil
		}
		if current.SubmissionID != nil {
			if err := r.submissions.MarkPaid(tx, *current.SubmissionID); err != nil {
				return err
			}
		}
		return r.earnings.CreditEarnings(tx, current.RecipientID, current.NetAmount)
	})
	if err != nil {
		// lost a race against a concurrent confirmation: if the payment
		// landed where we wanted it, this delivery is a duplicate
		if settled, ok := r.settledAs(ctx, p.ID, payment.StatusCompleted); ok {
			return settled, nil
		}
		return nil, err
	}

	r.logger.Info("payment completed",
		"payment_id", updated.ID,
		"transaction_hash", txHash,
		"net_amount", updated.NetAmount.String(),
		"currency", updated.Currency)

	if r.bus != nil {
		hash := ""
		if updated.TransactionHash != nil {
			hash = *updated.TransactionHash
		}
		event := events.NewPaymentCompletedEvent(updated.ID, updated.TaskID, updated.ExternalReference, updated.RecipientID, updated.NetAmount, string(updated.Currency), hash)
		r.bus.Publish(ctx, event)
	}

	return updated, nil
}

func (r *Reconciler) fail(ctx context.Context, p *payment.Payment, txHash, reason string) (*payment.Payment, error) {
	if reason == "" {
		reason = "transaction failed on chain"
	}
	fields := ledger.TransitionFields{FailureReason: &reason}
	if txHash != "" {
		fields.TransactionHash = &txHash
	}

	updated, err := r.repo.Transition(ctx, p.ID, p.Status, payment.StatusFailed, fields)
	if err != nil {
		if settled, ok := r.settledAs(ctx, p.ID, payment.StatusFailed); ok {
			return settled, nil
		}
		return nil, err
	}

	r.logger.Warn("payment failed",
		"payment_id", updated.ID,
		"reason", reason)

	if r.bus != nil {
		event := events.NewPaymentFailedEvent(updated.ID, updated.TaskID, updated.ExternalReference, updated.PayerID, reason)
		r.bus.Publish(ctx, event)
	}

	return updated, nil
}

// settledAs re-reads the payment after a transition conflict and reports
// whether some concurrent actor already landed it on the wanted status.
func (r *Reconciler) settledAs(ctx context.Context, id string, want payment.Status) (*payment.Payment, bool) {
	current, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, false
	}
	if current.Status == want {
		return current, true
	}
	return nil, false
}
