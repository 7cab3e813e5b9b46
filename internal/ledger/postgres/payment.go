package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/nbelthan/whstudio-settlement/internal"
	"github.com/nbelthan/whstudio-settlement/internal/core/datamodel/payment"
	"github.com/nbelthan/whstudio-settlement/internal/ledger"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) ledger.Repository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.ExternalReference == "" {
		p.ExternalReference = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) GetByReference(ctx context.Context, reference string) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.WithContext(ctx).Where("external_reference = ?", reference).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) ListByTask(ctx context.Context, taskID string) ([]*payment.Payment, error) {
	var payments []*payment.Payment
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).Order("created_at DESC").Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) ListBySubmission(ctx context.Context, submissionID string) ([]*payment.Payment, error) {
	var payments []*payment.Payment
	err := r.db.WithContext(ctx).Where("submission_id = ?", submissionID).Order("created_at DESC").Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) ListByUser(ctx context.Context, userID string, direction ledger.Direction, filters ledger.Filters, limit, offset int) ([]*payment.Payment, error) {
	q := r.db.WithContext(ctx)

	switch direction {
	case ledger.DirectionSent:
		q = q.Where("payer_id = ?", userID)
	case ledger.DirectionReceived:
		q = q.Where("recipient_id = ?", userID)
	default:
		q = q.Where("payer_id = ? OR recipient_id = ?", userID, userID)
	}

	if filters.Status != nil {
		q = q.Where("status = ?", *filters.Status)
	}
	if filters.PaymentType != nil {
		q = q.Where("payment_type = ?", *filters.PaymentType)
	}
	if filters.TaskID != "" {
		q = q.Where("task_id = ?", filters.TaskID)
	}

	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var payments []*payment.Payment
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) ListExpiredPending(ctx context.Context, now time.Time) ([]*payment.Payment, error) {
	var payments []*payment.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", payment.StatusPending, now).
		Order("expires_at ASC").
		Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]*payment.Payment, error) {
	var payments []*payment.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND processed_at < ?", payment.StatusProcessing, olderThan).
		Order("processed_at ASC").
		Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) Transition(ctx context.Context, id string, from, to payment.Status, fields ledger.TransitionFields) (*payment.Payment, error) {
	return r.TransitionWith(ctx, id, from, to, fields, nil)
}

func (r *PaymentRepository) TransitionWith(ctx context.Context, id string, from, to payment.Status, fields ledger.TransitionFields, fn ledger.TxFunc) (*payment.Payment, error) {
	var result *payment.Payment

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		// sqlite (tests) has no FOR UPDATE
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var p payment.Payment
		if err := q.First(&p, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrPaymentNotFound
			}
			return err
		}

		if p.Status != from || !ledger.CanTransition(from, to) {
			return apperrors.NewConflictError(
				fmt.Sprintf("cannot transition payment from %s to %s", p.Status, to),
				apperrors.ErrCodeInvalidTransition,
			)
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":       to,
			"processed_at": now,
		}
		p.Status = to
		p.ProcessedAt = &now

		if fields.TransactionHash != nil {
			updates["transaction_hash"] = *fields.TransactionHash
			p.TransactionHash = fields.TransactionHash
		}
		if fields.GasFee != nil {
			updates["gas_fee"] = *fields.GasFee
			p.GasFee = *fields.GasFee
		}
		if fields.FailureReason != nil {
			updates["failure_reason"] = *fields.FailureReason
			p.FailureReason = fields.FailureReason
		}

		if err := tx.Model(&payment.Payment{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}

		if fn != nil {
			if err := fn(tx, &p); err != nil {
				return err
			}
		}

		result = &p
		return nil
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}
