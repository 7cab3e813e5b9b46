package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	apperrors "github.com/nbelthan/whstudio-settlement/internal"
	"github.com/nbelthan/whstudio-settlement/internal/core/datamodel/submission"
	submissionpkg "github.com/nbelthan/whstudio-settlement/internal/submission"
)

type SubmissionRepository struct {
	db *gorm.DB
}

func NewSubmissionRepository(db *gorm.DB) submissionpkg.Repository {
	return &SubmissionRepository{db: db}
}

func (r *SubmissionRepository) GetByID(ctx context.Context, id string) (*submission.Submission, error) {
	var sub submission.Submission
	err := r.db.WithContext(ctx).First(&sub, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("submission not found", apperrors.ErrCodeSubmissionNotFound)
		}
		return nil, err
	}
	return &sub, nil
}

func (r *SubmissionRepository) MarkPaid(tx *gorm.DB, id string) error {
	now := time.Now().UTC()
	res := tx.Model(&submission.Submission{}).
		Where("id = ? AND paid = ?", id, false).
		Updates(map[string]interface{}{
			"paid":       true,
			"paid_at":    now,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.NewConflictError("submission has already been paid", apperrors.ErrCodeSubmissionAlreadyPaid)
	}
	return nil
}
