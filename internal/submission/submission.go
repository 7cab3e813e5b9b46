// Package submission exposes the two things settlement needs from the
// marketplace's submission store: an approval gate before paying and the
// paid flag flipped when a reward settles.
package submission

import (
	"context"
	"log/slog"

	"gorm.io/gorm"

	apperrors "github.com/nbelthan/whstudio-settlement/internal"
	"github.com/nbelthan/whstudio-settlement/internal/core/datamodel/submission"
)

type Repository interface {
	GetByID(ctx context.Context, id string) (*submission.Submission, error)
	// MarkPaid runs on the supplied transaction so the paid flag commits
	// together with the payment's completion and the earnings credit.
	MarkPaid(tx *gorm.DB, id string) error
}

type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// RequireApproved verifies the submission is approved and not already paid.
func (s *Service) RequireApproved(ctx context.Context, id string) error {
	sub, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status != submission.StatusApproved {
		s.logger.Warn("submission is not approved", "submission_id", id, "status", sub.Status)
		return apperrors.NewValidationError("submission is not approved", apperrors.ErrCodeSubmissionNotApproved)
	}
	if sub.Paid {
		s.logger.Warn("submission already paid", "submission_id", id)
		return apperrors.NewConflictError("submission has already been paid", apperrors.ErrCodeSubmissionAlreadyPaid)
	}
	return nil
}

func (s *Service) MarkPaid(tx *gorm.DB, id string) error {
	return s.repo.MarkPaid(tx, id)
}
