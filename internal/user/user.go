// Package user is the engine's view of the marketplace user directory:
// wallet address resolution for outbound transfers and the cumulative
// earnings counter credited when a reward settles.
package user

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	apperrors "github.com/nbelthan/whstudio-settlement/internal"
)

type Repository interface {
	GetWalletAddress(ctx context.Context, userID string) (*string, error)
	// CreditEarnings runs on the supplied transaction so the caller can
	// commit it together with other settlement writes.
	CreditEarnings(tx *gorm.DB, userID string, amount decimal.Decimal) error
	GetTotalEarned(ctx context.Context, userID string) (decimal.Decimal, error)
}

type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// ResolveWalletAddress returns the user's payable address, or a
// RecipientUnresolvedError when none is on file.
func (s *Service) ResolveWalletAddress(ctx context.Context, userID string) (string, error) {
	addr, err := s.repo.GetWalletAddress(ctx, userID)
	if err != nil {
		s.logger.Error("wallet address lookup failed", "error", err, "user_id", userID)
		return "", err
	}
	if addr == nil || *addr == "" {
		s.logger.Warn("user has no wallet address on file", "user_id", userID)
		return "", apperrors.ErrRecipientUnresolved
	}
	return *addr, nil
}

func (s *Service) CreditEarnings(tx *gorm.DB, userID string, amount decimal.Decimal) error {
	return s.repo.CreditEarnings(tx, userID, amount)
}

func (s *Service) GetTotalEarned(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.repo.GetTotalEarned(ctx, userID)
}
