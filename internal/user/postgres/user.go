package postgres

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	apperrors "github.com/nbelthan/whstudio-settlement/internal"
	"github.com/nbelthan/whstudio-settlement/internal/core/datamodel/user"
	userpkg "github.com/nbelthan/whstudio-settlement/internal/user"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) userpkg.Repository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetWalletAddress(ctx context.Context, userID string) (*string, error) {
	var u user.User
	err := r.db.WithContext(ctx).Select("wallet_address").First(&u, "id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("user not found", apperrors.ErrCodeRecipientUnresolved)
		}
		return nil, err
	}
	return u.WalletAddress, nil
}

func (r *UserRepository) CreditEarnings(tx *gorm.DB, userID string, amount decimal.Decimal) error {
	res := tx.Model(&user.User{}).
		Where("id = ?", userID).
		UpdateColumn("total_earned", gorm.Expr("total_earned + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.NewNotFoundError("user not found", apperrors.ErrCodeRecipientUnresolved)
	}
	return nil
}

func (r *UserRepository) GetTotalEarned(ctx context.Context, userID string) (decimal.Decimal, error) {
	var u user.User
	err := r.db.WithContext(ctx).Select("total_earned").First(&u, "id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, apperrors.NewNotFoundError("user not found", apperrors.ErrCodeRecipientUnresolved)
		}
		return decimal.Zero, err
	}
	return u.TotalEarned, nil
}
