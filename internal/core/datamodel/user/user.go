package user

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is the directory slice the engine needs: a payable wallet address and
// the cumulative earnings counter credited on settlement.
type User struct {
	ID            string          `gorm:"primaryKey;type:uuid"`
	Username      string          `gorm:"column:username;uniqueIndex;not null"`
	WalletAddress *string         `gorm:"column:wallet_address"`
	TotalEarned   decimal.Decimal `gorm:"column:total_earned;type:numeric(38,18);not null;default:0"`
	IsActive      bool            `gorm:"column:is_active;default:true"`
	CreatedAt     time.Time       `gorm:"column:created_at;default:now()"`
	UpdatedAt     time.Time       `gorm:"column:updated_at;default:now()"`
}

func (User) TableName() string {
	return "users"
}
