package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/nbelthan/whstudio-settlement/internal/ratelimit"
)

// DailyTxCounter is one row per (user, UTC day). The count column is only
// ever touched by the atomic upsert below.
type DailyTxCounter struct {
	UserID    string    `gorm:"primaryKey;column:user_id"`
	Day       string    `gorm:"primaryKey;column:day"`
	Count     int       `gorm:"column:count;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (DailyTxCounter) TableName() string {
	return "daily_tx_counters"
}

type CounterRepository struct {
	db *gorm.DB
}

func NewCounterRepository(db *gorm.DB) ratelimit.Repository {
	return &CounterRepository{db: db}
}

// ReserveSlot relies on a single guarded upsert so the check and the
// increment cannot be interleaved by a concurrent caller.
func (r *CounterRepository) ReserveSlot(ctx context.Context, userID, day string, cap int) (bool, error) {
	now := time.Now().UTC()

	res := r.db.WithContext(ctx).Exec(`
		INSERT INTO daily_tx_counters (user_id, day, count, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (user_id, day)
		DO UPDATE SET count = daily_tx_counters.count + 1, updated_at = ?
		WHERE daily_tx_counters.count < ?`,
		userID, day, now, now, cap)

	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *CounterRepository) PruneBefore(ctx context.Context, day string) (int64, error) {
	res := r.db.WithContext(ctx).Where("day < ?", day).Delete(&DailyTxCounter{})
	return res.RowsAffected, res.Error
}
