// Package ratelimit enforces the per-user daily transaction cap. The counter
// is durable and shared: one atomically-incremented row per (user, UTC day),
// so concurrent initiations for the same user cannot slip past the cap.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	apperrors "github.com/nbelthan/whstudio-settlement/internal"
)

type Repository interface {
	// ReserveSlot atomically increments the (userID, day) counter if it is
	// still below cap. Returns false when the cap is already reached.
	ReserveSlot(ctx context.Context, userID, day string, cap int) (bool, error)
	// PruneBefore deletes counter rows for days older than the given day key.
	PruneBefore(ctx context.Context, day string) (int64, error)
}

type Limiter struct {
	repo   Repository
	cap    int
	logger *slog.Logger
}

func NewLimiter(repo Repository, cap int, logger *slog.Logger) *Limiter {
	return &Limiter{repo: repo, cap: cap, logger: logger}
}

// DayKey buckets a timestamp into its UTC calendar day.
func DayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

func (l *Limiter) CheckAndReserve(ctx context.Context, userID string, now time.Time) error {
	day := DayKey(now)

	ok, err := l.repo.ReserveSlot(ctx, userID, day, l.cap)
	if err != nil {
		l.logger.Error("rate limit reservation failed", "error", err, "user_id", userID, "day", day)
		return apperrors.NewInternalError("failed to reserve rate limit slot", err)
	}
	if !ok {
		l.logger.Warn("daily transaction cap reached", "user_id", userID, "day", day, "cap", l.cap)
		return apperrors.ErrRateLimitExceeded
	}
	return nil
}

// Prune drops counters from before today; rollover makes them dead weight.
func (l *Limiter) Prune(ctx context.Context, now time.Time) error {
	deleted, err := l.repo.PruneBefore(ctx, DayKey(now))
	if err != nil {
		return err
	}
	if deleted > 0 {
		l.logger.Info("pruned stale rate limit counters", "deleted", deleted)
	}
	return nil
}
