// Package ledger owns the durable payment records and their legal state
// transitions. Every status change in the engine funnels through
// Repository.Transition so the state table below is enforced in exactly
// one place, under per-record locking.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/nbelthan/whstudio-settlement/internal/core/datamodel/payment"
)

// transitions is the full legal state table. Terminal states have no entry:
// a completed, failed or cancelled payment never moves again.
var transitions = map[payment.Status]map[payment.Status]bool{
	payment.StatusPending: {
		payment.StatusProcessing: true,
		payment.StatusFailed:     true,
		payment.StatusCancelled:  true,
	},
	payment.StatusProcessing: {
		payment.StatusCompleted: true,
		payment.StatusFailed:    true,
		payment.StatusCancelled: true,
	},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to payment.Status) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// Direction selects which side of a payment a user query matches.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
	DirectionAll      Direction = "all"
)

type Filters struct {
	Status      *payment.Status
	PaymentType *payment.Type
	TaskID      string
}

// TransitionFields are the mutable columns a transition may set alongside
// the status change.
type TransitionFields struct {
	TransactionHash *string
	GasFee          *decimal.Decimal
	FailureReason   *string
}

// TxFunc runs inside the same database transaction as a status change, so
// downstream writes (submission paid flag, earnings credit) commit or roll
// back together with it.
type TxFunc func(tx *gorm.DB, current *payment.Payment) error

type Repository interface {
	Create(ctx context.Context, p *payment.Payment) error
	GetByID(ctx context.Context, id string) (*payment.Payment, error)
	GetByReference(ctx context.Context, reference string) (*payment.Payment, error)
	ListByTask(ctx context.Context, taskID string) ([]*payment.Payment, error)
	ListBySubmission(ctx context.Context, submissionID string) ([]*payment.Payment, error)
	ListByUser(ctx context.Context, userID string, direction Direction, filters Filters, limit, offset int) ([]*payment.Payment, error)
	ListExpiredPending(ctx context.Context, now time.Time) ([]*payment.Payment, error)
	ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]*payment.Payment, error)
	Transition(ctx context.Context, id string, from, to payment.Status, fields TransitionFields) (*payment.Payment, error)
	// TransitionWith is Transition plus a TxFunc committed atomically with
	// the status change.
	TransitionWith(ctx context.Context, id string, from, to payment.Status, fields TransitionFields, fn TxFunc) (*payment.Payment, error)
}
