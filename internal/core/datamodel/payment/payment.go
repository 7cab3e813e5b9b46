package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	CurrencyWLD  Currency = "WLD"
	CurrencyUSDC Currency = "USDC"
	CurrencyETH  Currency = "ETH"
)

func SupportedCurrencies() []Currency {
	return []Currency{CurrencyWLD, CurrencyUSDC, CurrencyETH}
}

func IsSupportedCurrency(c Currency) bool {
	for _, s := range SupportedCurrencies() {
		if c == s {
			return true
		}
	}
	return false
}

type Type string

const (
	TypeTaskReward    Type = "task_reward"
	TypeEscrowDeposit Type = "escrow_deposit"
	TypeEscrowRelease Type = "escrow_release"
	TypeRefund        Type = "refund"
)

func IsValidType(t Type) bool {
	switch t {
	case TypeTaskReward, TypeEscrowDeposit, TypeEscrowRelease, TypeRefund:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a status can never transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Payment is the sole core entity of the settlement engine. Records are an
// audit trail: they are never deleted and terminal rows are never mutated.
type Payment struct {
	ID                string          `json:"id" gorm:"primaryKey;type:uuid"`
	ExternalReference string          `json:"external_reference" gorm:"column:external_reference;not null;uniqueIndex"`
	TaskID            string          `json:"task_id" gorm:"column:task_id;not null;index"`
	SubmissionID      *string         `json:"submission_id,omitempty" gorm:"column:submission_id;index"`
	PayerID           string          `json:"payer_id" gorm:"column:payer_id;not null;index"`
	RecipientID       string          `json:"recipient_id" gorm:"column:recipient_id;not null;index"`
	GrossAmount       decimal.Decimal `json:"gross_amount" gorm:"column:gross_amount;type:numeric(38,18);not null"`
	Currency          Currency        `json:"currency" gorm:"column:currency;not null"`
	PlatformFee       decimal.Decimal `json:"platform_fee" gorm:"column:platform_fee;type:numeric(38,18);not null"`
	NetAmount         decimal.Decimal `json:"net_amount" gorm:"column:net_amount;type:numeric(38,18);not null"`
	PaymentType       Type            `json:"payment_type" gorm:"column:payment_type;not null"`
	Status            Status          `json:"status" gorm:"column:status;not null;default:pending;index"`
	TransactionHash   *string         `json:"transaction_hash,omitempty" gorm:"column:transaction_hash"`
	GasFee            decimal.Decimal `json:"gas_fee" gorm:"column:gas_fee;type:numeric(38,18);not null;default:0"`
	FailureReason     *string         `json:"failure_reason,omitempty" gorm:"column:failure_reason"`
	RetryOf           *string         `json:"retry_of,omitempty" gorm:"column:retry_of;type:uuid"`
	CreatedAt         time.Time       `json:"created_at" gorm:"column:created_at;not null"`
	ExpiresAt         time.Time       `json:"expires_at" gorm:"column:expires_at;not null;index"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty" gorm:"column:processed_at"`
}

func (Payment) TableName() string {
	return "payments"
}
