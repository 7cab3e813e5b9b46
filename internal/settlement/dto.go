package settlement

import (
	"github.com/shopspring/decimal"

	apperrors "github.com/nbelthan/whstudio-settlement/internal"
	"github.com/nbelthan/whstudio-settlement/internal/core/common/validation"
	"github.com/nbelthan/whstudio-settlement/internal/core/datamodel/payment"
)

// InitiateRequest carries everything needed to open a payment. PayerID is
// never taken from the body; the transport layer fills it from the
// authenticated user.
type InitiateRequest struct {
	TaskID       string           `json:"task_id"`
	SubmissionID *string          `json:"submission_id,omitempty"`
	PayerID      string           `json:"-"`
	RecipientID  string           `json:"recipient_id"`
	GrossAmount  decimal.Decimal  `json:"gross_amount"`
	Currency     payment.Currency `json:"currency"`
	PaymentType  payment.Type     `json:"payment_type"`
	Description  string           `json:"description,omitempty"`
}

func (r *InitiateRequest) Validate() error {
	v := validation.NewValidator()
	v.Field("task_id", r.TaskID).Required()
	v.Field("payer_id", r.PayerID).Required()
	v.Field("recipient_id", r.RecipientID).Required()
	v.Field("gross_amount", r.GrossAmount).Required().PositiveDecimal(apperrors.ErrCodeInvalidAmount)
	v.Field("currency", string(r.Currency)).Required().OneOf(currencyNames(), apperrors.ErrCodeUnsupportedCurrency)
	v.Field("payment_type", string(r.PaymentType)).Required().OneOf(typeNames(), apperrors.ErrCodeValidationFailed)

	if err := v.Validate(); err != nil {
		return err
	}
	return nil
}

func currencyNames() []string {
	supported := payment.SupportedCurrencies()
	out := make([]string, 0, len(supported))
	for _, c := range supported {
		out = append(out, string(c))
	}
	return out
}

func typeNames() []string {
	return []string{
		string(payment.TypeTaskReward),
		string(payment.TypeEscrowDeposit),
		string(payment.TypeEscrowRelease),
		string(payment.TypeRefund),
	}
}

// ConfirmRequest is the manual confirmation body, mirroring what the
// gateway callback delivers.
type ConfirmRequest struct {
	Status          string           `json:"status"`
	TransactionHash string           `json:"transaction_hash,omitempty"`
	GasFee          *decimal.Decimal `json:"gas_fee,omitempty"`
	FailureReason   string           `json:"failure_reason,omitempty"`
}

func (r *ConfirmRequest) Validate() error {
	v := validation.NewValidator()
	v.Field("status", r.Status).Required()
	if err := v.Validate(); err != nil {
		return err
	}
	return nil
}

// CallbackRequest is the asynchronous gateway webhook payload. Payments are
// located by the reference the gateway echoes back, never by internal id.
type CallbackRequest struct {
	Reference       string           `json:"reference"`
	Status          string           `json:"status"`
	TransactionHash string           `json:"transaction_hash,omitempty"`
	GasFee          *decimal.Decimal `json:"gas_fee,omitempty"`
	FailureReason   string           `json:"failure_reason,omitempty"`
}

func (r *CallbackRequest) Validate() error {
	v := validation.NewValidator()
	v.Field("reference", r.Reference).Required()
	v.Field("status", r.Status).Required()
	if err := v.Validate(); err != nil {
		return err
	}
	return nil
}
