// Package fees computes the platform's cut of a payment. Pure arithmetic,
// no I/O: the orchestrator calls it before any ledger write.
package fees

import (
	"github.com/shopspring/decimal"

	errors "github.com/nbelthan/whstudio-settlement/internal"
	"github.com/nbelthan/whstudio-settlement/internal/core/datamodel/payment"
)

type Breakdown struct {
	GrossAmount decimal.Decimal  `json:"gross_amount"`
	PlatformFee decimal.Decimal  `json:"platform_fee"`
	NetAmount   decimal.Decimal  `json:"net_amount"`
	Currency    payment.Currency `json:"currency"`
}

type Calculator struct {
	percent decimal.Decimal
	minFee  decimal.Decimal
}

func NewCalculator(percent, minFee decimal.Decimal) *Calculator {
	return &Calculator{percent: percent, minFee: minFee}
}

// Compute returns the fee breakdown for a gross amount.
// platform_fee = max(min_fee, gross * percent); net = max(0, gross - fee).
func (c *Calculator) Compute(gross decimal.Decimal, currency payment.Currency) (*Breakdown, error) {
	if gross.Sign() <= 0 {
		return nil, errors.NewValidationError("gross amount must be positive", errors.ErrCodeInvalidAmount)
	}
	if !payment.IsSupportedCurrency(currency) {
		return nil, errors.NewValidationError("unsupported currency", errors.ErrCodeUnsupportedCurrency)
	}

	fee := gross.Mul(c.percent)
	if fee.LessThan(c.minFee) {
		fee = c.minFee
	}

	net := gross.Sub(fee)
	if net.IsNegative() {
		net = decimal.Zero
	}

	return &Breakdown{
		GrossAmount: gross,
		PlatformFee: fee,
		NetAmount:   net,
		Currency:    currency,
	}, nil
}
