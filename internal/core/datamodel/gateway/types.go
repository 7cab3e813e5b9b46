package gateway

import "errors"

// Wire vocabulary of the external wallet rail. The engine never interprets
// anything beyond these statuses; everything else the gateway sends is
// carried through opaquely.

type PayStatus string

const (
	PayStatusSuccess PayStatus = "success"
	PayStatusError   PayStatus = "error"
)

type TxStatus string

const (
	TxStatusMined     TxStatus = "mined"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusPending   TxStatus = "pending"
	TxStatusSubmitted TxStatus = "submitted"
	TxStatusFailed    TxStatus = "failed"
	TxStatusReverted  TxStatus = "reverted"
)

type PayRequest struct {
	Reference        string `json:"reference"`
	RecipientAddress string `json:"recipient_address"`
	TokenSymbol      string `json:"token_symbol"`
	// Amount in the rail's smallest unit, decimal string (wei-style).
	NativeAmount string `json:"native_amount"`
	Description  string `json:"description,omitempty"`
}

func (r *PayRequest) Validate() error {
	if r.Reference == "" {
		return errors.New("reference is required")
	}
	if r.RecipientAddress == "" {
		return errors.New("recipient_address is required")
	}
	if r.TokenSymbol == "" {
		return errors.New("token_symbol is required")
	}
	if r.NativeAmount == "" {
		return errors.New("native_amount is required")
	}
	return nil
}

type PayResult struct {
	Status        PayStatus `json:"status"`
	TransactionID string    `json:"transaction_id,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

type StatusResult struct {
	Status TxStatus `json:"status"`
	TxHash string   `json:"tx_hash,omitempty"`
	GasFee string   `json:"gas_fee,omitempty"`
}
