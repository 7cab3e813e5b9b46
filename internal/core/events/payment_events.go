package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EventTypePaymentCompleted = "payment.completed"
	EventTypePaymentFailed    = "payment.failed"
	EventTypePaymentExpired   = "payment.expired"
)

type PaymentCompletedEvent struct {
	BaseEvent
	PaymentID         string          `json:"payment_id"`
	TaskID            string          `json:"task_id"`
	ExternalReference string          `json:"external_reference"`
	RecipientID       string          `json:"recipient_id"`
	NetAmount         decimal.Decimal `json:"net_amount"`
	Currency          string          `json:"currency"`
	TransactionHash   string          `json:"transaction_hash"`
}

func NewPaymentCompletedEvent(paymentID, taskID, externalReference, recipientID string, netAmount decimal.Decimal, currency, transactionHash string) *PaymentCompletedEvent {
	return &PaymentCompletedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentCompleted,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":         paymentID,
				"task_id":            taskID,
				"external_reference": externalReference,
				"recipient_id":       recipientID,
				"net_amount":         netAmount.String(),
				"currency":           currency,
				"transaction_hash":   transactionHash,
			},
		},
		PaymentID:         paymentID,
		TaskID:            taskID,
		ExternalReference: externalReference,
		RecipientID:       recipientID,
		NetAmount:         netAmount,
		Currency:          currency,
		TransactionHash:   transactionHash,
	}
}

type PaymentFailedEvent struct {
	BaseEvent
	PaymentID         string `json:"payment_id"`
	TaskID            string `json:"task_id"`
	ExternalReference string `json:"external_reference"`
	PayerID           string `json:"payer_id"`
	FailureReason     string `json:"failure_reason"`
}

func NewPaymentFailedEvent(paymentID, taskID, externalReference, payerID, failureReason string) *PaymentFailedEvent {
	return &PaymentFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentFailed,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":         paymentID,
				"task_id":            taskID,
				"external_reference": externalReference,
				"payer_id":           payerID,
				"failure_reason":     failureReason,
			},
		},
		PaymentID:         paymentID,
		TaskID:            taskID,
		ExternalReference: externalReference,
		PayerID:           payerID,
		FailureReason:     failureReason,
	}
}

type PaymentExpiredEvent struct {
	BaseEvent
	PaymentID         string `json:"payment_id"`
	ExternalReference string `json:"external_reference"`
}

func NewPaymentExpiredEvent(paymentID, externalReference string) *PaymentExpiredEvent {
	return &PaymentExpiredEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentExpired,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":         paymentID,
				"external_reference": externalReference,
			},
		},
		PaymentID:         paymentID,
		ExternalReference: externalReference,
	}
}
