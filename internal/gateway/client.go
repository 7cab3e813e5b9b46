// Package gateway is the HTTP client for the external wallet rail. It is the
// only place that talks to the rail; everything it returns is expressed in
// the wire vocabulary under core/datamodel/gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	internal "github.com/nbelthan/whstudio-settlement/internal"
	gwtypes "github.com/nbelthan/whstudio-settlement/internal/core/datamodel/gateway"
	"github.com/nbelthan/whstudio-settlement/internal/core/datamodel/payment"
)

// TransientError marks failures worth retrying in-process: timeouts, refused
// connections, 5xx and 429 responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient gateway error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

type Client struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	decimals map[string]int32
	logger   *slog.Logger
}

func NewClient(cfg internal.GatewayConfig, decimals map[string]int32, logger *slog.Logger) *Client {
	return &Client{
		client: &http.Client{
			Timeout: cfg.PaymentTimeout,
		},
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		decimals: decimals,
		logger:   logger,
	}
}

// NativeAmount converts a decimal token amount into the rail's smallest-unit
// integer string, using the injected per-token decimals table.
func (c *Client) NativeAmount(amount decimal.Decimal, currency payment.Currency) (string, error) {
	d, ok := c.decimals[string(currency)]
	if !ok {
		return "", fmt.Errorf("no decimals configured for token %s", currency)
	}
	return amount.Shift(d).Truncate(0).String(), nil
}

// Pay submits a transfer. The reference doubles as the rail-side idempotency
// key: re-submitting the same reference must not move money twice.
func (c *Client) Pay(ctx context.Context, reference, recipientAddress string, currency payment.Currency, amount decimal.Decimal, description string) (*gwtypes.PayResult, error) {
	nativeAmount, err := c.NativeAmount(amount, currency)
	if err != nil {
		return nil, err
	}

	req := gwtypes.PayRequest{
		Reference:        reference,
		RecipientAddress: recipientAddress,
		TokenSymbol:      string(currency),
		NativeAmount:     nativeAmount,
		Description:      description,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal pay request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/transfers", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("create pay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", reference)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Info("submitting transfer to wallet rail",
		"reference", reference,
		"token", currency,
		"native_amount", nativeAmount)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &TransientError{Err: fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, string(respBody))}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		// synchronous rejection; the caller fails the payment
		result := &gwtypes.PayResult{Status: gwtypes.PayStatusError}
		if err := json.Unmarshal(respBody, result); err != nil || result.ErrorMessage == "" {
			result.ErrorMessage = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(respBody))
		}
		result.Status = gwtypes.PayStatusError
		return result, nil
	}

	var result gwtypes.PayResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode pay response: %w", err)
	}

	c.logger.Info("transfer submitted",
		"reference", reference,
		"status", result.Status,
		"transaction_id", result.TransactionID)

	return &result, nil
}

// QueryStatus fetches the authoritative status of a submitted transfer.
func (c *Client) QueryStatus(ctx context.Context, transactionID string) (*gwtypes.StatusResult, error) {
	url := fmt.Sprintf("%s/v1/transfers/%s", c.baseURL, transactionID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create status request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &TransientError{Err: fmt.Errorf("gateway returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("gateway status query failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result gwtypes.StatusResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}

	return &result, nil
}
