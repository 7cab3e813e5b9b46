package settlement

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	apperrors "github.com/nbelthan/whstudio-settlement/internal"
	gwtypes "github.com/nbelthan/whstudio-settlement/internal/core/datamodel/gateway"
	"github.com/nbelthan/whstudio-settlement/internal/core/datamodel/payment"
	"github.com/nbelthan/whstudio-settlement/internal/ledger"
	"github.com/nbelthan/whstudio-settlement/internal/transport"
)

const defaultListLimit = 50

type Handler struct {
	*transport.BaseHandler
	service    *Service
	reconciler *Reconciler
}

func NewHandler(base *transport.BaseHandler, service *Service, reconciler *Reconciler) *Handler {
	return &Handler{
		BaseHandler: base,
		service:     service,
		reconciler:  reconciler,
	}
}

// CreatePayment godoc
// @Summary Create a payment
// @Description Opens a payment and submits the transfer to the wallet gateway
// @Tags payments
// @Accept json
// @Produce json
// @Param request body InitiateRequest true "payment request"
// @Success 201 {object} payment.Payment
// @Router /payments [post]
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	userID := apperrors.UserIDFromContext(r.Context())
	if userID == "" {
		h.HandleServiceError(w, apperrors.ErrInvalidToken)
		return
	}

	var req InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.HandleServiceError(w, apperrors.NewValidationError("invalid request body", apperrors.ErrCodeValidationFailed))
		return
	}
	req.PayerID = userID

	p, err := h.service.Initiate(r.Context(), &req)
	if err != nil {
		// gateway failures still produce a ledger record worth returning
		if p != nil {
			if appErr, ok := apperrors.IsAppError(err); ok {
				h.WriteJSON(w, appErr.StatusCode, map[string]interface{}{
					"error":   appErr,
					"payment": p,
				})
				return
			}
		}
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusCreated, p)
}

// GetPayment godoc
// @Summary Get a payment by id
// @Tags payments
// @Produce json
// @Param id path string true "payment id"
// @Success 200 {object} payment.Payment
// @Router /payments/{id} [get]
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	userID := apperrors.UserIDFromContext(r.Context())
	if p.PayerID != userID && p.RecipientID != userID {
		h.HandleServiceError(w, apperrors.NewForbiddenError("payment belongs to another user", apperrors.ErrCodePaymentNotFound))
		return
	}

	h.WriteJSON(w, http.StatusOK, p)
}

// ListPayments godoc
// @Summary List the caller's payments
// @Tags payments
// @Produce json
// @Param direction query string false "sent, received or all"
// @Param status query string false "payment status filter"
// @Param type query string false "payment type filter"
// @Param limit query int false "page size"
// @Param offset query int false "page offset"
// @Success 200 {array} payment.Payment
// @Router /payments [get]
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	userID := apperrors.UserIDFromContext(r.Context())

	direction := ledger.Direction(r.URL.Query().Get("direction"))
	if direction == "" {
		direction = ledger.DirectionAll
	}

	filters := ledger.Filters{TaskID: r.URL.Query().Get("task_id")}
	if v := r.URL.Query().Get("status"); v != "" {
		status := payment.Status(v)
		filters.Status = &status
	}
	if v := r.URL.Query().Get("type"); v != "" {
		ptype := payment.Type(v)
		filters.PaymentType = &ptype
	}

	limit := queryInt(r, "limit", defaultListLimit)
	offset := queryInt(r, "offset", 0)

	payments, err := h.service.ListByUser(r.Context(), userID, direction, filters, limit, offset)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"payments": payments,
		"limit":    limit,
		"offset":   offset,
	})
}

// ConfirmPayment godoc
// @Summary Confirm a payment outcome
// @Description Applies a gateway-reported outcome to the payment, idempotently
// @Tags payments
// @Accept json
// @Produce json
// @Param id path string true "payment id"
// @Param request body ConfirmRequest true "reported outcome"
// @Success 200 {object} payment.Payment
// @Router /payments/{id}/confirm [post]
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.HandleServiceError(w, apperrors.NewValidationError("invalid request body", apperrors.ErrCodeValidationFailed))
		return
	}
	if err := req.Validate(); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	p, err := h.reconciler.Reconcile(r.Context(), chi.URLParam(r, "id"), gwtypes.TxStatus(req.Status), req.TransactionHash, req.GasFee, req.FailureReason)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, p)
}

// CancelPayment godoc
// @Summary Cancel a payment
// @Tags payments
// @Produce json
// @Param id path string true "payment id"
// @Success 200 {object} payment.Payment
// @Router /payments/{id}/cancel [post]
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	userID := apperrors.UserIDFromContext(r.Context())

	p, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, p)
}

// RetryPayment godoc
// @Summary Retry a failed payment
// @Description Opens a new payment linked to the failed one through retry_of
// @Tags payments
// @Produce json
// @Param id path string true "payment id"
// @Success 201 {object} payment.Payment
// @Router /payments/{id}/retry [post]
func (h *Handler) RetryPayment(w http.ResponseWriter, r *http.Request) {
	userID := apperrors.UserIDFromContext(r.Context())

	p, err := h.service.Retry(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		if p != nil {
			if appErr, ok := apperrors.IsAppError(err); ok {
				h.WriteJSON(w, appErr.StatusCode, map[string]interface{}{
					"error":   appErr,
					"payment": p,
				})
				return
			}
		}
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusCreated, p)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
