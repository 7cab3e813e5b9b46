package settlement

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/nbelthan/whstudio-settlement/internal"
	gwtypes "github.com/nbelthan/whstudio-settlement/internal/core/datamodel/gateway"
	"github.com/nbelthan/whstudio-settlement/internal/ledger"
	"github.com/nbelthan/whstudio-settlement/internal/transport"
)

// WebhookHandler receives asynchronous confirmations from the wallet
// gateway. Payments are looked up by the external reference the engine
// handed to the gateway at submission time.
type WebhookHandler struct {
	*transport.BaseHandler
	repo       ledger.Repository
	reconciler *Reconciler
}

func NewWebhookHandler(base *transport.BaseHandler, repo ledger.Repository, reconciler *Reconciler) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: base,
		repo:        repo,
		reconciler:  reconciler,
	}
}

// HandleCallback godoc
// @Summary Gateway confirmation callback
// @Tags payments
// @Accept json
// @Produce json
// @Param request body CallbackRequest true "gateway callback"
// @Success 200 {object} payment.Payment
// @Router /payments/callback [post]
func (h *WebhookHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.HandleServiceError(w, apperrors.NewValidationError("invalid callback body", apperrors.ErrCodeValidationFailed))
		return
	}
	if err := req.Validate(); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	p, err := h.repo.GetByReference(r.Context(), req.Reference)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	updated, err := h.reconciler.Reconcile(r.Context(), p.ID, gwtypes.TxStatus(req.Status), req.TransactionHash, req.GasFee, req.FailureReason)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, updated)
}
