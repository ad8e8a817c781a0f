package payment

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/payflow/internal/common"
	"github.com/noah-isme/payflow/internal/ledger"
)

// Handler exposes the payment intent endpoints.
type Handler struct {
	Svc *Service
}

type createReq struct {
	Amount         int64                 `json:"amount"`
	Currency       string                `json:"currency"`
	Provider       string                `json:"provider"`
	BillingAddress ledger.BillingAddress `json:"billingAddress"`
	LineItems      []ledger.LineItem     `json:"lineItems,omitempty"`
	Description    string                `json:"description,omitempty"`
	Metadata       map[string]string     `json:"metadata,omitempty"`
}

// Create handles POST /api/v1/payments.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.RenderError(w, common.ErrValidation("invalid request body", nil))
		return
	}
	provider, err := ledger.ParseProvider(req.Provider)
	if err != nil {
		common.RenderError(w, common.ErrValidation(err.Error(), nil))
		return
	}
	result, err := h.Svc.Create(r.Context(), CreateParams{
		Amount:         req.Amount,
		Currency:       req.Currency,
		Provider:       provider,
		BillingAddress: req.BillingAddress,
		LineItems:      req.LineItems,
		Description:    req.Description,
		Metadata:       req.Metadata,
	})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	fields := map[string]any{"paymentIntent": intentJSON(result.Intent, -1)}
	if result.RedirectURL != "" {
		fields["redirectUrl"] = result.RedirectURL
	}
	if len(result.ConfirmationData) > 0 {
		fields["confirmationData"] = result.ConfirmationData
	}
	common.OK(w, http.StatusCreated, fields)
}

// Get handles GET /api/v1/payments/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := intentID(w, r)
	if !ok {
		return
	}
	view, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.OK(w, http.StatusOK, map[string]any{
		"paymentIntent": intentJSON(view.Intent, view.RefundedAmount),
	})
}

// Cancel handles POST /api/v1/payments/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := intentID(w, r)
	if !ok {
		return
	}
	intent, err := h.Svc.Cancel(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.OK(w, http.StatusOK, map[string]any{"paymentIntent": intentJSON(intent, -1)})
}

func intentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	id, err := uuid.Parse(raw)
	if err != nil {
		common.RenderError(w, common.ErrValidation("invalid payment intent id", nil))
		return uuid.Nil, false
	}
	return id, true
}

func intentJSON(intent ledger.PaymentIntent, refunded int64) map[string]any {
	out := map[string]any{
		"id":             intent.ID.String(),
		"amount":         intent.Amount,
		"currency":       intent.Currency,
		"provider":       string(intent.Provider),
		"status":         string(intent.Status),
		"billingAddress": intent.BillingAddress,
		"createdAt":      intent.CreatedAt,
		"updatedAt":      intent.UpdatedAt,
	}
	if intent.ProviderPaymentID != "" {
		out["providerPaymentId"] = intent.ProviderPaymentID
	}
	if len(intent.LineItems) > 0 {
		out["lineItems"] = intent.LineItems
	}
	if len(intent.Metadata) > 0 {
		out["metadata"] = intent.Metadata
	}
	if refunded >= 0 {
		out["refundedAmount"] = refunded
	}
	return out
}
