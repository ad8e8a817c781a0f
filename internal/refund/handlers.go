package refund

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/payflow/internal/common"
	"github.com/noah-isme/payflow/internal/ledger"
)

// Handler exposes the refund endpoints.
type Handler struct {
	Svc *Service
}

const defaultListPageSize = 20

type createReq struct {
	PaymentIntentID string `json:"paymentIntentId"`
	Amount          int64  `json:"amount,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Create handles POST /api/v1/refunds.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.RenderError(w, common.ErrValidation("invalid request body", nil))
		return
	}
	intentID, err := uuid.Parse(strings.TrimSpace(req.PaymentIntentID))
	if err != nil {
		common.RenderError(w, common.ErrValidation("invalid payment intent id", nil))
		return
	}
	reason, err := ledger.ParseRefundReason(req.Reason)
	if err != nil {
		common.RenderError(w, common.ErrValidation(err.Error(), nil))
		return
	}
	refund, err := h.Svc.Process(r.Context(), CreateParams{
		IntentID: intentID,
		Amount:   req.Amount,
		Reason:   reason,
	})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.OK(w, http.StatusCreated, map[string]any{"refund": refundJSON(refund)})
}

// List handles GET /api/v1/payments/{id}/refunds.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	intentID, err := uuid.Parse(raw)
	if err != nil {
		common.RenderError(w, common.ErrValidation("invalid payment intent id", nil))
		return
	}
	refunds, err := h.Svc.List(r.Context(), intentID)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	page, perPage := common.ParsePagination(r, defaultListPageSize)
	total := len(refunds)
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}
	out := make([]map[string]any, 0, end-start)
	for _, re := range refunds[start:end] {
		out = append(out, refundJSON(re))
	}
	common.OK(w, http.StatusOK, map[string]any{
		"refunds":    out,
		"pagination": common.Pagination{Page: page, PerPage: perPage, TotalItems: total},
	})
}

func refundJSON(re ledger.Refund) map[string]any {
	out := map[string]any{
		"id":              re.ID.String(),
		"paymentIntentId": re.PaymentIntentID.String(),
		"amount":          re.Amount,
		"reason":          string(re.Reason),
		"status":          string(re.Status),
		"createdAt":       re.CreatedAt,
	}
	if re.ProviderRefundID != "" {
		out["providerRefundId"] = re.ProviderRefundID
	}
	return out
}
