package rates

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/payflow/internal/common"
)

// Handler exposes the currency conversion endpoint.
type Handler struct {
	Resolver *Resolver
	Validate *validator.Validate
}

type convertRequest struct {
	Amount int64  `json:"amount" validate:"gt=0"`
	From   string `json:"from" validate:"required,len=3"`
	To     string `json:"to" validate:"required,len=3"`
}

// Convert handles POST /api/v1/currency/convert.
func (h Handler) Convert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.RenderError(w, common.ErrValidation("invalid request body", nil))
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.RenderError(w, common.ErrValidation("invalid conversion request", err.Error()))
		return
	}
	amount, quote, err := h.Resolver.Convert(r.Context(), req.Amount, req.From, req.To)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.OK(w, http.StatusOK, map[string]any{
		"conversion": map[string]any{
			"amount":      amount,
			"currency":    req.To,
			"rate":        quote.Rate.String(),
			"asOf":        quote.UpdatedAt,
			"stale":       quote.Stale,
			"srcAmount":   req.Amount,
			"srcCurrency": req.From,
		},
	})
}
