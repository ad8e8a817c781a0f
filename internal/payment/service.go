package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/payflow/internal/common"
	"github.com/noah-isme/payflow/internal/gateway"
	"github.com/noah-isme/payflow/internal/ledger"
	"github.com/noah-isme/payflow/internal/notify"
	"github.com/noah-isme/payflow/internal/obs"
	"github.com/noah-isme/payflow/internal/rates"
)

// CreateParams is a validated request to collect funds.
type CreateParams struct {
	Amount         int64
	Currency       string
	Provider       ledger.Provider
	BillingAddress ledger.BillingAddress
	LineItems      []ledger.LineItem
	Description    string
	Metadata       map[string]string
}

// Result is the synchronous answer of a payment creation.
type Result struct {
	Intent           ledger.PaymentIntent
	RedirectURL      string
	ConfirmationData map[string]string
}

// View is an intent enriched with its refunded balance.
type View struct {
	Intent         ledger.PaymentIntent
	RefundedAmount int64
}

// Service orchestrates payment creation against the configured gateways. The
// ledger row is written before the provider is called so a crash between the
// two leaves an auditable pending intent rather than an untracked charge.
type Service struct {
	Store     ledger.Store
	Gateways  *gateway.Registry
	Rates     *rates.Resolver
	Notifier  notify.Emitter
	Validate  *validator.Validate
	MaxAmount int64
	Timeout   time.Duration
	Logger    zerolog.Logger
}

// Create runs the full orchestration: validate, convert, persist, charge.
func (s *Service) Create(ctx context.Context, params CreateParams) (Result, error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Create")
	defer span.End()

	providerLabel := string(params.Provider)
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.provider", providerLabel),
			attribute.String("payment.result", result),
		)
		if obs.PaymentCreateTotal != nil {
			obs.PaymentCreateTotal.WithLabelValues(providerLabel, result).Inc()
		}
	}()

	adapter, err := s.admit(params)
	if err != nil {
		result = "rejected_validation"
		return Result{}, err
	}

	intent := ledger.PaymentIntent{
		ID:             uuid.New(),
		Amount:         params.Amount,
		Currency:       strings.ToUpper(params.Currency),
		Provider:       params.Provider,
		Status:         ledger.StatusPending,
		BillingAddress: params.BillingAddress,
		LineItems:      params.LineItems,
		Metadata:       params.Metadata,
	}
	if intent.Metadata == nil {
		intent.Metadata = map[string]string{}
	}

	if err := s.convertToSettlement(ctx, &intent, adapter); err != nil {
		result = "rate_unavailable"
		return Result{}, err
	}

	if err := s.Store.InsertPaymentIntent(ctx, intent); err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("payment.intent_id", intent.ID.String()))

	callCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	resp, err := adapter.CreatePayment(callCtx, gateway.PaymentRequest{
		IntentID:       intent.ID.String(),
		Amount:         intent.Amount,
		Currency:       intent.Currency,
		Description:    params.Description,
		BillingName:    intent.BillingAddress.Name,
		BillingEmail:   intent.BillingAddress.Email,
		IdempotencyKey: paymentIdempotencyKey(intent.ID),
		Metadata:       intent.Metadata,
	})
	if err != nil {
		result = providerResultLabel(err)
		return Result{}, s.failIntent(ctx, intent, err)
	}

	if err := s.Store.SetProviderPaymentID(ctx, intent.ID, resp.ProviderPaymentID); err != nil {
		s.Logger.Error().Err(err).
			Str("intent_id", intent.ID.String()).
			Str("provider_payment_id", resp.ProviderPaymentID).
			Msg("set provider payment id")
	}
	intent.ProviderPaymentID = resp.ProviderPaymentID

	next := intentStatusFor(resp.Status)
	if ok, err := s.Store.TransitionIntentStatus(ctx, intent.ID, ledger.StatusPending, next); err != nil {
		return Result{}, err
	} else if ok {
		intent.Status = next
	} else {
		// A webhook won the race; serve whatever it left behind.
		refreshed, err := s.Store.GetPaymentIntent(ctx, intent.ID)
		if err == nil {
			intent = refreshed
		}
	}

	if intent.Status == ledger.StatusSucceeded {
		s.Notifier.Emit(ctx, notify.Notification{
			Topic:        "payment.succeeded",
			IntentID:     intent.ID.String(),
			Provider:     string(intent.Provider),
			Amount:       intent.Amount,
			Currency:     intent.Currency,
			BillingEmail: intent.BillingAddress.Email,
			OccurredAt:   time.Now(),
		})
	}

	result = "ok"
	return Result{Intent: intent, RedirectURL: resp.RedirectURL, ConfirmationData: resp.ConfirmationData}, nil
}

// admit checks the request in a fixed order so clients get deterministic
// error codes: amount, limit, provider, currency, billing details.
func (s *Service) admit(params CreateParams) (gateway.Provider, error) {
	if params.Amount <= 0 {
		return nil, common.ErrValidation("amount must be positive", nil)
	}
	if s.MaxAmount > 0 && params.Amount > s.MaxAmount {
		return nil, common.NewAppError(common.CodeAmountExceedsLimit,
			fmt.Sprintf("amount exceeds the configured limit of %d", s.MaxAmount),
			http.StatusUnprocessableEntity, nil)
	}
	adapter, ok := s.Gateways.Get(params.Provider)
	if !ok {
		return nil, common.ErrValidation(fmt.Sprintf("unknown payment provider %q", params.Provider), nil)
	}
	currency := strings.ToUpper(strings.TrimSpace(params.Currency))
	if len(currency) != 3 {
		return nil, common.ErrValidation("currency must be a three letter code", nil)
	}
	if !gateway.Supports(adapter, currency) {
		return nil, common.NewAppError(common.CodeUnsupportedCurr,
			fmt.Sprintf("provider %s does not accept %s", params.Provider, currency),
			http.StatusUnprocessableEntity, nil)
	}
	if err := s.Validate.Struct(params.BillingAddress); err != nil {
		return nil, common.ErrValidation("invalid billing address", err.Error())
	}
	for _, item := range params.LineItems {
		if err := s.Validate.Struct(item); err != nil {
			return nil, common.ErrValidation("invalid line item", err.Error())
		}
	}
	return adapter, nil
}

// convertToSettlement rewrites the intent into the provider's settlement
// currency, keeping the original ask in metadata.
func (s *Service) convertToSettlement(ctx context.Context, intent *ledger.PaymentIntent, adapter gateway.Provider) error {
	settlement := adapter.SettlementCurrency()
	if intent.Currency == settlement {
		return nil
	}
	converted, quote, err := s.Rates.Convert(ctx, intent.Amount, intent.Currency, settlement)
	if err != nil {
		return err
	}
	if quote.Stale {
		s.Logger.Warn().
			Str("from", intent.Currency).Str("to", settlement).
			Time("rate_as_of", quote.UpdatedAt).
			Msg("charging on a stale exchange rate")
	}
	intent.Metadata["original_amount"] = fmt.Sprintf("%d", intent.Amount)
	intent.Metadata["original_currency"] = intent.Currency
	intent.Metadata["fx_rate"] = quote.Rate.String()
	intent.Metadata["fx_stale"] = fmt.Sprintf("%t", quote.Stale)
	intent.Amount = converted
	intent.Currency = settlement
	return nil
}

// failIntent marks the pending row failed and maps the gateway error to the
// API taxonomy. The failed row is kept for audit.
func (s *Service) failIntent(ctx context.Context, intent ledger.PaymentIntent, cause error) error {
	if _, err := s.Store.TransitionIntentStatus(ctx, intent.ID, ledger.StatusPending, ledger.StatusFailed); err != nil {
		s.Logger.Error().Err(err).Str("intent_id", intent.ID.String()).Msg("mark intent failed")
	}
	s.Notifier.Emit(ctx, notify.Notification{
		Topic:        "payment.failed",
		IntentID:     intent.ID.String(),
		Provider:     string(intent.Provider),
		Amount:       intent.Amount,
		Currency:     intent.Currency,
		BillingEmail: intent.BillingAddress.Email,
		FailureCode:  gatewayCode(cause),
		OccurredAt:   time.Now(),
	})

	switch {
	case gateway.IsRejected(cause):
		return common.NewAppError(common.CodeProviderRejected,
			"payment was declined by the provider", http.StatusPaymentRequired, cause)
	case gateway.IsTransient(cause):
		return common.NewAppError(common.CodeProviderDown,
			"payment provider is temporarily unavailable", http.StatusServiceUnavailable, cause)
	default:
		return common.NewAppError(common.CodeProviderDown,
			"payment provider returned an unusable response", http.StatusBadGateway, cause)
	}
}

// Get returns the intent with its refunded balance.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (View, error) {
	intent, err := s.Store.GetPaymentIntent(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return View{}, common.ErrNotFound("payment intent not found")
		}
		return View{}, err
	}
	refunded, err := s.Store.RefundedAmount(ctx, id)
	if err != nil {
		return View{}, err
	}
	return View{Intent: intent, RefundedAmount: refunded}, nil
}

// Cancel voids an intent that has not reached the provider's capture path.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (ledger.PaymentIntent, error) {
	intent, err := s.Store.GetPaymentIntent(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.PaymentIntent{}, common.ErrNotFound("payment intent not found")
		}
		return ledger.PaymentIntent{}, err
	}
	if !ledger.Cancelable(intent.Status) {
		return ledger.PaymentIntent{}, common.ErrInvalidState(
			fmt.Sprintf("intent in status %s cannot be canceled", intent.Status))
	}
	ok, err := s.Store.TransitionIntentStatus(ctx, intent.ID, intent.Status, ledger.StatusCanceled)
	if err != nil {
		return ledger.PaymentIntent{}, err
	}
	if !ok {
		// Status moved under us, likely a webhook settling the charge.
		return ledger.PaymentIntent{}, common.ErrInvalidState("intent status changed, cancellation rejected")
	}
	intent.Status = ledger.StatusCanceled
	return intent, nil
}

func (s *Service) timeout() time.Duration {
	if s.Timeout <= 0 {
		return 10 * time.Second
	}
	return s.Timeout
}

// paymentIdempotencyKey derives the provider-side idempotency key from the
// intent so any retry of the same intent collapses into one charge.
func paymentIdempotencyKey(id uuid.UUID) string {
	return "pi:" + id.String()
}

func intentStatusFor(state gateway.PaymentState) ledger.IntentStatus {
	switch state {
	case gateway.StateSucceeded:
		return ledger.StatusSucceeded
	case gateway.StateRequiresAction:
		return ledger.StatusRequiresAction
	default:
		return ledger.StatusProcessing
	}
}

func providerResultLabel(err error) string {
	switch {
	case gateway.IsRejected(err):
		return "rejected_provider"
	case gateway.IsTransient(err):
		return "provider_unavailable"
	default:
		return "error"
	}
}

func gatewayCode(err error) string {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) && gwErr.Code != "" {
		return gwErr.Code
	}
	return common.CodeProviderDown
}
