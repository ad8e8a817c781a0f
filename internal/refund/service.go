package refund

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/payflow/internal/common"
	"github.com/noah-isme/payflow/internal/gateway"
	"github.com/noah-isme/payflow/internal/ledger"
	"github.com/noah-isme/payflow/internal/notify"
	"github.com/noah-isme/payflow/internal/obs"
)

// CreateParams describes one refund request. Amount zero means the whole
// remaining balance.
type CreateParams struct {
	IntentID uuid.UUID
	Amount   int64
	Reason   ledger.RefundReason
}

// Service admits refunds against the ledger under a row lock so concurrent
// requests can never overdraw an intent, then settles them with the gateway.
type Service struct {
	Store    ledger.Store
	Gateways *gateway.Registry
	Notifier notify.Emitter
	Timeout  time.Duration
	Logger   zerolog.Logger
}

// Process admits and executes a refund.
func (s *Service) Process(ctx context.Context, params CreateParams) (ledger.Refund, error) {
	ctx, span := otel.Tracer("refund.Service").Start(ctx, "RefundService.Process")
	defer span.End()

	providerLabel := "unknown"
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("refund.provider", providerLabel),
			attribute.String("refund.result", result),
		)
		if obs.RefundTotal != nil {
			obs.RefundTotal.WithLabelValues(providerLabel, result).Inc()
		}
	}()

	if params.Amount < 0 {
		result = "rejected_validation"
		return ledger.Refund{}, common.ErrValidation("amount must not be negative", nil)
	}

	var locked ledger.PaymentIntent
	refund := ledger.Refund{
		ID:     uuid.New(),
		Amount: params.Amount,
		Reason: params.Reason,
		Status: ledger.RefundPending,
	}
	refund.IdempotencyKey = refundIdempotencyKey(refund.ID)

	// Admission happens inside one transaction holding the intent's row lock:
	// balance check and pending insert are atomic with respect to any other
	// refund on the same intent.
	err := s.Store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		locked, err = tx.LockPaymentIntent(ctx, params.IntentID)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return common.ErrNotFound("payment intent not found")
			}
			return err
		}
		if locked.Status != ledger.StatusSucceeded && locked.Status != ledger.StatusPartiallyRefunded {
			return common.ErrInvalidState(
				fmt.Sprintf("intent in status %s cannot be refunded", locked.Status))
		}
		refunded, err := tx.RefundedAmount(ctx, params.IntentID)
		if err != nil {
			return err
		}
		remaining := locked.Amount - refunded
		if refund.Amount == 0 {
			refund.Amount = remaining
		}
		if refund.Amount <= 0 || refund.Amount > remaining {
			return common.NewAppError(common.CodeRefundExceeds,
				fmt.Sprintf("refund of %d exceeds remaining balance of %d", refund.Amount, remaining),
				http.StatusUnprocessableEntity, nil)
		}
		refund.PaymentIntentID = locked.ID
		return tx.InsertRefund(ctx, refund)
	})
	if err != nil {
		result = admissionResultLabel(err)
		return ledger.Refund{}, err
	}
	providerLabel = string(locked.Provider)
	span.SetAttributes(attribute.String("refund.id", refund.ID.String()))

	adapter, ok := s.Gateways.Get(locked.Provider)
	if !ok {
		s.finalize(ctx, refund.ID, ledger.RefundFailed, "")
		return ledger.Refund{}, common.NewAppError(common.CodeProviderDown,
			fmt.Sprintf("provider %s is not configured", locked.Provider),
			http.StatusServiceUnavailable, nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	resp, err := adapter.CreateRefund(callCtx, gateway.RefundRequest{
		RefundID:          refund.ID.String(),
		ProviderPaymentID: locked.ProviderPaymentID,
		Amount:            refund.Amount,
		Currency:          locked.Currency,
		Reason:            string(refund.Reason),
		IdempotencyKey:    refund.IdempotencyKey,
	})
	if err != nil {
		// Failed rows stop counting toward the balance, freeing it for a retry.
		s.finalize(ctx, refund.ID, ledger.RefundFailed, "")
		result = providerResultLabel(err)
		return ledger.Refund{}, mapGatewayError(err)
	}

	refund.ProviderRefundID = resp.ProviderRefundID
	refund.Status = resp.Status
	s.finalize(ctx, refund.ID, resp.Status, resp.ProviderRefundID)

	if resp.Status == ledger.RefundSucceeded {
		s.settleIntent(ctx, locked, refund)
	}

	result = "ok"
	return refund, nil
}

// List returns all refunds recorded against the intent.
func (s *Service) List(ctx context.Context, intentID uuid.UUID) ([]ledger.Refund, error) {
	if _, err := s.Store.GetPaymentIntent(ctx, intentID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, common.ErrNotFound("payment intent not found")
		}
		return nil, err
	}
	return s.Store.ListRefunds(ctx, intentID)
}

func (s *Service) finalize(ctx context.Context, id uuid.UUID, status ledger.RefundStatus, providerRefundID string) {
	if err := s.Store.FinalizeRefund(ctx, id, status, providerRefundID); err != nil {
		s.Logger.Error().Err(err).
			Str("refund_id", id.String()).
			Str("status", string(status)).
			Msg("finalize refund")
	}
}

// settleIntent moves the intent into partially_refunded or refunded based on
// the covered balance, and emits the refund notification.
func (s *Service) settleIntent(ctx context.Context, intent ledger.PaymentIntent, refund ledger.Refund) {
	refunded, err := s.Store.RefundedAmount(ctx, intent.ID)
	if err != nil {
		s.Logger.Error().Err(err).Str("intent_id", intent.ID.String()).Msg("sum refunded amount")
		return
	}
	target := ledger.StatusPartiallyRefunded
	if refunded >= intent.Amount {
		target = ledger.StatusRefunded
	}
	if ledger.CanTransition(intent.Status, target) {
		if _, err := s.Store.TransitionIntentStatus(ctx, intent.ID, intent.Status, target); err != nil {
			s.Logger.Error().Err(err).Str("intent_id", intent.ID.String()).Msg("settle intent after refund")
		}
	}
	s.Notifier.Emit(ctx, notify.Notification{
		Topic:        "refund.succeeded",
		IntentID:     intent.ID.String(),
		RefundID:     refund.ID.String(),
		Provider:     string(intent.Provider),
		Amount:       refund.Amount,
		Currency:     intent.Currency,
		BillingEmail: intent.BillingAddress.Email,
		OccurredAt:   time.Now(),
	})
}

func (s *Service) timeout() time.Duration {
	if s.Timeout <= 0 {
		return 15 * time.Second
	}
	return s.Timeout
}

// refundIdempotencyKey derives the provider-side idempotency key from the
// refund row, so a retried provider call cannot double-settle.
func refundIdempotencyKey(id uuid.UUID) string {
	return "rf:" + id.String()
}

func mapGatewayError(err error) error {
	switch {
	case gateway.IsRejected(err):
		return common.NewAppError(common.CodeProviderRejected,
			"refund was declined by the provider", http.StatusPaymentRequired, err)
	case gateway.IsTransient(err):
		return common.NewAppError(common.CodeProviderDown,
			"payment provider is temporarily unavailable", http.StatusServiceUnavailable, err)
	default:
		return common.NewAppError(common.CodeProviderDown,
			"payment provider returned an unusable response", http.StatusBadGateway, err)
	}
}

func admissionResultLabel(err error) string {
	switch common.AsAppError(err).Code {
	case common.CodeRefundExceeds:
		return "rejected_balance"
	case common.CodeInvalidState:
		return "rejected_state"
	case common.CodeNotFound:
		return "not_found"
	case common.CodeValidation:
		return "rejected_validation"
	default:
		return "error"
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
