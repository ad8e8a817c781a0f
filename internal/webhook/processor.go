package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payflow/internal/common"
	"github.com/noah-isme/payflow/internal/gateway"
	"github.com/noah-isme/payflow/internal/ledger"
	"github.com/noah-isme/payflow/internal/notify"
	"github.com/noah-isme/payflow/internal/obs"
)

// maxBodyBytes bounds inbound webhook payloads.
const maxBodyBytes = 1 << 20

// Processor applies verified gateway notifications to the ledger exactly
// once. The durable dedup authority is the unique (provider, event id)
// webhook record; Redis only short-circuits obvious replays. Anomalous but
// authentic events are absorbed with a 2xx so the gateway stops retrying.
type Processor struct {
	Store     ledger.Store
	Gateways  *gateway.Registry
	Notifier  notify.Emitter
	Replay    *redis.Client
	ReplayTTL time.Duration
	Logger    zerolog.Logger
}

// Handle processes POST /webhooks/payment/{provider}.
func (p *Processor) Handle(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	provider, err := ledger.ParseProvider(providerName)
	if err != nil {
		common.JSONError(w, http.StatusNotFound, common.CodeNotFound, "unknown webhook endpoint", nil)
		return
	}
	adapter, ok := p.Gateways.Get(provider)
	if !ok {
		common.JSONError(w, http.StatusNotFound, common.CodeNotFound, "unknown webhook endpoint", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "unreadable payload", nil)
		return
	}

	event, err := adapter.VerifyAndParseWebhook(r, body)
	if err != nil {
		// Uniform response regardless of what failed.
		p.count(provider, "invalid")
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthenticated, "verification failed", nil)
		return
	}

	ctx := r.Context()
	replayKey := fmt.Sprintf("wh:%s:%s", provider, event.ProviderEventID)
	if p.seenInRedis(ctx, replayKey) {
		p.count(provider, "duplicate")
		common.OK(w, http.StatusOK, map[string]any{"received": true})
		return
	}

	record := ledger.WebhookRecord{
		Provider:         provider,
		ProviderEventID:  event.ProviderEventID,
		ReceivedAt:       time.Now(),
		ProcessingStatus: ledger.WebhookProcessed,
	}
	if err := p.Store.InsertWebhookRecord(ctx, record); err != nil {
		if errors.Is(err, ledger.ErrDuplicateWebhook) {
			p.count(provider, "duplicate")
			p.markReplay(ctx, replayKey)
			common.OK(w, http.StatusOK, map[string]any{"received": true})
			return
		}
		p.Logger.Error().Err(err).Str("provider", string(provider)).Msg("record webhook")
		common.RenderError(w, err)
		return
	}

	status := p.apply(ctx, provider, event)
	if status != ledger.WebhookProcessed {
		if err := p.Store.SetWebhookStatus(ctx, provider, event.ProviderEventID, status); err != nil {
			p.Logger.Error().Err(err).Str("provider", string(provider)).Msg("set webhook status")
		}
	}
	p.count(provider, string(status))
	p.markReplay(ctx, replayKey)
	w.WriteHeader(http.StatusNoContent)
}

// apply routes the event to the intent or refund it references. Every return
// of WebhookIgnored is deliberate: the event was authentic but has no valid
// effect, and acknowledging it is safer than making the gateway retry.
func (p *Processor) apply(ctx context.Context, provider ledger.Provider, event gateway.Event) ledger.WebhookProcessingStatus {
	switch event.Type {
	case gateway.EventPaymentSucceeded:
		return p.applyPayment(ctx, provider, event, ledger.StatusSucceeded)
	case gateway.EventPaymentFailed:
		return p.applyPayment(ctx, provider, event, ledger.StatusFailed)
	case gateway.EventRefundSucceeded:
		return p.applyRefund(ctx, provider, event, ledger.RefundSucceeded)
	case gateway.EventRefundFailed:
		return p.applyRefund(ctx, provider, event, ledger.RefundFailed)
	default:
		p.Logger.Info().
			Str("provider", string(provider)).
			Str("event_id", event.ProviderEventID).
			Msg("webhook event type not handled")
		return ledger.WebhookIgnored
	}
}

func (p *Processor) applyPayment(ctx context.Context, provider ledger.Provider, event gateway.Event, target ledger.IntentStatus) ledger.WebhookProcessingStatus {
	intent, err := p.Store.GetPaymentIntentByProviderID(ctx, provider, event.ProviderPaymentID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			p.anomaly(provider, event, "no intent for provider payment id")
			return ledger.WebhookIgnored
		}
		p.Logger.Error().Err(err).Str("provider", string(provider)).Msg("load intent for webhook")
		return ledger.WebhookIgnored
	}
	if intent.Status == target {
		return ledger.WebhookProcessed
	}
	if !ledger.CanTransition(intent.Status, target) {
		reason := fmt.Sprintf("transition %s -> %s not allowed", intent.Status, target)
		if ledger.TerminalForCapture(intent.Status) {
			reason = fmt.Sprintf("capture already settled in %s", intent.Status)
		}
		p.anomaly(provider, event, reason)
		return ledger.WebhookIgnored
	}
	ok, err := p.Store.TransitionIntentStatus(ctx, intent.ID, intent.Status, target)
	if err != nil {
		p.Logger.Error().Err(err).Str("intent_id", intent.ID.String()).Msg("apply webhook transition")
		return ledger.WebhookIgnored
	}
	if !ok {
		p.anomaly(provider, event, "intent status changed concurrently")
		return ledger.WebhookIgnored
	}

	topic := "payment.succeeded"
	if target == ledger.StatusFailed {
		topic = "payment.failed"
	}
	p.Notifier.Emit(ctx, notify.Notification{
		Topic:        topic,
		IntentID:     intent.ID.String(),
		Provider:     string(provider),
		Amount:       intent.Amount,
		Currency:     intent.Currency,
		BillingEmail: intent.BillingAddress.Email,
		OccurredAt:   event.OccurredAt,
	})
	return ledger.WebhookProcessed
}

func (p *Processor) applyRefund(ctx context.Context, provider ledger.Provider, event gateway.Event, target ledger.RefundStatus) ledger.WebhookProcessingStatus {
	refund, err := p.Store.GetRefundByProviderID(ctx, event.ProviderRefundID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			p.anomaly(provider, event, "no refund for provider refund id")
			return ledger.WebhookIgnored
		}
		p.Logger.Error().Err(err).Str("provider", string(provider)).Msg("load refund for webhook")
		return ledger.WebhookIgnored
	}
	if refund.Status == target {
		return ledger.WebhookProcessed
	}
	if refund.Status != ledger.RefundPending {
		p.anomaly(provider, event, fmt.Sprintf("refund already %s", refund.Status))
		return ledger.WebhookIgnored
	}
	if err := p.Store.FinalizeRefund(ctx, refund.ID, target, event.ProviderRefundID); err != nil {
		p.Logger.Error().Err(err).Str("refund_id", refund.ID.String()).Msg("finalize refund from webhook")
		return ledger.WebhookIgnored
	}
	if target != ledger.RefundSucceeded {
		return ledger.WebhookProcessed
	}

	intent, err := p.Store.GetPaymentIntent(ctx, refund.PaymentIntentID)
	if err == nil {
		p.settleIntentAfterRefund(ctx, intent)
		p.Notifier.Emit(ctx, notify.Notification{
			Topic:        "refund.succeeded",
			IntentID:     intent.ID.String(),
			RefundID:     refund.ID.String(),
			Provider:     string(provider),
			Amount:       refund.Amount,
			Currency:     intent.Currency,
			BillingEmail: intent.BillingAddress.Email,
			OccurredAt:   event.OccurredAt,
		})
	}
	return ledger.WebhookProcessed
}

// settleIntentAfterRefund moves the intent into partially_refunded or
// refunded depending on how much of it is now covered.
func (p *Processor) settleIntentAfterRefund(ctx context.Context, intent ledger.PaymentIntent) {
	refunded, err := p.Store.RefundedAmount(ctx, intent.ID)
	if err != nil {
		p.Logger.Error().Err(err).Str("intent_id", intent.ID.String()).Msg("sum refunded amount")
		return
	}
	target := ledger.StatusPartiallyRefunded
	if refunded >= intent.Amount {
		target = ledger.StatusRefunded
	}
	if intent.Status == target && target != ledger.StatusPartiallyRefunded {
		return
	}
	if !ledger.CanTransition(intent.Status, target) {
		p.Logger.Warn().
			Str("intent_id", intent.ID.String()).
			Str("from", string(intent.Status)).
			Str("to", string(target)).
			Msg("refund settled on intent outside refundable state")
		return
	}
	if _, err := p.Store.TransitionIntentStatus(ctx, intent.ID, intent.Status, target); err != nil {
		p.Logger.Error().Err(err).Str("intent_id", intent.ID.String()).Msg("settle intent after refund")
	}
}

// seenInRedis is a best-effort replay check. Any Redis failure counts as not
// seen; the database constraint stays authoritative.
func (p *Processor) seenInRedis(ctx context.Context, key string) bool {
	if p.Replay == nil {
		return false
	}
	_, err := p.Replay.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			p.Logger.Warn().Err(err).Str("key", key).Msg("webhook replay check failed")
		}
		return false
	}
	return true
}

func (p *Processor) markReplay(ctx context.Context, key string) {
	if p.Replay == nil {
		return
	}
	ttl := p.ReplayTTL
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	if err := p.Replay.Set(ctx, key, "1", ttl).Err(); err != nil {
		p.Logger.Warn().Err(err).Str("key", key).Msg("webhook replay mark failed")
	}
}

func (p *Processor) anomaly(provider ledger.Provider, event gateway.Event, reason string) {
	p.Logger.Warn().
		Str("provider", string(provider)).
		Str("event_id", event.ProviderEventID).
		Str("event_type", string(event.Type)).
		Str("provider_payment_id", event.ProviderPaymentID).
		Str("reason", reason).
		Msg("webhook anomaly absorbed")
}

func (p *Processor) count(provider ledger.Provider, result string) {
	if obs.PaymentWebhookTotal != nil {
		obs.PaymentWebhookTotal.WithLabelValues(string(provider), result).Inc()
	}
}
