package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Task kinds routed through the notification queue.
const (
	TaskPaymentSucceeded = "notify:payment.succeeded"
	TaskPaymentFailed    = "notify:payment.failed"
	TaskRefundSucceeded  = "notify:refund.succeeded"
)

// Queue is the asynq queue notifications are published to.
const Queue = "notifications"

// Notification is the payload delivered to downstream consumers.
type Notification struct {
	Topic        string    `json:"topic"`
	IntentID     string    `json:"intentId"`
	RefundID     string    `json:"refundId,omitempty"`
	Provider     string    `json:"provider"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	BillingEmail string    `json:"billingEmail,omitempty"`
	FailureCode  string    `json:"failureCode,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Emitter publishes lifecycle notifications. Emission is strictly
// fire-and-forget: a broken queue never fails the payment path.
type Emitter interface {
	Emit(ctx context.Context, n Notification)
}

// AsynqEmitter publishes notifications as asynq tasks.
type AsynqEmitter struct {
	Client *asynq.Client
	Logger zerolog.Logger
}

// Emit enqueues the notification, logging and swallowing any failure.
func (e AsynqEmitter) Emit(ctx context.Context, n Notification) {
	if e.Client == nil {
		return
	}
	kind := taskKind(n.Topic)
	if kind == "" {
		e.Logger.Error().Str("topic", n.Topic).Msg("unknown notification topic")
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		e.Logger.Error().Err(err).Str("topic", n.Topic).Msg("marshal notification")
		return
	}
	_, err = e.Client.EnqueueContext(ctx, asynq.NewTask(kind, payload),
		asynq.Queue(Queue),
		asynq.MaxRetry(5),
	)
	if err != nil {
		e.Logger.Error().Err(err).
			Str("topic", n.Topic).
			Str("intent_id", n.IntentID).
			Msg("enqueue notification failed")
	}
}

func taskKind(topic string) string {
	switch topic {
	case "payment.succeeded":
		return TaskPaymentSucceeded
	case "payment.failed":
		return TaskPaymentFailed
	case "refund.succeeded":
		return TaskRefundSucceeded
	default:
		return ""
	}
}

// NopEmitter drops every notification. Used in tests and when the queue is
// not configured.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Notification) {}
