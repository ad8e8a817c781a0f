package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payflow/internal/common"
)

// Handler consumes notification tasks on the worker and fans them out as
// customer emails.
type Handler struct {
	Email  common.EmailSender
	Logger zerolog.Logger
}

// Register attaches the notification handlers to the mux.
func (h Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskPaymentSucceeded, h.handle)
	mux.HandleFunc(TaskPaymentFailed, h.handle)
	mux.HandleFunc(TaskRefundSucceeded, h.handle)
}

func (h Handler) handle(_ context.Context, task *asynq.Task) error {
	var n Notification
	if err := json.Unmarshal(task.Payload(), &n); err != nil {
		// Malformed payloads never become deliverable; do not retry.
		h.Logger.Error().Err(err).Str("task", task.Type()).Msg("decode notification")
		return nil
	}
	h.Logger.Info().
		Str("topic", n.Topic).
		Str("intent_id", n.IntentID).
		Str("provider", n.Provider).
		Int64("amount", n.Amount).
		Msg("notification received")

	if h.Email == nil || n.BillingEmail == "" {
		return nil
	}
	subject, body := composeEmail(n)
	if err := h.Email.Send(n.BillingEmail, subject, body); err != nil {
		return fmt.Errorf("send notification email: %w", err)
	}
	return nil
}

func composeEmail(n Notification) (subject, body string) {
	amount := fmt.Sprintf("%d.%02d %s", n.Amount/100, n.Amount%100, n.Currency)
	switch n.Topic {
	case "payment.succeeded":
		return "Payment received",
			fmt.Sprintf("<p>Your payment of %s was received.</p>", amount)
	case "payment.failed":
		return "Payment failed",
			fmt.Sprintf("<p>Your payment of %s could not be completed.</p>", amount)
	case "refund.succeeded":
		return "Refund issued",
			fmt.Sprintf("<p>A refund of %s has been issued to you.</p>", amount)
	default:
		return "Payment update", "<p>Your payment status changed.</p>"
	}
}
