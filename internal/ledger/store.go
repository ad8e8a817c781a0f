package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("ledger: not found")

// ErrDuplicateWebhook is returned when a webhook record for the same
// (provider, providerEventId) pair already exists.
var ErrDuplicateWebhook = errors.New("ledger: webhook already recorded")

// ErrDuplicateRefund is returned when a refund with the same idempotency key
// already exists.
var ErrDuplicateRefund = errors.New("ledger: refund already recorded")

// ErrProviderPaymentIDSet is returned when the provider payment id on an
// intent was already assigned.
var ErrProviderPaymentIDSet = errors.New("ledger: provider payment id already set")

// Store is the durable ledger behind the payment core. Implementations must
// provide the atomic conditional-status-update primitive and the unique
// constraints the orchestration layers rely on.
type Store interface {
	InsertPaymentIntent(ctx context.Context, intent PaymentIntent) error
	GetPaymentIntent(ctx context.Context, id uuid.UUID) (PaymentIntent, error)
	GetPaymentIntentByProviderID(ctx context.Context, provider Provider, providerPaymentID string) (PaymentIntent, error)
	// SetProviderPaymentID assigns the provider reference at most once.
	SetProviderPaymentID(ctx context.Context, id uuid.UUID, providerPaymentID string) error
	// TransitionIntentStatus performs `UPDATE ... SET status=to WHERE id=$1 AND
	// status=from` and reports whether a row was updated. A false return means
	// the expected prior status was not observed (lost race or stale caller).
	TransitionIntentStatus(ctx context.Context, id uuid.UUID, from, to IntentStatus) (bool, error)

	InsertRefund(ctx context.Context, refund Refund) error
	FinalizeRefund(ctx context.Context, id uuid.UUID, status RefundStatus, providerRefundID string) error
	GetRefundByProviderID(ctx context.Context, providerRefundID string) (Refund, error)
	ListRefunds(ctx context.Context, intentID uuid.UUID) ([]Refund, error)
	// RefundedAmount sums pending and succeeded refunds for the intent.
	RefundedAmount(ctx context.Context, intentID uuid.UUID) (int64, error)

	// InsertWebhookRecord returns ErrDuplicateWebhook when the pair exists.
	InsertWebhookRecord(ctx context.Context, record WebhookRecord) error
	SetWebhookStatus(ctx context.Context, provider Provider, providerEventID string, status WebhookProcessingStatus) error
	GetWebhookRecord(ctx context.Context, provider Provider, providerEventID string) (WebhookRecord, error)

	GetExchangeRate(ctx context.Context, from, to string) (ExchangeRate, error)
	UpsertExchangeRate(ctx context.Context, rate ExchangeRate) error

	// InTx runs fn inside a transaction. LockPaymentIntent acquires a row lock
	// inside that transaction, serialising refund admission per intent.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional view handed to InTx callbacks.
type Tx interface {
	LockPaymentIntent(ctx context.Context, id uuid.UUID) (PaymentIntent, error)
	RefundedAmount(ctx context.Context, intentID uuid.UUID) (int64, error)
	InsertRefund(ctx context.Context, refund Refund) error
}
