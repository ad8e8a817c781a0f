package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrStoreUnavailable indicates the ledger store dependency is not configured.
var ErrStoreUnavailable = errors.New("ledger: store unavailable")

const pgUniqueViolation = "23505"

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

// querier is the subset of pgxpool.Pool and pgx.Tx the store needs.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const intentColumns = `id, amount, currency, provider, provider_payment_id, status, billing_address, line_items, metadata, created_at, updated_at`

// InsertPaymentIntent persists a freshly created intent.
func (s *pgStore) InsertPaymentIntent(ctx context.Context, intent PaymentIntent) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	billing, err := json.Marshal(intent.BillingAddress)
	if err != nil {
		return err
	}
	items, err := json.Marshal(intent.LineItems)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(orEmpty(intent.Metadata))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO payment_intents (id, amount, currency, provider, provider_payment_id, status, billing_address, line_items, metadata)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)`,
		intent.ID, intent.Amount, intent.Currency, string(intent.Provider), intent.ProviderPaymentID, string(intent.Status), billing, items, meta)
	return err
}

// GetPaymentIntent fetches an intent by identifier.
func (s *pgStore) GetPaymentIntent(ctx context.Context, id uuid.UUID) (PaymentIntent, error) {
	if s == nil || s.pool == nil {
		return PaymentIntent{}, ErrStoreUnavailable
	}
	return scanIntent(s.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id))
}

// GetPaymentIntentByProviderID fetches an intent by the gateway's reference.
func (s *pgStore) GetPaymentIntentByProviderID(ctx context.Context, provider Provider, providerPaymentID string) (PaymentIntent, error) {
	if s == nil || s.pool == nil {
		return PaymentIntent{}, ErrStoreUnavailable
	}
	return scanIntent(s.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE provider = $1 AND provider_payment_id = $2`,
		string(provider), providerPaymentID))
}

// SetProviderPaymentID assigns the provider reference; the WHERE clause keeps
// the column write-once.
func (s *pgStore) SetProviderPaymentID(ctx context.Context, id uuid.UUID, providerPaymentID string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE payment_intents SET provider_payment_id = $2, updated_at = now()
WHERE id = $1 AND provider_payment_id IS NULL`, id, providerPaymentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProviderPaymentIDSet
	}
	return nil
}

// TransitionIntentStatus is the atomic conditional update guarding every
// status change.
func (s *pgStore) TransitionIntentStatus(ctx context.Context, id uuid.UUID, from, to IntentStatus) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE payment_intents SET status = $3, updated_at = now()
WHERE id = $1 AND status = $2`, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// InsertRefund persists a refund row; the unique idempotency key turns an
// internal retry of the same operation into ErrDuplicateRefund.
func (s *pgStore) InsertRefund(ctx context.Context, refund Refund) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	return insertRefund(ctx, s.pool, refund)
}

func insertRefund(ctx context.Context, q querier, refund Refund) error {
	_, err := q.Exec(ctx, `INSERT INTO refunds (id, payment_intent_id, amount, reason, provider_refund_id, status, idempotency_key)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)`,
		refund.ID, refund.PaymentIntentID, refund.Amount, string(refund.Reason), refund.ProviderRefundID, string(refund.Status), refund.IdempotencyKey)
	if isUniqueViolation(err) {
		return ErrDuplicateRefund
	}
	return err
}

// FinalizeRefund records the outcome of the gateway call.
func (s *pgStore) FinalizeRefund(ctx context.Context, id uuid.UUID, status RefundStatus, providerRefundID string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE refunds SET status = $2, provider_refund_id = COALESCE(NULLIF($3, ''), provider_refund_id)
WHERE id = $1`, id, string(status), providerRefundID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRefundByProviderID fetches a refund by the gateway's reference.
func (s *pgStore) GetRefundByProviderID(ctx context.Context, providerRefundID string) (Refund, error) {
	if s == nil || s.pool == nil {
		return Refund{}, ErrStoreUnavailable
	}
	return scanRefund(s.pool.QueryRow(ctx, `SELECT id, payment_intent_id, amount, reason, provider_refund_id, status, idempotency_key, created_at
FROM refunds WHERE provider_refund_id = $1`, providerRefundID))
}

// ListRefunds returns all refunds for an intent, oldest first.
func (s *pgStore) ListRefunds(ctx context.Context, intentID uuid.UUID) ([]Refund, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT id, payment_intent_id, amount, reason, provider_refund_id, status, idempotency_key, created_at
FROM refunds WHERE payment_intent_id = $1 ORDER BY created_at ASC`, intentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refunds []Refund
	for rows.Next() {
		refund, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, refund)
	}
	return refunds, rows.Err()
}

// RefundedAmount sums pending and succeeded refunds for the intent.
func (s *pgStore) RefundedAmount(ctx context.Context, intentID uuid.UUID) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	return refundedAmount(ctx, s.pool, intentID)
}

func refundedAmount(ctx context.Context, q querier, intentID uuid.UUID) (int64, error) {
	var total int64
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM refunds
WHERE payment_intent_id = $1 AND status IN ('pending', 'succeeded')`, intentID).Scan(&total)
	return total, err
}

// InsertWebhookRecord is the durable dedup guard. The unique constraint on
// (provider, provider_event_id) turns a racing second delivery into
// ErrDuplicateWebhook.
func (s *pgStore) InsertWebhookRecord(ctx context.Context, record WebhookRecord) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	status := record.ProcessingStatus
	if status == "" {
		status = WebhookProcessed
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO webhook_records (provider, provider_event_id, processing_status)
VALUES ($1, $2, $3)`, string(record.Provider), record.ProviderEventID, string(status))
	if isUniqueViolation(err) {
		return ErrDuplicateWebhook
	}
	return err
}

// SetWebhookStatus marks how the event was concluded.
func (s *pgStore) SetWebhookStatus(ctx context.Context, provider Provider, providerEventID string, status WebhookProcessingStatus) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `UPDATE webhook_records SET processing_status = $3
WHERE provider = $1 AND provider_event_id = $2`, string(provider), providerEventID, string(status))
	return err
}

// GetWebhookRecord fetches a dedup record.
func (s *pgStore) GetWebhookRecord(ctx context.Context, provider Provider, providerEventID string) (WebhookRecord, error) {
	if s == nil || s.pool == nil {
		return WebhookRecord{}, ErrStoreUnavailable
	}
	var record WebhookRecord
	var providerValue, status string
	err := s.pool.QueryRow(ctx, `SELECT provider, provider_event_id, received_at, processing_status
FROM webhook_records WHERE provider = $1 AND provider_event_id = $2`, string(provider), providerEventID).
		Scan(&providerValue, &record.ProviderEventID, &record.ReceivedAt, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return WebhookRecord{}, ErrNotFound
	}
	if err != nil {
		return WebhookRecord{}, err
	}
	record.Provider = Provider(providerValue)
	record.ProcessingStatus = WebhookProcessingStatus(status)
	return record, nil
}

// GetExchangeRate fetches a cached currency pair.
func (s *pgStore) GetExchangeRate(ctx context.Context, from, to string) (ExchangeRate, error) {
	if s == nil || s.pool == nil {
		return ExchangeRate{}, ErrStoreUnavailable
	}
	var rate ExchangeRate
	var value string
	err := s.pool.QueryRow(ctx, `SELECT from_currency, to_currency, rate::text, updated_at
FROM exchange_rates WHERE from_currency = $1 AND to_currency = $2`, from, to).
		Scan(&rate.FromCurrency, &rate.ToCurrency, &value, &rate.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ExchangeRate{}, ErrNotFound
	}
	if err != nil {
		return ExchangeRate{}, err
	}
	rate.Rate, err = decimal.NewFromString(value)
	return rate, err
}

// UpsertExchangeRate stores a refreshed rate keyed on the currency pair.
func (s *pgStore) UpsertExchangeRate(ctx context.Context, rate ExchangeRate) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	updatedAt := rate.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO exchange_rates (from_currency, to_currency, rate, updated_at)
VALUES ($1, $2, $3::numeric, $4)
ON CONFLICT (from_currency, to_currency) DO UPDATE SET rate = EXCLUDED.rate, updated_at = EXCLUDED.updated_at`,
		rate.FromCurrency, rate.ToCurrency, rate.Rate.String(), updatedAt)
	return err
}

// InTx runs fn inside a transaction; the Tx view exposes the row-lock
// primitives used for refund admission.
func (s *pgStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(ctx, pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct {
	tx pgx.Tx
}

// LockPaymentIntent acquires a row lock for the intent, serialising concurrent
// refund admission checks per intent.
func (t pgTx) LockPaymentIntent(ctx context.Context, id uuid.UUID) (PaymentIntent, error) {
	return scanIntent(t.tx.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1 FOR UPDATE`, id))
}

func (t pgTx) RefundedAmount(ctx context.Context, intentID uuid.UUID) (int64, error) {
	return refundedAmount(ctx, t.tx, intentID)
}

func (t pgTx) InsertRefund(ctx context.Context, refund Refund) error {
	return insertRefund(ctx, t.tx, refund)
}

func scanIntent(row pgx.Row) (PaymentIntent, error) {
	var intent PaymentIntent
	var provider, status string
	var providerPaymentID *string
	var billing, items, meta []byte
	err := row.Scan(&intent.ID, &intent.Amount, &intent.Currency, &provider, &providerPaymentID, &status,
		&billing, &items, &meta, &intent.CreatedAt, &intent.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentIntent{}, ErrNotFound
	}
	if err != nil {
		return PaymentIntent{}, err
	}
	intent.Provider = Provider(provider)
	intent.Status = IntentStatus(status)
	if providerPaymentID != nil {
		intent.ProviderPaymentID = *providerPaymentID
	}
	if err := json.Unmarshal(billing, &intent.BillingAddress); err != nil {
		return PaymentIntent{}, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &intent.LineItems); err != nil {
			return PaymentIntent{}, err
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &intent.Metadata); err != nil {
			return PaymentIntent{}, err
		}
	}
	return intent, nil
}

func scanRefund(row pgx.Row) (Refund, error) {
	var refund Refund
	var reason, status string
	var providerRefundID *string
	err := row.Scan(&refund.ID, &refund.PaymentIntentID, &refund.Amount, &reason, &providerRefundID, &status, &refund.IdempotencyKey, &refund.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Refund{}, ErrNotFound
	}
	if err != nil {
		return Refund{}, err
	}
	refund.Reason = RefundReason(reason)
	refund.Status = RefundStatus(status)
	if providerRefundID != nil {
		refund.ProviderRefundID = *providerRefundID
	}
	return refund, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
