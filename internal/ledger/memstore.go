package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store used by tests and local development. A single
// mutex stands in for the row locks and unique constraints of the Postgres
// store, which preserves the same serialisation guarantees in-process.
type MemStore struct {
	mu           sync.Mutex
	intents      map[uuid.UUID]PaymentIntent
	refunds      map[uuid.UUID]Refund
	refundOrder  []uuid.UUID
	refundByIdem map[string]uuid.UUID
	webhooks     map[string]WebhookRecord
	rates        map[string]ExchangeRate
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		intents:      make(map[uuid.UUID]PaymentIntent),
		refunds:      make(map[uuid.UUID]Refund),
		refundByIdem: make(map[string]uuid.UUID),
		webhooks:     make(map[string]WebhookRecord),
		rates:        make(map[string]ExchangeRate),
	}
}

func (s *MemStore) InsertPaymentIntent(_ context.Context, intent PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	intent.UpdatedAt = now
	s.intents[intent.ID] = intent
	return nil
}

func (s *MemStore) GetPaymentIntent(_ context.Context, id uuid.UUID) (PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getIntentLocked(id)
}

func (s *MemStore) getIntentLocked(id uuid.UUID) (PaymentIntent, error) {
	intent, ok := s.intents[id]
	if !ok {
		return PaymentIntent{}, ErrNotFound
	}
	return intent, nil
}

func (s *MemStore) GetPaymentIntentByProviderID(_ context.Context, provider Provider, providerPaymentID string) (PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, intent := range s.intents {
		if intent.Provider == provider && intent.ProviderPaymentID == providerPaymentID && providerPaymentID != "" {
			return intent, nil
		}
	}
	return PaymentIntent{}, ErrNotFound
}

func (s *MemStore) SetProviderPaymentID(_ context.Context, id uuid.UUID, providerPaymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok {
		return ErrNotFound
	}
	if intent.ProviderPaymentID != "" {
		return ErrProviderPaymentIDSet
	}
	intent.ProviderPaymentID = providerPaymentID
	intent.UpdatedAt = time.Now()
	s.intents[id] = intent
	return nil
}

func (s *MemStore) TransitionIntentStatus(_ context.Context, id uuid.UUID, from, to IntentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok || intent.Status != from {
		return false, nil
	}
	intent.Status = to
	intent.UpdatedAt = time.Now()
	s.intents[id] = intent
	return true, nil
}

func (s *MemStore) InsertRefund(_ context.Context, refund Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertRefundLocked(refund)
}

func (s *MemStore) insertRefundLocked(refund Refund) error {
	if refund.IdempotencyKey != "" {
		if _, exists := s.refundByIdem[refund.IdempotencyKey]; exists {
			return ErrDuplicateRefund
		}
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now()
	}
	s.refunds[refund.ID] = refund
	s.refundOrder = append(s.refundOrder, refund.ID)
	if refund.IdempotencyKey != "" {
		s.refundByIdem[refund.IdempotencyKey] = refund.ID
	}
	return nil
}

func (s *MemStore) FinalizeRefund(_ context.Context, id uuid.UUID, status RefundStatus, providerRefundID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	refund, ok := s.refunds[id]
	if !ok {
		return ErrNotFound
	}
	refund.Status = status
	if providerRefundID != "" {
		refund.ProviderRefundID = providerRefundID
	}
	s.refunds[id] = refund
	return nil
}

func (s *MemStore) GetRefundByProviderID(_ context.Context, providerRefundID string) (Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, refund := range s.refunds {
		if refund.ProviderRefundID == providerRefundID && providerRefundID != "" {
			return refund, nil
		}
	}
	return Refund{}, ErrNotFound
}

func (s *MemStore) ListRefunds(_ context.Context, intentID uuid.UUID) ([]Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Refund
	for _, id := range s.refundOrder {
		if refund := s.refunds[id]; refund.PaymentIntentID == intentID {
			out = append(out, refund)
		}
	}
	return out, nil
}

func (s *MemStore) RefundedAmount(_ context.Context, intentID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refundedAmountLocked(intentID), nil
}

func (s *MemStore) refundedAmountLocked(intentID uuid.UUID) int64 {
	var total int64
	for _, refund := range s.refunds {
		if refund.PaymentIntentID == intentID && (refund.Status == RefundPending || refund.Status == RefundSucceeded) {
			total += refund.Amount
		}
	}
	return total
}

func webhookKey(provider Provider, eventID string) string {
	return string(provider) + ":" + eventID
}

func (s *MemStore) InsertWebhookRecord(_ context.Context, record WebhookRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := webhookKey(record.Provider, record.ProviderEventID)
	if _, exists := s.webhooks[key]; exists {
		return ErrDuplicateWebhook
	}
	if record.ReceivedAt.IsZero() {
		record.ReceivedAt = time.Now()
	}
	if record.ProcessingStatus == "" {
		record.ProcessingStatus = WebhookProcessed
	}
	s.webhooks[key] = record
	return nil
}

func (s *MemStore) SetWebhookStatus(_ context.Context, provider Provider, providerEventID string, status WebhookProcessingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := webhookKey(provider, providerEventID)
	record, ok := s.webhooks[key]
	if !ok {
		return ErrNotFound
	}
	record.ProcessingStatus = status
	s.webhooks[key] = record
	return nil
}

func (s *MemStore) GetWebhookRecord(_ context.Context, provider Provider, providerEventID string) (WebhookRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.webhooks[webhookKey(provider, providerEventID)]
	if !ok {
		return WebhookRecord{}, ErrNotFound
	}
	return record, nil
}

func rateKey(from, to string) string {
	return from + ":" + to
}

func (s *MemStore) GetExchangeRate(_ context.Context, from, to string) (ExchangeRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rate, ok := s.rates[rateKey(from, to)]
	if !ok {
		return ExchangeRate{}, ErrNotFound
	}
	return rate, nil
}

func (s *MemStore) UpsertExchangeRate(_ context.Context, rate ExchangeRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate.UpdatedAt.IsZero() {
		rate.UpdatedAt = time.Now()
	}
	s.rates[rateKey(rate.FromCurrency, rate.ToCurrency)] = rate
	return nil
}

// InTx serialises callbacks behind the store mutex, mirroring the per-intent
// row lock behaviour of the Postgres store.
func (s *MemStore) InTx(_ context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(context.Background(), memTx{store: s})
}

type memTx struct {
	store *MemStore
}

func (t memTx) LockPaymentIntent(_ context.Context, id uuid.UUID) (PaymentIntent, error) {
	return t.store.getIntentLocked(id)
}

func (t memTx) RefundedAmount(_ context.Context, intentID uuid.UUID) (int64, error) {
	return t.store.refundedAmountLocked(intentID), nil
}

func (t memTx) InsertRefund(_ context.Context, refund Refund) error {
	return t.store.insertRefundLocked(refund)
}
