package refund

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payflow/internal/common"
	"github.com/noah-isme/payflow/internal/gateway"
	"github.com/noah-isme/payflow/internal/ledger"
	"github.com/noah-isme/payflow/internal/notify"
)

type fakeRefunder struct {
	mu      sync.Mutex
	resp    gateway.RefundResponse
	err     error
	lastReq gateway.RefundRequest
	calls   int
}

func (f *fakeRefunder) Name() ledger.Provider         { return ledger.ProviderCardnet }
func (f *fakeRefunder) SettlementCurrency() string    { return "USD" }
func (f *fakeRefunder) SupportedCurrencies() []string { return []string{"USD"} }
func (f *fakeRefunder) CreatePayment(context.Context, gateway.PaymentRequest) (gateway.PaymentResponse, error) {
	return gateway.PaymentResponse{}, nil
}
func (f *fakeRefunder) VerifyAndParseWebhook(*http.Request, []byte) (gateway.Event, error) {
	return gateway.Event{}, nil
}

func (f *fakeRefunder) CreateRefund(_ context.Context, req gateway.RefundRequest) (gateway.RefundResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return gateway.RefundResponse{}, f.err
	}
	resp := f.resp
	if resp.ProviderRefundID == "" {
		resp.ProviderRefundID = "re_" + uuid.NewString()[:8]
	}
	return resp, nil
}

func newService(store *ledger.MemStore, adapter gateway.Provider) *Service {
	return &Service{
		Store:    store,
		Gateways: gateway.NewRegistry(adapter),
		Notifier: notify.NopEmitter{},
		Timeout:  time.Second,
		Logger:   zerolog.Nop(),
	}
}

func seedSucceededIntent(t *testing.T, store *ledger.MemStore, amount int64) ledger.PaymentIntent {
	t.Helper()
	intent := ledger.PaymentIntent{
		ID:                uuid.New(),
		Amount:            amount,
		Currency:          "USD",
		Provider:          ledger.ProviderCardnet,
		ProviderPaymentID: "ch_" + uuid.NewString()[:8],
		Status:            ledger.StatusSucceeded,
		BillingAddress:    ledger.BillingAddress{Name: "A", Email: "a@example.com", Line1: "L", City: "C", Country: "US"},
	}
	require.NoError(t, store.InsertPaymentIntent(context.Background(), intent))
	return intent
}

func TestRefundBalanceInvariant(t *testing.T) {
	store := ledger.NewMemStore()
	adapter := &fakeRefunder{resp: gateway.RefundResponse{Status: ledger.RefundSucceeded}}
	svc := newService(store, adapter)
	intent := seedSucceededIntent(t, store, 100)

	// 30 then 20 succeed, 60 would overdraw the remaining 50.
	_, err := svc.Process(context.Background(), CreateParams{IntentID: intent.ID, Amount: 30})
	require.NoError(t, err)
	_, err = svc.Process(context.Background(), CreateParams{IntentID: intent.ID, Amount: 20})
	require.NoError(t, err)

	_, err = svc.Process(context.Background(), CreateParams{IntentID: intent.ID, Amount: 60})
	require.Error(t, err)
	appErr := common.AsAppError(err)
	require.Equal(t, common.CodeRefundExceeds, appErr.Code)
	require.Equal(t, http.StatusUnprocessableEntity, appErr.HTTPStatus)

	refunded, err := store.RefundedAmount(context.Background(), intent.ID)
	require.NoError(t, err)
	require.Equal(t, int64(50), refunded)

	// The remaining 50 is still refundable.
	_, err = svc.Process(context.Background(), CreateParams{IntentID: intent.ID, Amount: 50})
	require.NoError(t, err)

	updated, err := store.GetPaymentIntent(context.Background(), intent.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusRefunded, updated.Status)
}

func TestRefundPartialMarksPartiallyRefunded(t *testing.T) {
	store := ledger.NewMemStore()
	adapter := &fakeRefunder{resp: gateway.RefundResponse{Status: ledger.RefundSucceeded}}
	svc := newService(store, adapter)
	intent := seedSucceededIntent(t, store, 10000)

	refund, err := svc.Process(context.Background(), CreateParams{IntentID: intent.ID, Amount: 2500})
	require.NoError(t, err)
	require.Equal(t, ledger.RefundSucceeded, refund.Status)
	require.Equal(t, "rf:"+refund.ID.String(), adapter.lastReq.IdempotencyKey)

	updated, err := store.GetPaymentIntent(context.Background(), intent.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPartiallyRefunded, updated.Status)
}

func TestRefundFullAmountDefaultsToRemaining(t *testing.T) {
	store := ledger.NewMemStore()
	adapter := &fakeRefunder{resp: gateway.RefundResponse{Status: ledger.RefundSucceeded}}
	svc := newService(store, adapter)
	intent := seedSucceededIntent(t, store, 2999)

	refund, err := svc.Process(context.Background(), CreateParams{IntentID: intent.ID})
	require.NoError(t, err)
	require.Equal(t, int64(2999), refund.Amount)

	updated, err := store.GetPaymentIntent(context.Background(), intent.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusRefunded, updated.Status)
}

func TestRefundRejectsNonRefundableStates(t *testing.T) {
	store := ledger.NewMemStore()
	svc := newService(store, &fakeRefunder{})
	intent := ledger.PaymentIntent{
		ID:       uuid.New(),
		Amount:   100,
		Currency: "USD",
		Provider: ledger.ProviderCardnet,
		Status:   ledger.StatusProcessing,
	}
	require.NoError(t, store.InsertPaymentIntent(context.Background(), intent))

	_, err := svc.Process(context.Background(), CreateParams{IntentID: intent.ID, Amount: 50})
	require.Error(t, err)
	require.Equal(t, common.CodeInvalidState, common.AsAppError(err).Code)
}

func TestRefundUnknownIntent(t *testing.T) {
	svc := newService(ledger.NewMemStore(), &fakeRefunder{})
	_, err := svc.Process(context.Background(), CreateParams{IntentID: uuid.New(), Amount: 50})
	require.Error(t, err)
	require.Equal(t, common.CodeNotFound, common.AsAppError(err).Code)
}

func TestRefundProviderFailureFreesBalance(t *testing.T) {
	store := ledger.NewMemStore()
	adapter := &fakeRefunder{err: gateway.Transient(context.DeadlineExceeded)}
	svc := newService(store, adapter)
	intent := seedSucceededIntent(t, store, 100)

	_, err := svc.Process(context.Background(), CreateParams{IntentID: intent.ID, Amount: 100})
	require.Error(t, err)
	require.Equal(t, common.CodeProviderDown, common.AsAppError(err).Code)

	// The failed row no longer counts toward the balance.
	refunded, err := store.RefundedAmount(context.Background(), intent.ID)
	require.NoError(t, err)
	require.Zero(t, refunded)

	adapter.err = nil
	adapter.resp = gateway.RefundResponse{Status: ledger.RefundSucceeded}
	_, err = svc.Process(context.Background(), CreateParams{IntentID: intent.ID, Amount: 100})
	require.NoError(t, err)
}

func TestRefundPendingAwaitsWebhook(t *testing.T) {
	store := ledger.NewMemStore()
	adapter := &fakeRefunder{resp: gateway.RefundResponse{Status: ledger.RefundPending, ProviderRefundID: "re_async"}}
	svc := newService(store, adapter)
	intent := seedSucceededIntent(t, store, 100)

	refund, err := svc.Process(context.Background(), CreateParams{IntentID: intent.ID, Amount: 100})
	require.NoError(t, err)
	require.Equal(t, ledger.RefundPending, refund.Status)

	// Pending rows reserve the balance but do not settle the intent.
	updated, err := store.GetPaymentIntent(context.Background(), intent.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSucceeded, updated.Status)

	refunded, err := store.RefundedAmount(context.Background(), intent.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), refunded)
}

func TestConcurrentRefundsNeverOverdraw(t *testing.T) {
	store := ledger.NewMemStore()
	adapter := &fakeRefunder{resp: gateway.RefundResponse{Status: ledger.RefundSucceeded}}
	svc := newService(store, adapter)
	intent := seedSucceededIntent(t, store, 100)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Process(context.Background(), CreateParams{IntentID: intent.ID, Amount: 60})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.Equal(t, common.CodeRefundExceeds, common.AsAppError(err).Code)
		}
	}
	require.Equal(t, 1, succeeded, "only one 60 refund fits into 100")

	refunded, err := store.RefundedAmount(context.Background(), intent.ID)
	require.NoError(t, err)
	require.Equal(t, int64(60), refunded)
}
