package rates

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/payflow/internal/common"
	"github.com/noah-isme/payflow/internal/ledger"
	"github.com/noah-isme/payflow/internal/obs"
)

// Locker serialises refreshes of the same pair across instances.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Quote is a resolved exchange rate. Stale is set when the cached rate is
// older than the freshness window but the source could not be reached, so the
// caller can decide whether a best-effort conversion is acceptable.
type Quote struct {
	Rate      decimal.Decimal
	UpdatedAt time.Time
	Stale     bool
}

// Resolver answers rate lookups from the ledger cache, refreshing from the
// external source at most once per pair when the cached value ages out.
type Resolver struct {
	Store     ledger.Store
	Source    Source
	Locker    Locker
	Freshness time.Duration
	Timeout   time.Duration
	Logger    zerolog.Logger

	// Now is overridable for tests. Defaults to time.Now.
	Now func() time.Time
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Rate resolves the pair, hitting the source only when the cache is stale.
func (r *Resolver) Rate(ctx context.Context, from, to string) (Quote, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	now := r.now()
	if from == to {
		return Quote{Rate: decimal.NewFromInt(1), UpdatedAt: now}, nil
	}

	cached, err := r.Store.GetExchangeRate(ctx, from, to)
	haveCached := err == nil
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return Quote{}, err
	}
	if haveCached && cached.Fresh(now, r.Freshness) {
		return Quote{Rate: cached.Rate, UpdatedAt: cached.UpdatedAt}, nil
	}

	var quote Quote
	refresh := func(ctx context.Context) error {
		// Another instance may have refreshed while we waited for the lock.
		latest, err := r.Store.GetExchangeRate(ctx, from, to)
		if err == nil && latest.Fresh(r.now(), r.Freshness) {
			quote = Quote{Rate: latest.Rate, UpdatedAt: latest.UpdatedAt}
			return nil
		}
		fetched, fetchErr := r.fetch(ctx, from, to)
		if fetchErr != nil {
			countRefresh("error")
			if haveCached {
				r.Logger.Warn().Err(fetchErr).
					Str("from", from).Str("to", to).
					Time("cached_at", cached.UpdatedAt).
					Msg("rate refresh failed, serving stale rate")
				if obs.RateStaleServedTotal != nil {
					obs.RateStaleServedTotal.Inc()
				}
				quote = Quote{Rate: cached.Rate, UpdatedAt: cached.UpdatedAt, Stale: true}
				return nil
			}
			return common.NewAppError(common.CodeRateUnavailable,
				fmt.Sprintf("no exchange rate available for %s/%s", from, to),
				http.StatusServiceUnavailable, fetchErr)
		}
		countRefresh("ok")
		quote = Quote{Rate: fetched.Rate, UpdatedAt: fetched.UpdatedAt}
		return nil
	}

	lockKey := fmt.Sprintf("rate:%s:%s", from, to)
	if r.Locker != nil {
		if err := r.Locker.WithLock(ctx, lockKey, r.timeout(), refresh); err == nil {
			return quote, nil
		} else if common.IsAppError(err) {
			return Quote{}, err
		}
		// Lock layer unavailable. Refresh without single-flight rather than
		// failing the conversion.
		r.Logger.Warn().Str("key", lockKey).Msg("rate lock unavailable, refreshing directly")
	}
	if err := refresh(ctx); err != nil {
		return Quote{}, err
	}
	return quote, nil
}

// Convert translates an amount in minor units between currencies, rounding
// half away from zero.
func (r *Resolver) Convert(ctx context.Context, amount int64, from, to string) (int64, Quote, error) {
	quote, err := r.Rate(ctx, from, to)
	if err != nil {
		return 0, Quote{}, err
	}
	converted := decimal.NewFromInt(amount).Mul(quote.Rate).Round(0)
	return converted.IntPart(), quote, nil
}

func (r *Resolver) fetch(ctx context.Context, from, to string) (ledger.ExchangeRate, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()
	rate, err := r.Source.Fetch(fetchCtx, from, to)
	if err != nil {
		return ledger.ExchangeRate{}, err
	}
	record := ledger.ExchangeRate{
		FromCurrency: from,
		ToCurrency:   to,
		Rate:         rate,
		UpdatedAt:    r.now(),
	}
	if err := r.Store.UpsertExchangeRate(ctx, record); err != nil {
		// The fetched rate is still usable this request.
		r.Logger.Error().Err(err).Str("from", from).Str("to", to).Msg("persist exchange rate failed")
	}
	return record, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout <= 0 {
		return 5 * time.Second
	}
	return r.Timeout
}

func countRefresh(result string) {
	if obs.RateRefreshTotal != nil {
		obs.RateRefreshTotal.WithLabelValues(result).Inc()
	}
}
