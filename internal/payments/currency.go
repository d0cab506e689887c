package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vpnhub/internal/metrics"
	"vpnhub/internal/settings"
)

// DefaultRateSource is the central bank's daily quote document.
const DefaultRateSource = "https://www.cbr-xml-daily.ru/daily_json.js"

const ratePrefix = "currency_rate:"

// Converter quotes foreign-currency amounts from daily central-bank
// rates. Rates are cached for money.rate_cache_minutes, in redis when a
// client is available and in memory otherwise.
type Converter struct {
	store     *settings.Store
	redis     *redis.Client
	http      *http.Client
	sourceURL string
	logger    *zap.Logger

	mu       sync.Mutex
	memRates map[string]memRate

	now func() time.Time
}

type memRate struct {
	rate    decimal.Decimal
	expires time.Time
}

func NewConverter(store *settings.Store, redisClient *redis.Client, sourceURL string, logger *zap.Logger) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sourceURL == "" {
		sourceURL = DefaultRateSource
	}
	return &Converter{
		store:     store,
		redis:     redisClient,
		http:      &http.Client{Timeout: 15 * time.Second},
		sourceURL: sourceURL,
		logger:    logger,
		memRates:  map[string]memRate{},
		now:       time.Now,
	}
}

// Rate returns rubles per one unit of the given currency.
func (c *Converter) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" || currency == "RUB" {
		return decimal.NewFromInt(1), nil
	}

	if rate, ok := c.cached(ctx, currency); ok {
		return rate, nil
	}

	rates, err := c.fetch(ctx)
	if err != nil {
		metrics.CurrencyRateRefreshErrors.Inc()
		// A stale in-memory rate beats failing the checkout.
		c.mu.Lock()
		stale, ok := c.memRates[currency]
		c.mu.Unlock()
		if ok {
			c.logger.Warn("serving stale currency rate",
				zap.String("currency", currency), zap.Error(err))
			return stale.rate, nil
		}
		return decimal.Zero, fmt.Errorf("fetch currency rates: %w", err)
	}

	c.cacheAll(ctx, rates)
	rate, ok := rates[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("no rate for currency %q", currency)
	}
	return rate, nil
}

// FromRub converts a ruble price into the provider's currency with the
// operator markup applied on top.
func (c *Converter) FromRub(ctx context.Context, rub decimal.Decimal, currency string) (decimal.Decimal, error) {
	rate, err := c.Rate(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}
	return rub.Div(rate).Mul(c.markupFactor()).Round(2), nil
}

// ToRub recovers the quoted ruble value from a converted callback
// amount, unwinding the markup FromRub added.
func (c *Converter) ToRub(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	rate, err := c.Rate(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate).Div(c.markupFactor()).Round(2), nil
}

// Refresh re-fetches every rate ahead of cache expiry. The scheduler
// calls this so user checkouts rarely pay the fetch latency.
func (c *Converter) Refresh(ctx context.Context) error {
	rates, err := c.fetch(ctx)
	if err != nil {
		metrics.CurrencyRateRefreshErrors.Inc()
		return err
	}
	c.cacheAll(ctx, rates)
	return nil
}

func (c *Converter) markupFactor() decimal.Decimal {
	markup := c.store.Current().Money.RateMarkupPercent
	return decimal.NewFromInt(1).Add(decimal.NewFromFloat(markup).Div(decimal.NewFromInt(100)))
}

func (c *Converter) cacheTTL() time.Duration {
	minutes := c.store.Current().Money.RateCacheMinutes
	if minutes <= 0 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}

func (c *Converter) cached(ctx context.Context, currency string) (decimal.Decimal, bool) {
	if c.redis != nil {
		raw, err := c.redis.Get(ctx, ratePrefix+currency).Result()
		if err == nil {
			if rate, perr := decimal.NewFromString(raw); perr == nil {
				return rate, true
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.memRates[currency]
	if !ok || c.now().After(entry.expires) {
		return decimal.Zero, false
	}
	return entry.rate, true
}

func (c *Converter) cacheAll(ctx context.Context, rates map[string]decimal.Decimal) {
	ttl := c.cacheTTL()
	expires := c.now().Add(ttl)

	c.mu.Lock()
	for currency, rate := range rates {
		c.memRates[currency] = memRate{rate: rate, expires: expires}
	}
	c.mu.Unlock()

	if c.redis == nil {
		return
	}
	for currency, rate := range rates {
		if err := c.redis.Set(ctx, ratePrefix+currency, rate.String(), ttl).Err(); err != nil {
			c.logger.Warn("cache currency rate", zap.String("currency", currency), zap.Error(err))
			return
		}
	}
}

type rateDocument struct {
	Valute map[string]struct {
		Nominal int64   `json:"Nominal"`
		Value   float64 `json:"Value"`
	} `json:"Valute"`
}

func (c *Converter) fetch(ctx context.Context) (map[string]decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sourceURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rate source status %d", resp.StatusCode)
	}

	var doc rateDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode rate document: %w", err)
	}

	rates := make(map[string]decimal.Decimal, len(doc.Valute))
	for code, quote := range doc.Valute {
		if quote.Nominal <= 0 || quote.Value <= 0 {
			continue
		}
		rates[code] = decimal.NewFromFloat(quote.Value).Div(decimal.NewFromInt(quote.Nominal))
	}
	return rates, nil
}
