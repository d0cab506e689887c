package payments

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vpnhub/internal/settings"
	"vpnhub/pkg/crypto"
)

// FormProvider is the hosted-page aggregator dialect: checkout is a
// signed redirect URL, the callback is a signed form post. The signature
// covers "shopId:amount:secret:orderId"; amounts are always rendered
// with two decimals.
type FormProvider struct {
	name        string
	checkoutURL string
	store       *settings.Store
	converter   *Converter
	logger      *zap.Logger

	now func() time.Time
}

func NewFormProvider(name, checkoutURL string, store *settings.Store, converter *Converter, logger *zap.Logger) *FormProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FormProvider{
		name:        name,
		checkoutURL: checkoutURL,
		store:       store,
		converter:   converter,
		logger:      logger,
		now:         time.Now,
	}
}

func (p *FormProvider) Name() string { return p.name }

func (p *FormProvider) Start(ctx context.Context, tgID int64, amountRub decimal.Decimal) (*Checkout, error) {
	cfg, ok := p.store.Current().Payments.Provider(p.name)
	if !ok {
		return nil, ErrProviderDisabled
	}

	amount := amountRub
	currency := cfg.Currency
	if currency == "" {
		currency = "RUB"
	}
	if currency != "RUB" {
		converted, err := p.converter.FromRub(ctx, amountRub, currency)
		if err != nil {
			return nil, fmt.Errorf("convert %s to %s: %w", amountRub, currency, err)
		}
		amount = converted
	}

	orderID := NewOrderID(p.now(), tgID)
	sign := crypto.MD5Hex(signPayload(cfg.ShopID, amount, cfg.Secret, orderID))

	q := url.Values{}
	q.Set("shop", cfg.ShopID)
	q.Set("amount", amount.StringFixed(2))
	q.Set("currency", currency)
	q.Set("order_id", orderID)
	q.Set("sign", sign)
	return &Checkout{URL: p.checkoutURL + "?" + q.Encode(), OrderID: orderID}, nil
}

// VerifyWebhook authenticates a form callback. The body is the raw
// urlencoded post; signature is ignored here because the sign travels as
// a form field. An SHA-1 sign from the provider's older callback format
// is still accepted.
func (p *FormProvider) VerifyWebhook(body []byte, _ string) (*Notification, error) {
	cfg, ok := p.store.Current().Payments.Provider(p.name)
	if !ok {
		return nil, ErrProviderDisabled
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse callback body: %w", err)
	}

	amount, err := decimal.NewFromString(form.Get("amount"))
	if err != nil {
		return nil, fmt.Errorf("callback amount %q: %w", form.Get("amount"), err)
	}
	orderID := form.Get("order_id")
	ref, err := ParseOrderID(orderID)
	if err != nil {
		return nil, err
	}

	payload := signPayload(cfg.ShopID, amount, cfg.Secret, orderID)
	sign := form.Get("sign")
	if sign != crypto.MD5Hex(payload) && sign != crypto.SHA1Hex(payload) {
		return nil, ErrVerificationFailed
	}

	rub := amount
	if currency := form.Get("currency"); currency != "" && currency != "RUB" {
		// The callback echoes the converted amount; the ruble value the
		// user was quoted is what lands on the balance.
		rub, err = p.converter.ToRub(context.Background(), amount, currency)
		if err != nil {
			return nil, fmt.Errorf("convert callback amount: %w", err)
		}
	}

	return &Notification{
		OrderID:    orderID,
		TgID:       ref.TgID,
		Amount:     rub,
		ExternalID: form.Get("payment_id"),
	}, nil
}

func signPayload(shopID string, amount decimal.Decimal, secret, orderID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", shopID, amount.StringFixed(2), secret, orderID)
}
