package payments

import (
	"context"
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"vpnhub/internal/settings"
)

var (
	ErrVerificationFailed = errors.New("webhook verification failed")
	ErrProviderDisabled   = errors.New("payment provider is disabled")
	ErrUnknownProvider    = errors.New("unknown payment provider")
)

// Checkout is a started payment the user is redirected to.
type Checkout struct {
	URL     string
	OrderID string
}

// Notification is a verified provider callback. Amount is in rubles
// regardless of the currency the user actually paid in.
type Notification struct {
	OrderID    string
	TgID       int64
	Amount     decimal.Decimal
	ExternalID string
}

// Provider is one payment system: it can start a checkout and verify the
// callback it later sends.
type Provider interface {
	Name() string
	Start(ctx context.Context, tgID int64, amountRub decimal.Decimal) (*Checkout, error)
	// VerifyWebhook authenticates a raw callback. The signature argument
	// carries whatever the provider transmits out-of-band (a header token,
	// a form field); its meaning is provider-specific.
	VerifyWebhook(body []byte, signature string) (*Notification, error)
}

// Registry resolves providers by name, honoring the operator's enable
// switches and display order from settings.
type Registry struct {
	providers map[string]Provider
	store     *settings.Store
}

func NewRegistry(store *settings.Store) *Registry {
	return &Registry{providers: map[string]Provider{}, store: store}
}

func (r *Registry) Register(p Provider) { r.providers[p.Name()] = p }

// Get returns an enabled provider or an error naming why it cannot serve.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	if _, enabled := r.store.Current().Payments.Provider(name); !enabled {
		return nil, ErrProviderDisabled
	}
	return p, nil
}

// Enabled lists usable providers in the operator's configured order;
// registered providers missing from the order are appended after it.
func (r *Registry) Enabled() []Provider {
	snap := r.store.Current()
	var out []Provider
	seen := map[string]bool{}
	for _, name := range snap.ProvidersOrder {
		if p, err := r.Get(name); err == nil {
			out = append(out, p)
			seen[name] = true
		}
	}
	var rest []string
	for name := range r.providers {
		if seen[name] {
			continue
		}
		if _, enabled := snap.Payments.Provider(name); enabled {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		out = append(out, r.providers[name])
	}
	return out
}
