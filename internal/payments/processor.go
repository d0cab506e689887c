package payments

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"vpnhub/internal/ledger"
	"vpnhub/internal/metrics"
)

// Processor lands verified notifications on the balance. Duplicates are
// swallowed: a webhook retried by the provider must get a success reply
// or it keeps retrying forever.
type Processor struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

func NewProcessor(moneyLedger *ledger.Ledger, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{ledger: moneyLedger, logger: logger}
}

func (p *Processor) Apply(ctx context.Context, providerName string, n *Notification) error {
	externalID := n.ExternalID
	if externalID == "" {
		externalID = n.OrderID
	}

	_, err := p.ledger.Credit(ctx, n.TgID, n.Amount, providerName, externalID)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicatePayment) {
			metrics.CreditDedupeHits.Inc()
			p.logger.Info("duplicate payment webhook",
				zap.String("provider", providerName),
				zap.String("order_id", n.OrderID),
			)
			return nil
		}
		return err
	}

	metrics.CreditsApplied.WithLabelValues(providerName).Inc()
	p.logger.Info("payment credited",
		zap.String("provider", providerName),
		zap.Int64("tg_id", n.TgID),
		zap.String("amount", n.Amount.String()),
	)
	return nil
}
