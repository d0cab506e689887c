// Package payments holds the provider-facing edge of the balance flow:
// checkout creation, webhook signature verification, the order-id codec
// and ruble-to-provider-currency conversion. Verified notifications are
// handed to the ledger, which owns idempotency and intent resumption.
package payments

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OrderRef is a decoded payment order id. Order ids are minted as
// "{unix_ts}_{tg_id}"; an older three-segment form with a trailing ruble
// amount is still accepted on the inbound path.
type OrderRef struct {
	IssuedAt time.Time
	TgID     int64
	// AmountRub is set only for legacy three-segment ids.
	AmountRub int64
}

// NewOrderID mints the order id embedded in checkout links and echoed
// back by webhooks.
func NewOrderID(now time.Time, tgID int64) string {
	return fmt.Sprintf("%d_%d", now.Unix(), tgID)
}

// ParseOrderID decodes both the current and the legacy order-id layout.
func ParseOrderID(orderID string) (OrderRef, error) {
	parts := strings.Split(strings.TrimSpace(orderID), "_")
	if len(parts) != 2 && len(parts) != 3 {
		return OrderRef{}, fmt.Errorf("malformed order id %q", orderID)
	}

	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return OrderRef{}, fmt.Errorf("order id %q: bad timestamp: %w", orderID, err)
	}
	tgID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return OrderRef{}, fmt.Errorf("order id %q: bad tg id: %w", orderID, err)
	}

	ref := OrderRef{IssuedAt: time.Unix(ts, 0).UTC(), TgID: tgID}
	if len(parts) == 3 {
		rub, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return OrderRef{}, fmt.Errorf("order id %q: bad amount: %w", orderID, err)
		}
		ref.AmountRub = rub
	}
	return ref, nil
}
