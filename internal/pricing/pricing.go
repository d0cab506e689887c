// Package pricing holds the pure tariff pricing model: fixed and
// configurable prices, downgrade detection, addon-pack math and proration.
// Nothing here touches storage or global flags; callers pass everything in.
package pricing

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"vpnhub/internal/model"
)

const bytesPerGB = int64(1024 * 1024 * 1024)

var ErrNotConfigurable = errors.New("tariff is not configurable")

// Selection is a user's configurator choice. Zero means unlimited on
// either dimension.
type Selection struct {
	DeviceLimit int
	TrafficGB   int
}

// Price computes the integer price of a tariff under a selection. For a
// non-configurable tariff the selection is ignored and the fixed price is
// returned.
func Price(t *model.Tariff, sel Selection) int64 {
	if !t.Configurable {
		return t.PriceRub
	}

	total := t.PriceRub
	total += deviceAddon(t, sel.DeviceLimit)
	total += trafficAddon(t, sel.TrafficGB)
	return total
}

func deviceAddon(t *model.Tariff, target int) int64 {
	if addon, ok := t.DeviceOverrides[target]; ok {
		return addon
	}

	base := baselineDevices(t)
	if target == 0 {
		target = maxPositive(t.DeviceOptions)
	}
	return stepAddon(target, base, t.DeviceStepRub)
}

func trafficAddon(t *model.Tariff, targetGB int) int64 {
	if addon, ok := t.TrafficOverrides[targetGB]; ok {
		return addon
	}

	base := BaselineTrafficGB(t)
	if targetGB == 0 {
		targetGB = maxPositive(t.TrafficOptionsGB)
	}
	return stepAddon(targetGB, base, t.TrafficStepRub)
}

func stepAddon(target, base int, step int64) int64 {
	if target <= base {
		return 0
	}
	return int64(target-base) * step
}

// baselineDevices is the cheapest positive device choice: the minimum over
// the positive options and the tariff's own device limit.
func baselineDevices(t *model.Tariff) int {
	base := 0
	consider := func(v int) {
		if v <= 0 {
			return
		}
		if base == 0 || v < base {
			base = v
		}
	}
	for _, v := range t.DeviceOptions {
		consider(v)
	}
	consider(t.DeviceLimit)
	return base
}

// BaselineTrafficGB converts the tariff's byte limit to whole gigabytes.
func BaselineTrafficGB(t *model.Tariff) int {
	if t.TrafficLimit <= 0 {
		return 0
	}
	return int(t.TrafficLimit / bytesPerGB)
}

func maxPositive(options []int) int {
	max := 0
	for _, v := range options {
		if v > max {
			max = v
		}
	}
	return max
}

// NormalizeOptions sorts positive options ascending, drops duplicates and
// non-positive noise, and keeps a single trailing zero when the original
// list offered unlimited.
func NormalizeOptions(options []int) []int {
	seen := make(map[int]struct{}, len(options))
	hasUnlimited := false
	out := make([]int, 0, len(options))
	for _, v := range options {
		if v == 0 {
			hasUnlimited = true
			continue
		}
		if v < 0 {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	if hasUnlimited {
		out = append(out, 0)
	}
	return out
}

// IsDowngrade reports whether the new selection is not >= the old one on
// both dimensions, treating zero as unlimited.
func IsDowngrade(oldSel, newSel Selection) bool {
	return dimensionShrinks(oldSel.DeviceLimit, newSel.DeviceLimit) ||
		dimensionShrinks(oldSel.TrafficGB, newSel.TrafficGB)
}

func dimensionShrinks(old, next int) bool {
	if next == 0 {
		return false
	}
	if old == 0 {
		return true
	}
	return next < old
}

// ApplyPack adds a one-off pack on top of the current limits. Unlimited is
// sticky: if either side is unlimited, the sum stays unlimited.
func ApplyPack(current, pack Selection) Selection {
	return Selection{
		DeviceLimit: packSum(current.DeviceLimit, pack.DeviceLimit),
		TrafficGB:   packSum(current.TrafficGB, pack.TrafficGB),
	}
}

func packSum(current, pack int) int {
	if current == 0 || pack == 0 {
		return 0
	}
	return current + pack
}

// Prorate scales a full-period addon price down to the remaining part of
// the period, rounding up so partial seconds are never sold for free.
func Prorate(diffFull int64, remainingSeconds, durationSeconds int64) int64 {
	if diffFull <= 0 || durationSeconds <= 0 {
		return 0
	}
	if remainingSeconds <= 0 {
		return 0
	}
	if remainingSeconds >= durationSeconds {
		return diffFull
	}
	return (diffFull*remainingSeconds + durationSeconds - 1) / durationSeconds
}

// ApplyPercentDiscount reduces an integer price by a percentage, rounding
// half-up.
func ApplyPercentDiscount(price int64, percent int) int64 {
	if percent <= 0 {
		return price
	}
	if percent >= 100 {
		return 0
	}
	discounted := decimal.NewFromInt(price).
		Mul(decimal.NewFromInt(int64(100 - percent))).
		Div(decimal.NewFromInt(100))
	return RoundHalfUp(discounted)
}

// RoundHalfUp rounds a money value half-up to an integer.
func RoundHalfUp(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

// TrafficGBToBytes converts a configurator gigabyte choice to the byte
// quantity provisioned on panels. Zero stays zero (unlimited).
func TrafficGBToBytes(gb int) int64 {
	if gb <= 0 {
		return 0
	}
	return int64(gb) * bytesPerGB
}
