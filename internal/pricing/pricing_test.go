package pricing

import (
	"testing"

	"vpnhub/internal/model"
)

func configurableTariff() *model.Tariff {
	return &model.Tariff{
		ID:               1,
		Name:             "flex",
		GroupCode:        "main",
		DurationDays:     30,
		PriceRub:         200,
		TrafficLimit:     50 * bytesPerGB,
		DeviceLimit:      1,
		IsActive:         true,
		Configurable:     true,
		DeviceOptions:    []int{1, 3, 5, 0},
		TrafficOptionsGB: []int{50, 100, 200, 0},
		DeviceStepRub:    50,
		TrafficStepRub:   10,
	}
}

func TestPrice_Fixed(t *testing.T) {
	t.Parallel()

	tariff := &model.Tariff{PriceRub: 300, Configurable: false}
	if got := Price(tariff, Selection{DeviceLimit: 99, TrafficGB: 99}); got != 300 {
		t.Fatalf("fixed tariff price = %d, want 300", got)
	}
}

func TestPrice_ConfigurableSteps(t *testing.T) {
	t.Parallel()

	tariff := configurableTariff()

	// 200 + (3-1)*50 + (100-50)*10
	if got := Price(tariff, Selection{DeviceLimit: 3, TrafficGB: 100}); got != 800 {
		t.Fatalf("price(3 dev, 100 GB) = %d, want 800", got)
	}
}

func TestPrice_UnlimitedUsesMaxPositive(t *testing.T) {
	t.Parallel()

	tariff := configurableTariff()

	// Unlimited devices with no override: priced as the largest positive
	// option. 200 + (5-1)*50 + (100-50)*10.
	if got := Price(tariff, Selection{DeviceLimit: 0, TrafficGB: 100}); got != 900 {
		t.Fatalf("price(unlimited dev, 100 GB) = %d, want 900", got)
	}
}

func TestPrice_OverridesWin(t *testing.T) {
	t.Parallel()

	tariff := configurableTariff()
	tariff.DeviceOverrides = map[int]int64{0: 1000}

	if got := Price(tariff, Selection{DeviceLimit: 0, TrafficGB: 50}); got != 1200 {
		t.Fatalf("price with device override = %d, want 1200", got)
	}
}

func TestPrice_BelowBaselineFloorsToZero(t *testing.T) {
	t.Parallel()

	tariff := configurableTariff()
	tariff.DeviceLimit = 3
	tariff.DeviceOptions = []int{3, 5}

	// Selecting fewer devices than the baseline never goes negative.
	if got := Price(tariff, Selection{DeviceLimit: 3, TrafficGB: 50}); got != 200 {
		t.Fatalf("baseline price = %d, want 200", got)
	}
}

func TestPrice_MonotonicForUpgrades(t *testing.T) {
	t.Parallel()

	tariff := configurableTariff()
	devices := []int{1, 3, 5, 0}
	traffic := []int{50, 100, 200, 0}

	rank := func(v int) int {
		if v == 0 {
			return 1 << 20
		}
		return v
	}

	for _, d1 := range devices {
		for _, g1 := range traffic {
			for _, d2 := range devices {
				for _, g2 := range traffic {
					if rank(d1) > rank(d2) || rank(g1) > rank(g2) {
						continue
					}
					p1 := Price(tariff, Selection{DeviceLimit: d1, TrafficGB: g1})
					p2 := Price(tariff, Selection{DeviceLimit: d2, TrafficGB: g2})
					if p1 > p2 {
						t.Fatalf("price(%d,%d)=%d > price(%d,%d)=%d", d1, g1, p1, d2, g2, p2)
					}
				}
			}
		}
	}
}

func TestIsDowngrade(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		old  Selection
		next Selection
		want bool
	}{
		{"same", Selection{3, 100}, Selection{3, 100}, false},
		{"both up", Selection{3, 100}, Selection{5, 200}, false},
		{"devices down", Selection{3, 100}, Selection{1, 100}, true},
		{"traffic down", Selection{3, 100}, Selection{3, 50}, true},
		{"mixed", Selection{3, 100}, Selection{5, 50}, true},
		{"to unlimited", Selection{3, 100}, Selection{0, 0}, false},
		{"from unlimited", Selection{0, 100}, Selection{5, 100}, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsDowngrade(tc.old, tc.next); got != tc.want {
				t.Fatalf("IsDowngrade(%+v, %+v) = %v, want %v", tc.old, tc.next, got, tc.want)
			}
		})
	}
}

func TestApplyPack_StickyUnlimited(t *testing.T) {
	t.Parallel()

	got := ApplyPack(Selection{DeviceLimit: 3, TrafficGB: 100}, Selection{DeviceLimit: 2, TrafficGB: 50})
	if got.DeviceLimit != 5 || got.TrafficGB != 150 {
		t.Fatalf("pack sum = %+v, want {5 150}", got)
	}

	got = ApplyPack(Selection{DeviceLimit: 0, TrafficGB: 100}, Selection{DeviceLimit: 2, TrafficGB: 0})
	if got.DeviceLimit != 0 || got.TrafficGB != 0 {
		t.Fatalf("unlimited must be sticky, got %+v", got)
	}
}

func TestProrate(t *testing.T) {
	t.Parallel()

	// 10 days left of 30: ceil(300 * 10/30) = 100.
	if got := Prorate(300, 10*86400, 30*86400); got != 100 {
		t.Fatalf("prorate = %d, want 100", got)
	}
	// Rounds up on remainders.
	if got := Prorate(100, 1, 3); got != 34 {
		t.Fatalf("prorate = %d, want 34", got)
	}
	if got := Prorate(100, 0, 3); got != 0 {
		t.Fatalf("prorate with no time left = %d, want 0", got)
	}
	if got := Prorate(100, 5*86400, 3*86400); got != 100 {
		t.Fatalf("prorate capped at full price, got %d", got)
	}
}

func TestNormalizeOptions(t *testing.T) {
	t.Parallel()

	got := NormalizeOptions([]int{100, 50, 0, 50, -5, 200})
	want := []int{50, 100, 200, 0}
	if len(got) != len(want) {
		t.Fatalf("normalized = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("normalized = %v, want %v", got, want)
		}
	}
}

func TestApplyPercentDiscount(t *testing.T) {
	t.Parallel()

	if got := ApplyPercentDiscount(300, 10); got != 270 {
		t.Fatalf("10%% off 300 = %d, want 270", got)
	}
	// 25% off 150 = 112.5, rounds half-up.
	if got := ApplyPercentDiscount(150, 25); got != 113 {
		t.Fatalf("25%% off 150 = %d, want 113", got)
	}
	if got := ApplyPercentDiscount(300, 0); got != 300 {
		t.Fatalf("0%% off = %d, want 300", got)
	}
	if got := ApplyPercentDiscount(300, 100); got != 0 {
		t.Fatalf("100%% off = %d, want 0", got)
	}
}
