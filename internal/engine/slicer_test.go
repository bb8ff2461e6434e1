package engine

import (
	"errors"
	"math"
	"testing"

	"ctos/internal/config"
	"ctos/internal/driver"
	"ctos/internal/market"
)

func scenarioSpec() market.Spec {
	return market.Spec{
		Venue:              "aster",
		Symbol:             "ETHUSDT",
		PriceStep:          0.01,
		SizeStep:           0.001,
		MinOrderSize:       0.001,
		ContractMultiplier: 1,
		MaxLeverage:        100,
		State:              "live",
	}
}

func defaultSlicer() config.SlicerConfig {
	return config.SlicerConfig{
		EscalationFactor: 1.25,
		MaxEscalations:   3,
		SoftOffset:       0.0001,
	}
}

func TestSliceSizeEscalatesSmallNotional(t *testing.T) {
	// notional 1.5 at price 2000: 0.00075 rounds to zero, 1.875 still zero,
	// 2.34375 gives 0.00117 which floors to the minimum lot 0.001.
	size, err := sliceSize(scenarioSpec(), 2000, 1.5, defaultSlicer())
	if err != nil {
		t.Fatalf("sliceSize returned error: %v", err)
	}
	if size != 0.001 {
		t.Fatalf("expected escalated size 0.001, got %v", size)
	}
}

func TestSliceSizeDirect(t *testing.T) {
	size, err := sliceSize(scenarioSpec(), 2000, 500, defaultSlicer())
	if err != nil {
		t.Fatalf("sliceSize returned error: %v", err)
	}
	if size != 0.25 {
		t.Fatalf("expected size 0.25, got %v", size)
	}
}

func TestSliceSizeNotionalTooSmall(t *testing.T) {
	_, err := sliceSize(scenarioSpec(), 2000, 0.1, defaultSlicer())
	if !errors.Is(err, driver.ErrNotionalTooSmall) {
		t.Fatalf("expected ErrNotionalTooSmall, got %v", err)
	}
}

func TestSliceSizeContractMultiplier(t *testing.T) {
	spec := scenarioSpec()
	spec.ContractMultiplier = 10 // one contract is worth 10x the price

	size, err := sliceSize(spec, 2000, 600, defaultSlicer())
	if err != nil {
		t.Fatalf("sliceSize returned error: %v", err)
	}
	if size != 0.03 {
		t.Fatalf("expected size 0.03 with multiplier 10, got %v", size)
	}
}

func TestSliceSizeAlwaysStepMultiple(t *testing.T) {
	spec := scenarioSpec()
	notionals := []float64{2.5, 17, 123.45, 999.99, 5000}

	for _, notional := range notionals {
		size, err := sliceSize(spec, 1987.65, notional, defaultSlicer())
		if err != nil {
			if errors.Is(err, driver.ErrNotionalTooSmall) {
				continue
			}
			t.Fatalf("sliceSize(%v) returned error: %v", notional, err)
		}
		ratio := size / spec.SizeStep
		if math.Abs(ratio-math.Round(ratio)) > 1e-6 {
			t.Errorf("size %v for notional %v is not a step multiple", size, notional)
		}
		if size < spec.MinOrderSize {
			t.Errorf("size %v for notional %v below minimum %v", size, notional, spec.MinOrderSize)
		}
	}
}

func TestSliceSizeInvalidInputs(t *testing.T) {
	if _, err := sliceSize(scenarioSpec(), 0, 100, defaultSlicer()); err == nil {
		t.Fatalf("expected error for zero price")
	}
	if _, err := sliceSize(scenarioSpec(), 2000, 0, defaultSlicer()); err == nil {
		t.Fatalf("expected error for zero notional")
	}
	if _, err := sliceSize(market.Spec{}, 2000, 100, defaultSlicer()); err == nil {
		t.Fatalf("expected error for invalid spec")
	}
}

func TestSoftLimitPrice(t *testing.T) {
	spec := scenarioSpec()

	buy := softLimitPrice(spec, 2000, true, 0.0001)
	if buy != 1999.8 {
		t.Fatalf("expected buy soft price 1999.8, got %v", buy)
	}
	sell := softLimitPrice(spec, 2000, false, 0.0001)
	if sell != 2000.2 {
		t.Fatalf("expected sell soft price 2000.2, got %v", sell)
	}
	if buy >= 2000 || sell <= 2000 {
		t.Fatalf("soft prices must sit off-market: buy=%v sell=%v", buy, sell)
	}
}
