package math

import (
	"github.com/holiman/uint256"
)

const (
	// At or below this utilization the pool pays MaxRate.
	LowUtilizationPct = 10

	// At or above this utilization the pool pays MinRate.
	HighUtilizationPct = 75

	// MaxRatePercent bounds every configured rate.
	MaxRatePercent = 100
)

// Utilization returns floor(tvl * 100 / maxCap) in whole percent, capped at 100.
// A zero cap reads as a full pool.
func Utilization(tvl, maxCap *uint256.Int) uint64 {
	if maxCap == nil || maxCap.IsZero() {
		return 100
	}

	u, err := MulDiv(tvl, hundred, maxCap, RoundDown)
	if err != nil || !u.IsUint64() || u.Uint64() > 100 {
		return 100
	}
	return u.Uint64()
}

// CurrentRate maps pool utilization onto [minRate, maxRate].
// Both thresholds are inclusive. Between them the rate falls linearly and
// the decrement is floored, so the curve never undershoots minRate.
func CurrentRate(tvl, maxCap *uint256.Int, minRate, maxRate uint64) uint64 {
	if minRate >= maxRate {
		return maxRate
	}

	u := Utilization(tvl, maxCap)
	switch {
	case u <= LowUtilizationPct:
		return maxRate
	case u >= HighUtilizationPct:
		return minRate
	}

	span := maxRate - minRate
	drop := span * (u - LowUtilizationPct) / (HighUtilizationPct - LowUtilizationPct)
	return maxRate - drop
}
