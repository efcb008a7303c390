package math

import (
	"github.com/holiman/uint256"
)

const (
	// SecondsPerYear is a 365-day year; leap days are not modeled.
	SecondsPerYear = 31_536_000

	SecondsPerDay = 86_400

	// PercentDenominator converts whole-percent rates to fractions.
	PercentDenominator = 100
)

var rewardDenominator = uint256.NewInt(SecondsPerYear * PercentDenominator)

// ComputeReward returns amount * ratePercent * elapsed / (SecondsPerYear * 100),
// rounded down to the base unit. elapsed is now - startTime clamped at zero,
// so a clock that runs backwards never produces a reward.
func ComputeReward(amount *uint256.Int, ratePercent uint64, startTime, now int64) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() || ratePercent == 0 || now <= startTime {
		return new(uint256.Int), nil
	}

	elapsed := uint64(now - startTime)

	// rate fits in 7 bits and elapsed in 63, so this product cannot overflow
	rateTime := new(uint256.Int).Mul(uint256.NewInt(ratePercent), uint256.NewInt(elapsed))

	return MulDiv(amount, rateTime, rewardDenominator, RoundDown)
}

// EstimateReward previews the reward for holding amount for duration seconds
// at ratePercent. It shares ComputeReward so previews never drift from payouts.
func EstimateReward(amount *uint256.Int, ratePercent uint64, durationSeconds int64) (*uint256.Int, error) {
	return ComputeReward(amount, ratePercent, 0, durationSeconds)
}

// DailyReward is the one-day reward preview.
func DailyReward(amount *uint256.Int, ratePercent uint64) (*uint256.Int, error) {
	return EstimateReward(amount, ratePercent, SecondsPerDay)
}

// AnnualReward is the 365-day reward preview.
func AnnualReward(amount *uint256.Int, ratePercent uint64) (*uint256.Int, error) {
	return EstimateReward(amount, ratePercent, SecondsPerYear)
}
