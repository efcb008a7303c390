package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants against the engine's own
// aggregates.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the ledger is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); !total.IsZero() {
		return fmt.Errorf("global balance is non-zero: %s", FormatBalance(total))
	}
	return nil
}

// ValidateStakedMatchesTVL verifies Σ user staked accounts equals the
// engine's TVL.
func (v *InvariantValidator) ValidateStakedMatchesTVL(tvl *uint256.Int) error {
	if sum := v.tracker.SumStaked(); !sum.Eq(tvl) {
		return fmt.Errorf("sum of staked accounts %s != tvl %s", FormatBalance(sum), tvl.Dec())
	}
	return nil
}

// ValidateHoldingsMatchReserve verifies Σ staked + reward pool equals the
// custody reserve.
func (v *InvariantValidator) ValidateHoldingsMatchReserve(reserve *uint256.Int) error {
	if holdings := v.tracker.PoolHoldings(); !holdings.Eq(reserve) {
		return fmt.Errorf("pool holdings %s != custody reserve %s", FormatBalance(holdings), reserve.Dec())
	}
	return nil
}
