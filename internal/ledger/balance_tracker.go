package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances.
// Balances are two's-complement 256-bit values: boundary accounts run
// negative by design, and wrap-around addition keeps the global sum exact.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] = new(uint256.Int).Add(bt.GetBalance(j.DebitAccount), j.Amount)
	bt.balances[j.CreditAccount] = new(uint256.Int).Sub(bt.GetBalance(j.CreditAccount), j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// RevertBatch undoes a previously applied batch.
func (bt *BalanceTracker) RevertBatch(batch *Batch) {
	for i := len(batch.Journals) - 1; i >= 0; i-- {
		j := batch.Journals[i]
		bt.balances[j.DebitAccount] = new(uint256.Int).Sub(bt.GetBalance(j.DebitAccount), j.Amount)
		bt.balances[j.CreditAccount] = new(uint256.Int).Add(bt.GetBalance(j.CreditAccount), j.Amount)
	}
}

// GetBalance returns the current balance for an account (two's complement).
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if b, ok := bt.balances[key]; ok {
		return b
	}
	return new(uint256.Int)
}

// IsNegative reports whether the account balance is below zero.
func (bt *BalanceTracker) IsNegative(key AccountKey) bool {
	return bt.GetBalance(key).Sign() < 0
}

// FormatBalance renders a signed balance in base units.
func FormatBalance(v *uint256.Int) string {
	if v.Sign() < 0 {
		return "-" + new(uint256.Int).Neg(v).Dec()
	}
	return v.Dec()
}

// GetStaked returns a staker's principal balance.
func (bt *BalanceTracker) GetStaked(account common.Address) *uint256.Int {
	return bt.GetBalance(StakedAccount(account))
}

// GetRewardPool returns the reward pool balance. Negative means rewards have
// been paid out of principal reserve.
func (bt *BalanceTracker) GetRewardPool() *uint256.Int {
	return bt.GetBalance(RewardPoolAccount)
}

// SumStaked totals every user staked account.
func (bt *BalanceTracker) SumStaked() *uint256.Int {
	sum := new(uint256.Int)
	for key, balance := range bt.balances {
		if key.Scope == AccountScopeUser && key.SubType == SubTypeStaked {
			sum.Add(sum, balance)
		}
	}
	return sum
}

// PoolHoldings is Σ staked + reward pool: what the pool should hold in custody.
func (bt *BalanceTracker) PoolHoldings() *uint256.Int {
	return new(uint256.Int).Add(bt.SumStaked(), bt.GetRewardPool())
}

// === Invariant Checks ===

// ValidateSufficientStaked checks a staker can release amount of principal.
func (bt *BalanceTracker) ValidateSufficientStaked(account common.Address, required *uint256.Int) error {
	staked := bt.GetStaked(account)
	if staked.Sign() < 0 || staked.Lt(required) {
		return fmt.Errorf("insufficient staked balance: have=%s, need=%s", FormatBalance(staked), required.Dec())
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (0 for a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() *uint256.Int {
	total := new(uint256.Int)
	for _, balance := range bt.balances {
		total.Add(total, balance)
	}
	return total
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if bt.IsNegative(key) {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), FormatBalance(bt.GetBalance(key)))
	}
	return nil
}

// Prune drops zero balances of closed user accounts.
func (bt *BalanceTracker) Prune(key AccountKey) {
	if b, ok := bt.balances[key]; ok && b.IsZero() && key.Scope == AccountScopeUser {
		delete(bt.balances, key)
	}
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]*uint256.Int {
	snapshot := make(map[AccountKey]*uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v.Clone()
	}
	return snapshot
}
