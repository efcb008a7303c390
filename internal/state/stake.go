package state

import (
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Stake is one account's position in the pool. An account has at most one.
// Active == false always pairs with a zero Amount; inactive stakes are not
// kept in the book at all.
type Stake struct {
	Account    common.Address
	Amount     *uint256.Int
	StartTime  int64  // unix seconds, reward accrual origin
	LockedRate uint64 // whole-percent APR captured when the stake opened
	Active     bool
}

// Clone returns a deep copy.
func (s *Stake) Clone() *Stake {
	if s == nil {
		return nil
	}
	c := *s
	c.Amount = s.Amount.Clone()
	return &c
}

// UnlockTime is the first instant at which unstake is allowed. It
// saturates at math.MaxInt64 instead of wrapping.
func (s *Stake) UnlockTime(lockupPeriod int64) int64 {
	if lockupPeriod > 0 && s.StartTime > math.MaxInt64-lockupPeriod {
		return math.MaxInt64
	}
	return s.StartTime + lockupPeriod
}

// LockupRemaining returns seconds until unlock, floored at zero.
func (s *Stake) LockupRemaining(lockupPeriod, now int64) int64 {
	if remaining := s.UnlockTime(lockupPeriod) - now; remaining > 0 {
		return remaining
	}
	return 0
}

// InactiveStake is the zero record returned for accounts without a stake.
func InactiveStake(account common.Address) *Stake {
	return &Stake{Account: account, Amount: new(uint256.Int)}
}
