package state

import (
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// ErrReserveShort is returned when a payout exceeds the custody reserve.
var ErrReserveShort = errors.New("custody reserve short")

// Reserve tracks the pool's on-hand native asset: principal collected from
// stakers plus reward funding. It never goes negative.
type Reserve struct {
	balance *uint256.Int
}

func NewReserve(initial *uint256.Int) *Reserve {
	if initial == nil {
		initial = new(uint256.Int)
	}
	return &Reserve{balance: initial.Clone()}
}

// Balance returns a copy of the current reserve.
func (r *Reserve) Balance() *uint256.Int {
	return r.balance.Clone()
}

// Deposit adds amount to the reserve.
func (r *Reserve) Deposit(amount *uint256.Int) error {
	next, overflow := new(uint256.Int).AddOverflow(r.balance, amount)
	if overflow {
		return errors.New("reserve overflow")
	}
	r.balance = next
	return nil
}

// Withdraw removes amount from the reserve, or fails leaving it unchanged.
func (r *Reserve) Withdraw(amount *uint256.Int) error {
	if r.balance.Lt(amount) {
		return errors.Wrapf(ErrReserveShort, "reserve %s, payout %s", r.balance.Dec(), amount.Dec())
	}
	r.balance = new(uint256.Int).Sub(r.balance, amount)
	return nil
}

// Set overwrites the balance. Used by rollback.
func (r *Reserve) Set(v *uint256.Int) {
	r.balance = v.Clone()
}

// CanCover reports whether the reserve can pay amount in full.
func (r *Reserve) CanCover(amount *uint256.Int) bool {
	return !r.balance.Lt(amount)
}

// Solvency compares the reserve to what the pool owes if every active stake
// exited right now.
type Solvency struct {
	Reserve        *uint256.Int
	Principal      *uint256.Int
	AccruedRewards *uint256.Int
	Obligations    *uint256.Int // principal + accrued rewards
	Surplus        *uint256.Int // reserve - obligations, zero when short
	Deficit        *uint256.Int // obligations - reserve, zero when covered
}

// Solvent reports whether the reserve covers every obligation.
func (s Solvency) Solvent() bool {
	return s.Deficit.IsZero()
}

// ComputeSolvency splits the reserve against obligations. Obligations that
// overflow 256 bits saturate at the maximum value.
func ComputeSolvency(reserve, principal, accrued *uint256.Int) Solvency {
	obligations, overflow := new(uint256.Int).AddOverflow(principal, accrued)
	if overflow {
		obligations = new(uint256.Int).SetAllOne()
	}

	s := Solvency{
		Reserve:        reserve.Clone(),
		Principal:      principal.Clone(),
		AccruedRewards: accrued.Clone(),
		Obligations:    obligations,
		Surplus:        new(uint256.Int),
		Deficit:        new(uint256.Int),
	}
	if reserve.Lt(obligations) {
		s.Deficit = new(uint256.Int).Sub(obligations, reserve)
	} else {
		s.Surplus = new(uint256.Int).Sub(reserve, obligations)
	}
	return s
}
