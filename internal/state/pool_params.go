package state

import (
	fpmath "StakeLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// ErrInvalidParams wraps every pool parameter validation failure.
var ErrInvalidParams = errors.New("invalid pool params")

// PoolParams is the admin-controlled configuration of the pool.
type PoolParams struct {
	Admin          common.Address
	MaxCap         *uint256.Int // ceiling on total value locked
	MinStakeAmount *uint256.Int
	BaseRate       uint64 // advertised reward rate, whole percent
	MinRate        uint64 // curve floor, paid at or above high utilization
	MaxRate        uint64 // curve ceiling, paid at or below low utilization
	LockupPeriod   int64  // seconds
	Paused         bool
}

const (
	DefaultLockupPeriod = 7 * fpmath.SecondsPerDay
	DefaultBaseRate     = 10
	DefaultMinRate      = 5
	DefaultMaxRate      = 15

	// MaxLockupPeriod caps the lockup at roughly a century so that
	// StartTime + LockupPeriod stays far from int64 overflow.
	MaxLockupPeriod = 36_500 * fpmath.SecondsPerDay
)

// DefaultPoolParams mirrors the original deployment: 5 token minimum,
// 7 day lockup, 5-15% curve and a 1,000,000 token cap.
func DefaultPoolParams(admin common.Address) PoolParams {
	return PoolParams{
		Admin:          admin,
		MaxCap:         fpmath.Units(1_000_000),
		MinStakeAmount: fpmath.Units(5),
		BaseRate:       DefaultBaseRate,
		MinRate:        DefaultMinRate,
		MaxRate:        DefaultMaxRate,
		LockupPeriod:   DefaultLockupPeriod,
	}
}

// Clone returns a deep copy.
func (p PoolParams) Clone() PoolParams {
	c := p
	if p.MaxCap != nil {
		c.MaxCap = p.MaxCap.Clone()
	}
	if p.MinStakeAmount != nil {
		c.MinStakeAmount = p.MinStakeAmount.Clone()
	}
	return c
}

// ValidatePoolParams checks ranges: admin set, cap and minimum positive,
// rates within [0, 100] and minRate <= maxRate, lockup in
// [0, MaxLockupPeriod].
// baseRate is not required to sit between the bounds.
func ValidatePoolParams(p PoolParams) error {
	if p.Admin == (common.Address{}) {
		return errors.Wrap(ErrInvalidParams, "admin must be set")
	}
	if p.MaxCap == nil || p.MaxCap.IsZero() {
		return errors.Wrap(ErrInvalidParams, "max_cap must be > 0")
	}
	if p.MinStakeAmount == nil || p.MinStakeAmount.IsZero() {
		return errors.Wrap(ErrInvalidParams, "min_stake_amount must be > 0")
	}
	if p.MinRate > p.MaxRate {
		return errors.Wrapf(ErrInvalidParams, "min_rate (%d) must be <= max_rate (%d)", p.MinRate, p.MaxRate)
	}
	if p.MaxRate > fpmath.MaxRatePercent {
		return errors.Wrapf(ErrInvalidParams, "max_rate must be <= %d, got %d", fpmath.MaxRatePercent, p.MaxRate)
	}
	if p.BaseRate > fpmath.MaxRatePercent {
		return errors.Wrapf(ErrInvalidParams, "base_rate must be <= %d, got %d", fpmath.MaxRatePercent, p.BaseRate)
	}
	if p.LockupPeriod < 0 {
		return errors.Wrapf(ErrInvalidParams, "lockup_period must be >= 0, got %d", p.LockupPeriod)
	}
	if p.LockupPeriod > MaxLockupPeriod {
		return errors.Wrapf(ErrInvalidParams, "lockup_period must be <= %d, got %d", MaxLockupPeriod, p.LockupPeriod)
	}
	return nil
}
