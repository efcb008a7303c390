package core

import (
	"StakeLedger/internal/event"
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/state"
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// --- Mutating operations ---
// An empty opID gets a fresh uuid and is never deduplicated.

func (e *StakingEngine) Stake(ctx context.Context, opID string, account common.Address, amount *uint256.Int, now int64) (*Result, error) {
	return e.Execute(ctx, &event.StakeRequested{OperationID: opID, Account: account, Amount: amount, Timestamp: now})
}

func (e *StakingEngine) Unstake(ctx context.Context, opID string, account common.Address, now int64) (*Result, error) {
	return e.Execute(ctx, &event.UnstakeRequested{OperationID: opID, Account: account, Timestamp: now})
}

// EmergencyWithdraw returns principal only, ignoring lockup and pause.
func (e *StakingEngine) EmergencyWithdraw(ctx context.Context, opID string, account common.Address, now int64) (*Result, error) {
	return e.Execute(ctx, &event.EmergencyWithdrawRequested{OperationID: opID, Account: account, Timestamp: now})
}

func (e *StakingEngine) FundRewards(ctx context.Context, opID string, caller common.Address, amount *uint256.Int, now int64) (*Result, error) {
	return e.Execute(ctx, &event.RewardsFunded{OperationID: opID, Funder: caller, Amount: amount, Timestamp: now})
}

func (e *StakingEngine) SetPaused(ctx context.Context, opID string, caller common.Address, paused bool, now int64) (*Result, error) {
	return e.Execute(ctx, &event.PoolParamUpdate{OperationID: opID, Kind: event.EventTypeSetPaused, Admin: caller, Timestamp: now, Paused: paused})
}

func (e *StakingEngine) SetMaxCap(ctx context.Context, opID string, caller common.Address, maxCap *uint256.Int, now int64) (*Result, error) {
	return e.Execute(ctx, &event.PoolParamUpdate{OperationID: opID, Kind: event.EventTypeSetMaxCap, Admin: caller, Timestamp: now, Amount: maxCap})
}

// SetRewardRate changes the advertised base rate. Payouts follow the curve.
func (e *StakingEngine) SetRewardRate(ctx context.Context, opID string, caller common.Address, rate uint64, now int64) (*Result, error) {
	return e.Execute(ctx, &event.PoolParamUpdate{OperationID: opID, Kind: event.EventTypeSetRewardRate, Admin: caller, Timestamp: now, Rate: rate})
}

func (e *StakingEngine) SetRateBounds(ctx context.Context, opID string, caller common.Address, minRate, maxRate uint64, now int64) (*Result, error) {
	return e.Execute(ctx, &event.PoolParamUpdate{OperationID: opID, Kind: event.EventTypeSetRateBounds, Admin: caller, Timestamp: now, MinRate: minRate, MaxRate: maxRate})
}

func (e *StakingEngine) SetMinStakeAmount(ctx context.Context, opID string, caller common.Address, amount *uint256.Int, now int64) (*Result, error) {
	return e.Execute(ctx, &event.PoolParamUpdate{OperationID: opID, Kind: event.EventTypeSetMinStakeAmount, Admin: caller, Timestamp: now, Amount: amount})
}

func (e *StakingEngine) SetLockupPeriod(ctx context.Context, opID string, caller common.Address, seconds int64, now int64) (*Result, error) {
	return e.Execute(ctx, &event.PoolParamUpdate{OperationID: opID, Kind: event.EventTypeSetLockupPeriod, Admin: caller, Timestamp: now, Lockup: seconds})
}

func (e *StakingEngine) TransferAdmin(ctx context.Context, opID string, caller, newAdmin common.Address, now int64) (*Result, error) {
	return e.Execute(ctx, &event.PoolParamUpdate{OperationID: opID, Kind: event.EventTypeTransferAdmin, Admin: caller, Timestamp: now, NewAdmin: newAdmin})
}

// --- Queries ---

// PoolInfo is a consistent read of the pool aggregate.
type PoolInfo struct {
	Params        state.PoolParams
	TVL           *uint256.Int
	Reserve       *uint256.Int
	Utilization   uint64
	CurrentRate   uint64
	ActiveStakes  int
	Sequence      int64
	StateHash     [32]byte
	ReceiptSupply *uint256.Int
}

func (e *StakingEngine) PoolInfo() PoolInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tvl := e.book.TVL()
	return PoolInfo{
		Params:        e.params.Clone(),
		TVL:           tvl,
		Reserve:       e.reserve.Balance(),
		Utilization:   fpmath.Utilization(tvl, e.params.MaxCap),
		CurrentRate:   e.currentRateLocked(),
		ActiveStakes:  e.book.Count(),
		Sequence:      e.sequence,
		StateHash:     e.hasher.GetPrevHash(),
		ReceiptSupply: e.receipt.TotalSupply(),
	}
}

// StakeOf returns the account's stake, or an inactive zero record.
func (e *StakingEngine) StakeOf(account common.Address) *state.Stake {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s := e.book.Get(account); s != nil {
		return s.Clone()
	}
	return state.InactiveStake(account)
}

// CalculateReward is the reward the account would receive at now.
// Inactive accounts accrue nothing.
func (e *StakingEngine) CalculateReward(account common.Address, now int64) (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.book.Get(account)
	if s == nil || !s.Active {
		return new(uint256.Int), nil
	}
	return fpmath.ComputeReward(s.Amount, s.LockedRate, s.StartTime, now)
}

// AccountView is one account's stake, pending reward and lockup, all read
// under a single lock so they describe the same committed state.
type AccountView struct {
	Stake           *state.Stake
	Reward          *uint256.Int
	LockupRemaining int64
	UnlockTime      int64 // zero when inactive
}

func (e *StakingEngine) AccountView(account common.Address, now int64) (AccountView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := e.book.Get(account)
	if s == nil || !s.Active {
		return AccountView{Stake: state.InactiveStake(account), Reward: new(uint256.Int)}, nil
	}
	reward, err := fpmath.ComputeReward(s.Amount, s.LockedRate, s.StartTime, now)
	if err != nil {
		return AccountView{}, err
	}
	return AccountView{
		Stake:           s.Clone(),
		Reward:          reward,
		LockupRemaining: s.LockupRemaining(e.params.LockupPeriod, now),
		UnlockTime:      s.UnlockTime(e.params.LockupPeriod),
	}, nil
}

// LockupRemaining is seconds until unstake is allowed, zero when unlocked
// or inactive.
func (e *StakingEngine) LockupRemaining(account common.Address, now int64) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.book.Get(account)
	if s == nil {
		return 0
	}
	return s.LockupRemaining(e.params.LockupPeriod, now)
}

// CurrentRate is the rate a stake opened now would lock.
func (e *StakingEngine) CurrentRate() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentRateLocked()
}

func (e *StakingEngine) currentRateLocked() uint64 {
	return fpmath.CurrentRate(e.book.TVL(), e.params.MaxCap, e.params.MinRate, e.params.MaxRate)
}

func (e *StakingEngine) RewardRate() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params.BaseRate
}

func (e *StakingEngine) RateBounds() (minRate, maxRate uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params.MinRate, e.params.MaxRate
}

func (e *StakingEngine) TotalValueLocked() *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.TVL()
}

func (e *StakingEngine) MaxCap() *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params.MaxCap.Clone()
}

func (e *StakingEngine) MinStakeAmount() *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params.MinStakeAmount.Clone()
}

func (e *StakingEngine) LockupPeriod() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params.LockupPeriod
}

func (e *StakingEngine) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params.Paused
}

func (e *StakingEngine) Admin() common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params.Admin
}

func (e *StakingEngine) Params() state.PoolParams {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params.Clone()
}

// Utilization is TVL as a floored whole percent of the cap.
func (e *StakingEngine) Utilization() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fpmath.Utilization(e.book.TVL(), e.params.MaxCap)
}

func (e *StakingEngine) CustodyReserve() *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reserve.Balance()
}

// Solvency compares the reserve to principal plus rewards accrued up to now.
func (e *StakingEngine) Solvency(now int64) (state.Solvency, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	accrued := new(uint256.Int)
	for _, s := range e.book.All() {
		r, err := fpmath.ComputeReward(s.Amount, s.LockedRate, s.StartTime, now)
		if err != nil {
			return state.Solvency{}, integrityFault(ErrOverflow, err, "accrued reward for %s", s.Account.Hex())
		}
		if accrued, err = fpmath.Add(accrued, r); err != nil {
			return state.Solvency{}, integrityFault(ErrOverflow, err, "accrued rewards")
		}
	}
	return state.ComputeSolvency(e.reserve.Balance(), e.book.TVL(), accrued), nil
}

// EstimateReward previews the reward for amount held for duration seconds at
// the current rate.
func (e *StakingEngine) EstimateReward(amount *uint256.Int, duration int64) (*uint256.Int, uint64, error) {
	rate := e.CurrentRate()
	r, err := fpmath.EstimateReward(amount, rate, duration)
	if err != nil {
		return nil, rate, integrityFault(ErrOverflow, err, "estimate reward")
	}
	return r, rate, nil
}

// ActiveStakes returns every active stake sorted by account.
func (e *StakingEngine) ActiveStakes() []*state.Stake {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.All()
}

func (e *StakingEngine) Sequence() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sequence
}

func (e *StakingEngine) StateHash() [32]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hasher.GetPrevHash()
}

// WarmIdempotency preloads recently committed composite keys ("op:id").
func (e *StakingEngine) WarmIdempotency(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.lru.WarmFromKeys(keys)
}
