package server

import (
	"StakeLedger/internal/core"
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/query"
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// StakingServer is the stakeledger.v1.StakingService contract.
type StakingServer interface {
	GetPool(context.Context, *PoolRequest) (*PoolResponse, error)
	GetRate(context.Context, *PoolRequest) (*RateResponse, error)
	GetSolvency(context.Context, *PoolRequest) (*SolvencyResponse, error)
	GetStake(context.Context, *AccountRequest) (*StakeResponse, error)
	GetReward(context.Context, *AccountRequest) (*RewardResponse, error)
	GetHistory(context.Context, *HistoryRequest) (*query.HistoryPage, error)
	GetReceipt(context.Context, *AccountRequest) (*ReceiptResponse, error)
	Estimate(context.Context, *EstimateRequest) (*EstimateResponse, error)

	Stake(context.Context, *StakeRequest) (*OperationResponse, error)
	Unstake(context.Context, *StakeRequest) (*OperationResponse, error)
	EmergencyWithdraw(context.Context, *StakeRequest) (*OperationResponse, error)

	SetPaused(context.Context, *AdminRequest) (*OperationResponse, error)
	SetMaxCap(context.Context, *AdminRequest) (*OperationResponse, error)
	SetRewardRate(context.Context, *AdminRequest) (*OperationResponse, error)
	SetRateBounds(context.Context, *AdminRequest) (*OperationResponse, error)
	SetMinStakeAmount(context.Context, *AdminRequest) (*OperationResponse, error)
	SetLockupPeriod(context.Context, *AdminRequest) (*OperationResponse, error)
	FundRewards(context.Context, *AdminRequest) (*OperationResponse, error)
	TransferAdmin(context.Context, *AdminRequest) (*OperationResponse, error)
}

// ReceiptReader is the read side of the receipt ledger.
type ReceiptReader interface {
	BalanceOf(addr common.Address) *uint256.Int
	TotalSupply() *uint256.Int
}

// MaxEstimateDays bounds Estimate so days*SecondsPerDay stays in int64.
const MaxEstimateDays = 36_500

// StakingService implements StakingServer over the engine. It is the only
// place the wall clock enters: every operation is stamped with the server's
// now before it reaches the engine.
type StakingService struct {
	engine   *core.StakingEngine
	receipts ReceiptReader
	history  query.HistoryReader
	now      func() int64
	logger   zerolog.Logger
}

type Option func(*StakingService)

// WithClock replaces the wall clock. Tests use it to move time.
func WithClock(now func() int64) Option {
	return func(s *StakingService) { s.now = now }
}

func NewStakingService(engine *core.StakingEngine, receipts ReceiptReader, history query.HistoryReader, logger zerolog.Logger, opts ...Option) *StakingService {
	s := &StakingService{
		engine:   engine,
		receipts: receipts,
		history:  history,
		now:      func() int64 { return time.Now().Unix() },
		logger:   logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ============================================================================
// Queries
// ============================================================================

func (s *StakingService) GetPool(_ context.Context, _ *PoolRequest) (*PoolResponse, error) {
	return s.pool(), nil
}

func (s *StakingService) pool() *PoolResponse {
	info := s.engine.PoolInfo()
	p := info.Params
	return &PoolResponse{
		Admin:          p.Admin.Hex(),
		MaxCap:         fpmath.FormatUnits(p.MaxCap),
		MinStakeAmount: fpmath.FormatUnits(p.MinStakeAmount),
		BaseRate:       p.BaseRate,
		MinRate:        p.MinRate,
		MaxRate:        p.MaxRate,
		LockupPeriod:   p.LockupPeriod,
		Paused:         p.Paused,
		TVL:            fpmath.FormatUnits(info.TVL),
		TVLBaseUnits:   info.TVL.Dec(),
		Reserve:        fpmath.FormatUnits(info.Reserve),
		Utilization:    info.Utilization,
		CurrentRate:    info.CurrentRate,
		ActiveStakes:   info.ActiveStakes,
		ReceiptSupply:  fpmath.FormatUnits(info.ReceiptSupply),
		Sequence:       info.Sequence,
		StateHash:      hex.EncodeToString(info.StateHash[:]),
	}
}

func (s *StakingService) GetRate(_ context.Context, _ *PoolRequest) (*RateResponse, error) {
	p := s.engine.Params()
	return &RateResponse{
		CurrentRate: s.engine.CurrentRate(),
		Utilization: s.engine.Utilization(),
		BaseRate:    p.BaseRate,
		MinRate:     p.MinRate,
		MaxRate:     p.MaxRate,
	}, nil
}

func (s *StakingService) GetSolvency(_ context.Context, _ *PoolRequest) (*SolvencyResponse, error) {
	now := s.now()
	sol, err := s.engine.Solvency(now)
	if err != nil {
		return nil, err
	}
	return &SolvencyResponse{
		Reserve:        fpmath.FormatUnits(sol.Reserve),
		Principal:      fpmath.FormatUnits(sol.Principal),
		AccruedRewards: fpmath.FormatUnits(sol.AccruedRewards),
		Obligations:    fpmath.FormatUnits(sol.Obligations),
		Surplus:        fpmath.FormatUnits(sol.Surplus),
		Deficit:        fpmath.FormatUnits(sol.Deficit),
		Solvent:        sol.Solvent(),
		AsOf:           now,
	}, nil
}

func (s *StakingService) GetStake(_ context.Context, req *AccountRequest) (*StakeResponse, error) {
	account, err := parseAccount("account", req.Account)
	if err != nil {
		return nil, err
	}
	now := s.now()
	view, err := s.engine.AccountView(account, now)
	if err != nil {
		return nil, err
	}

	stake := view.Stake
	return &StakeResponse{
		Account:         account.Hex(),
		Amount:          fpmath.FormatUnits(stake.Amount),
		AmountBaseUnits: stake.Amount.Dec(),
		StartTime:       stake.StartTime,
		LockedRate:      stake.LockedRate,
		Active:          stake.Active,
		UnlockTime:      view.UnlockTime,
		LockupRemaining: view.LockupRemaining,
		PendingReward:   fpmath.FormatUnits(view.Reward),
	}, nil
}

func (s *StakingService) GetReward(_ context.Context, req *AccountRequest) (*RewardResponse, error) {
	account, err := parseAccount("account", req.Account)
	if err != nil {
		return nil, err
	}
	now := s.now()
	view, err := s.engine.AccountView(account, now)
	if err != nil {
		return nil, err
	}
	return &RewardResponse{
		Account:         account.Hex(),
		Reward:          fpmath.FormatUnits(view.Reward),
		RewardBaseUnits: view.Reward.Dec(),
		LockupRemaining: view.LockupRemaining,
		AsOf:            now,
	}, nil
}

func (s *StakingService) GetHistory(ctx context.Context, req *HistoryRequest) (*query.HistoryPage, error) {
	account, err := parseAccount("account", req.Account)
	if err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, errors.Wrap(core.ErrExternalFailure, "history is not available")
	}
	var before *int64
	if req.BeforeSequence > 0 {
		before = &req.BeforeSequence
	}
	return s.history.StakeHistory(ctx, account.Hex(), req.Limit, before)
}

func (s *StakingService) GetReceipt(_ context.Context, req *AccountRequest) (*ReceiptResponse, error) {
	account, err := parseAccount("account", req.Account)
	if err != nil {
		return nil, err
	}
	return &ReceiptResponse{
		Account:     account.Hex(),
		Balance:     fpmath.FormatUnits(s.receipts.BalanceOf(account)),
		TotalSupply: fpmath.FormatUnits(s.receipts.TotalSupply()),
	}, nil
}

func (s *StakingService) Estimate(_ context.Context, req *EstimateRequest) (*EstimateResponse, error) {
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	if req.Days <= 0 || req.Days > MaxEstimateDays {
		return nil, errors.Wrapf(core.ErrInvalidParameter, "days must be in [1, %d], got %d", MaxEstimateDays, req.Days)
	}

	reward, rate, err := s.engine.EstimateReward(amount, req.Days*fpmath.SecondsPerDay)
	if err != nil {
		return nil, err
	}
	daily, _, err := s.engine.EstimateReward(amount, fpmath.SecondsPerDay)
	if err != nil {
		return nil, err
	}
	return &EstimateResponse{
		Amount:      fpmath.FormatUnits(amount),
		Days:        req.Days,
		Rate:        rate,
		Reward:      fpmath.FormatUnits(reward),
		DailyReward: fpmath.FormatUnits(daily),
	}, nil
}

// ============================================================================
// Staking operations
// ============================================================================

func (s *StakingService) Stake(ctx context.Context, req *StakeRequest) (*OperationResponse, error) {
	account, err := parseAccount("account", req.Account)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	return s.operation(s.engine.Stake(ctx, req.OperationID, account, amount, s.now()))
}

func (s *StakingService) Unstake(ctx context.Context, req *StakeRequest) (*OperationResponse, error) {
	account, err := parseAccount("account", req.Account)
	if err != nil {
		return nil, err
	}
	return s.operation(s.engine.Unstake(ctx, req.OperationID, account, s.now()))
}

func (s *StakingService) EmergencyWithdraw(ctx context.Context, req *StakeRequest) (*OperationResponse, error) {
	account, err := parseAccount("account", req.Account)
	if err != nil {
		return nil, err
	}
	return s.operation(s.engine.EmergencyWithdraw(ctx, req.OperationID, account, s.now()))
}

// ============================================================================
// Admin operations
// ============================================================================

func (s *StakingService) SetPaused(ctx context.Context, req *AdminRequest) (*OperationResponse, error) {
	caller, err := parseAccount("caller", req.Caller)
	if err != nil {
		return nil, err
	}
	if req.Paused == nil {
		return nil, errors.Wrap(core.ErrInvalidParameter, "paused is required")
	}
	return s.operation(s.engine.SetPaused(ctx, req.OperationID, caller, *req.Paused, s.now()))
}

func (s *StakingService) SetMaxCap(ctx context.Context, req *AdminRequest) (*OperationResponse, error) {
	caller, err := parseAccount("caller", req.Caller)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	return s.operation(s.engine.SetMaxCap(ctx, req.OperationID, caller, amount, s.now()))
}

func (s *StakingService) SetRewardRate(ctx context.Context, req *AdminRequest) (*OperationResponse, error) {
	caller, err := parseAccount("caller", req.Caller)
	if err != nil {
		return nil, err
	}
	return s.operation(s.engine.SetRewardRate(ctx, req.OperationID, caller, req.Rate, s.now()))
}

func (s *StakingService) SetRateBounds(ctx context.Context, req *AdminRequest) (*OperationResponse, error) {
	caller, err := parseAccount("caller", req.Caller)
	if err != nil {
		return nil, err
	}
	return s.operation(s.engine.SetRateBounds(ctx, req.OperationID, caller, req.MinRate, req.MaxRate, s.now()))
}

func (s *StakingService) SetMinStakeAmount(ctx context.Context, req *AdminRequest) (*OperationResponse, error) {
	caller, err := parseAccount("caller", req.Caller)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	return s.operation(s.engine.SetMinStakeAmount(ctx, req.OperationID, caller, amount, s.now()))
}

func (s *StakingService) SetLockupPeriod(ctx context.Context, req *AdminRequest) (*OperationResponse, error) {
	caller, err := parseAccount("caller", req.Caller)
	if err != nil {
		return nil, err
	}
	if req.Seconds == nil {
		return nil, errors.Wrap(core.ErrInvalidParameter, "seconds is required")
	}
	return s.operation(s.engine.SetLockupPeriod(ctx, req.OperationID, caller, *req.Seconds, s.now()))
}

func (s *StakingService) FundRewards(ctx context.Context, req *AdminRequest) (*OperationResponse, error) {
	caller, err := parseAccount("caller", req.Caller)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	return s.operation(s.engine.FundRewards(ctx, req.OperationID, caller, amount, s.now()))
}

func (s *StakingService) TransferAdmin(ctx context.Context, req *AdminRequest) (*OperationResponse, error) {
	caller, err := parseAccount("caller", req.Caller)
	if err != nil {
		return nil, err
	}
	newAdmin, err := parseAccount("new_admin", req.NewAdmin)
	if err != nil {
		return nil, err
	}
	return s.operation(s.engine.TransferAdmin(ctx, req.OperationID, caller, newAdmin, s.now()))
}

// ============================================================================
// Helpers
// ============================================================================

func (s *StakingService) operation(res *core.Result, err error) (*OperationResponse, error) {
	if err != nil {
		return nil, err
	}
	resp := &OperationResponse{
		Sequence:    res.Sequence,
		OperationID: res.OperationID,
		StateHash:   hex.EncodeToString(res.StateHash[:]),
		Pool:        s.pool(),
	}
	if res.Stake != nil {
		resp.Account = res.Stake.Account.Hex()
		resp.LockedRate = res.Stake.LockedRate
		resp.StartTime = res.Stake.StartTime
	}
	if res.Principal != nil {
		resp.Principal = fpmath.FormatUnits(res.Principal)
	}
	if res.Reward != nil {
		resp.Reward = fpmath.FormatUnits(res.Reward)
	}
	return resp, nil
}

func parseAccount(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.Wrapf(core.ErrInvalidParameter, "%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

// parseAmount reads a whole-token decimal. Zero is passed through so the
// engine reports InvalidAmount itself.
func parseAmount(field, s string) (*uint256.Int, error) {
	v, err := fpmath.ParseUnits(s)
	if err != nil {
		return nil, errors.Wrapf(core.ErrInvalidAmount, "%s: %v", field, err)
	}
	return v, nil
}

var _ StakingServer = (*StakingService)(nil)
