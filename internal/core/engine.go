package core

import (
	"StakeLedger/internal/custody"
	"StakeLedger/internal/event"
	"StakeLedger/internal/ledger"
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/state"
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// ReceiptToken is the engine's view of the receipt ledger, already bound to
// the engine's minter identity.
type ReceiptToken interface {
	Mint(to common.Address, amount *uint256.Int) error
	Burn(from common.Address, amount *uint256.Int) error
	BalanceOf(addr common.Address) *uint256.Int
	TotalSupply() *uint256.Int
}

// StateStore persists the engine's durable units. A staged receipt intent
// is cleared by the next Apply.
type StateStore interface {
	Load() (*state.Snapshot, error)
	Apply(ctx context.Context, c state.Commit) error
	StageReceipt(intent state.ReceiptIntent) error
	ClearReceipt() error
}

// CoreOutput is what the engine emits for every committed operation.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Outcome  *event.Outcome
}

// Result is returned to the caller of a committed operation.
type Result struct {
	Sequence    int64
	OperationID string
	StateHash   [32]byte

	// Stake is the opened record for Stake, the closed record for Unstake
	// and EmergencyWithdraw, nil otherwise.
	Stake     *state.Stake
	Principal *uint256.Int
	Reward    *uint256.Int

	// Params after an admin operation.
	Params *state.PoolParams
}

// EngineConfig configures a StakingEngine.
type EngineConfig struct {
	// Genesis parameters, used only when the store holds none.
	Genesis state.PoolParams

	IdempotencyCapacity int
}

// EngineDeps are the engine's collaborators. Metrics and DBChecker may be nil.
type EngineDeps struct {
	Store     StateStore
	Receipt   ReceiptToken
	Rail      custody.Rail
	DBChecker DBIdempotencyChecker
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// StakingEngine owns the pool aggregate and every stake record. Mutating
// operations hold mu for their whole read-modify-write; queries hold it for
// reading. The engine never reads the wall clock for accounting: every
// operation carries the caller's now.
type StakingEngine struct {
	mu sync.RWMutex

	sequence   int64 // last committed
	params     state.PoolParams
	book       *state.StakeBook
	reserve    *state.Reserve
	hasher     *StateHasher
	tracker    *ledger.BalanceTracker
	journalGen *ledger.JournalGenerator
	validator  *ledger.InvariantValidator

	idempotency *IdempotencyChecker
	store       StateStore
	receipt     ReceiptToken
	rail        custody.Rail
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
	publishChan    chan<- CoreOutput
}

// NewStakingEngine loads durable state and rebuilds the in-memory view.
// TVL is recomputed from the loaded stake records. A reserve below TVL is
// logged as an integrity fault but does not stop startup. A receipt write
// left behind by an interrupted commit is undone; any other receipt supply
// that differs from TVL stops startup.
// Any of the output channels may be nil.
func NewStakingEngine(
	cfg EngineConfig,
	deps EngineDeps,
	persistChan, projectionChan, publishChan chan<- CoreOutput,
) (*StakingEngine, error) {
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = 100_000
	}

	tracker := ledger.NewBalanceTracker()
	e := &StakingEngine{
		book:           state.NewStakeBook(),
		hasher:         NewStateHasher(),
		tracker:        tracker,
		journalGen:     ledger.NewJournalGenerator(tracker),
		validator:      ledger.NewInvariantValidator(tracker),
		idempotency:    NewIdempotencyChecker(cfg.IdempotencyCapacity, deps.DBChecker, deps.Metrics, deps.Logger),
		store:          deps.Store,
		receipt:        deps.Receipt,
		rail:           deps.Rail,
		metrics:        deps.Metrics,
		logger:         deps.Logger,
		persistChan:    persistChan,
		projectionChan: projectionChan,
		publishChan:    publishChan,
	}

	snap, err := deps.Store.Load()
	if err != nil {
		return nil, externalFailure(err, "load state")
	}

	if snap.Params == nil {
		if err := state.ValidatePoolParams(cfg.Genesis); err != nil {
			return nil, reject(ErrInvalidParameter, "genesis params: %v", err)
		}
		genesis := cfg.Genesis.Clone()
		err := deps.Store.Apply(context.Background(), state.Commit{
			Params:    &genesis,
			Reserve:   snap.Reserve,
			StateHash: GenesisHash(),
		})
		if err != nil {
			return nil, externalFailure(err, "write genesis params")
		}
		snap.Params = &genesis
		snap.StateHash = GenesisHash()
		e.logger.Info().Str("admin", genesis.Admin.Hex()).Msg("pool initialized from genesis params")
	}

	e.params = snap.Params.Clone()
	e.reserve = state.NewReserve(snap.Reserve)
	e.sequence = snap.Sequence
	e.hasher.SetPrevHash(snap.StateHash)

	opening := make(map[common.Address]*uint256.Int, len(snap.Stakes))
	for _, st := range snap.Stakes {
		if err := e.book.Open(st); err != nil {
			return nil, integrityFault(ErrInvariantViolation, err, "restore stake %s", st.Account.Hex())
		}
		opening[st.Account] = st.Amount
	}
	if err := e.tracker.ApplyBatch(e.journalGen.GenerateOpening(e.sequence, opening, e.reserve.Balance())); err != nil {
		return nil, integrityFault(ErrInvariantViolation, err, "opening balances")
	}

	tvl := e.book.TVL()
	if e.reserve.Balance().Lt(tvl) {
		e.recordIntegrityFault(CodeInsufficientCustody)
		e.logger.Error().
			Str("reserve", e.reserve.Balance().Dec()).
			Str("tvl", tvl.Dec()).
			Msg("custody reserve below TVL at load")
	}
	if snap.PendingReceipt != nil {
		if err := e.settleReceiptIntent(snap.PendingReceipt, tvl); err != nil {
			return nil, err
		}
	}
	if supply := deps.Receipt.TotalSupply(); !supply.Eq(tvl) {
		e.recordIntegrityFault(CodeInvariantViolation)
		return nil, integrityFault(ErrInvariantViolation, nil, "receipt supply %s != tvl %s", supply.Dec(), tvl.Dec())
	}

	e.updatePoolGauges()
	e.logger.Info().
		Int64("sequence", e.sequence).
		Int("active_stakes", e.book.Count()).
		Str("tvl", tvl.Dec()).
		Str("reserve", e.reserve.Balance().Dec()).
		Msg("engine state loaded")

	return e, nil
}

// Execute runs one operation to completion: dedup, preconditions, effects,
// durable commit, post-checks, outputs. Nothing is applied on error.
func (e *StakingEngine) Execute(ctx context.Context, evt event.Event) (*Result, error) {
	start := time.Now()
	op := evt.EventType().Subject()

	e.mu.Lock()
	defer e.mu.Unlock()

	opID := evt.IdempotencyKey()
	if opID == "" {
		opID = uuid.NewString()
	} else if e.idempotency.IsDuplicate(op, opID) {
		err := reject(ErrDuplicateOperation, "operation %s already committed", opID)
		e.observe(op, start, err)
		return nil, err
	}

	res, err := e.dispatch(ctx, opID, evt)
	e.observe(op, start, err)
	if err != nil {
		return nil, err
	}

	e.idempotency.MarkProcessed(op, opID)
	return res, nil
}

func (e *StakingEngine) dispatch(ctx context.Context, opID string, evt event.Event) (*Result, error) {
	switch ev := evt.(type) {
	case *event.StakeRequested:
		return e.handleStake(ctx, opID, ev)
	case *event.UnstakeRequested:
		return e.handleUnstake(ctx, opID, ev)
	case *event.EmergencyWithdrawRequested:
		return e.handleEmergencyWithdraw(ctx, opID, ev)
	case *event.RewardsFunded:
		return e.handleFundRewards(ctx, opID, ev)
	case *event.PoolParamUpdate:
		return e.handleParamUpdate(ctx, opID, ev)
	default:
		return nil, reject(ErrInvalidParameter, "unknown operation %T", evt)
	}
}

// --- Operations ---

func (e *StakingEngine) handleStake(ctx context.Context, opID string, evt *event.StakeRequested) (*Result, error) {
	account, amount, now := evt.Account, evt.Amount, evt.Timestamp

	if e.params.Paused {
		return nil, reject(ErrContractPaused, "stake rejected while paused")
	}
	if amount == nil || amount.IsZero() {
		return nil, reject(ErrInvalidAmount, "stake amount is zero")
	}
	if account == (common.Address{}) {
		return nil, reject(ErrInvalidParameter, "account must be set")
	}
	if amount.Lt(e.params.MinStakeAmount) {
		return nil, reject(ErrBelowMinStake, "amount %s below minimum %s", amount.Dec(), e.params.MinStakeAmount.Dec())
	}
	if e.book.IsActive(account) {
		return nil, reject(ErrAlreadyStaking, "account %s already staking", account.Hex())
	}
	tvl := e.book.TVL()
	next, overflow := new(uint256.Int).AddOverflow(tvl, amount)
	if overflow || next.Gt(e.params.MaxCap) {
		return nil, reject(ErrCapExceeded, "tvl %s + %s exceeds cap %s", tvl.Dec(), amount.Dec(), e.params.MaxCap.Dec())
	}

	rate := fpmath.CurrentRate(tvl, e.params.MaxCap, e.params.MinRate, e.params.MaxRate)
	stake := &state.Stake{
		Account:    account,
		Amount:     amount.Clone(),
		StartTime:  now,
		LockedRate: rate,
		Active:     true,
	}

	seq := e.sequence + 1
	batch, err := e.journalGen.GenerateStake(opID, seq, now, account, amount)
	if err != nil {
		return nil, integrityFault(ErrInvariantViolation, err, "generate stake journal")
	}

	s := newSaga("stake", e.metrics, e.logger)

	err = s.step(ctx, "collect",
		func(ctx context.Context) error { return e.rail.Collect(ctx, account, amount) },
		func(ctx context.Context) error { return e.rail.Send(ctx, account, amount) })
	if err != nil {
		return nil, e.fail(ctx, s, externalFailure(err, "collect %s from %s", amount.Dec(), account.Hex()))
	}

	err = s.step(ctx, "mint",
		func(context.Context) error {
			if err := e.stageReceipt(state.ReceiptMint, seq, account, amount); err != nil {
				return err
			}
			return e.receipt.Mint(account, amount)
		},
		func(context.Context) error { return e.receipt.Burn(account, amount) })
	if err != nil {
		return nil, e.fail(ctx, s, externalFailure(err, "mint receipt to %s", account.Hex()))
	}

	if err := e.book.Open(stake); err != nil {
		return nil, e.fail(ctx, s, integrityFault(ErrInvariantViolation, err, "open stake"))
	}
	s.local("book", func() {}, func() { e.book.Remove(account) })

	if err := e.reserve.Deposit(amount); err != nil {
		return nil, e.fail(ctx, s, integrityFault(ErrOverflow, err, "reserve deposit"))
	}
	s.local("reserve", func() {}, func() { _ = e.reserve.Withdraw(amount) })

	e.applyBatch(s, batch)

	outcome := &event.Outcome{
		Account:    account.Hex(),
		Amount:     amount.Dec(),
		StartTime:  now,
		LockedRate: rate,
	}
	commit := state.Commit{
		Stakes:  map[common.Address]*state.Stake{account: stake},
		Reserve: e.reserve.Balance(),
	}
	res, err := e.commit(ctx, s, opID, evt, batch, commit, stake, outcome)
	if err != nil {
		return nil, err
	}
	res.Stake = stake.Clone()
	res.Principal = amount.Clone()
	res.Reward = new(uint256.Int)
	return res, nil
}

func (e *StakingEngine) handleUnstake(ctx context.Context, opID string, evt *event.UnstakeRequested) (*Result, error) {
	account, now := evt.Account, evt.Timestamp

	stake := e.book.Get(account)
	if stake == nil || !stake.Active {
		return nil, reject(ErrNoActiveStake, "account %s has no active stake", account.Hex())
	}
	if unlock := stake.UnlockTime(e.params.LockupPeriod); now < unlock {
		return nil, reject(ErrLockupPeriodNotOver, "%d seconds remaining", unlock-now)
	}

	reward, err := fpmath.ComputeReward(stake.Amount, stake.LockedRate, stake.StartTime, now)
	if err != nil {
		e.recordIntegrityFault(CodeOverflow)
		return nil, integrityFault(ErrOverflow, err, "reward for %s", account.Hex())
	}
	payout, overflow := new(uint256.Int).AddOverflow(stake.Amount, reward)
	if overflow {
		e.recordIntegrityFault(CodeOverflow)
		return nil, integrityFault(ErrOverflow, nil, "payout for %s", account.Hex())
	}
	return e.closeStake(ctx, opID, evt, stake, reward, payout)
}

func (e *StakingEngine) handleEmergencyWithdraw(ctx context.Context, opID string, evt *event.EmergencyWithdrawRequested) (*Result, error) {
	stake := e.book.Get(evt.Account)
	if stake == nil || !stake.Active {
		return nil, reject(ErrNoActiveStake, "account %s has no active stake", evt.Account.Hex())
	}
	return e.closeStake(ctx, opID, evt, stake, nil, stake.Amount.Clone())
}

// closeStake is shared by unstake (reward != nil) and emergency withdraw.
func (e *StakingEngine) closeStake(ctx context.Context, opID string, evt event.Event, stake *state.Stake, reward, payout *uint256.Int) (*Result, error) {
	account, now := stake.Account, evt.Now()
	principal := stake.Amount.Clone()
	emergency := reward == nil

	if !e.reserve.CanCover(payout) {
		e.recordIntegrityFault(CodeInsufficientCustody)
		e.logger.Error().
			Str("account", account.Hex()).
			Str("payout", payout.Dec()).
			Str("reserve", e.reserve.Balance().Dec()).
			Msg("custody reserve cannot cover payout")
		return nil, integrityFault(ErrInsufficientCustody, nil, "reserve %s, payout %s", e.reserve.Balance().Dec(), payout.Dec())
	}

	seq := e.sequence + 1
	var (
		batch *ledger.Batch
		err   error
		op    = "unstake"
	)
	if emergency {
		op = "emergency_withdraw"
		batch, err = e.journalGen.GenerateEmergencyWithdraw(opID, seq, now, account, principal)
	} else {
		batch, err = e.journalGen.GenerateUnstake(opID, seq, now, account, principal, reward)
	}
	if err != nil {
		e.recordIntegrityFault(CodeInvariantViolation)
		return nil, integrityFault(ErrInvariantViolation, err, "generate %s journal", op)
	}

	s := newSaga(op, e.metrics, e.logger)

	err = s.step(ctx, "burn",
		func(context.Context) error {
			if err := e.stageReceipt(state.ReceiptBurn, seq, account, principal); err != nil {
				return err
			}
			return e.receipt.Burn(account, principal)
		},
		func(context.Context) error { return e.receipt.Mint(account, principal) })
	if err != nil {
		return nil, e.fail(ctx, s, externalFailure(err, "burn receipt of %s", account.Hex()))
	}

	closed, err := e.book.Close(account)
	if err != nil {
		return nil, e.fail(ctx, s, integrityFault(ErrInvariantViolation, err, "close stake"))
	}
	s.local("book", func() {}, func() { e.book.Restore(closed) })

	if err := e.reserve.Withdraw(payout); err != nil {
		return nil, e.fail(ctx, s, integrityFault(ErrInsufficientCustody, err, "reserve withdraw"))
	}
	s.local("reserve", func() {}, func() { _ = e.reserve.Deposit(payout) })

	e.applyBatch(s, batch)

	err = s.step(ctx, "send",
		func(ctx context.Context) error { return e.rail.Send(ctx, account, payout) },
		func(ctx context.Context) error { return e.rail.Collect(ctx, account, payout) })
	if err != nil {
		return nil, e.fail(ctx, s, externalFailure(err, "pay %s to %s", payout.Dec(), account.Hex()))
	}

	outcome := &event.Outcome{
		Account:    account.Hex(),
		Amount:     principal.Dec(),
		StartTime:  closed.StartTime,
		LockedRate: closed.LockedRate,
	}
	if !emergency {
		outcome.Reward = reward.Dec()
	}
	commit := state.Commit{
		Stakes:  map[common.Address]*state.Stake{account: nil},
		Reserve: e.reserve.Balance(),
	}
	res, err := e.commit(ctx, s, opID, evt, batch, commit, closed, outcome)
	if err != nil {
		return nil, err
	}
	e.tracker.Prune(ledger.StakedAccount(account))

	res.Stake = closed.Clone()
	res.Principal = principal
	res.Reward = new(uint256.Int)
	if e.metrics != nil {
		if emergency {
			e.metrics.RewardsForfeited.Inc()
		} else {
			e.metrics.RewardsPaid.Add(toTokens(reward))
		}
	}
	if !emergency {
		res.Reward = reward.Clone()
	}
	return res, nil
}

func (e *StakingEngine) handleFundRewards(ctx context.Context, opID string, evt *event.RewardsFunded) (*Result, error) {
	funder, amount, now := evt.Funder, evt.Amount, evt.Timestamp

	if funder != e.params.Admin {
		return nil, reject(ErrNotAdmin, "%s is not the admin", funder.Hex())
	}
	if amount == nil || amount.IsZero() {
		return nil, reject(ErrInvalidAmount, "funding amount is zero")
	}

	seq := e.sequence + 1
	batch, err := e.journalGen.GenerateRewardFunding(opID, seq, now, amount)
	if err != nil {
		return nil, integrityFault(ErrInvariantViolation, err, "generate funding journal")
	}

	s := newSaga("fund_rewards", e.metrics, e.logger)

	err = s.step(ctx, "collect",
		func(ctx context.Context) error { return e.rail.Collect(ctx, funder, amount) },
		func(ctx context.Context) error { return e.rail.Send(ctx, funder, amount) })
	if err != nil {
		return nil, e.fail(ctx, s, externalFailure(err, "collect funding from %s", funder.Hex()))
	}

	if err := e.reserve.Deposit(amount); err != nil {
		return nil, e.fail(ctx, s, integrityFault(ErrOverflow, err, "reserve deposit"))
	}
	s.local("reserve", func() {}, func() { _ = e.reserve.Withdraw(amount) })

	e.applyBatch(s, batch)

	outcome := &event.Outcome{Account: funder.Hex(), Amount: amount.Dec()}
	res, err := e.commit(ctx, s, opID, evt, batch, state.Commit{Reserve: e.reserve.Balance()}, nil, outcome)
	if err != nil {
		return nil, err
	}
	res.Principal = amount.Clone()
	return res, nil
}

func (e *StakingEngine) handleParamUpdate(ctx context.Context, opID string, evt *event.PoolParamUpdate) (*Result, error) {
	if evt.Admin != e.params.Admin {
		return nil, reject(ErrNotAdmin, "%s is not the admin", evt.Admin.Hex())
	}

	next := e.params.Clone()
	var param, oldValue, newValue string

	switch evt.Kind {
	case event.EventTypeSetPaused:
		param, oldValue, newValue = "paused", strconv.FormatBool(next.Paused), strconv.FormatBool(evt.Paused)
		next.Paused = evt.Paused

	case event.EventTypeSetMaxCap:
		if evt.Amount == nil || evt.Amount.IsZero() {
			return nil, reject(ErrInvalidParameter, "max cap must be > 0")
		}
		if tvl := e.book.TVL(); evt.Amount.Lt(tvl) {
			return nil, reject(ErrCapBelowTVL, "cap %s below tvl %s", evt.Amount.Dec(), tvl.Dec())
		}
		param, oldValue, newValue = "max_cap", next.MaxCap.Dec(), evt.Amount.Dec()
		next.MaxCap = evt.Amount.Clone()

	case event.EventTypeSetMinStakeAmount:
		if evt.Amount == nil || evt.Amount.IsZero() {
			return nil, reject(ErrInvalidParameter, "min stake must be > 0")
		}
		param, oldValue, newValue = "min_stake_amount", next.MinStakeAmount.Dec(), evt.Amount.Dec()
		next.MinStakeAmount = evt.Amount.Clone()

	case event.EventTypeSetRewardRate:
		if evt.Rate > fpmath.MaxRatePercent {
			return nil, reject(ErrInvalidParameter, "reward rate %d above %d", evt.Rate, fpmath.MaxRatePercent)
		}
		param = "base_rate"
		oldValue, newValue = strconv.FormatUint(next.BaseRate, 10), strconv.FormatUint(evt.Rate, 10)
		next.BaseRate = evt.Rate

	case event.EventTypeSetRateBounds:
		if evt.MinRate > evt.MaxRate || evt.MaxRate > fpmath.MaxRatePercent {
			return nil, reject(ErrInvalidParameter, "rate bounds [%d, %d] invalid", evt.MinRate, evt.MaxRate)
		}
		param = "rate_bounds"
		oldValue = fmt.Sprintf("%d-%d", next.MinRate, next.MaxRate)
		newValue = fmt.Sprintf("%d-%d", evt.MinRate, evt.MaxRate)
		next.MinRate, next.MaxRate = evt.MinRate, evt.MaxRate

	case event.EventTypeSetLockupPeriod:
		if evt.Lockup < 0 {
			return nil, reject(ErrInvalidParameter, "lockup period must be >= 0")
		}
		param = "lockup_period"
		oldValue, newValue = strconv.FormatInt(next.LockupPeriod, 10), strconv.FormatInt(evt.Lockup, 10)
		next.LockupPeriod = evt.Lockup

	case event.EventTypeTransferAdmin:
		if evt.NewAdmin == (common.Address{}) {
			return nil, reject(ErrInvalidParameter, "new admin must be set")
		}
		param, oldValue, newValue = "admin", next.Admin.Hex(), evt.NewAdmin.Hex()
		next.Admin = evt.NewAdmin

	default:
		return nil, reject(ErrInvalidParameter, "unknown parameter update %s", evt.Kind)
	}

	if err := state.ValidatePoolParams(next); err != nil {
		return nil, reject(ErrInvalidParameter, "%v", err)
	}

	prev := e.params
	s := newSaga(evt.Kind.Subject(), e.metrics, e.logger)
	s.local("params", func() { e.params = next }, func() { e.params = prev })

	batch := e.journalGen.GenerateEmpty(opID, e.sequence+1, evt.Timestamp)
	outcome := &event.Outcome{
		Account:  evt.Admin.Hex(),
		Param:    param,
		OldValue: oldValue,
		NewValue: newValue,
	}
	res, err := e.commit(ctx, s, opID, evt, batch, state.Commit{Params: &next}, nil, outcome)
	if err != nil {
		return nil, err
	}
	params := e.params.Clone()
	res.Params = &params
	e.logger.Info().Str("param", param).Str("old", oldValue).Str("new", newValue).Msg("pool parameter changed")
	return res, nil
}

// --- Commit pipeline ---

func (e *StakingEngine) stageReceipt(kind state.ReceiptIntentKind, seq int64, account common.Address, amount *uint256.Int) error {
	return e.store.StageReceipt(state.ReceiptIntent{
		Sequence: seq,
		Account:  account,
		Kind:     kind,
		Amount:   amount.Clone(),
	})
}

// settleReceiptIntent undoes a receipt write whose state commit never
// landed. Only a supply gap equal to the intent is repaired; any other gap
// is left for the supply check to reject.
func (e *StakingEngine) settleReceiptIntent(intent *state.ReceiptIntent, tvl *uint256.Int) error {
	supply := e.receipt.TotalSupply()
	log := e.logger.With().
		Int64("intent_sequence", intent.Sequence).
		Str("kind", string(intent.Kind)).
		Str("account", intent.Account.Hex()).
		Str("amount", intent.Amount.Dec()).
		Logger()

	switch {
	case intent.Sequence <= e.sequence, supply.Eq(tvl):
		// committed, or the receipt write never happened
	case intent.Kind == state.ReceiptMint && supply.Gt(tvl) && new(uint256.Int).Sub(supply, tvl).Eq(intent.Amount):
		if err := e.receipt.Burn(intent.Account, intent.Amount); err != nil {
			return externalFailure(err, "burn uncommitted receipt of %s", intent.Account.Hex())
		}
		e.recordIntegrityFault(CodeInvariantViolation)
		log.Error().Msg("burned receipt minted by an uncommitted stake")
	case intent.Kind == state.ReceiptBurn && tvl.Gt(supply) && new(uint256.Int).Sub(tvl, supply).Eq(intent.Amount):
		if err := e.receipt.Mint(intent.Account, intent.Amount); err != nil {
			return externalFailure(err, "re-mint uncommitted burn of %s", intent.Account.Hex())
		}
		e.recordIntegrityFault(CodeInvariantViolation)
		log.Error().Msg("re-minted receipt burned by an uncommitted withdrawal")
	default:
		log.Error().Str("supply", supply.Dec()).Str("tvl", tvl.Dec()).Msg("receipt intent does not explain supply gap")
		return nil
	}

	if err := e.store.ClearReceipt(); err != nil {
		return externalFailure(err, "clear receipt intent")
	}
	return nil
}

// applyBatch validates and applies a journal batch as a saga step.
// An unbalanced batch is a programming error.
func (e *StakingEngine) applyBatch(s *saga, batch *ledger.Batch) {
	if err := e.validator.ValidateBatchBalance(batch); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}
	s.local("journal",
		func() { _ = e.tracker.ApplyBatch(batch) },
		func() { e.tracker.RevertBatch(batch) })
}

// commit hashes the new state, writes it durably, then post-checks and emits.
// On a store failure every saga step is undone.
func (e *StakingEngine) commit(
	ctx context.Context,
	s *saga,
	opID string,
	evt event.Event,
	batch *ledger.Batch,
	c state.Commit,
	stake *state.Stake,
	outcome *event.Outcome,
) (*Result, error) {
	seq := e.sequence + 1
	digest := e.computeStateDigest(batch, stake)
	hash := e.hasher.PeekHash(seq, digest)

	c.Sequence = seq
	c.StateHash = hash
	if err := e.store.Apply(ctx, c); err != nil {
		return nil, e.fail(ctx, s, externalFailure(err, "commit state"))
	}

	prevHash := e.hasher.GetPrevHash()
	e.hasher.SetPrevHash(hash)
	e.sequence = seq

	if err := e.postCheckInvariants(); err != nil {
		e.recordIntegrityFault(CodeInvariantViolation)
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	tvl := e.book.TVL()
	outcome.TVL = tvl.Dec()
	outcome.Reserve = e.reserve.Balance().Dec()
	outcome.CurrentRate = fpmath.CurrentRate(tvl, e.params.MaxCap, e.params.MinRate, e.params.MaxRate)

	envelope := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: opID,
		EventType:      evt.EventType(),
		Account:        evt.Caller(),
		Timestamp:      time.Unix(evt.Now(), 0).UTC(),
		Payload:        outcome.Marshal(),
		StateHash:      hash,
		PrevHash:       prevHash,
	}
	e.emit(CoreOutput{Envelope: envelope, Batch: batch, Outcome: outcome})

	if e.metrics != nil {
		for _, j := range batch.Journals {
			e.metrics.EngineJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
		e.metrics.EngineSequence.Set(float64(seq))
	}
	e.updatePoolGauges()

	e.logger.Debug().
		Int64("sequence", seq).
		Str("op", evt.EventType().Subject()).
		Str("operation_id", opID).
		Str("account", evt.Caller().Hex()).
		Msg("operation committed")

	return &Result{Sequence: seq, OperationID: opID, StateHash: hash}, nil
}

// fail rolls back s and classifies the resulting error for metrics.
func (e *StakingEngine) fail(ctx context.Context, s *saga, cause error) error {
	err := s.rollback(ctx, cause)
	if KindOf(err) == KindIntegrity {
		e.recordIntegrityFault(CodeOf(err))
		e.logger.Error().Err(err).Str("op", s.op).Msg("integrity fault")
	} else {
		e.logger.Warn().Err(err).Str("op", s.op).Msg("operation rolled back")
	}
	return err
}

// emit sends outputs. Persistence is a blocking send so nothing committed is
// lost; projection and publish drop when full.
func (e *StakingEngine) emit(out CoreOutput) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}

	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("stake_history").Inc()
			}
		}
	}

	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

// postCheckInvariants validates the pool after every commit.
func (e *StakingEngine) postCheckInvariants() error {
	if err := e.book.ValidateTVL(); err != nil {
		return err
	}
	tvl := e.book.TVL()
	if err := e.validator.ValidateStakedMatchesTVL(tvl); err != nil {
		return err
	}
	if err := e.validator.ValidateHoldingsMatchReserve(e.reserve.Balance()); err != nil {
		return err
	}
	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	if supply := e.receipt.TotalSupply(); !supply.Eq(tvl) {
		return fmt.Errorf("receipt supply %s != tvl %s", supply.Dec(), tvl.Dec())
	}
	return nil
}

// computeStateDigest creates canonical bytes for the state hash: touched
// ledger accounts in path order, the touched stake record, then the pool
// aggregate and parameters.
func (e *StakingEngine) computeStateDigest(batch *ledger.Batch, stake *state.Stake) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*96+256)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendUint256(digest, e.tracker.GetBalance(key))
	}

	if stake != nil {
		digest = append(digest, stake.Account.Bytes()...)
		digest = appendUint256(digest, stake.Amount)
		digest = binary.LittleEndian.AppendUint64(digest, uint64(stake.StartTime))
		digest = binary.LittleEndian.AppendUint64(digest, stake.LockedRate)
	}

	p := e.params
	digest = appendUint256(digest, e.book.TVL())
	digest = appendUint256(digest, e.reserve.Balance())
	digest = append(digest, p.Admin.Bytes()...)
	digest = appendUint256(digest, p.MaxCap)
	digest = appendUint256(digest, p.MinStakeAmount)
	digest = binary.LittleEndian.AppendUint64(digest, p.BaseRate)
	digest = binary.LittleEndian.AppendUint64(digest, p.MinRate)
	digest = binary.LittleEndian.AppendUint64(digest, p.MaxRate)
	digest = binary.LittleEndian.AppendUint64(digest, uint64(p.LockupPeriod))
	if p.Paused {
		digest = append(digest, 1)
	} else {
		digest = append(digest, 0)
	}
	return digest
}

func appendUint256(buf []byte, v *uint256.Int) []byte {
	b := v.Bytes32()
	return append(buf, b[:]...)
}

// --- Metrics helpers ---

func (e *StakingEngine) observe(op string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.EngineOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	switch KindOf(err) {
	case KindNone:
		e.metrics.EngineOpsApplied.WithLabelValues(op).Inc()
	case KindRejection:
		e.metrics.EngineOpsRejected.WithLabelValues(op, string(CodeOf(err))).Inc()
	case KindExternal:
		e.metrics.ExternalFailures.WithLabelValues(op).Inc()
	}
}

func (e *StakingEngine) recordIntegrityFault(code Code) {
	if e.metrics != nil {
		e.metrics.IntegrityFaults.WithLabelValues(string(code)).Inc()
	}
}

func (e *StakingEngine) updatePoolGauges() {
	if e.metrics == nil {
		return
	}
	tvl := e.book.TVL()
	e.metrics.PoolTVL.Set(toTokens(tvl))
	e.metrics.PoolReserve.Set(toTokens(e.reserve.Balance()))
	e.metrics.PoolUtilization.Set(float64(fpmath.Utilization(tvl, e.params.MaxCap)))
	e.metrics.PoolCurrentRate.Set(float64(fpmath.CurrentRate(tvl, e.params.MaxCap, e.params.MinRate, e.params.MaxRate)))
	e.metrics.PoolActiveStakes.Set(float64(e.book.Count()))
	if e.params.Paused {
		e.metrics.PoolPaused.Set(1)
	} else {
		e.metrics.PoolPaused.Set(0)
	}
}

var weiPerToken = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(fpmath.Decimals), nil))

// toTokens converts base units to whole tokens for gauges only.
func toTokens(v *uint256.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v.ToBig()), weiPerToken).Float64()
	return f
}
