package ledger

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator creates balanced journal batches for engine operations.
// Sequences are assigned by the caller so a rolled-back operation never
// consumes one.
type JournalGenerator struct {
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		balanceTracker: tracker,
	}
}

func newBatch(ref string, seq, ts int64, capacity int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  ref,
		Sequence:  seq,
		Timestamp: ts,
		Journals:  make([]Journal, 0, capacity),
	}
}

func (b *Batch) add(debit, credit AccountKey, amount *uint256.Int, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount.Clone(),
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateStake records principal entering the pool.
// Moves funds: external:deposits → user:staked
func (jg *JournalGenerator) GenerateStake(ref string, seq, ts int64, account common.Address, amount *uint256.Int) (*Batch, error) {
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("stake amount must be positive")
	}
	batch := newBatch(ref, seq, ts, 1)
	batch.add(StakedAccount(account), DepositsAccount, amount, JournalTypeStake)
	return batch, nil
}

// GenerateUnstake records principal and reward leaving the pool.
// Pre-check: the staker's account must hold the principal.
// Moves funds: user:staked → external:withdrawals,
// system:reward_pool → external:withdrawals (reward, if any)
func (jg *JournalGenerator) GenerateUnstake(ref string, seq, ts int64, account common.Address, principal, reward *uint256.Int) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientStaked(account, principal); err != nil {
		return nil, fmt.Errorf("unstake pre-check failed: %w", err)
	}

	batch := newBatch(ref, seq, ts, 2)
	batch.add(WithdrawalsAccount, StakedAccount(account), principal, JournalTypeUnstakePrincipal)
	if reward != nil && !reward.IsZero() {
		batch.add(WithdrawalsAccount, RewardPoolAccount, reward, JournalTypeRewardPayout)
	}
	return batch, nil
}

// GenerateEmergencyWithdraw records a principal-only exit.
// Moves funds: user:staked → external:withdrawals
func (jg *JournalGenerator) GenerateEmergencyWithdraw(ref string, seq, ts int64, account common.Address, principal *uint256.Int) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientStaked(account, principal); err != nil {
		return nil, fmt.Errorf("emergency withdraw pre-check failed: %w", err)
	}

	batch := newBatch(ref, seq, ts, 1)
	batch.add(WithdrawalsAccount, StakedAccount(account), principal, JournalTypeEmergencyWithdraw)
	return batch, nil
}

// GenerateRewardFunding records admin funding of the reward pool.
// Moves funds: external:deposits → system:reward_pool
func (jg *JournalGenerator) GenerateRewardFunding(ref string, seq, ts int64, amount *uint256.Int) (*Batch, error) {
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("funding amount must be positive")
	}
	batch := newBatch(ref, seq, ts, 1)
	batch.add(RewardPoolAccount, DepositsAccount, amount, JournalTypeRewardFunding)
	return batch, nil
}

// GenerateEmpty returns a batch with no journals, for operations that only
// change pool parameters.
func (jg *JournalGenerator) GenerateEmpty(ref string, seq, ts int64) *Batch {
	return newBatch(ref, seq, ts, 0)
}

// GenerateOpening rebuilds balances from durable state on startup: one entry
// per active stake, then the reward pool as reserve - Σ stakes. A reserve
// below TVL opens the reward pool negative.
func (jg *JournalGenerator) GenerateOpening(seq int64, stakes map[common.Address]*uint256.Int, reserve *uint256.Int) *Batch {
	batch := newBatch("opening", seq, 0, len(stakes)+1)

	accounts := make([]common.Address, 0, len(stakes))
	for a := range stakes {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i][:], accounts[j][:]) < 0
	})

	total := new(uint256.Int)
	for _, a := range accounts {
		amount := stakes[a]
		if amount.IsZero() {
			continue
		}
		total.Add(total, amount)
		batch.add(StakedAccount(a), DepositsAccount, amount, JournalTypeOpening)
	}

	switch reserve.Cmp(total) {
	case 1:
		batch.add(RewardPoolAccount, DepositsAccount, new(uint256.Int).Sub(reserve, total), JournalTypeOpening)
	case -1:
		batch.add(WithdrawalsAccount, RewardPoolAccount, new(uint256.Int).Sub(total, reserve), JournalTypeOpening)
	}
	return batch
}
