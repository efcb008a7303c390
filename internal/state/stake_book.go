package state

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// StakeBook holds active stakes and their running total. Not thread-safe;
// the engine serializes access under its pool lock.
type StakeBook struct {
	stakes map[common.Address]*Stake
	tvl    *uint256.Int
}

func NewStakeBook() *StakeBook {
	return &StakeBook{
		stakes: make(map[common.Address]*Stake),
		tvl:    new(uint256.Int),
	}
}

// Get returns the active stake for account, or nil.
func (sb *StakeBook) Get(account common.Address) *Stake {
	return sb.stakes[account]
}

// IsActive reports whether account has an open stake.
func (sb *StakeBook) IsActive(account common.Address) bool {
	s, ok := sb.stakes[account]
	return ok && s.Active
}

// Open records a new stake and adds it to TVL.
func (sb *StakeBook) Open(s *Stake) error {
	if existing, ok := sb.stakes[s.Account]; ok && existing.Active {
		return fmt.Errorf("account %s already has an active stake", s.Account.Hex())
	}
	if s.Amount == nil || s.Amount.IsZero() || !s.Active {
		return fmt.Errorf("cannot open empty or inactive stake for %s", s.Account.Hex())
	}

	tvl, overflow := new(uint256.Int).AddOverflow(sb.tvl, s.Amount)
	if overflow {
		return fmt.Errorf("tvl overflow opening stake for %s", s.Account.Hex())
	}

	sb.stakes[s.Account] = s
	sb.tvl = tvl
	return nil
}

// Close removes account's stake and subtracts it from TVL.
// Returns the removed record.
func (sb *StakeBook) Close(account common.Address) (*Stake, error) {
	s, ok := sb.stakes[account]
	if !ok || !s.Active {
		return nil, fmt.Errorf("account %s has no active stake", account.Hex())
	}

	tvl, underflow := new(uint256.Int).SubOverflow(sb.tvl, s.Amount)
	if underflow {
		return nil, fmt.Errorf("tvl underflow closing stake for %s", account.Hex())
	}

	delete(sb.stakes, account)
	sb.tvl = tvl
	return s, nil
}

// Restore puts a record back without any checks. Used to roll back a Close
// and to load from the store.
func (sb *StakeBook) Restore(s *Stake) {
	if prev, ok := sb.stakes[s.Account]; ok {
		sb.tvl = new(uint256.Int).Sub(sb.tvl, prev.Amount)
	}
	sb.stakes[s.Account] = s
	sb.tvl = new(uint256.Int).Add(sb.tvl, s.Amount)
}

// Remove drops a record without checks. Used to roll back an Open.
func (sb *StakeBook) Remove(account common.Address) {
	if s, ok := sb.stakes[account]; ok {
		sb.tvl = new(uint256.Int).Sub(sb.tvl, s.Amount)
		delete(sb.stakes, account)
	}
}

// TVL returns a copy of the running total of active principal.
func (sb *StakeBook) TVL() *uint256.Int {
	return sb.tvl.Clone()
}

// Count returns the number of active stakes.
func (sb *StakeBook) Count() int {
	return len(sb.stakes)
}

// All returns copies of every active stake ordered by account.
func (sb *StakeBook) All() []*Stake {
	out := make([]*Stake, 0, len(sb.stakes))
	for _, s := range sb.stakes {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Account[:], out[j].Account[:]) < 0
	})
	return out
}

// ValidateTVL recomputes Σ amount over active stakes and compares it to the
// running total. Also checks that no record is active with a zero amount.
func (sb *StakeBook) ValidateTVL() error {
	sum := new(uint256.Int)
	for account, s := range sb.stakes {
		if !s.Active {
			return fmt.Errorf("inactive stake kept in book for %s", account.Hex())
		}
		if s.Amount.IsZero() {
			return fmt.Errorf("active stake with zero amount for %s", account.Hex())
		}
		if _, overflow := sum.AddOverflow(sum, s.Amount); overflow {
			return fmt.Errorf("tvl overflow during validation")
		}
	}
	if !sum.Eq(sb.tvl) {
		return fmt.Errorf("tvl %s != sum of active stakes %s", sb.tvl.Dec(), sum.Dec())
	}
	return nil
}
