// Package receipt implements the receipt-token balance ledger. Receipts are
// minted 1:1 against staked principal and burned when principal leaves.
package receipt

import (
	"StakeLedger/internal/storage"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrNotMinter             = errors.New("caller is not the minter")
	ErrInsufficientBalance   = errors.New("insufficient receipt balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrZeroAddress           = errors.New("zero address")
	ErrOverflow              = errors.New("receipt amount overflow")
)

var (
	prefixBalance   = []byte("b/") // b/<addr(20)> -> amount (big-endian)
	prefixAllowance = []byte("a/") // a/<owner(20)><spender(20)> -> amount
)

// Ledger tracks receipt balances. Every mutation is written through to the
// backing store before the in-memory view changes, so a failed write leaves
// both untouched.
type Ledger struct {
	mu sync.RWMutex

	db     storage.DB
	minter common.Address
	logger zerolog.Logger

	balances    map[common.Address]*uint256.Int
	allowances  map[common.Address]map[common.Address]*uint256.Int
	totalSupply *uint256.Int
}

// NewLedger loads balances and allowances from db. Total supply is derived
// from the loaded balances, never stored.
func NewLedger(db storage.DB, minter common.Address, logger zerolog.Logger) (*Ledger, error) {
	l := &Ledger{
		db:          db,
		minter:      minter,
		logger:      logger,
		balances:    make(map[common.Address]*uint256.Int),
		allowances:  make(map[common.Address]map[common.Address]*uint256.Int),
		totalSupply: new(uint256.Int),
	}

	err := db.ForEach(prefixBalance, func(key, value []byte) error {
		if len(key) != len(prefixBalance)+common.AddressLength {
			return nil
		}
		addr := common.BytesToAddress(key[len(prefixBalance):])
		amount := new(uint256.Int).SetBytes(value)
		if amount.IsZero() {
			return nil
		}
		l.balances[addr] = amount
		if _, overflow := l.totalSupply.AddOverflow(l.totalSupply, amount); overflow {
			return ErrOverflow
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "load receipt balances")
	}

	err = db.ForEach(prefixAllowance, func(key, value []byte) error {
		if len(key) != len(prefixAllowance)+2*common.AddressLength {
			return nil
		}
		raw := key[len(prefixAllowance):]
		owner := common.BytesToAddress(raw[:common.AddressLength])
		spender := common.BytesToAddress(raw[common.AddressLength:])
		l.setAllowanceLocked(owner, spender, new(uint256.Int).SetBytes(value))
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "load receipt allowances")
	}

	l.logger.Info().
		Int("holders", len(l.balances)).
		Str("total_supply", l.totalSupply.Dec()).
		Msg("receipt ledger loaded")

	return l, nil
}

// Minter returns the only identity allowed to mint and burn.
func (l *Ledger) Minter() common.Address {
	return l.minter
}

// BalanceOf returns a copy of addr's balance.
func (l *Ledger) BalanceOf(addr common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balanceLocked(addr).Clone()
}

// TotalSupply returns a copy of the outstanding supply.
func (l *Ledger) TotalSupply() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalSupply.Clone()
}

// Allowance returns how much spender may move out of owner's balance.
func (l *Ledger) Allowance(owner, spender common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if m, ok := l.allowances[owner]; ok {
		if v, ok := m[spender]; ok {
			return v.Clone()
		}
	}
	return new(uint256.Int)
}

// Mint credits amount to to. Only the minter may call it.
func (l *Ledger) Mint(caller, to common.Address, amount *uint256.Int) error {
	if caller != l.minter {
		return ErrNotMinter
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	newBalance, overflow := new(uint256.Int).AddOverflow(l.balanceLocked(to), amount)
	if overflow {
		return ErrOverflow
	}
	newSupply, overflow := new(uint256.Int).AddOverflow(l.totalSupply, amount)
	if overflow {
		return ErrOverflow
	}

	if err := l.writeBalances(map[common.Address]*uint256.Int{to: newBalance}); err != nil {
		return err
	}

	l.storeBalanceLocked(to, newBalance)
	l.totalSupply = newSupply
	return nil
}

// Burn debits amount from from. Only the minter may call it.
func (l *Ledger) Burn(caller, from common.Address, amount *uint256.Int) error {
	if caller != l.minter {
		return ErrNotMinter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.balanceLocked(from)
	if current.Lt(amount) {
		return errors.Wrapf(ErrInsufficientBalance, "burn %s from %s (have %s)", amount.Dec(), from.Hex(), current.Dec())
	}

	newBalance := new(uint256.Int).Sub(current, amount)
	if err := l.writeBalances(map[common.Address]*uint256.Int{from: newBalance}); err != nil {
		return err
	}

	l.storeBalanceLocked(from, newBalance)
	l.totalSupply = new(uint256.Int).Sub(l.totalSupply, amount)
	return nil
}

// Transfer moves amount from from to to.
func (l *Ledger) Transfer(from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.transferLocked(from, to, amount, nil)
}

// Approve sets spender's allowance over owner's balance.
func (l *Ledger) Approve(owner, spender common.Address, amount *uint256.Int) error {
	if spender == (common.Address{}) {
		return ErrZeroAddress
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.db.Put(allowanceKey(owner, spender), amount.Bytes()); err != nil {
		return errors.Wrap(err, "persist allowance")
	}
	l.setAllowanceLocked(owner, spender, amount.Clone())
	return nil
}

// TransferFrom moves amount from from to to on behalf of spender.
func (l *Ledger) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	allowed := new(uint256.Int)
	if m, ok := l.allowances[from]; ok {
		if v, ok := m[spender]; ok {
			allowed = v
		}
	}
	if allowed.Lt(amount) {
		return errors.Wrapf(ErrInsufficientAllowance, "spender %s has %s, needs %s", spender.Hex(), allowed.Dec(), amount.Dec())
	}

	remaining := new(uint256.Int).Sub(allowed, amount)
	return l.transferLocked(from, to, amount, &allowanceUpdate{owner: from, spender: spender, amount: remaining})
}

// CheckSupply verifies totalSupply == Σ balances.
func (l *Ledger) CheckSupply() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sum := new(uint256.Int)
	for _, b := range l.balances {
		if _, overflow := sum.AddOverflow(sum, b); overflow {
			return ErrOverflow
		}
	}
	if !sum.Eq(l.totalSupply) {
		return errors.Errorf("receipt supply %s != sum of balances %s", l.totalSupply.Dec(), sum.Dec())
	}
	return nil
}

type allowanceUpdate struct {
	owner, spender common.Address
	amount         *uint256.Int
}

func (l *Ledger) transferLocked(from, to common.Address, amount *uint256.Int, allowance *allowanceUpdate) error {
	fromBal := l.balanceLocked(from)
	if fromBal.Lt(amount) {
		return errors.Wrapf(ErrInsufficientBalance, "transfer %s from %s (have %s)", amount.Dec(), from.Hex(), fromBal.Dec())
	}

	newFrom := new(uint256.Int).Sub(fromBal, amount)
	var newTo *uint256.Int
	if from == to {
		newTo = fromBal.Clone()
		newFrom = newTo
	} else {
		var overflow bool
		newTo, overflow = new(uint256.Int).AddOverflow(l.balanceLocked(to), amount)
		if overflow {
			return ErrOverflow
		}
	}

	batch := storage.NewBatch(l.db)
	defer batch.Discard()

	for addr, bal := range map[common.Address]*uint256.Int{from: newFrom, to: newTo} {
		if err := putBalance(batch, addr, bal); err != nil {
			return err
		}
	}
	if allowance != nil {
		if err := batch.Put(allowanceKey(allowance.owner, allowance.spender), allowance.amount.Bytes()); err != nil {
			return errors.Wrap(err, "persist allowance")
		}
	}
	if err := batch.Commit(); err != nil {
		return errors.Wrap(err, "commit transfer")
	}

	l.storeBalanceLocked(from, newFrom)
	l.storeBalanceLocked(to, newTo)
	if allowance != nil {
		l.setAllowanceLocked(allowance.owner, allowance.spender, allowance.amount)
	}
	return nil
}

func (l *Ledger) writeBalances(updates map[common.Address]*uint256.Int) error {
	batch := storage.NewBatch(l.db)
	defer batch.Discard()

	for addr, bal := range updates {
		if err := putBalance(batch, addr, bal); err != nil {
			return err
		}
	}
	if err := batch.Commit(); err != nil {
		return errors.Wrap(err, "commit receipt balances")
	}
	return nil
}

func putBalance(batch storage.Batch, addr common.Address, bal *uint256.Int) error {
	if bal.IsZero() {
		return errors.Wrap(batch.Delete(balanceKey(addr)), "delete receipt balance")
	}
	return errors.Wrap(batch.Put(balanceKey(addr), bal.Bytes()), "persist receipt balance")
}

func (l *Ledger) balanceLocked(addr common.Address) *uint256.Int {
	if b, ok := l.balances[addr]; ok {
		return b
	}
	return new(uint256.Int)
}

func (l *Ledger) storeBalanceLocked(addr common.Address, bal *uint256.Int) {
	if bal.IsZero() {
		delete(l.balances, addr)
		return
	}
	l.balances[addr] = bal
}

func (l *Ledger) setAllowanceLocked(owner, spender common.Address, amount *uint256.Int) {
	m, ok := l.allowances[owner]
	if !ok {
		m = make(map[common.Address]*uint256.Int)
		l.allowances[owner] = m
	}
	if amount.IsZero() {
		delete(m, spender)
		return
	}
	m[spender] = amount
}

func balanceKey(addr common.Address) []byte {
	return append(append([]byte{}, prefixBalance...), addr.Bytes()...)
}

func allowanceKey(owner, spender common.Address) []byte {
	key := append([]byte{}, prefixAllowance...)
	key = append(key, owner.Bytes()...)
	return append(key, spender.Bytes()...)
}
