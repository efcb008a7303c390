// Package custody is the boundary across which the staked asset moves
// between external wallets and the pool.
package custody

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

var (
	ErrInsufficientFunds = errors.New("insufficient wallet funds")
	ErrInsufficientHeld  = errors.New("pool holds less than requested payout")
	ErrRecipientRejected = errors.New("recipient rejected transfer")
	ErrOverflow          = errors.New("custody amount overflow")
)

// Rail moves the native asset. Collect pulls from a depositor into the pool;
// Send pays out of the pool. Either may fail, and callers must treat a
// failure as "nothing moved".
type Rail interface {
	Collect(ctx context.Context, from common.Address, amount *uint256.Int) error
	Send(ctx context.Context, to common.Address, amount *uint256.Int) error
}

// Wallets is an in-process Rail backed by a balance map. Used for local
// development and tests; production wires a chain-backed Rail instead.
type Wallets struct {
	mu        sync.Mutex
	balances  map[common.Address]*uint256.Int
	held      *uint256.Int
	rejecting map[common.Address]bool
}

func NewWallets() *Wallets {
	return &Wallets{
		balances:  make(map[common.Address]*uint256.Int),
		held:      new(uint256.Int),
		rejecting: make(map[common.Address]bool),
	}
}

// Credit adds funds to an external wallet.
func (w *Wallets) Credit(addr common.Address, amount *uint256.Int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	next, overflow := new(uint256.Int).AddOverflow(w.balanceLocked(addr), amount)
	if overflow {
		return ErrOverflow
	}
	w.balances[addr] = next
	return nil
}

// SetRejecting makes every Send to addr fail, as a contract recipient
// without a payable fallback would.
func (w *Wallets) SetRejecting(addr common.Address, reject bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if reject {
		w.rejecting[addr] = true
	} else {
		delete(w.rejecting, addr)
	}
}

func (w *Wallets) BalanceOf(addr common.Address) *uint256.Int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balanceLocked(addr).Clone()
}

// Held returns what the pool currently holds on this rail.
func (w *Wallets) Held() *uint256.Int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.held.Clone()
}

// Restore sets what the pool holds. At startup it is set to the persisted
// custody reserve so payouts on this rail match the ledger.
func (w *Wallets) Restore(held *uint256.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held = held.Clone()
}

func (w *Wallets) Collect(ctx context.Context, from common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	bal := w.balanceLocked(from)
	if bal.Lt(amount) {
		return errors.Wrapf(ErrInsufficientFunds, "%s has %s, needs %s", from.Hex(), bal.Dec(), amount.Dec())
	}
	held, overflow := new(uint256.Int).AddOverflow(w.held, amount)
	if overflow {
		return ErrOverflow
	}

	w.balances[from] = new(uint256.Int).Sub(bal, amount)
	w.held = held
	return nil
}

func (w *Wallets) Send(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.rejecting[to] {
		return errors.Wrapf(ErrRecipientRejected, "send %s to %s", amount.Dec(), to.Hex())
	}
	if w.held.Lt(amount) {
		return errors.Wrapf(ErrInsufficientHeld, "held %s, send %s", w.held.Dec(), amount.Dec())
	}
	next, overflow := new(uint256.Int).AddOverflow(w.balanceLocked(to), amount)
	if overflow {
		return ErrOverflow
	}

	w.held = new(uint256.Int).Sub(w.held, amount)
	w.balances[to] = next
	return nil
}

func (w *Wallets) balanceLocked(addr common.Address) *uint256.Int {
	if b, ok := w.balances[addr]; ok {
		return b
	}
	return new(uint256.Int)
}
