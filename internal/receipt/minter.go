package receipt

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MinterClient binds a caller identity to the ledger. The staking engine holds
// one bound to the minter; a client bound to anyone else gets ErrNotMinter.
type MinterClient struct {
	ledger *Ledger
	caller common.Address
}

// Client returns a MinterClient acting as caller.
func (l *Ledger) Client(caller common.Address) *MinterClient {
	return &MinterClient{ledger: l, caller: caller}
}

func (c *MinterClient) Mint(to common.Address, amount *uint256.Int) error {
	return c.ledger.Mint(c.caller, to, amount)
}

func (c *MinterClient) Burn(from common.Address, amount *uint256.Int) error {
	return c.ledger.Burn(c.caller, from, amount)
}

func (c *MinterClient) BalanceOf(addr common.Address) *uint256.Int {
	return c.ledger.BalanceOf(addr)
}

func (c *MinterClient) TotalSupply() *uint256.Int {
	return c.ledger.TotalSupply()
}
