package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeStaked AccountSubType = iota

	// System sub-types
	SubTypeSystemRewardPool

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AccountKey is the in-memory key for balance tracking (22 bytes).
type AccountKey struct {
	Scope    AccountScope
	EntityID [common.AddressLength]byte // staker address for user accounts, zero otherwise
	SubType  AccountSubType
}

// NewUserAccountKey creates a key for a staker's account
func NewUserAccountKey(account common.Address, subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: account,
		SubType:  subType,
	}
}

// NewSystemAccountKey creates a key for pool-owned accounts
func NewSystemAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
	}
}

var (
	RewardPoolAccount  = NewSystemAccountKey(SubTypeSystemRewardPool)
	DepositsAccount    = NewExternalAccountKey(SubTypeExternalDeposits)
	WithdrawalsAccount = NewExternalAccountKey(SubTypeExternalWithdrawals)
)

// StakedAccount is the principal account of one staker.
func StakedAccount(account common.Address) AccountKey {
	return NewUserAccountKey(account, SubTypeStaked)
}

// Address returns the staker address of a user account.
func (k AccountKey) Address() common.Address {
	return common.Address(k.EntityID)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", k.Address().Hex(), k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeStaked:
		return "staked"
	case SubTypeSystemRewardPool:
		return "reward_pool"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
