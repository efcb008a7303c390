package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PoolParamUpdate is an admin change to one pool parameter. Kind selects
// which fields are read:
//
//	SetPaused          Paused
//	SetMaxCap          Amount
//	SetMinStakeAmount  Amount
//	SetRewardRate      Rate
//	SetRateBounds      MinRate, MaxRate
//	SetLockupPeriod    Lockup
//	TransferAdmin      NewAdmin
type PoolParamUpdate struct {
	OperationID string
	Kind        EventType
	Admin       common.Address // caller claiming the admin role
	Timestamp   int64

	Paused   bool
	Amount   *uint256.Int
	Rate     uint64
	MinRate  uint64
	MaxRate  uint64
	Lockup   int64 // seconds
	NewAdmin common.Address
}

func (p *PoolParamUpdate) IdempotencyKey() string {
	return p.OperationID
}

func (p *PoolParamUpdate) EventType() EventType {
	return p.Kind
}

func (p *PoolParamUpdate) Caller() common.Address {
	return p.Admin
}

func (p *PoolParamUpdate) Now() int64 {
	return p.Timestamp
}
