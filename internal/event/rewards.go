package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RewardsFunded adds Amount to the custody reserve from the admin's wallet.
// Treasury messages arriving over the bus use the treasury funding id as
// OperationID so redelivery is deduplicated.
type RewardsFunded struct {
	OperationID string
	Funder      common.Address
	Amount      *uint256.Int
	Timestamp   int64
}

func (f *RewardsFunded) IdempotencyKey() string {
	return f.OperationID
}

func (f *RewardsFunded) EventType() EventType {
	return EventTypeFundRewards
}

func (f *RewardsFunded) Caller() common.Address {
	return f.Funder
}

func (f *RewardsFunded) Now() int64 {
	return f.Timestamp
}
