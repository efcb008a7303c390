package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// StakeRequested opens a stake of Amount for Account.
type StakeRequested struct {
	OperationID string
	Account     common.Address
	Amount      *uint256.Int
	Timestamp   int64 // unix seconds
}

func (s *StakeRequested) IdempotencyKey() string {
	return s.OperationID
}

func (s *StakeRequested) EventType() EventType {
	return EventTypeStake
}

func (s *StakeRequested) Caller() common.Address {
	return s.Account
}

func (s *StakeRequested) Now() int64 {
	return s.Timestamp
}
