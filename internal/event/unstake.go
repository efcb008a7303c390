package event

import "github.com/ethereum/go-ethereum/common"

// UnstakeRequested closes Account's stake after lockup, paying principal
// plus reward.
type UnstakeRequested struct {
	OperationID string
	Account     common.Address
	Timestamp   int64
}

func (u *UnstakeRequested) IdempotencyKey() string {
	return u.OperationID
}

func (u *UnstakeRequested) EventType() EventType {
	return EventTypeUnstake
}

func (u *UnstakeRequested) Caller() common.Address {
	return u.Account
}

func (u *UnstakeRequested) Now() int64 {
	return u.Timestamp
}

// EmergencyWithdrawRequested closes Account's stake at any time, paying
// principal only. Timestamp is recorded but never gates the exit.
type EmergencyWithdrawRequested struct {
	OperationID string
	Account     common.Address
	Timestamp   int64
}

func (e *EmergencyWithdrawRequested) IdempotencyKey() string {
	return e.OperationID
}

func (e *EmergencyWithdrawRequested) EventType() EventType {
	return EventTypeEmergencyWithdraw
}

func (e *EmergencyWithdrawRequested) Caller() common.Address {
	return e.Account
}

func (e *EmergencyWithdrawRequested) Now() int64 {
	return e.Timestamp
}
