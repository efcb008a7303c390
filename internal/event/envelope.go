package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for operation payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeStake
	EventTypeUnstake
	EventTypeEmergencyWithdraw
	EventTypeFundRewards
	EventTypeSetPaused
	EventTypeSetMaxCap
	EventTypeSetRewardRate
	EventTypeSetRateBounds
	EventTypeSetMinStakeAmount
	EventTypeSetLockupPeriod
	EventTypeTransferAdmin
)

// EventEnvelope wraps every committed operation in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Operation id supplied by the caller or generated at intake
	IdempotencyKey string

	EventType EventType

	// Caller of the operation
	Account common.Address

	// Caller-supplied now (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded Outcome
	Payload []byte

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface every engine operation implements
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// Caller is the identity the operation acts for
	Caller() common.Address

	// Now is the caller-supplied time in unix seconds
	Now() int64
}

// IsAdmin reports whether the operation is gated to the pool admin.
func (et EventType) IsAdmin() bool {
	return et >= EventTypeFundRewards && et <= EventTypeTransferAdmin
}

func (et EventType) String() string {
	switch et {
	case EventTypeStake:
		return "Stake"
	case EventTypeUnstake:
		return "Unstake"
	case EventTypeEmergencyWithdraw:
		return "EmergencyWithdraw"
	case EventTypeFundRewards:
		return "FundRewards"
	case EventTypeSetPaused:
		return "SetPaused"
	case EventTypeSetMaxCap:
		return "SetMaxCap"
	case EventTypeSetRewardRate:
		return "SetRewardRate"
	case EventTypeSetRateBounds:
		return "SetRateBounds"
	case EventTypeSetMinStakeAmount:
		return "SetMinStakeAmount"
	case EventTypeSetLockupPeriod:
		return "SetLockupPeriod"
	case EventTypeTransferAdmin:
		return "TransferAdmin"
	default:
		return "Unknown"
	}
}

// Subject is the snake_case token used in bus subjects and metric labels.
func (et EventType) Subject() string {
	switch et {
	case EventTypeStake:
		return "stake"
	case EventTypeUnstake:
		return "unstake"
	case EventTypeEmergencyWithdraw:
		return "emergency_withdraw"
	case EventTypeFundRewards:
		return "fund_rewards"
	case EventTypeSetPaused:
		return "set_paused"
	case EventTypeSetMaxCap:
		return "set_max_cap"
	case EventTypeSetRewardRate:
		return "set_reward_rate"
	case EventTypeSetRateBounds:
		return "set_rate_bounds"
	case EventTypeSetMinStakeAmount:
		return "set_min_stake_amount"
	case EventTypeSetLockupPeriod:
		return "set_lockup_period"
	case EventTypeTransferAdmin:
		return "transfer_admin"
	default:
		return "unknown"
	}
}

// ParseEventType maps a String() name back to its EventType.
func ParseEventType(name string) EventType {
	for et := EventTypeStake; et <= EventTypeTransferAdmin; et++ {
		if et.String() == name {
			return et
		}
	}
	return EventTypeUnknown
}
