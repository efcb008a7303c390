package ingestion

import (
	"StakeLedger/internal/event"
	fpmath "StakeLedger/internal/math"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseRawEvent converts a RawEvent into a typed event.Event. The event type
// comes from the subscription; raw.EventType is used when eventType is empty.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	if eventType == "" {
		eventType = raw.EventType
	}
	switch eventType {
	case EventTypeFundRewards:
		return parseRewardsFunded(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are
// base-unit decimal strings, since 18-decimal values overflow JSON numbers.

type rewardsFundedJSON struct {
	FundingID string `json:"funding_id"`
	Funder    string `json:"funder"`
	Amount    string `json:"amount"`
	Timestamp int64  `json:"timestamp"` // unix seconds
}

func parseRewardsFunded(data []byte) (*event.RewardsFunded, error) {
	var j rewardsFundedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RewardsFunded: %w", err)
	}

	if strings.TrimSpace(j.FundingID) == "" {
		return nil, fmt.Errorf("funding_id is required")
	}
	funder, err := parseAddress("funder", j.Funder)
	if err != nil {
		return nil, err
	}
	amount, err := fpmath.ParseBaseUnits(j.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if j.Timestamp <= 0 {
		return nil, fmt.Errorf("timestamp must be positive, got %d", j.Timestamp)
	}

	return &event.RewardsFunded{
		OperationID: j.FundingID,
		Funder:      funder,
		Amount:      amount,
		Timestamp:   j.Timestamp,
	}, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s: zero address", field)
	}
	return addr, nil
}
