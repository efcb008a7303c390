package event

import "encoding/json"

// Outcome is the envelope payload: what an operation did, with pool
// aggregates after it committed. Amounts are base-unit decimal strings.
type Outcome struct {
	Account     string `json:"account"`
	Amount      string `json:"amount,omitempty"`
	Reward      string `json:"reward,omitempty"`
	StartTime   int64  `json:"start_time,omitempty"`
	LockedRate  uint64 `json:"locked_rate,omitempty"`
	Param       string `json:"param,omitempty"`
	OldValue    string `json:"old_value,omitempty"`
	NewValue    string `json:"new_value,omitempty"`
	TVL         string `json:"tvl"`
	Reserve     string `json:"reserve"`
	CurrentRate uint64 `json:"current_rate"`
}

func (o *Outcome) Marshal() []byte {
	// Outcome holds only strings and integers; Marshal cannot fail.
	data, _ := json.Marshal(o)
	return data
}

// DecodeOutcome parses an envelope payload.
func DecodeOutcome(payload []byte) (*Outcome, error) {
	var o Outcome
	if err := json.Unmarshal(payload, &o); err != nil {
		return nil, err
	}
	return &o, nil
}
