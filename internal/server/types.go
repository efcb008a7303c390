package server

// Wire types shared by the gRPC (JSON codec) and HTTP surfaces. Token
// amounts are decimal strings with 18 fractional digits ("12.5"); every
// response also carries base-unit strings where precision matters to
// automated clients.

type PoolRequest struct{}

type PoolResponse struct {
	Admin          string `json:"admin"`
	MaxCap         string `json:"max_cap"`
	MinStakeAmount string `json:"min_stake_amount"`
	BaseRate       uint64 `json:"base_rate"`
	MinRate        uint64 `json:"min_rate"`
	MaxRate        uint64 `json:"max_rate"`
	LockupPeriod   int64  `json:"lockup_period"`
	Paused         bool   `json:"paused"`
	TVL            string `json:"tvl"`
	TVLBaseUnits   string `json:"tvl_base_units"`
	Reserve        string `json:"reserve"`
	Utilization    uint64 `json:"utilization"`
	CurrentRate    uint64 `json:"current_rate"`
	ActiveStakes   int    `json:"active_stakes"`
	ReceiptSupply  string `json:"receipt_supply"`
	Sequence       int64  `json:"sequence"`
	StateHash      string `json:"state_hash"`
}

type RateResponse struct {
	CurrentRate uint64 `json:"current_rate"`
	Utilization uint64 `json:"utilization"`
	BaseRate    uint64 `json:"base_rate"`
	MinRate     uint64 `json:"min_rate"`
	MaxRate     uint64 `json:"max_rate"`
}

type SolvencyResponse struct {
	Reserve        string `json:"reserve"`
	Principal      string `json:"principal"`
	AccruedRewards string `json:"accrued_rewards"`
	Obligations    string `json:"obligations"`
	Surplus        string `json:"surplus"`
	Deficit        string `json:"deficit"`
	Solvent        bool   `json:"solvent"`
	AsOf           int64  `json:"as_of"`
}

type AccountRequest struct {
	Account string `json:"account"`
}

type StakeResponse struct {
	Account         string `json:"account"`
	Amount          string `json:"amount"`
	AmountBaseUnits string `json:"amount_base_units"`
	StartTime       int64  `json:"start_time"`
	LockedRate      uint64 `json:"locked_rate"`
	Active          bool   `json:"active"`
	UnlockTime      int64  `json:"unlock_time,omitempty"`
	LockupRemaining int64  `json:"lockup_remaining"`
	PendingReward   string `json:"pending_reward"`
}

type RewardResponse struct {
	Account         string `json:"account"`
	Reward          string `json:"reward"`
	RewardBaseUnits string `json:"reward_base_units"`
	LockupRemaining int64  `json:"lockup_remaining"`
	AsOf            int64  `json:"as_of"`
}

type HistoryRequest struct {
	Account        string `json:"account"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence int64  `json:"before_sequence,omitempty"`
}

type ReceiptResponse struct {
	Account     string `json:"account"`
	Balance     string `json:"balance"`
	TotalSupply string `json:"total_supply"`
}

type EstimateRequest struct {
	Amount string `json:"amount"`
	Days   int64  `json:"days"`
}

type EstimateResponse struct {
	Amount      string `json:"amount"`
	Days        int64  `json:"days"`
	Rate        uint64 `json:"rate"`
	Reward      string `json:"reward"`
	DailyReward string `json:"daily_reward"`
}

// StakeRequest also serves unstake and emergency-withdraw, which ignore
// Amount. OperationID is optional; an empty id is never deduplicated.
type StakeRequest struct {
	OperationID string `json:"operation_id,omitempty"`
	Account     string `json:"account"`
	Amount      string `json:"amount,omitempty"`
}

// AdminRequest carries every admin operation. Which value fields are read
// depends on the method.
type AdminRequest struct {
	OperationID string `json:"operation_id,omitempty"`
	Caller      string `json:"caller"`

	Paused   *bool  `json:"paused,omitempty"`
	Amount   string `json:"amount,omitempty"` // max-cap, min-stake, fund
	Rate     uint64 `json:"rate,omitempty"`
	MinRate  uint64 `json:"min_rate,omitempty"`
	MaxRate  uint64 `json:"max_rate,omitempty"`
	Seconds  *int64 `json:"seconds,omitempty"`
	NewAdmin string `json:"new_admin,omitempty"`
}

// OperationResponse describes a committed operation.
type OperationResponse struct {
	Sequence    int64  `json:"sequence"`
	OperationID string `json:"operation_id"`
	StateHash   string `json:"state_hash"`

	Account    string `json:"account,omitempty"`
	Principal  string `json:"principal,omitempty"`
	Reward     string `json:"reward,omitempty"`
	LockedRate uint64 `json:"locked_rate,omitempty"`
	StartTime  int64  `json:"start_time,omitempty"`

	Pool *PoolResponse `json:"pool,omitempty"`
}

// ErrorBody is the HTTP error payload.
type ErrorBody struct {
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
