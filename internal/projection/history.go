package projection

import (
	"context"
	"sync"
	"time"
)

// HistoryEntry is one row of an account's stake history. Admin parameter
// changes fill Param, OldValue and NewValue instead of the amounts.
type HistoryEntry struct {
	Sequence   int64     `json:"sequence"`
	Account    string    `json:"account"`
	Action     string    `json:"action"`
	Amount     string    `json:"amount,omitempty"`
	Reward     string    `json:"reward,omitempty"`
	LockedRate uint64    `json:"locked_rate,omitempty"`
	Param      string    `json:"param,omitempty"`
	OldValue   string    `json:"old_value,omitempty"`
	NewValue   string    `json:"new_value,omitempty"`
	TVLAfter   string    `json:"tvl_after"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewHistoryEntry flattens a projection output into a history row.
func NewHistoryEntry(out ProjectionOutput) HistoryEntry {
	e := HistoryEntry{
		Sequence:   out.Sequence,
		Account:    out.Account,
		Action:     out.EventType,
		OccurredAt: out.Timestamp,
	}
	if o := out.Outcome; o != nil {
		e.Amount = o.Amount
		e.Reward = o.Reward
		e.LockedRate = o.LockedRate
		e.Param = o.Param
		e.OldValue = o.OldValue
		e.NewValue = o.NewValue
		e.TVLAfter = o.TVL
	}
	return e
}

// MemoryHistory keeps the most recent history entries in process. It serves
// history queries when Postgres is disabled.
type MemoryHistory struct {
	mu       sync.RWMutex
	entries  []HistoryEntry
	capacity int
}

func NewMemoryHistory(capacity int) *MemoryHistory {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &MemoryHistory{
		entries:  make([]HistoryEntry, 0, capacity),
		capacity: capacity,
	}
}

// Apply implements Sink.
func (h *MemoryHistory) Apply(_ context.Context, out ProjectionOutput) error {
	h.Add(NewHistoryEntry(out))
	return nil
}

// Add records an entry, evicting the oldest past capacity.
func (h *MemoryHistory) Add(entry HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == h.capacity {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, entry)
}

// QueryByAccount returns an account's history, newest first.
func (h *MemoryHistory) QueryByAccount(account string, limit int) []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]HistoryEntry, 0)
	for i := len(h.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if h.entries[i].Account == account {
			result = append(result, h.entries[i])
		}
	}
	return result
}

func (h *MemoryHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
