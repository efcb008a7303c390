package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeStake JournalType = iota
	JournalTypeUnstakePrincipal
	JournalTypeRewardPayout
	JournalTypeEmergencyWithdraw
	JournalTypeRewardFunding
	JournalTypeOpening
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeStake:
		return "stake"
	case JournalTypeUnstakePrincipal:
		return "unstake_principal"
	case JournalTypeRewardPayout:
		return "reward_payout"
	case JournalTypeEmergencyWithdraw:
		return "emergency_withdraw"
	case JournalTypeRewardFunding:
		return "reward_funding"
	case JournalTypeOpening:
		return "opening"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID    // Unique identifier
	BatchID       uuid.UUID    // Groups balanced entries
	EventRef      string       // Operation id of the source call
	Sequence      int64        // Global operation sequence
	DebitAccount  AccountKey   // Account receiving debit (balance increases)
	CreditAccount AccountKey   // Account receiving credit (balance decreases)
	Amount        *uint256.Int // Base units, ALWAYS positive
	JournalType   JournalType  // Entry type
	Timestamp     int64        // Caller-supplied now (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each entry moves one positive amount from credit to debit, so every entry
// is balanced on its own and so is the batch. Empty batches are legal: admin
// parameter changes move no funds.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}

// IsEmpty reports whether the batch moves no funds.
func (b *Batch) IsEmpty() bool {
	return len(b.Journals) == 0
}
