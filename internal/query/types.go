package query

import "StakeLedger/internal/projection"

// HistoryPage is a page of an account's stake history. AsOfSequence is the
// projection watermark the page was read at.
type HistoryPage struct {
	Account      string                    `json:"account"`
	Entries      []projection.HistoryEntry `json:"entries"`
	AsOfSequence int64                     `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an audit log verification.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
	LastSequence    int64   `json:"last_sequence"`
}
