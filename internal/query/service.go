package query

import (
	"StakeLedger/internal/projection"
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
)

// HistoryReader serves stake history pages. QueryService reads Postgres;
// MemoryReader reads the in-process projection.
type HistoryReader interface {
	StakeHistory(ctx context.Context, account string, limit int, beforeSequence *int64) (*HistoryPage, error)
}

// QueryService provides read-only access to projection tables and the
// audit log. All responses carry as_of_sequence for freshness.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// StakeHistory returns an account's history, newest first, with
// cursor-based pagination on sequence.
func (qs *QueryService) StakeHistory(
	ctx context.Context,
	account string,
	limit int,
	beforeSequence *int64,
) (*HistoryPage, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "watermark")
	}

	query := `
		SELECT sequence, action, amount::text, reward::text, locked_rate, tvl_after::text, occurred_at
		FROM projections.stake_history
		WHERE account = $1
	`
	args := []interface{}{account}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &HistoryPage{Account: account, Entries: []projection.HistoryEntry{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		e := projection.HistoryEntry{Account: account}
		if err := rows.Scan(
			&e.Sequence, &e.Action, &e.Amount, &e.Reward, &e.LockedRate, &e.TVLAfter, &e.OccurredAt,
		); err != nil {
			return nil, err
		}
		page.Entries = append(page.Entries, e)
	}
	return page, rows.Err()
}

// ParamHistory returns the latest admin parameter changes, newest first.
func (qs *QueryService) ParamHistory(ctx context.Context, limit int) ([]projection.HistoryEntry, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, admin, param, old_value, new_value, occurred_at
		FROM projections.param_history
		ORDER BY sequence DESC
		LIMIT $1
	`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []projection.HistoryEntry
	for rows.Next() {
		var e projection.HistoryEntry
		if err := rows.Scan(&e.Sequence, &e.Account, &e.Param, &e.OldValue, &e.NewValue, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Action = "set_" + e.Param
		out = append(out, e)
	}
	return out, rows.Err()
}

// JournalHistory returns journal entries touching an account's ledger paths.
func (qs *QueryService) JournalHistory(
	ctx context.Context,
	account string,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", account)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and sequence gaps in the
// audit log.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	gapRows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence + 1
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence + 1
		WHERE e2.sequence IS NULL
		  AND e1.sequence < (SELECT MAX(sequence) FROM event_log.events)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer gapRows.Close()

	for gapRows.Next() {
		var seq int64
		if err := gapRows.Scan(&seq); err != nil {
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, seq)
	}
	if err := gapRows.Err(); err != nil {
		return nil, err
	}

	if err := qs.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM event_log.events`,
	).Scan(&report.LastSequence); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = $1
	`, projection.ProjectionName).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// MemoryReader serves history from the in-process projection.
type MemoryReader struct {
	history *projection.MemoryHistory
	seq     func() int64
}

// NewMemoryReader reads h; seq reports the sequence the page is as of.
func NewMemoryReader(h *projection.MemoryHistory, seq func() int64) *MemoryReader {
	return &MemoryReader{history: h, seq: seq}
}

func (m *MemoryReader) StakeHistory(_ context.Context, account string, limit int, beforeSequence *int64) (*HistoryPage, error) {
	limit = clampLimit(limit)
	all := m.history.QueryByAccount(account, maxLimit)

	entries := make([]projection.HistoryEntry, 0, limit)
	for _, e := range all {
		if beforeSequence != nil && e.Sequence >= *beforeSequence {
			continue
		}
		entries = append(entries, e)
		if len(entries) == limit {
			break
		}
	}
	var asOf int64
	if m.seq != nil {
		asOf = m.seq()
	}
	return &HistoryPage{Account: account, Entries: entries, AsOfSequence: asOf}, nil
}
