package projection

import (
	"StakeLedger/internal/event"
	"StakeLedger/internal/observability"
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ProjectionName identifies this read model in projections.watermark.
const ProjectionName = "stake_history"

// ProjectionOutput is the projection view of one committed operation.
// The orchestrator bridges core.CoreOutput into this.
type ProjectionOutput struct {
	Sequence  int64
	EventType string // event.EventType.Subject()
	Account   string
	Outcome   *event.Outcome
	Timestamp time.Time
}

// NewProjectionOutput builds a projection output from a committed envelope.
func NewProjectionOutput(env *event.EventEnvelope, outcome *event.Outcome) ProjectionOutput {
	return ProjectionOutput{
		Sequence:  env.Sequence,
		EventType: env.EventType.Subject(),
		Account:   env.Account.Hex(),
		Outcome:   outcome,
		Timestamp: env.Timestamp,
	}
}

// Sink applies one output to a read model.
type Sink interface {
	Apply(ctx context.Context, out ProjectionOutput) error
}

// ProjectionWorker updates read models from committed operations.
// The projection channel is non-blocking with drop; a lagging projection is
// rebuilt from the event log with RebuildProjections.
type ProjectionWorker struct {
	sinks     []Sink
	inputChan <-chan ProjectionOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(inputChan <-chan ProjectionOutput, metrics *observability.Metrics, logger zerolog.Logger, sinks ...Sink) *ProjectionWorker {
	return &ProjectionWorker{
		sinks:     sinks,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.process(ctx, output)
		}
	}
}

func (pw *ProjectionWorker) process(ctx context.Context, output ProjectionOutput) {
	start := time.Now()
	for _, sink := range pw.sinks {
		if err := sink.Apply(ctx, output); err != nil {
			// eventually consistent: rebuild from the event log if this persists
			pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
		}
	}
	pw.lastSeq = output.Sequence

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(ProjectionName).Observe(time.Since(start).Seconds())
		pw.metrics.ProjectionLastSeq.WithLabelValues(ProjectionName).Set(float64(output.Sequence))
	}
}

// LastSequence returns the last sequence handed to the sinks.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// PostgresSink writes stake_history and param_history rows and advances the
// watermark in one transaction. Outputs at or below the watermark are skipped.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Apply(ctx context.Context, out ProjectionOutput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var watermark int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE projection_name = $1 FOR UPDATE`,
		ProjectionName,
	).Scan(&watermark)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "read watermark")
	}
	if out.Sequence <= watermark {
		return nil
	}

	if err := insertHistory(ctx, tx, NewHistoryEntry(out)); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, ProjectionName, out.Sequence); err != nil {
		return errors.Wrap(err, "watermark update")
	}

	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertHistory(ctx context.Context, tx execer, e HistoryEntry) error {
	if e.Param != "" {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.param_history (sequence, admin, param, old_value, new_value, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (sequence) DO NOTHING
		`, e.Sequence, e.Account, e.Param, e.OldValue, e.NewValue, e.OccurredAt)
		return errors.Wrap(err, "param history")
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.stake_history
			(sequence, account, action, amount, reward, locked_rate, tvl_after, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sequence) DO NOTHING
	`, e.Sequence, e.Account, e.Action, numeric(e.Amount), numeric(e.Reward), e.LockedRate, numeric(e.TVLAfter), e.OccurredAt)
	return errors.Wrap(err, "stake history")
}

func numeric(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// RebuildProjections truncates the read models and replays event_log.events.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.stake_history`,
		`TRUNCATE projections.param_history`,
		`DELETE FROM projections.watermark WHERE projection_name = '` + ProjectionName + `'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "truncate failed")
		}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT sequence, event_type, account, payload, timestamp
		FROM event_log.events
		ORDER BY sequence ASC
	`)
	if err != nil {
		return errors.Wrap(err, "read event log")
	}

	var outputs []ProjectionOutput
	for rows.Next() {
		var (
			out     ProjectionOutput
			payload []byte
		)
		if err := rows.Scan(&out.Sequence, &out.EventType, &out.Account, &payload, &out.Timestamp); err != nil {
			rows.Close()
			return err
		}
		if out.Outcome, err = event.DecodeOutcome(payload); err != nil {
			rows.Close()
			return errors.Wrapf(err, "decode payload at sequence %d", out.Sequence)
		}
		outputs = append(outputs, out)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	var last int64
	for _, out := range outputs {
		if err := insertHistory(ctx, tx, NewHistoryEntry(out)); err != nil {
			return err
		}
		last = out.Sequence
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
	`, ProjectionName, last); err != nil {
		return errors.Wrap(err, "watermark update")
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Int("events", len(outputs)).Int64("last_sequence", last).Msg("projection rebuild complete")
	return nil
}
