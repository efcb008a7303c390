package core

import (
	"StakeLedger/internal/observability"
	"context"

	"github.com/rs/zerolog"
)

// saga runs an operation's effects in order and remembers how to undo each
// one. If a later step fails, rollback undoes completed steps in reverse.
type saga struct {
	op      string
	steps   []compensator
	metrics *observability.Metrics
	logger  zerolog.Logger
}

type compensator struct {
	name string
	undo func(ctx context.Context) error
}

func newSaga(op string, metrics *observability.Metrics, logger zerolog.Logger) *saga {
	return &saga{op: op, metrics: metrics, logger: logger}
}

// step runs do and, if it succeeds, records undo. undo may be nil for steps
// that have nothing to reverse.
func (s *saga) step(ctx context.Context, name string, do func(ctx context.Context) error, undo func(ctx context.Context) error) error {
	if err := do(ctx); err != nil {
		return err
	}
	if undo != nil {
		s.steps = append(s.steps, compensator{name: name, undo: undo})
	}
	return nil
}

// local records an in-memory mutation that cannot fail.
func (s *saga) local(name string, do func(), undo func()) {
	do()
	s.steps = append(s.steps, compensator{name: name, undo: func(context.Context) error {
		undo()
		return nil
	}})
}

// rollback undoes every completed step. Undo runs even if ctx was cancelled.
// Returns cause, or a CompensationFailed integrity fault if any undo failed.
func (s *saga) rollback(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)

	var failed error
	for i := len(s.steps) - 1; i >= 0; i-- {
		c := s.steps[i]
		err := c.undo(ctx)
		outcome := "ok"
		if err != nil {
			outcome = "failed"
			s.logger.Error().Err(err).Str("op", s.op).Str("step", c.name).
				AnErr("cause", cause).Msg("compensation failed")
			if failed == nil {
				failed = integrityFault(ErrCompensationFailed, err, "undo %s of %s after: %v", c.name, s.op, cause)
			}
		}
		if s.metrics != nil {
			s.metrics.CompensationsRun.WithLabelValues(c.name, outcome).Inc()
		}
	}
	s.steps = nil

	if failed != nil {
		return failed
	}
	return cause
}
