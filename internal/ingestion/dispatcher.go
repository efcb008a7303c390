package ingestion

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/event"
	"StakeLedger/internal/observability"
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Executor runs one operation. Satisfied by *core.StakingEngine.
type Executor interface {
	Execute(ctx context.Context, evt event.Event) (*core.Result, error)
}

// Dispatcher feeds bus messages into the engine and settles each message
// according to the outcome:
//
//	committed or duplicate    ACK
//	parse error or rejection  TERM (redelivery cannot help)
//	integrity or external     NAK  (redeliver, up to MaxDeliver)
type Dispatcher struct {
	exec    Executor
	input   <-chan RawEvent
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(exec Executor, input <-chan RawEvent, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{exec: exec, input: input, metrics: metrics, logger: logger}
}

// Run blocks until ctx is cancelled or the input closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.input:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and settles it.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) {
	evt, err := ParseRawEvent(raw, "")
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("unparseable message")
		d.settle(raw, "parse_error")
		call(raw.TermFunc)
		return
	}

	res, err := d.exec.Execute(ctx, evt)
	switch {
	case err == nil:
		d.logger.Info().
			Str("subject", raw.Subject).
			Str("operation_id", res.OperationID).
			Int64("sequence", res.Sequence).
			Msg("bus operation committed")
		d.settle(raw, "committed")
		call(raw.AckFunc)

	case errors.Is(err, core.ErrDuplicateOperation):
		d.settle(raw, "duplicate")
		call(raw.AckFunc)

	case core.IsRejection(err):
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Str("code", string(core.CodeOf(err))).Msg("bus operation rejected")
		d.settle(raw, "rejected")
		call(raw.TermFunc)

	default:
		d.logger.Error().Err(err).Str("subject", raw.Subject).Msg("bus operation failed, will redeliver")
		d.settle(raw, "failed")
		call(raw.NakFunc)
	}
}

func (d *Dispatcher) settle(raw RawEvent, outcome string) {
	if d.metrics != nil {
		d.metrics.NATSMessages.WithLabelValues(raw.Subject, outcome).Inc()
	}
}

func call(f func()) {
	if f != nil {
		f()
	}
}
