package ingestion

import (
	"StakeLedger/internal/event"
	"StakeLedger/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	LedgerEventsStream  = "STAKE_LEDGER_EVENTS"
	LedgerEventsSubject = "stake.ledger.events"
)

// OutboundPublisher publishes committed operations for downstream consumers
// on stake.ledger.events.<op>. Publishing is best effort: the audit log in
// Postgres is the source of truth.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire format.
type PublishableEvent struct {
	Sequence       int64          `json:"sequence"`
	EventType      string         `json:"event_type"`
	IdempotencyKey string         `json:"idempotency_key"`
	Account        string         `json:"account"`
	Outcome        *event.Outcome `json:"outcome"`
	StateHash      string         `json:"state_hash"`
	PrevHash       string         `json:"prev_hash"`
	Timestamp      time.Time      `json:"timestamp"`
}

// NewPublishableEvent builds the outbound form of a committed envelope.
func NewPublishableEvent(env *event.EventEnvelope, outcome *event.Outcome) PublishableEvent {
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.Subject(),
		IdempotencyKey: env.IdempotencyKey,
		Account:        env.Account.Hex(),
		Outcome:        outcome,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
	}
}

// Subject returns the bus subject for evt.
func (evt PublishableEvent) Subject() string {
	return LedgerEventsSubject + "." + evt.EventType
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			status := "ok"
			if err := op.publish(ctx, evt); err != nil {
				status = "error"
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
			if op.metrics != nil {
				op.metrics.NATSPublished.WithLabelValues(evt.EventType, status).Inc()
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	// operation id as message id lets JetStream drop a republished event
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.IdempotencyKey))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       LedgerEventsStream,
		Subjects:   []string{LedgerEventsSubject + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return errors.Wrap(err, "create outbound stream")
	}
	logger.Info().Str("stream", LedgerEventsStream).Msg("ensured outbound stream")
	return nil
}
