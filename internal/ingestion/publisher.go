package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// LedgerEventStream holds the outbound applied-command feed.
	LedgerEventStream = "LEND_LEDGER_EVENTS"
	// LedgerEventSubjectPrefix is followed by {event_type}[.{market}].
	LedgerEventSubjectPrefix = "lend.ledger.events"
)

// OutboundPublisher publishes applied commands to NATS for downstream
// consumers.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is one applied command as downstream consumers see it.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       *string         `json:"market_id,omitempty"`
	Block          uint64          `json:"block"`
	Command        json.RawMessage `json:"command"`
	Amount         string          `json:"amount"`
	Shares         string          `json:"shares"`
	Fee            string          `json:"fee"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewPublishableEvent builds the outbound message for an engine output.
// payload is the command JSON written to the event log.
func NewPublishableEvent(out core.CoreOutput, payload []byte) PublishableEvent {
	return PublishableEvent{
		Sequence:       out.Envelope.Sequence,
		EventType:      out.Envelope.EventType.String(),
		IdempotencyKey: out.Envelope.IdempotencyKey,
		MarketID:       out.Envelope.MarketID,
		Block:          out.Envelope.BlockNumber,
		Command:        payload,
		Amount:         FormatAmount(out.Receipt.Amount),
		Shares:         FormatAmount(out.Receipt.Shares),
		Fee:            FormatAmount(out.Receipt.Fee),
		StateHash:      hex.EncodeToString(out.Envelope.StateHash[:]),
		Timestamp:      time.Now().UTC(),
	}
}

// Subject is lend.ledger.events.{event_type}, plus .{market} for
// market-scoped commands.
func (e PublishableEvent) Subject() string {
	subject := fmt.Sprintf("%s.%s", LedgerEventSubjectPrefix, e.EventType)
	if e.MarketID != nil {
		subject = fmt.Sprintf("%s.%s", subject, *e.MarketID)
	}
	return subject
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    observability.NewLogger("publisher"),
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

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log.
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// The sequence doubles as the JetStream message id so a republish after
	// restart is deduplicated by the stream.
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(fmt.Sprintf("%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       LedgerEventStream,
		Subjects:   []string{LedgerEventSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
