package ingestion

import (
	"context"
	"errors"
	"time"

	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"

	"github.com/rs/zerolog"
)

// RunIngestionLoop feeds NATS commands to the engine one at a time.
//
// A message is acked once the engine has decided on it: applied, duplicate
// or rejected. Rejections are final (the same command would be rejected
// again), and malformed messages are acked so they do not loop through
// redelivery. Only a cancelled context NAKs. metrics may be nil.
func RunIngestionLoop(ctx context.Context, rawChan <-chan RawEvent, engine CommandProcessor, metrics *observability.Metrics, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				raw.nak()
				return
			}
			handleRaw(raw, engine, metrics, logger)
		}
	}
}

func handleRaw(raw RawEvent, engine CommandProcessor, metrics *observability.Metrics, logger zerolog.Logger) {
	defer raw.ack()

	evt, err := ParseRawEvent(raw)
	if err != nil {
		logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		return
	}

	receipt, err := engine.ProcessEvent(evt)
	switch {
	case err != nil && errors.Is(err, ledger.ErrStaleBlock):
		logger.Warn().Err(err).Str("event_type", evt.EventType().String()).
			Str("idempotency_key", evt.IdempotencyKey()).Msg("command behind the block clock")
	case err != nil:
		logger.Debug().Err(err).Str("event_type", evt.EventType().String()).
			Str("idempotency_key", evt.IdempotencyKey()).Msg("command rejected")
	case receipt.Duplicate:
		logger.Debug().Str("event_type", evt.EventType().String()).
			Str("idempotency_key", evt.IdempotencyKey()).Msg("duplicate command")
	case metrics != nil && !raw.Timestamp.IsZero():
		metrics.IngestToApply.WithLabelValues(evt.EventType().String()).Observe(time.Since(raw.Timestamp).Seconds())
	}
}

func (r RawEvent) ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

func (r RawEvent) nak() {
	if r.NakFunc != nil {
		r.NakFunc()
	}
}
