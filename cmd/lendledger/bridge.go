package main

import (
	"context"
	"fmt"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"

	"github.com/rs/zerolog"
)

const channelMetricsEvery = time.Second

// bridge turns engine outputs into event log records and outbound
// messages. Records are sent with a blocking send so persistence
// backpressure reaches the engine; outbound messages are dropped when the
// publisher falls behind. It closes both outputs when in closes.
type bridge struct {
	in      <-chan core.CoreOutput
	records chan<- persistence.Record
	publish chan<- ingestion.PublishableEvent
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func (b *bridge) Run(ctx context.Context) error {
	defer close(b.records)
	defer close(b.publish)

	ticker := time.NewTicker(channelMetricsEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			b.reportChannels()

		case out, ok := <-b.in:
			if !ok {
				return nil
			}
			if err := b.forward(ctx, out); err != nil {
				return err
			}
		}
	}
}

func (b *bridge) forward(ctx context.Context, out core.CoreOutput) error {
	payload, err := ingestion.EncodeEvent(out.Event)
	if err != nil {
		// The command is applied but cannot be logged for replay.
		return fmt.Errorf("encode seq=%d %s: %w", out.Envelope.Sequence, out.Envelope.EventType, err)
	}

	select {
	case b.records <- persistence.NewRecord(out, payload):
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case b.publish <- ingestion.NewPublishableEvent(out, payload):
	default:
		if b.metrics != nil {
			b.metrics.PublishDrops.Inc()
		}
		b.logger.Debug().Int64("sequence", out.Envelope.Sequence).Msg("publish channel full, dropped")
	}
	return nil
}

func (b *bridge) reportChannels() {
	if b.metrics == nil {
		return
	}
	b.metrics.SetChannelMetrics("persist", len(b.in), cap(b.in))
	b.metrics.SetChannelMetrics("records", len(b.records), cap(b.records))
	b.metrics.SetChannelMetrics("publish", len(b.publish), cap(b.publish))
}
