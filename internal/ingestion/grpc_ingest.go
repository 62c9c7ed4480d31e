package ingestion

import (
	"context"
	"fmt"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
)

// CommandProcessor is the engine as ingestion sees it.
type CommandProcessor interface {
	ProcessEvent(evt event.Event) (*core.Receipt, error)
}

// GRPCIngestService submits commands arriving over gRPC or HTTP. Unlike the
// NATS path it is synchronous: the caller gets the receipt or the rejection.
type GRPCIngestService struct {
	engine CommandProcessor
}

func NewGRPCIngestService(engine CommandProcessor) *GRPCIngestService {
	return &GRPCIngestService{engine: engine}
}

// Submit decodes a JSON command of the named type and applies it.
func (s *GRPCIngestService) Submit(ctx context.Context, eventType string, data []byte) (*core.Receipt, error) {
	et, err := event.ParseEventType(eventType)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrMalformed)
	}
	evt, err := ParseCommand(et, data)
	if err != nil {
		return nil, err
	}
	return s.SubmitEvent(ctx, evt)
}

// SubmitEvent applies an already typed command.
func (s *GRPCIngestService) SubmitEvent(ctx context.Context, evt event.Event) (*core.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.engine.ProcessEvent(evt)
}
