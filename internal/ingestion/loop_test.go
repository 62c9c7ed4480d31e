package ingestion_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ackCounter struct {
	acks, naks atomic.Int32
}

func (c *ackCounter) raw(subject string, data []byte) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() { c.acks.Add(1) },
		NakFunc:   func() { c.naks.Add(1) },
	}
}

func accountCommand(user uuid.UUID, market, amount string) []byte {
	return []byte(`{"request_id":"` + uuid.NewString() + `","block":2,"user_id":"` + user.String() +
		`","market":"` + market + `","amount":"` + amount + `"}`)
}

func TestRunIngestionLoop_AcksEveryDecision(t *testing.T) {
	f := testutil.NewFixture(t)
	var c ackCounter

	mint := accountCommand(f.Lender, testutil.USDC, "10")
	rawChan := make(chan ingestion.RawEvent, 8)
	rawChan <- c.raw(ingestion.CommandSubject(event.EventTypeMint), mint)
	rawChan <- c.raw(ingestion.CommandSubject(event.EventTypeMint), mint) // duplicate
	rawChan <- c.raw(ingestion.CommandSubject(event.EventTypeBorrow), accountCommand(f.Borrower, testutil.USDC, "1000"))
	rawChan <- c.raw(ingestion.CommandSubject(event.EventTypeMint), []byte(`{not json`))
	rawChan <- c.raw("lend.commands.Teleport", []byte(`{}`))
	close(rawChan)

	ingestion.RunIngestionLoop(context.Background(), rawChan, f.Engine, nil, zerolog.Nop())

	assert.Equal(t, int32(5), c.acks.Load())
	assert.Zero(t, c.naks.Load())
	assert.Equal(t, int64(10), f.Engine.GetSequence(), "only the first mint applies")
}

func TestRunIngestionLoop_CancelledContextDoesNotAck(t *testing.T) {
	f := testutil.NewFixture(t)
	var c ackCounter

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rawChan := make(chan ingestion.RawEvent, 1)
	rawChan <- c.raw(ingestion.CommandSubject(event.EventTypeMint), accountCommand(f.Lender, testutil.USDC, "10"))

	ingestion.RunIngestionLoop(ctx, rawChan, f.Engine, nil, zerolog.Nop())

	require.Zero(t, c.acks.Load())
	assert.Equal(t, int64(9), f.Engine.GetSequence())
}
