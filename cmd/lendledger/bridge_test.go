package main

import (
	"context"
	"testing"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/persistence"
	"LendLedger/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureOutputs(t *testing.T) (*testutil.Fixture, chan core.CoreOutput) {
	t.Helper()
	f := testutil.NewFixture(t)
	outs := testutil.Drain(f.Persist)
	in := make(chan core.CoreOutput, len(outs))
	for _, o := range outs {
		in <- o
	}
	close(in)
	return f, in
}

func TestBridge_ForwardsEveryOutput(t *testing.T) {
	f, in := fixtureOutputs(t)
	records := make(chan persistence.Record, 16)
	publish := make(chan ingestion.PublishableEvent, 16)

	b := &bridge{in: in, records: records, publish: publish, logger: zerolog.Nop()}
	require.NoError(t, b.Run(context.Background()))

	var recs []persistence.Record
	for r := range records {
		recs = append(recs, r)
	}
	require.Len(t, recs, 9)
	for i, r := range recs {
		assert.Equal(t, int64(i), r.Event.Sequence)
	}

	// The stored payload replays to the same chain.
	replayed := core.NewEngine(0, nil, nil, nil, nil)
	for _, r := range recs {
		et, err := event.ParseEventType(r.Event.EventType)
		require.NoError(t, err)
		evt, err := ingestion.ParseCommand(et, r.Event.Payload)
		require.NoError(t, err)
		var hash [32]byte
		copy(hash[:], r.Event.StateHash)
		require.NoError(t, replayed.ReplayEvent(evt, r.Event.Sequence, hash))
	}
	assert.Equal(t, f.Engine.GetStateHash(), replayed.GetStateHash())

	var published int
	for range publish {
		published++
	}
	assert.Equal(t, 9, published)
}

func TestBridge_DropsPublishWhenFull(t *testing.T) {
	_, in := fixtureOutputs(t)
	records := make(chan persistence.Record, 16)
	publish := make(chan ingestion.PublishableEvent)

	b := &bridge{in: in, records: records, publish: publish, logger: zerolog.Nop()}
	require.NoError(t, b.Run(context.Background()))

	assert.Len(t, records, 9, "persistence never drops")
	_, open := <-publish
	assert.False(t, open)
}

func TestBridge_StopsOnCancel(t *testing.T) {
	_, in := fixtureOutputs(t)
	records := make(chan persistence.Record) // nobody reads: the send blocks
	publish := make(chan ingestion.PublishableEvent, 16)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := &bridge{in: in, records: records, publish: publish, logger: zerolog.Nop()}
	assert.ErrorIs(t, b.Run(ctx), context.Canceled)
}
