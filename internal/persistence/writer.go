package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"

	"github.com/google/uuid"
)

// transferNamespace derives stable transfer ids so a re-flushed batch hits
// ON CONFLICT instead of duplicating rows.
var transferNamespace = uuid.MustParse("6f1c0a5e-2b7d-4c1e-9a35-5d8e0f4b7c21")

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes applied commands and their transfers to Postgres
// using multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a row of event_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	MarketID       *string
	Block          uint64
	Payload        []byte // command JSON, replayed through the ingestion parser
	StateDigest    []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// TransferRow is a row of event_log.transfers: one accounted asset movement.
type TransferRow struct {
	TransferID  uuid.UUID
	Sequence    int64
	EventRef    string
	Block       uint64
	FromAccount string
	ToAccount   string
	MarketID    string
	Asset       string
	Amount      string // NUMERIC(78,0)
	JournalType string
	Direction   string // move_in or move_out
	Timestamp   time.Time
}

// Record is everything persisted for one applied command.
type Record struct {
	Event     EventRow
	Transfers []TransferRow
}

// NewRecord converts an engine output into rows. payload is the encoded
// command that replay will parse back.
func NewRecord(out core.CoreOutput, payload []byte) Record {
	now := time.Now().UTC()
	env := out.Envelope
	rec := Record{
		Event: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			MarketID:       env.MarketID,
			Block:          env.BlockNumber,
			Payload:        payload,
			StateDigest:    out.StateDelta,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      now,
		},
	}
	if out.Batch == nil {
		return rec
	}
	for i, j := range out.Batch.Journals {
		rec.Transfers = append(rec.Transfers, newTransferRow(out.Batch, i, j, now))
	}
	return rec
}

func newTransferRow(b *ledger.Batch, i int, j ledger.Journal, ts time.Time) TransferRow {
	direction := "move_out"
	if j.MovesIn() {
		direction = "move_in"
	}
	return TransferRow{
		TransferID:  uuid.NewSHA1(transferNamespace, []byte(fmt.Sprintf("%d:%d", b.Sequence, i))),
		Sequence:    b.Sequence,
		EventRef:    b.EventRef,
		Block:       b.Block,
		FromAccount: j.From.AccountPath(),
		ToAccount:   j.To.AccountPath(),
		MarketID:    j.MarketID,
		Asset:       j.Asset,
		Amount:      fpmath.String(j.Amount),
		JournalType: j.JournalType.String(),
		Direction:   direction,
		Timestamp:   ts,
	}
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch inserts events. Existing sequences are skipped so a retried
// flush is harmless.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 10
	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, market_id, block_number, payload, state_digest, state_hash, prev_hash, created_at)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)
	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.MarketID, int64(e.Block),
			string(e.Payload), e.StateDigest, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteTransferBatch inserts transfer journal rows.
func (w *EventLogWriter) WriteTransferBatch(ctx context.Context, tx execer, transfers []TransferRow) error {
	if len(transfers) == 0 {
		return nil
	}

	const cols = 12
	query := `INSERT INTO event_log.transfers
		(transfer_id, sequence, event_ref, block_number, from_account, to_account, market_id, asset, amount, journal_type, direction, created_at)
		VALUES `

	values := make([]string, 0, len(transfers))
	args := make([]any, 0, len(transfers)*cols)
	for i, t := range transfers {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			t.TransferID, t.Sequence, t.EventRef, int64(t.Block), t.FromAccount, t.ToAccount,
			t.MarketID, t.Asset, t.Amount, t.JournalType, t.Direction, t.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (transfer_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($n, ..., $n+cols-1)" starting at base+1.
func placeholders(base, cols int) string {
	var b strings.Builder
	b.WriteByte('(')
	for c := 1; c <= cols; c++ {
		if c > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+c)
	}
	b.WriteByte(')')
	return b.String()
}
