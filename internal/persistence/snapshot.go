package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/oracle"
	"LendLedger/internal/ratemodel"
	"LendLedger/internal/state"
	"LendLedger/internal/synthetic"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// snapshotFormatVersion is bumped whenever SnapshotData changes shape.
const snapshotFormatVersion = 1

// SnapshotManager saves and loads engine snapshots and reads the event log
// back for replay.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the JSON form of a snapshot. Amounts are decimal strings
// of the raw 256-bit values.
type SnapshotData struct {
	Sequence        int64           `json:"sequence"`
	StateHash       []byte          `json:"state_hash"`
	Block           uint64          `json:"block"`
	Global          GlobalSnap      `json:"global"`
	Markets         []MarketSnap    `json:"markets"` // listing order
	Positions       []PositionSnap  `json:"positions"`
	Accounts        []AccountSnap   `json:"accounts"`
	Synthetics      []SyntheticSnap `json:"synthetics"`
	Prices          []PriceSnap     `json:"prices"`
	IdempotencyKeys []string        `json:"idempotency_keys"`
	CreatedAt       time.Time       `json:"created_at"`
}

type GlobalSnap struct {
	LiquidationIncentive string `json:"liquidation_incentive"`
	CloseFactor          string `json:"close_factor"`
	LiquidationPaused    bool   `json:"liquidation_paused"`
}

type MarketSnap struct {
	ID               string     `json:"id"`
	Kind             string     `json:"kind"`
	Asset            string     `json:"asset"`
	Cash             string     `json:"cash"`
	TotalShares      string     `json:"total_shares"`
	TotalDebt        string     `json:"total_debt"`
	TotalReserves    string     `json:"total_reserves"`
	DebtIndex        string     `json:"debt_index"`
	SavingsIndex     string     `json:"savings_index"`
	LastAccrualBlock uint64     `json:"last_accrual_block"`
	Config           ConfigSnap `json:"config"`
}

type ConfigSnap struct {
	ReserveRatio      string        `json:"reserve_ratio"`
	CollateralFactor  string        `json:"collateral_factor"`
	BorrowFactor      string        `json:"borrow_factor"`
	SupplyCapacity    string        `json:"supply_capacity"`
	BorrowCapacity    string        `json:"borrow_capacity"`
	FlashloanFeeRatio string        `json:"flashloan_fee_ratio"`
	SavingsRate       string        `json:"savings_rate"`
	Paused            PauseSnap     `json:"paused"`
	RateModel         RateModelSnap `json:"rate_model"`
}

type PauseSnap struct {
	Mint     bool `json:"mint"`
	Redeem   bool `json:"redeem"`
	Borrow   bool `json:"borrow"`
	Transfer bool `json:"transfer"`
}

type RateModelSnap struct {
	Kind                  string `json:"kind"`
	RatePerBlock          string `json:"rate_per_block"`
	BaseRatePerYear       string `json:"base_rate_per_year"`
	MultiplierPerYear     string `json:"multiplier_per_year"`
	JumpMultiplierPerYear string `json:"jump_multiplier_per_year"`
	Kink                  string `json:"kink"`
	BlocksPerYear         uint64 `json:"blocks_per_year"`
}

type PositionSnap struct {
	UserID        string `json:"user_id"`
	MarketID      string `json:"market_id"`
	Shares        string `json:"shares"`
	Principal     string `json:"principal"`
	IndexSnapshot string `json:"index_snapshot"`
}

type AccountSnap struct {
	UserID            string   `json:"user_id"`
	CollateralMarkets []string `json:"collateral_markets"`
	BorrowedMarkets   []string `json:"borrowed_markets"`
}

type SyntheticSnap struct {
	Asset        string `json:"asset"`
	TotalDebt    string `json:"total_debt"`
	TotalEarning string `json:"total_earning"`
}

type PriceSnap struct {
	MarketID string `json:"market_id"`
	Price    string `json:"price"`
	Sequence int64  `json:"sequence"`
}

// NewSnapshotData converts an engine snapshot to its stored form.
func NewSnapshotData(s *core.SnapshotState) *SnapshotData {
	st := s.State
	d := &SnapshotData{
		Sequence:  s.Sequence,
		StateHash: append([]byte(nil), s.StateHash[:]...),
		Block:     st.Block,
		Global: GlobalSnap{
			LiquidationIncentive: fpmath.String(st.Global.LiquidationIncentive),
			CloseFactor:          fpmath.String(st.Global.CloseFactor),
			LiquidationPaused:    st.Global.LiquidationPaused,
		},
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}
	for _, r := range st.Markets {
		m, c := r.Market, r.Config
		d.Markets = append(d.Markets, MarketSnap{
			ID:               m.ID,
			Kind:             m.Kind.String(),
			Asset:            m.Asset,
			Cash:             fpmath.String(m.Cash),
			TotalShares:      fpmath.String(m.TotalShares),
			TotalDebt:        fpmath.String(m.TotalDebt),
			TotalReserves:    fpmath.String(m.TotalReserves),
			DebtIndex:        fpmath.String(m.DebtIndex),
			SavingsIndex:     fpmath.String(m.SavingsIndex),
			LastAccrualBlock: m.LastAccrualBlock,
			Config: ConfigSnap{
				ReserveRatio:      fpmath.String(c.ReserveRatio),
				CollateralFactor:  fpmath.String(c.CollateralFactor),
				BorrowFactor:      fpmath.String(c.BorrowFactor),
				SupplyCapacity:    fpmath.String(c.SupplyCapacity),
				BorrowCapacity:    fpmath.String(c.BorrowCapacity),
				FlashloanFeeRatio: fpmath.String(c.FlashloanFeeRatio),
				SavingsRate:       fpmath.String(c.SavingsRate),
				Paused:            PauseSnap(c.Paused),
				RateModel: RateModelSnap{
					Kind:                  string(c.RateModel.Kind),
					RatePerBlock:          fpmath.String(c.RateModel.RatePerBlock),
					BaseRatePerYear:       fpmath.String(c.RateModel.BaseRatePerYear),
					MultiplierPerYear:     fpmath.String(c.RateModel.MultiplierPerYear),
					JumpMultiplierPerYear: fpmath.String(c.RateModel.JumpMultiplierPerYear),
					Kink:                  fpmath.String(c.RateModel.Kink),
					BlocksPerYear:         c.RateModel.BlocksPerYear,
				},
			},
		})
	}
	for _, p := range st.Positions {
		d.Positions = append(d.Positions, PositionSnap{
			UserID:        p.UserID.String(),
			MarketID:      p.MarketID,
			Shares:        fpmath.String(p.Shares),
			Principal:     fpmath.String(p.Debt.Principal),
			IndexSnapshot: fpmath.String(p.Debt.IndexSnapshot),
		})
	}
	for _, a := range st.Accounts {
		d.Accounts = append(d.Accounts, AccountSnap{
			UserID:            a.UserID.String(),
			CollateralMarkets: a.CollateralMarkets,
			BorrowedMarkets:   a.BorrowedMarkets,
		})
	}
	for _, l := range st.Synthetics {
		d.Synthetics = append(d.Synthetics, SyntheticSnap{
			Asset:        l.Asset,
			TotalDebt:    fpmath.String(l.TotalDebt),
			TotalEarning: fpmath.String(l.TotalEarning),
		})
	}
	for _, q := range st.Quotes {
		d.Prices = append(d.Prices, PriceSnap{
			MarketID: q.MarketID,
			Price:    fpmath.String(q.Quote.Price),
			Sequence: q.Quote.Sequence,
		})
	}
	return d
}

// amountReader parses a run of amount fields and keeps the first error.
type amountReader struct {
	err error
}

func (r *amountReader) read(field, s string) uint256.Int {
	if r.err != nil {
		return uint256.Int{}
	}
	v, err := fpmath.Parse(s)
	if err != nil {
		r.err = fmt.Errorf("%s %q: %w", field, s, err)
	}
	return v
}

// EngineState converts the stored form back into an engine snapshot.
func (d *SnapshotData) EngineState() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", d.Sequence, len(d.StateHash))
	}
	var r amountReader
	out := &core.SnapshotState{
		Sequence:        d.Sequence,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	copy(out.StateHash[:], d.StateHash)

	st := state.Snapshot{
		Block: d.Block,
		Global: state.GlobalConfig{
			LiquidationIncentive: r.read("liquidation_incentive", d.Global.LiquidationIncentive),
			CloseFactor:          r.read("close_factor", d.Global.CloseFactor),
			LiquidationPaused:    d.Global.LiquidationPaused,
		},
	}

	for _, m := range d.Markets {
		kind, err := ledger.ParseKind(m.Kind)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", m.ID, err)
		}
		c := m.Config
		st.Markets = append(st.Markets, state.MarketRecord{
			Market: ledger.Market{
				ID:               m.ID,
				Kind:             kind,
				Asset:            m.Asset,
				Cash:             r.read("cash", m.Cash),
				TotalShares:      r.read("total_shares", m.TotalShares),
				TotalDebt:        r.read("total_debt", m.TotalDebt),
				TotalReserves:    r.read("total_reserves", m.TotalReserves),
				DebtIndex:        r.read("debt_index", m.DebtIndex),
				SavingsIndex:     r.read("savings_index", m.SavingsIndex),
				LastAccrualBlock: m.LastAccrualBlock,
			},
			Config: state.MarketConfig{
				Config: ledger.Config{
					ReserveRatio:      r.read("reserve_ratio", c.ReserveRatio),
					CollateralFactor:  r.read("collateral_factor", c.CollateralFactor),
					BorrowFactor:      r.read("borrow_factor", c.BorrowFactor),
					SupplyCapacity:    r.read("supply_capacity", c.SupplyCapacity),
					BorrowCapacity:    r.read("borrow_capacity", c.BorrowCapacity),
					FlashloanFeeRatio: r.read("flashloan_fee_ratio", c.FlashloanFeeRatio),
					SavingsRate:       r.read("savings_rate", c.SavingsRate),
					Paused:            ledger.PauseFlags(c.Paused),
				},
				RateModel: ratemodel.Config{
					Kind:                  ratemodel.Kind(c.RateModel.Kind),
					RatePerBlock:          r.read("rate_per_block", c.RateModel.RatePerBlock),
					BaseRatePerYear:       r.read("base_rate_per_year", c.RateModel.BaseRatePerYear),
					MultiplierPerYear:     r.read("multiplier_per_year", c.RateModel.MultiplierPerYear),
					JumpMultiplierPerYear: r.read("jump_multiplier_per_year", c.RateModel.JumpMultiplierPerYear),
					Kink:                  r.read("kink", c.RateModel.Kink),
					BlocksPerYear:         c.RateModel.BlocksPerYear,
				},
			},
		})
	}

	for _, p := range d.Positions {
		id, err := uuid.Parse(p.UserID)
		if err != nil {
			return nil, fmt.Errorf("position user %q: %w", p.UserID, err)
		}
		st.Positions = append(st.Positions, state.Position{
			UserID:   id,
			MarketID: p.MarketID,
			Shares:   r.read("shares", p.Shares),
			Debt: ledger.Debt{
				Principal:     r.read("principal", p.Principal),
				IndexSnapshot: r.read("index_snapshot", p.IndexSnapshot),
			},
		})
	}

	for _, a := range d.Accounts {
		id, err := uuid.Parse(a.UserID)
		if err != nil {
			return nil, fmt.Errorf("account user %q: %w", a.UserID, err)
		}
		st.Accounts = append(st.Accounts, state.Account{
			UserID:            id,
			CollateralMarkets: a.CollateralMarkets,
			BorrowedMarkets:   a.BorrowedMarkets,
		})
	}

	for _, l := range d.Synthetics {
		st.Synthetics = append(st.Synthetics, synthetic.Ledger{
			Asset:        l.Asset,
			TotalDebt:    r.read("synthetic total_debt", l.TotalDebt),
			TotalEarning: r.read("synthetic total_earning", l.TotalEarning),
		})
	}

	for _, q := range d.Prices {
		st.Quotes = append(st.Quotes, state.QuoteChange{
			MarketID: q.MarketID,
			Quote:    oracle.Quote{Price: r.read("price", q.Price), Sequence: q.Sequence},
		})
	}

	if r.err != nil {
		return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, r.err)
	}
	out.State = st
	return out, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot stores a snapshot unverified. Returns the encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, block_number, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		ON CONFLICT (sequence) DO UPDATE SET data = $4, state_hash = $5, size_bytes = $7
	`, uuid.New(), snap.Sequence, int64(snap.Block), string(data), snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var (
		data    []byte
		version int
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("snapshot format %d not supported (want %d)", version, snapshotFormatVersion)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as usable for restarts.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom reads up to limit events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market_id, block_number, payload,
		       state_digest, state_hash, prev_hash, created_at
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e     EventRow
			block int64
		)
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID, &block, &e.Payload,
			&e.StateDigest, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Block = uint64(block)
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// VerifyEventChain recomputes the hash chain over the stored events from
// fromSequence onward, starting at prev (the hash before fromSequence).
// It returns the number of events checked.
func (sm *SnapshotManager) VerifyEventChain(ctx context.Context, fromSequence int64, prev [32]byte, pageSize int) (int, error) {
	checked := 0
	next := fromSequence
	for {
		events, err := sm.LoadEventsFrom(ctx, next, pageSize)
		if err != nil {
			return checked, fmt.Errorf("load events from %d: %w", next, err)
		}
		if len(events) == 0 {
			return checked, nil
		}
		links, err := ChainLinks(events, next)
		if err != nil {
			return checked, err
		}
		if err := core.VerifyChain(prev, links); err != nil {
			return checked, err
		}
		last := links[len(links)-1]
		prev = last.StateHash
		next = last.Sequence + 1
		checked += len(links)
	}
}

// ChainLinks converts event rows into hash chain links, checking that
// sequences are contiguous from expect.
func ChainLinks(events []EventRow, expect int64) ([]core.ChainLink, error) {
	links := make([]core.ChainLink, 0, len(events))
	for _, e := range events {
		if e.Sequence != expect {
			return nil, fmt.Errorf("event log gap: expected seq %d, found %d", expect, e.Sequence)
		}
		if len(e.StateHash) != 32 {
			return nil, fmt.Errorf("seq %d: state hash has %d bytes", e.Sequence, len(e.StateHash))
		}
		l := core.ChainLink{Sequence: e.Sequence, Digest: e.StateDigest}
		copy(l.StateHash[:], e.StateHash)
		links = append(links, l)
		expect++
	}
	return links, nil
}
