package core

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/observability"
	"LendLedger/internal/oracle"
	"LendLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// DefaultLRUCapacity is the number of recent idempotency keys kept in memory.
const DefaultLRUCapacity = 1_000_000

// supplyCheckInterval is how often (in sequences) the engine cross-checks
// position shares against market share totals.
const supplyCheckInterval = 1000

// Engine is the single-writer command processor. Commands are serialized by
// writeMu; readers take stateMu and never observe a half-applied command.
type Engine struct {
	writeMu sync.Mutex
	stateMu sync.RWMutex

	store       *state.Store
	sequence    int64
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	clock       *BlockClock
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// Receipt is what the caller of a command learns about its effect.
type Receipt struct {
	Sequence       int64
	EventType      event.EventType
	IdempotencyKey string
	Block          uint64

	// Duplicate is set when nothing was applied: the command was already
	// processed, or it was a stale price update.
	Duplicate bool

	Amount    uint256.Int // underlying moved: minted, redeemed, borrowed, repaid, withdrawn
	Shares    uint256.Int // shares minted, burned, transferred or seized
	Fee       uint256.Int // flashloan fee
	StateHash [32]byte
}

// CoreOutput is everything downstream workers need about one applied command.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Event      event.Event
	Receipt    Receipt
	Batch      *ledger.Batch
	Changes    state.Changes
	StateDelta []byte
}

type engineOptions struct {
	lruCapacity int
	logger      *zerolog.Logger
}

// Option customizes an Engine.
type Option func(*engineOptions)

// WithLRUCapacity sets the tier-1 dedup cache size.
func WithLRUCapacity(n int) Option {
	return func(o *engineOptions) { o.lruCapacity = n }
}

// WithLogger replaces the default "core" logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *engineOptions) { o.logger = &l }
}

// NewEngine builds an engine over an empty store. Either channel may be nil
// (tests, replay tools). metrics may be nil.
func NewEngine(
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	opts ...Option,
) *Engine {
	o := engineOptions{lruCapacity: DefaultLRUCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	logger := observability.NewLogger("core")
	if o.logger != nil {
		logger = *o.logger
	}

	idem := NewIdempotencyChecker(o.lruCapacity, dbChecker, metrics, logger)
	if metrics != nil {
		idem.lru.onEvict = metrics.DedupLRUEvictions.Inc
	}

	return &Engine{
		store:          state.NewStore(),
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		idempotency:    idem,
		clock:          NewBlockClock(0),
		metrics:        metrics,
		logger:         logger,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// ProcessEvent runs one command through the pipeline:
//
//  1. idempotency (two-tier)
//  2. block clock
//  3. dispatch: propose on a copy-on-write transaction, forced accrual first
//  4. risk gates against the proposed state (inside the handlers)
//  5. invariant checks on every touched record (fatal)
//  6. commit, state hash chain, outputs
//
// A rejected command returns an error and leaves no trace: no state change,
// no sequence, no hash, no output.
func (e *Engine) ProcessEvent(evt event.Event) (*Receipt, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.processLocked(evt, true)
}

// ReplayEvent re-applies a command read back from the event log. It skips
// deduplication and emits nothing, and it fails if the engine diverges from
// the log: a different sequence or state hash, or a rejection.
func (e *Engine) ReplayEvent(evt event.Event, sequence int64, stateHash [32]byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if sequence != e.sequence {
		return fmt.Errorf("replay: log sequence %d, engine at %d", sequence, e.sequence)
	}
	receipt, err := e.processLocked(evt, false)
	if err != nil {
		return fmt.Errorf("replay seq=%d %s: %w", sequence, evt.EventType(), err)
	}
	if receipt.Duplicate {
		return fmt.Errorf("replay seq=%d %s: command applied nothing", sequence, evt.EventType())
	}
	if receipt.StateHash != stateHash {
		return fmt.Errorf("replay seq=%d: state hash %x, log has %x", sequence, receipt.StateHash, stateHash)
	}
	if e.metrics != nil {
		e.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

func (e *Engine) processLocked(evt event.Event, live bool) (*Receipt, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()
	block := evt.BlockNumber()

	// Step 1: Idempotency check (two-tier)
	if live && e.idempotency.IsDuplicate(eventType, idempotencyKey) {
		e.recordRejected(eventType, "duplicate")
		return &Receipt{
			EventType:      evt.EventType(),
			IdempotencyKey: idempotencyKey,
			Block:          block,
			Duplicate:      true,
		}, nil
	}

	// Step 2: Block clock
	if err := e.clock.Check(eventType, block); err != nil {
		if e.metrics != nil {
			e.metrics.StaleBlocks.WithLabelValues(eventType).Inc()
		}
		return nil, e.reject(evt, err)
	}

	// Step 3-4: Propose and gate
	p := newProposal(e.store, evt)
	if err := e.dispatch(p, evt); err != nil {
		return nil, e.reject(evt, err)
	}
	if p.noop {
		e.observeNoop(p, eventType)
		p.receipt.Duplicate = true
		return p.receipt, nil
	}

	// Step 5: Invariants on the proposal
	e.validateProposal(p)

	// Step 6: Commit
	e.stateMu.Lock()
	changes := p.tx.Commit()
	e.stateMu.Unlock()
	e.clock.Advance(block)

	seq := e.sequence
	digest := changes.Digest()
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(seq, digest)
	e.sequence++

	p.batch.Sequence = seq
	p.receipt.Sequence = seq
	p.receipt.StateHash = stateHash

	envelope := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		MarketID:       evt.MarketID(),
		BlockNumber:    block,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	if live {
		e.emit(CoreOutput{
			Envelope:   envelope,
			Event:      evt,
			Receipt:    *p.receipt,
			Batch:      p.batch,
			Changes:    changes,
			StateDelta: digest,
		})
	}

	// Step 7: Mark as processed, periodic checks, metrics
	e.idempotency.MarkProcessed(eventType, idempotencyKey)
	if seq > 0 && seq%supplyCheckInterval == 0 {
		e.checkShareSupply(seq)
	}
	e.observeApplied(p, eventType, changes, start)

	return p.receipt, nil
}

// emit hands the output to the workers. Persistence is a blocking send so
// no applied command is lost; projections drop when full and rebuild from
// the event log.
func (e *Engine) emit(out CoreOutput) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

func (e *Engine) reject(evt event.Event, err error) error {
	kind := ledger.ErrorKind(err)
	e.recordRejected(evt.EventType().String(), kind)
	e.logger.Debug().
		Str("event_type", evt.EventType().String()).
		Str("idempotency_key", evt.IdempotencyKey()).
		Uint64("block", evt.BlockNumber()).
		Str("reason", kind).
		Err(err).
		Msg("command rejected")
	return err
}

func (e *Engine) recordRejected(eventType, reason string) {
	if e.metrics != nil {
		e.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

// validateProposal checks every record the command touched. A violation is
// a bug in the ledger functions, never a bad command, so it is fatal.
func (e *Engine) validateProposal(p *proposal) {
	changes := p.tx.Changes()
	for _, m := range changes.Markets {
		if err := ledger.ValidateMarket(m); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}
	for _, l := range changes.Synthetics {
		if err := l.Validate(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}
	if err := p.batch.Validate(); err != nil {
		panic(fmt.Sprintf("FATAL: malformed transfer batch: %v", err))
	}
}

// checkShareSupply verifies that position shares add up to each market's
// totalShares.
func (e *Engine) checkShareSupply(seq int64) {
	snap := e.store.Snapshot()
	sums := make(map[string]uint256.Int, len(snap.Markets))
	for _, p := range snap.Positions {
		sums[p.MarketID] = fpmath.Add(sums[p.MarketID], p.Shares)
	}
	for _, r := range snap.Markets {
		if got := sums[r.Market.ID]; !fpmath.Eq(got, r.Market.TotalShares) {
			panic(fmt.Sprintf("FATAL: share supply of %s: positions hold %s, market has %s (at seq %d)",
				r.Market.ID, fpmath.String(got), r.Market.TotalShares.Dec(), seq))
		}
	}
}

func (e *Engine) observeNoop(p *proposal, eventType string) {
	e.recordRejected(eventType, "stale_price")
	if e.metrics != nil && p.price != nil {
		e.metrics.PriceUpdates.WithLabelValues(p.price.market, oracle.Stale.String()).Inc()
	}
}

func (e *Engine) observeApplied(p *proposal, eventType string, changes state.Changes, start time.Time) {
	switch evt := p.event.(type) {
	case *event.LiquidateBorrow:
		e.logger.Info().
			Str("liquidator", evt.Liquidator.String()).
			Str("borrower", evt.Borrower.String()).
			Str("repay_market", evt.RepayMarket).
			Str("collateral_market", evt.CollateralMarket).
			Str("repaid", fpmath.String(p.receipt.Amount)).
			Str("seized_shares", fpmath.String(p.receipt.Shares)).
			Int64("sequence", p.receipt.Sequence).
			Msg("liquidation applied")
	case *event.WithdrawReserves:
		e.logger.Info().Str("market_id", evt.Market).Str("amount", fpmath.String(evt.Amount)).
			Int64("sequence", p.receipt.Sequence).Msg("reserves withdrawn")
	case *event.WithdrawSyntheticReserves:
		e.logger.Info().Str("asset", evt.Asset).Str("amount", fpmath.String(evt.Amount)).
			Int64("sequence", p.receipt.Sequence).Msg("synthetic reserves withdrawn")
	}

	m := e.metrics
	if m == nil {
		return
	}
	m.CoreEventsApplied.WithLabelValues(eventType).Inc()
	m.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	m.CoreSequence.Set(float64(e.sequence))
	m.CoreBlock.Set(float64(e.clock.Current()))

	for _, j := range p.batch.Journals {
		m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	for id, interest := range p.interest {
		m.InterestAccrued.WithLabelValues(id).Add(amountFloat(interest))
	}
	for _, mk := range changes.Markets {
		m.MarketUtilization.WithLabelValues(mk.ID).Set(fpmath.ToDecimal(mk.Utilization()).InexactFloat64())
		m.MarketTotalDebt.WithLabelValues(mk.ID).Set(amountFloat(mk.TotalDebt))
		m.MarketCash.WithLabelValues(mk.ID).Set(amountFloat(mk.Cash))
	}
	for _, l := range changes.Synthetics {
		m.SyntheticEquity.WithLabelValues(l.Asset).Set(amountFloat(l.Equity()))
	}
	if p.price != nil {
		m.PriceUpdates.WithLabelValues(p.price.market, p.price.outcome.String()).Inc()
	}

	switch evt := p.event.(type) {
	case *event.LiquidateBorrow:
		m.Liquidations.WithLabelValues(evt.RepayMarket, evt.CollateralMarket).Inc()
	case *event.Flashloan:
		m.Flashloans.WithLabelValues(evt.Market).Inc()
	case *event.WithdrawReserves:
		if mk, ok := e.store.Market(evt.Market); ok {
			m.ReserveWithdrawn.WithLabelValues(mk.Asset).Add(amountFloat(evt.Amount))
		}
	case *event.WithdrawSyntheticReserves:
		m.ReserveWithdrawn.WithLabelValues(evt.Asset).Add(amountFloat(evt.Amount))
	}
}

func amountFloat(v uint256.Int) float64 {
	return fpmath.AmountDecimal(v).InexactFloat64()
}

// dispatch routes a command to its handler.
func (e *Engine) dispatch(p *proposal, evt event.Event) error {
	switch ev := evt.(type) {
	case *event.Mint:
		return e.handleMint(p, ev)
	case *event.Redeem:
		return e.handleRedeem(p, ev)
	case *event.RedeemUnderlying:
		return e.handleRedeemUnderlying(p, ev)
	case *event.Transfer:
		return e.handleTransfer(p, ev)
	case *event.Borrow:
		return e.handleBorrow(p, ev)
	case *event.RepayBorrow:
		return e.handleRepayBorrow(p, ev)
	case *event.RepayBorrowBehalf:
		return e.handleRepayBorrowBehalf(p, ev)
	case *event.Flashloan:
		return e.handleFlashloan(p, ev)
	case *event.EnterMarkets:
		return e.handleEnterMarkets(p, ev)
	case *event.ExitMarkets:
		return e.handleExitMarkets(p, ev)
	case *event.LiquidateBorrow:
		return e.handleLiquidateBorrow(p, ev)
	case *event.AccrueInterest:
		return e.handleAccrueInterest(p, ev)
	case *event.PriceUpdate:
		return e.handlePriceUpdate(p, ev)
	case *event.ListMarket:
		return e.handleListMarket(p, ev)
	case *event.SetMarketParam:
		return e.handleSetMarketParam(p, ev)
	case *event.SetPause:
		return e.handleSetPause(p, ev)
	case *event.SetGlobalParam:
		return e.handleSetGlobalParam(p, ev)
	case *event.SetLiquidationPaused:
		return e.handleSetLiquidationPaused(p, ev)
	case *event.SetRateModel:
		return e.handleSetRateModel(p, ev)
	case *event.WithdrawReserves:
		return e.handleWithdrawReserves(p, ev)
	case *event.WithdrawSyntheticReserves:
		return e.handleWithdrawSyntheticReserves(p, ev)
	default:
		return fmt.Errorf("unknown event type %T: %w", evt, ledger.ErrUnsupportedOperation)
	}
}

// --- Read side ---

// View runs fn against the committed state under the read lock. fn must
// not retain the reader.
func (e *Engine) View(fn func(state.Reader)) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	fn(e.store)
}

// GetSequence returns the next sequence number to assign.
func (e *Engine) GetSequence() int64 {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.hasher.GetPrevHash()
}

// CurrentBlock returns the block of the last applied command.
func (e *Engine) CurrentBlock() uint64 {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.clock.Current()
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (e *Engine) WarmLRU(keys []string) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.idempotency.lru.WarmFromKeys(keys)
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState is the engine's full in-memory state at one sequence.
type SnapshotState struct {
	Sequence        int64 // last applied sequence, -1 before the first command
	StateHash       [32]byte
	State           state.Snapshot
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return &SnapshotState{
		Sequence:        e.sequence - 1,
		StateHash:       e.hasher.GetPrevHash(),
		State:           e.store.Snapshot(),
		IdempotencyKeys: e.idempotency.lru.Keys(),
	}
}

// RestoreFromSnapshot replaces the engine state with a snapshot. Commands
// after snap.Sequence are then replayed from the event log.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.stateMu.Lock()
	e.store = state.Restore(snap.State)
	e.stateMu.Unlock()

	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)
	e.clock.Set(snap.State.Block)
	e.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
}

// VerifyChain recomputes the hash chain over (sequence, digest) pairs from
// genesis or a known tip and reports the first mismatch.
func VerifyChain(prev [32]byte, links []ChainLink) error {
	for _, l := range links {
		got := ChainHash(prev, l.Sequence, l.Digest)
		if !bytes.Equal(got[:], l.StateHash[:]) {
			return fmt.Errorf("hash chain broken at seq %d: computed %x, stored %x", l.Sequence, got, l.StateHash)
		}
		prev = got
	}
	return nil
}

// ChainLink is one persisted step of the hash chain.
type ChainLink struct {
	Sequence  int64
	Digest    []byte
	StateHash [32]byte
}
