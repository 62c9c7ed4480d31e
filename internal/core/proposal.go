package core

import (
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/oracle"
	"LendLedger/internal/ratemodel"
	"LendLedger/internal/risk"
	"LendLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// proposal is one command being applied: a transaction over the store, the
// transfer journal it produces and the receipt handed back to the caller.
type proposal struct {
	event   event.Event
	tx      *state.Tx
	batch   *ledger.Batch
	receipt *Receipt

	interest map[string]uint256.Int // market -> interest accrued by this command
	price    *priceNote
	noop     bool
}

type priceNote struct {
	market  string
	outcome oracle.Outcome
}

func newProposal(store *state.Store, evt event.Event) *proposal {
	tx := store.Begin()
	tx.SetBlock(evt.BlockNumber())
	return &proposal{
		event: evt,
		tx:    tx,
		batch: &ledger.Batch{
			EventRef: evt.IdempotencyKey(),
			Block:    evt.BlockNumber(),
		},
		receipt: &Receipt{
			EventType:      evt.EventType(),
			IdempotencyKey: evt.IdempotencyKey(),
			Block:          evt.BlockNumber(),
		},
		interest: make(map[string]uint256.Int),
	}
}

// market loads a listed market and its config.
func (p *proposal) market(id string) (ledger.Market, state.MarketConfig, error) {
	m, ok := p.tx.Market(id)
	if !ok {
		return ledger.Market{}, state.MarketConfig{}, fmt.Errorf("market %q: %w", id, ledger.ErrMarketNotListed)
	}
	cfg, _ := p.tx.Config(id)
	return m, cfg, nil
}

// accrue brings a market's accrual checkpoint up to the command's block and
// returns the accrued market with its config. Every operation that reads or
// writes a market's balances accrues it first.
//
// Borrow-only synthetic markets report their interest to the synthetic
// ledger. Savings markets first accrue every borrow-only market of the same
// asset, so the savings credit is capped by up-to-date equity.
func (p *proposal) accrue(id string) (ledger.Market, state.MarketConfig, error) {
	m, cfg, err := p.market(id)
	if err != nil {
		return m, cfg, err
	}
	block := p.tx.Block()
	if block <= m.LastAccrualBlock {
		return m, cfg, nil
	}

	var next ledger.Market
	switch m.Kind {
	case ledger.KindSavings:
		if err := p.accrueBorrowOnly(m.Asset); err != nil {
			return m, cfg, err
		}
		book := p.tx.Synthetic(m.Asset)
		var earning uint256.Int
		next, earning = ledger.AccrueSavings(m, cfg.Config, block, book.Equity())
		book, err = book.ContributeEarning(earning)
		if err != nil {
			panic(fmt.Sprintf("FATAL: savings accrual over equity: %v", err))
		}
		if !earning.IsZero() {
			p.tx.PutSynthetic(book)
			p.addInterest(id, earning)
		}

	default:
		rate := ratemodel.MustNew(cfg.RateModel).RatePerBlock(m.Cash, m.TotalDebt, m.TotalReserves)
		var acc ledger.Accrual
		next, acc = ledger.Accrue(m, cfg.Config, rate, block)
		if !acc.Interest.IsZero() {
			p.addInterest(id, acc.Interest)
			if m.Kind == ledger.KindSyntheticBorrow {
				p.tx.PutSynthetic(p.tx.Synthetic(m.Asset).ContributeDebt(acc.Interest))
			}
		}
	}

	if err := ledger.ValidateAccrual(m, next); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}
	p.tx.PutMarket(next)
	return next, cfg, nil
}

// accrueBorrowOnly accrues every borrow-only market of a synthetic asset.
func (p *proposal) accrueBorrowOnly(asset string) error {
	for _, id := range p.tx.MarketIDs() {
		m, _ := p.tx.Market(id)
		if m.Kind != ledger.KindSyntheticBorrow || m.Asset != asset {
			continue
		}
		if _, _, err := p.accrue(id); err != nil {
			return err
		}
	}
	return nil
}

// accrueSynthetic accrues every market of a synthetic asset, borrow-only
// markets first.
func (p *proposal) accrueSynthetic(asset string) error {
	if err := p.accrueBorrowOnly(asset); err != nil {
		return err
	}
	for _, id := range p.tx.MarketIDs() {
		m, _ := p.tx.Market(id)
		if m.Kind != ledger.KindSavings || m.Asset != asset {
			continue
		}
		if _, _, err := p.accrue(id); err != nil {
			return err
		}
	}
	return nil
}

func (p *proposal) addInterest(id string, v uint256.Int) {
	p.interest[id] = fpmath.Add(p.interest[id], v)
}

// equity values an account against the proposed state.
func (p *proposal) equity(userID uuid.UUID) risk.Equity {
	return risk.AccountEquity(p.tx, userID)
}

// wallet is the user's external account for a market's asset.
func wallet(userID uuid.UUID, m ledger.Market) ledger.AccountKey {
	return ledger.UserWallet(userID, m.Asset)
}

func supplyJournal(m ledger.Market) ledger.JournalType {
	if m.Kind == ledger.KindSavings {
		return ledger.JournalTypeSavingsDeposit
	}
	return ledger.JournalTypeSupply
}

func redeemJournal(m ledger.Market) ledger.JournalType {
	if m.Kind == ledger.KindSavings {
		return ledger.JournalTypeSavingsRedeem
	}
	return ledger.JournalTypeRedeem
}
