package query

import (
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/risk"
	"LendLedger/internal/state"

	"github.com/google/uuid"
)

// SummarizeMarket builds the live MarketSummary of one market.
func SummarizeMarket(r state.Reader, marketID string, blocksPerYear int64) (MarketSummary, bool) {
	m, ok := r.Market(marketID)
	if !ok {
		return MarketSummary{}, false
	}
	cfg, _ := r.Config(marketID)

	return MarketSummary{
		MarketID:         m.ID,
		Kind:             m.Kind.String(),
		Asset:            m.Asset,
		Cash:             Amount(m.Cash),
		TotalSupplied:    Amount(m.TotalSupplied()),
		TotalShares:      Amount(m.TotalShares),
		TotalDebt:        Amount(m.TotalDebt),
		TotalReserves:    Amount(m.TotalReserves),
		ExchangeRate:     fpmath.ToDecimal(m.ExchangeRate()),
		Utilization:      fpmath.ToDecimal(m.Utilization()),
		Price:            fpmath.ToDecimal(r.Price(marketID)),
		CollateralFactor: fpmath.ToDecimal(cfg.CollateralFactor),
		BorrowFactor:     fpmath.ToDecimal(cfg.BorrowFactor),
		ReserveRatio:     fpmath.ToDecimal(cfg.ReserveRatio),
		SupplyCapacity:   Amount(cfg.SupplyCapacity),
		BorrowCapacity:   Amount(cfg.BorrowCapacity),
		MaxSupplyAmount:  Amount(MaxSupplyAmount(r, marketID)),
		BorrowAPY:        BorrowAPY(r, marketID, blocksPerYear),
		SupplyAPY:        SupplyAPY(r, marketID, blocksPerYear),
		SavingsAPY:       SavingsAPY(r, marketID, blocksPerYear),
		Paused: PausedActions{
			Mint:     cfg.Paused.Mint,
			Redeem:   cfg.Paused.Redeem,
			Borrow:   cfg.Paused.Borrow,
			Transfer: cfg.Paused.Transfer,
		},
		LastAccrualBlock: m.LastAccrualBlock,
		Block:            r.Block(),
	}, true
}

// SummarizeAccount builds the AccountSummary of userID. Positions cover
// every listed market where the account holds shares or debt, in listing
// order.
func SummarizeAccount(r state.Reader, userID uuid.UUID) AccountSummary {
	acct := r.Account(userID)
	eq := risk.AccountEquity(r, userID)

	s := AccountSummary{
		UserID:            userID,
		CollateralValue:   fpmath.ToDecimal(eq.CollateralValue),
		BorrowedValue:     fpmath.ToDecimal(eq.BorrowedValue),
		ValidBorrowed:     fpmath.ToDecimal(eq.ValidBorrowed),
		Shortfall:         fpmath.ToDecimal(eq.Shortfall),
		CollateralMarkets: append([]string{}, acct.CollateralMarkets...),
		BorrowedMarkets:   append([]string{}, acct.BorrowedMarkets...),
		Positions:         []PositionSummary{},
		Block:             r.Block(),
	}
	if !eq.BorrowedValue.IsZero() {
		hf := fpmath.ToDecimal(eq.HealthFactor())
		s.HealthFactor = &hf
	}

	for _, id := range r.MarketIDs() {
		m, _ := r.Market(id)
		pos := r.Position(userID, id)
		if pos.IsEmpty() {
			continue
		}
		s.Positions = append(s.Positions, PositionSummary{
			MarketID:            id,
			Shares:              Amount(pos.Shares),
			Underlying:          Amount(m.SharesToUnderlying(pos.Shares)),
			Debt:                Amount(pos.CurrentDebt(m)),
			Collateral:          acct.CollateralMarkets.Contains(id),
			AvailableToBorrow:   Amount(AvailableToBorrow(r, userID, id)),
			MaxBorrowAmount:     Amount(MaxBorrowAmount(r, userID, id)),
			AvailableToWithdraw: Amount(AvailableToWithdraw(r, userID, id)),
		})
	}
	return s
}

// SummarizeSynthetic builds the SyntheticSummary of a synthetic asset and
// lists the borrow-only and savings markets sharing its book.
func SummarizeSynthetic(r state.Reader, asset string) SyntheticSummary {
	l := r.Synthetic(asset)
	s := SyntheticSummary{
		Asset:        asset,
		TotalDebt:    Amount(l.TotalDebt),
		TotalEarning: Amount(l.TotalEarning),
		Equity:       Amount(l.Equity()),
		Markets:      []string{},
		Block:        r.Block(),
	}
	for _, id := range r.MarketIDs() {
		if m, _ := r.Market(id); m.Kind != ledger.KindStandard && m.Asset == asset {
			s.Markets = append(s.Markets, id)
		}
	}
	return s
}
