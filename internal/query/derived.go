package query

import (
	"fmt"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/ratemodel"
	"LendLedger/internal/risk"
	"LendLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Derived queries read committed state through state.Reader and never
// write. They use the same ledger and risk functions as the engine, so an
// amount reported as borrowable is accepted by Borrow at the same block.
// Interest accrued since the market's last checkpoint is not included.

// AccountEquity is the account's collateral, borrows and shortfall.
func AccountEquity(r state.Reader, userID uuid.UUID) risk.Equity {
	return risk.AccountEquity(r, userID)
}

// HealthFactor is collateralValue / borrowedValue, or math.Infinite when
// the account has no borrows.
func HealthFactor(r state.Reader, userID uuid.UUID) uint256.Int {
	return risk.AccountEquity(r, userID).HealthFactor()
}

// AvailableToBorrow is validBorrowed * borrowFactor / price of the market,
// zero when the market is unlisted or unpriced.
func AvailableToBorrow(r state.Reader, userID uuid.UUID, marketID string) uint256.Int {
	cfg, ok := r.Config(marketID)
	price := r.Price(marketID)
	if !ok || price.IsZero() {
		return fpmath.Zero()
	}
	eq := risk.AccountEquity(r, userID)
	return fpmath.MulDiv(eq.ValidBorrowed, cfg.BorrowFactor, price, fpmath.RoundDown)
}

// SafeAvailableToBorrow scales AvailableToBorrow by a safety margin in
// (0, SCALE].
func SafeAvailableToBorrow(r state.Reader, userID uuid.UUID, marketID string, safety uint256.Int) (uint256.Int, error) {
	if safety.IsZero() || fpmath.Gt(safety, fpmath.Scale) {
		return fpmath.Zero(), fmt.Errorf("safety margin %s outside (0, 1]: %w", safety.Dec(), ledger.ErrInvalidAmount)
	}
	return fpmath.MulScale(AvailableToBorrow(r, userID, marketID), safety, fpmath.RoundDown), nil
}

// MaxBorrowAmount is the largest amount Borrow accepts right now:
// AvailableToBorrow capped by cash and by borrow capacity headroom, then
// lowered until the shortfall gate passes with the engine's rounding.
func MaxBorrowAmount(r state.Reader, userID uuid.UUID, marketID string) uint256.Int {
	m, ok := r.Market(marketID)
	if !ok || m.Kind == ledger.KindSavings {
		return fpmath.Zero()
	}
	cfg, _ := r.Config(marketID)
	if cfg.Paused.Borrow {
		return fpmath.Zero()
	}

	hi := AvailableToBorrow(r, userID, marketID)
	if m.Kind == ledger.KindStandard {
		hi = fpmath.Min(hi, m.Cash)
	}
	hi = fpmath.Min(hi, fpmath.SubFloor(cfg.BorrowCapacity, m.TotalDebt))

	pre := risk.AccountEquity(r, userID)
	pos := r.Position(userID, marketID)
	acct := r.Account(userID)
	acct.BorrowedMarkets = acct.BorrowedMarkets.Add(marketID)

	return largest(hi, func(amount uint256.Int) bool {
		next, debt, err := ledger.Borrow(m, cfg.Config, pos.Debt, amount)
		if err != nil {
			return false
		}
		proposed := pos
		proposed.Debt = debt
		v := overlay{Reader: r, market: next, position: proposed, account: acct}
		return risk.CheckShortfall(pre, risk.AccountEquity(v, userID)) == nil
	})
}

// AvailableToWithdraw is the underlying the account can redeem without
// creating or deepening a shortfall, capped by the position and, on
// standard markets, by cash.
func AvailableToWithdraw(r state.Reader, userID uuid.UUID, marketID string) uint256.Int {
	m, ok := r.Market(marketID)
	if !ok || m.Kind == ledger.KindSyntheticBorrow {
		return fpmath.Zero()
	}
	cfg, _ := r.Config(marketID)
	pos := r.Position(userID, marketID)

	hi := m.SharesToUnderlying(pos.Shares)
	if m.Kind == ledger.KindStandard {
		hi = fpmath.Min(hi, m.Cash)
	}

	pre := risk.AccountEquity(r, userID)
	acct := r.Account(userID)

	return largest(hi, func(amount uint256.Int) bool {
		next, burned, err := ledger.RedeemUnderlying(m, cfg.Config, amount)
		if err != nil || fpmath.Gt(burned, pos.Shares) {
			return false
		}
		proposed := pos
		proposed.Shares = fpmath.Sub(pos.Shares, burned)
		v := overlay{Reader: r, market: next, position: proposed, account: acct}
		return risk.CheckShortfall(pre, risk.AccountEquity(v, userID)) == nil
	})
}

// MaxSupplyAmount is supplyCapacity minus what the market already holds.
func MaxSupplyAmount(r state.Reader, marketID string) uint256.Int {
	m, ok := r.Market(marketID)
	if !ok || m.Kind == ledger.KindSyntheticBorrow {
		return fpmath.Zero()
	}
	cfg, _ := r.Config(marketID)
	if cfg.Paused.Mint {
		return fpmath.Zero()
	}
	return fpmath.SubFloor(cfg.SupplyCapacity, m.TotalSupplied())
}

// BorrowRatePerBlock is the market's rate model output at current balances.
func BorrowRatePerBlock(r state.Reader, marketID string) uint256.Int {
	m, ok := r.Market(marketID)
	if !ok || m.Kind == ledger.KindSavings {
		return fpmath.Zero()
	}
	cfg, _ := r.Config(marketID)
	model, err := ratemodel.New(cfg.RateModel)
	if err != nil {
		return fpmath.Zero()
	}
	return model.RatePerBlock(m.Cash, m.TotalDebt, m.TotalReserves)
}

// SupplyRatePerBlock is borrowRate * utilization * (1 - reserveRatio).
func SupplyRatePerBlock(r state.Reader, marketID string) uint256.Int {
	m, ok := r.Market(marketID)
	if !ok || m.Kind != ledger.KindStandard {
		return fpmath.Zero()
	}
	cfg, _ := r.Config(marketID)
	gross := fpmath.MulScale(BorrowRatePerBlock(r, marketID), m.Utilization(), fpmath.RoundDown)
	return fpmath.MulScale(gross, fpmath.SubFloor(fpmath.Scale, cfg.ReserveRatio), fpmath.RoundDown)
}

// BorrowAPY compounds the borrow rate over blocksPerYear.
func BorrowAPY(r state.Reader, marketID string, blocksPerYear int64) decimal.Decimal {
	return fpmath.CompoundPerBlock(BorrowRatePerBlock(r, marketID), blocksPerYear)
}

// SupplyAPY compounds the supply rate over blocksPerYear.
func SupplyAPY(r state.Reader, marketID string, blocksPerYear int64) decimal.Decimal {
	return fpmath.CompoundPerBlock(SupplyRatePerBlock(r, marketID), blocksPerYear)
}

// SavingsAPY compounds a savings market's configured rate. Accrual is
// capped by synthetic equity, so the realised yield can be lower.
func SavingsAPY(r state.Reader, marketID string, blocksPerYear int64) decimal.Decimal {
	m, ok := r.Market(marketID)
	if !ok || m.Kind != ledger.KindSavings {
		return decimal.Zero
	}
	cfg, _ := r.Config(marketID)
	return fpmath.CompoundPerBlock(cfg.SavingsRate, blocksPerYear)
}

// largest returns the greatest amount in [0, hi] accepted by fits, given
// that fits(0) holds and acceptance is monotone.
func largest(hi uint256.Int, fits func(uint256.Int) bool) uint256.Int {
	if hi.IsZero() || fits(hi) {
		return hi
	}
	lo := fpmath.Zero()
	one := fpmath.U(1)
	for fpmath.Lt(fpmath.Add(lo, one), hi) {
		var mid uint256.Int
		mid.Sub(&hi, &lo)
		mid.Rsh(&mid, 1)
		mid.Add(&mid, &lo)
		if fits(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// overlay is a Reader with one market, one position and one account
// replaced by proposed values.
type overlay struct {
	state.Reader
	market   ledger.Market
	position state.Position
	account  state.Account
}

func (o overlay) Market(id string) (ledger.Market, bool) {
	if id == o.market.ID {
		return o.market, true
	}
	return o.Reader.Market(id)
}

func (o overlay) Position(userID uuid.UUID, marketID string) state.Position {
	if userID == o.position.UserID && marketID == o.position.MarketID {
		return o.position
	}
	return o.Reader.Position(userID, marketID)
}

func (o overlay) Account(userID uuid.UUID) state.Account {
	if userID == o.account.UserID {
		return o.account
	}
	return o.Reader.Account(userID)
}
