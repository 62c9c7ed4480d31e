package core_test

import (
	"errors"
	"testing"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/ratemodel"
	"LendLedger/internal/risk"
	"LendLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const (
	eth  = "ETH"
	usdc = "USDC"
)

// ============================================================================
// Test Helpers
// ============================================================================

func u(v uint64) uint256.Int { return fpmath.U(v) }

func newTestCore() (*core.Engine, chan core.CoreOutput, chan core.CoreOutput) {
	persistCh := make(chan core.CoreOutput, 1000)
	projCh := make(chan core.CoreOutput, 1000)
	e := core.NewEngine(0, persistCh, projCh, nil, nil)
	return e, persistCh, projCh
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case out := <-ch:
			outputs = append(outputs, out)
		default:
			return outputs
		}
	}
}

// must fails the test on a rejected command.
func must(t *testing.T) func(*core.Receipt, error) *core.Receipt {
	return func(r *core.Receipt, err error) *core.Receipt {
		t.Helper()
		if err != nil {
			t.Fatalf("command rejected: %v", err)
		}
		return r
	}
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

func position(e *core.Engine, user uuid.UUID, market string) (pos state.Position) {
	e.View(func(r state.Reader) { pos = r.Position(user, market) })
	return pos
}

func market(e *core.Engine, id string) (m ledger.Market) {
	e.View(func(r state.Reader) { m, _ = r.Market(id) })
	return m
}

func equity(e *core.Engine, user uuid.UUID) (eq risk.Equity) {
	e.View(func(r state.Reader) { eq = risk.AccountEquity(r, user) })
	return eq
}

func assertAmount(t *testing.T, name string, got, want uint256.Int) {
	t.Helper()
	if !fpmath.Eq(got, want) {
		t.Errorf("%s: expected %s, got %s", name, fpmath.String(want), fpmath.String(got))
	}
}

// world is two standard markets with a lender and a collateralized
// borrower:
//
//	ETH  price 2, collateral factor 0.8; borrower supplies 100
//	USDC price 1; lender supplies 1000
//
// The borrower has entered ETH, so their borrow limit is 160 USDC.
type world struct {
	e          *core.Engine
	persistCh  chan core.CoreOutput
	projCh     chan core.CoreOutput
	lender     uuid.UUID
	borrower   uuid.UUID
	liquidator uuid.UUID
}

func newWorld(t *testing.T) *world {
	t.Helper()
	e, persistCh, projCh := newTestCore()
	w := &world{
		e:          e,
		persistCh:  persistCh,
		projCh:     projCh,
		lender:     uuid.New(),
		borrower:   uuid.New(),
		liquidator: uuid.New(),
	}
	ok := must(t)
	ok(e.ListMarket(1, eth, ledger.KindStandard, eth))
	ok(e.ListMarket(1, usdc, ledger.KindStandard, usdc))
	ok(e.SetCollateralFactor(1, eth, fpmath.Fraction(8, 10)))
	ok(e.UpdatePrice(1, eth, fpmath.Units(2), 1))
	ok(e.UpdatePrice(1, usdc, fpmath.Scale, 1))
	ok(e.Mint(1, w.lender, usdc, u(1000)))
	ok(e.Mint(1, w.borrower, eth, u(100)))
	ok(e.EnterMarkets(1, w.borrower, eth))
	drainOutputs(persistCh)
	drainOutputs(projCh)
	return w
}

// ============================================================================
// Test: Supply
// ============================================================================

func TestMint_FirstSupplyAtUnitRate(t *testing.T) {
	e, persistCh, _ := newTestCore()
	ok := must(t)
	user := uuid.New()

	ok(e.ListMarket(1, usdc, ledger.KindStandard, usdc))
	r := ok(e.Mint(1, user, usdc, u(500)))

	assertAmount(t, "receipt shares", r.Shares, u(500))
	assertAmount(t, "position shares", position(e, user, usdc).Shares, u(500))
	m := market(e, usdc)
	assertAmount(t, "cash", m.Cash, u(500))
	assertAmount(t, "total shares", m.TotalShares, u(500))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	journals := outputs[1].Batch.Journals
	if len(journals) != 1 || journals[0].JournalType != ledger.JournalTypeSupply {
		t.Fatalf("expected one supply journal, got %+v", journals)
	}
}

func TestMint_CapacityExceeded(t *testing.T) {
	w := newWorld(t)
	must(t)(w.e.SetSupplyCapacity(2, usdc, u(1200)))

	_, err := w.e.Mint(2, w.lender, usdc, u(201))
	expectErr(t, err, ledger.ErrCapacityExceeded)
	must(t)(w.e.Mint(2, w.lender, usdc, u(200)))
}

func TestMint_Paused(t *testing.T) {
	w := newWorld(t)
	must(t)(w.e.SetPause(2, usdc, ledger.ActionMint, true))

	_, err := w.e.Mint(2, w.lender, usdc, u(1))
	expectErr(t, err, ledger.ErrPaused)
}

func TestRedeem_MoreThanHeld(t *testing.T) {
	w := newWorld(t)
	_, err := w.e.Redeem(2, w.lender, usdc, u(1001))
	expectErr(t, err, ledger.ErrInsufficientBalance)
}

func TestRedeem_CollateralGated(t *testing.T) {
	w := newWorld(t)
	must(t)(w.e.Borrow(2, w.borrower, usdc, u(150)))

	// 100 ETH backs 160; redeeming 10 leaves 90 * 2 * 0.8 = 144 < 150.
	_, err := w.e.Redeem(2, w.borrower, eth, u(10))
	expectErr(t, err, ledger.ErrInsufficientCollateral)

	// 3 ETH leaves 97 * 2 * 0.8 = 155.2.
	must(t)(w.e.Redeem(2, w.borrower, eth, u(3)))
}

func TestTransfer(t *testing.T) {
	w := newWorld(t)
	must(t)(w.e.Borrow(2, w.borrower, usdc, u(150)))

	_, err := w.e.Transfer(2, w.borrower, w.borrower, eth, u(1))
	expectErr(t, err, ledger.ErrInvalidAmount)

	_, err = w.e.Transfer(2, w.borrower, w.liquidator, eth, u(10))
	expectErr(t, err, ledger.ErrInsufficientCollateral)

	r := must(t)(w.e.Transfer(2, w.lender, w.liquidator, usdc, u(250)))
	assertAmount(t, "transferred underlying", r.Amount, u(250))
	assertAmount(t, "sender shares", position(w.e, w.lender, usdc).Shares, u(750))
	assertAmount(t, "receiver shares", position(w.e, w.liquidator, usdc).Shares, u(250))
}

// ============================================================================
// Test: Borrow / Repay
// ============================================================================

func TestBorrow_NoBlocksElapsed(t *testing.T) {
	w := newWorld(t)
	r := must(t)(w.e.Borrow(1, w.borrower, usdc, u(150)))

	assertAmount(t, "receipt amount", r.Amount, u(150))
	assertAmount(t, "debt", position(w.e, w.borrower, usdc).CurrentDebt(market(w.e, usdc)), u(150))
	assertAmount(t, "cash", market(w.e, usdc).Cash, u(850))

	eq := equity(w.e, w.borrower)
	assertAmount(t, "collateral value", eq.CollateralValue, u(160))
	assertAmount(t, "borrowed value", eq.BorrowedValue, u(150))
	assertAmount(t, "headroom", eq.ValidBorrowed, u(10))
}

func TestBorrow_RejectedLeavesNoTrace(t *testing.T) {
	w := newWorld(t)
	must(t)(w.e.Borrow(2, w.borrower, usdc, u(150)))
	drainOutputs(w.persistCh)

	seq := w.e.GetSequence()
	hash := w.e.GetStateHash()
	before := market(w.e, usdc)

	_, err := w.e.Borrow(3, w.borrower, usdc, u(11))
	expectErr(t, err, ledger.ErrInsufficientCollateral)

	if w.e.GetSequence() != seq {
		t.Errorf("sequence advanced on rejection: %d -> %d", seq, w.e.GetSequence())
	}
	if w.e.GetStateHash() != hash {
		t.Error("state hash changed on rejection")
	}
	if got := drainOutputs(w.persistCh); len(got) != 0 {
		t.Errorf("expected no output for a rejected command, got %d", len(got))
	}
	after := market(w.e, usdc)
	if after.LastAccrualBlock != before.LastAccrualBlock {
		t.Errorf("accrual checkpoint moved on rejection: %d -> %d", before.LastAccrualBlock, after.LastAccrualBlock)
	}
	assertAmount(t, "debt", position(w.e, w.borrower, usdc).Debt.Principal, u(150))
}

func TestBorrow_NoPrice(t *testing.T) {
	w := newWorld(t)
	must(t)(w.e.UpdatePrice(2, usdc, fpmath.Zero(), 2))

	_, err := w.e.Borrow(2, w.borrower, usdc, u(1))
	expectErr(t, err, ledger.ErrPriceUnavailable)
}

func TestBorrow_InsufficientLiquidity(t *testing.T) {
	w := newWorld(t)
	must(t)(w.e.SetCollateralFactor(2, eth, fpmath.Fraction(9, 10)))
	must(t)(w.e.Mint(2, w.borrower, eth, u(10_000)))

	_, err := w.e.Borrow(2, w.borrower, usdc, u(1001))
	expectErr(t, err, ledger.ErrInsufficientLiquidity)
}

func TestRepay_InfiniteRepaysAll(t *testing.T) {
	w := newWorld(t)
	ok := must(t)
	ok(w.e.SetRateModel(1, usdc, ratemodel.Config{Kind: ratemodel.KindFixed, RatePerBlock: fpmath.Fraction(1, 1_000_000)}))
	ok(w.e.Mint(1, w.lender, usdc, u(2_000_000)))
	ok(w.e.Mint(1, w.borrower, eth, u(2_000_000)))
	ok(w.e.Borrow(1, w.borrower, usdc, u(1_000_000)))

	// 10 blocks at 1e-6 per block on 1_000_000.
	r := ok(w.e.RepayBorrow(11, w.borrower, usdc, fpmath.Infinite))
	assertAmount(t, "repaid", r.Amount, u(1_000_010))

	pos := position(w.e, w.borrower, usdc)
	assertAmount(t, "principal", pos.Debt.Principal, fpmath.Zero())
	var borrowed bool
	w.e.View(func(rd state.Reader) {
		borrowed = rd.Account(w.borrower).BorrowedMarkets.Contains(usdc)
	})
	if borrowed {
		t.Error("fully repaid market still listed as borrowed")
	}
	assertAmount(t, "market debt", market(w.e, usdc).TotalDebt, fpmath.Zero())
}

func TestRepayBehalf(t *testing.T) {
	w := newWorld(t)
	must(t)(w.e.Borrow(2, w.borrower, usdc, u(100)))

	r := must(t)(w.e.RepayBorrowBehalf(2, w.lender, w.borrower, usdc, u(40)))
	assertAmount(t, "repaid", r.Amount, u(40))
	assertAmount(t, "debt", position(w.e, w.borrower, usdc).Debt.Principal, u(60))
}

// ============================================================================
// Test: Collateral Membership
// ============================================================================

func TestExitMarkets(t *testing.T) {
	w := newWorld(t)
	must(t)(w.e.Borrow(2, w.borrower, usdc, u(150)))

	_, err := w.e.ExitMarkets(2, w.borrower, eth)
	expectErr(t, err, ledger.ErrInsufficientCollateral)

	_, err = w.e.ExitMarkets(2, w.borrower, usdc)
	expectErr(t, err, ledger.ErrInsufficientCollateral)

	must(t)(w.e.RepayBorrow(2, w.borrower, usdc, fpmath.Infinite))
	must(t)(w.e.ExitMarkets(2, w.borrower, eth))
	assertAmount(t, "collateral after exit", equity(w.e, w.borrower).CollateralValue, fpmath.Zero())
}

func TestEnterMarkets_NotListed(t *testing.T) {
	w := newWorld(t)
	_, err := w.e.EnterMarkets(2, w.borrower, "DOGE")
	expectErr(t, err, ledger.ErrMarketNotListed)
}

// ============================================================================
// Test: Liquidation
// ============================================================================

func TestLiquidate_PartialSeize(t *testing.T) {
	w := newWorld(t)
	ok := must(t)
	ok(w.e.Borrow(2, w.borrower, usdc, u(150)))
	ok(w.e.UpdatePrice(3, eth, fpmath.Fraction(3, 2), 2))

	pre := equity(w.e, w.borrower)
	assertAmount(t, "shortfall before", pre.Shortfall, u(30))

	// 50 * 1.1 / 1.5 = 36.67 shares, rounded down.
	r := ok(w.e.LiquidateBorrow(3, w.liquidator, w.borrower, usdc, eth, u(50)))
	assertAmount(t, "repaid", r.Amount, u(50))
	assertAmount(t, "seized", r.Shares, u(36))

	assertAmount(t, "liquidator shares", position(w.e, w.liquidator, eth).Shares, u(36))
	assertAmount(t, "borrower shares", position(w.e, w.borrower, eth).Shares, u(64))
	assertAmount(t, "borrower debt", position(w.e, w.borrower, usdc).Debt.Principal, u(100))

	post := equity(w.e, w.borrower)
	if !fpmath.Lt(post.Shortfall, pre.Shortfall) {
		t.Errorf("liquidation did not lower shortfall: %s -> %s", fpmath.String(pre.Shortfall), fpmath.String(post.Shortfall))
	}
	assertAmount(t, "shortfall after", post.Shortfall, u(24))

	outputs := drainOutputs(w.persistCh)
	last := outputs[len(outputs)-1]
	if last.Envelope.EventType != event.EventTypeLiquidateBorrow {
		t.Fatalf("expected liquidation output, got %v", last.Envelope.EventType)
	}
	if len(last.Batch.Journals) != 1 || last.Batch.Journals[0].JournalType != ledger.JournalTypeLiquidationRepay {
		t.Errorf("expected one liquidation repay journal, got %+v", last.Batch.Journals)
	}
}

func TestLiquidate_Rejections(t *testing.T) {
	w := newWorld(t)
	ok := must(t)
	ok(w.e.Borrow(2, w.borrower, usdc, u(150)))

	_, err := w.e.LiquidateBorrow(2, w.liquidator, w.borrower, usdc, eth, u(10))
	expectErr(t, err, ledger.ErrNoShortfall)

	ok(w.e.UpdatePrice(3, eth, fpmath.Fraction(3, 2), 2))

	_, err = w.e.LiquidateBorrow(3, w.borrower, w.borrower, usdc, eth, u(10))
	expectErr(t, err, ledger.ErrSelfLiquidation)

	_, err = w.e.LiquidateBorrow(3, w.liquidator, w.borrower, usdc, usdc, u(10))
	expectErr(t, err, ledger.ErrMarketNotEntered)

	// Repaying everything would seize 110 shares of 100.
	_, err = w.e.LiquidateBorrow(3, w.liquidator, w.borrower, usdc, eth, fpmath.Infinite)
	expectErr(t, err, ledger.ErrSeizeTooMuch)

	_, err = w.e.LiquidateBorrow(3, w.liquidator, w.borrower, usdc, eth, fpmath.Zero())
	expectErr(t, err, ledger.ErrInvalidAmount)

	ok(w.e.SetLiquidationPaused(3, true))
	_, err = w.e.LiquidateBorrow(3, w.liquidator, w.borrower, usdc, eth, u(10))
	expectErr(t, err, ledger.ErrPaused)
	ok(w.e.SetLiquidationPaused(3, false))

	ok(w.e.UpdatePrice(3, eth, fpmath.Zero(), 3))
	_, err = w.e.LiquidateBorrow(3, w.liquidator, w.borrower, usdc, eth, u(10))
	expectErr(t, err, ledger.ErrPriceUnavailable)
}

func TestLiquidate_CloseFactorCapsRepay(t *testing.T) {
	w := newWorld(t)
	ok := must(t)
	ok(w.e.SetCloseFactor(1, fpmath.Fraction(1, 2)))
	ok(w.e.Borrow(2, w.borrower, usdc, u(150)))
	ok(w.e.UpdatePrice(3, eth, fpmath.Fraction(3, 2), 2))

	r := ok(w.e.LiquidateBorrow(3, w.liquidator, w.borrower, usdc, eth, fpmath.Infinite))
	assertAmount(t, "repaid", r.Amount, u(75))
}

func TestLiquidate_SavingsSharesAreNotCollateral(t *testing.T) {
	w := newWorld(t)
	ok := must(t)
	ok(w.e.ListMarket(2, "vUSD-borrow", ledger.KindSyntheticBorrow, "vUSD"))
	ok(w.e.ListMarket(2, "vUSD-savings", ledger.KindSavings, "vUSD"))
	ok(w.e.UpdatePrice(2, "vUSD-savings", fpmath.Scale, 1))
	ok(w.e.Mint(2, w.borrower, "vUSD-savings", u(100)))
	ok(w.e.EnterMarkets(2, w.borrower, "vUSD-savings"))
	ok(w.e.Borrow(2, w.borrower, usdc, u(150)))
	ok(w.e.UpdatePrice(3, eth, fpmath.Fraction(3, 2), 2))

	_, err := w.e.LiquidateBorrow(3, w.liquidator, w.borrower, usdc, "vUSD-savings", u(10))
	expectErr(t, err, ledger.ErrUnsupportedOperation)
	assertAmount(t, "savings shares", position(w.e, w.borrower, "vUSD-savings").Shares, u(100))
	assertAmount(t, "liquidator savings shares", position(w.e, w.liquidator, "vUSD-savings").Shares, fpmath.Zero())

	// The ETH collateral is still seizable.
	ok(w.e.LiquidateBorrow(3, w.liquidator, w.borrower, usdc, eth, u(10)))
}

// ============================================================================
// Test: Shortfall gating
// ============================================================================

func TestShortfall_UnderwaterAccountMayImprove(t *testing.T) {
	w := newWorld(t)
	ok := must(t)
	ok(w.e.Mint(2, w.borrower, usdc, u(20))) // not entered: no collateral role
	ok(w.e.Borrow(2, w.borrower, usdc, u(150)))
	ok(w.e.UpdatePrice(3, eth, fpmath.Fraction(3, 2), 2))
	assertAmount(t, "shortfall", equity(w.e, w.borrower).Shortfall, u(30))

	// Redeeming shares that back nothing leaves the shortfall unchanged.
	ok(w.e.Redeem(3, w.borrower, usdc, u(10)))
	assertAmount(t, "shortfall after redeem", equity(w.e, w.borrower).Shortfall, u(30))

	ok(w.e.Transfer(3, w.borrower, w.lender, usdc, u(5)))

	// A partial repay shrinks it.
	ok(w.e.RepayBorrow(3, w.borrower, usdc, u(10)))
	assertAmount(t, "shortfall after repay", equity(w.e, w.borrower).Shortfall, u(20))

	// Anything that deepens it is still rejected.
	_, err := w.e.Borrow(3, w.borrower, usdc, u(1))
	expectErr(t, err, ledger.ErrInsufficientCollateral)
	_, err = w.e.Redeem(3, w.borrower, eth, u(1))
	expectErr(t, err, ledger.ErrInsufficientCollateral)
	_, err = w.e.Transfer(3, w.borrower, w.lender, eth, u(1))
	expectErr(t, err, ledger.ErrInsufficientCollateral)
}

// ============================================================================
// Test: Flashloan
// ============================================================================

func TestFlashloan(t *testing.T) {
	w := newWorld(t)
	must(t)(w.e.SetFlashloanFeeRatio(2, usdc, fpmath.Fraction(5, 1000)))

	var called bool
	r := must(t)(w.e.Flashloan(2, w.liquidator, usdc, u(200), func(m string, amount, fee uint256.Int) uint256.Int {
		called = true
		if m != usdc {
			t.Errorf("receiver got market %s", m)
		}
		assertAmount(t, "fee offered", fee, u(1))
		return fpmath.Add(amount, fee)
	}))
	if !called {
		t.Fatal("receiver not called")
	}
	assertAmount(t, "fee", r.Fee, u(1))
	assertAmount(t, "cash", market(w.e, usdc).Cash, u(1001))
}

func TestFlashloan_NotRepaid(t *testing.T) {
	w := newWorld(t)
	must(t)(w.e.SetFlashloanFeeRatio(2, usdc, fpmath.Fraction(5, 1000)))
	drainOutputs(w.persistCh)
	seq := w.e.GetSequence()

	_, err := w.e.Flashloan(2, w.liquidator, usdc, u(200), func(_ string, amount, _ uint256.Int) uint256.Int {
		return amount
	})
	expectErr(t, err, ledger.ErrFlashloanNotRepaid)
	if w.e.GetSequence() != seq {
		t.Error("sequence advanced on unrepaid flashloan")
	}
	assertAmount(t, "cash", market(w.e, usdc).Cash, u(1000))
}

func TestFlashloan_BelowMinimum(t *testing.T) {
	w := newWorld(t)
	must(t)(w.e.SetFlashloanFeeRatio(2, usdc, fpmath.Fraction(5, 1000)))

	_, err := w.e.Flashloan(2, w.liquidator, usdc, u(100), func(_ string, _, _ uint256.Int) uint256.Int {
		t.Fatal("receiver must not run for a rejected loan")
		return fpmath.Zero()
	})
	expectErr(t, err, ledger.ErrInvalidAmount)
}

// ============================================================================
// Test: Synthetic Markets
// ============================================================================

func TestSynthetic_SavingsCappedByEquity(t *testing.T) {
	e, _, _ := newTestCore()
	ok := must(t)
	minter, saver := uuid.New(), uuid.New()

	ok(e.ListMarket(1, eth, ledger.KindStandard, eth))
	ok(e.ListMarket(1, "vUSD-borrow", ledger.KindSyntheticBorrow, "vUSD"))
	ok(e.ListMarket(1, "vUSD-savings", ledger.KindSavings, "vUSD"))
	ok(e.SetCollateralFactor(1, eth, fpmath.Fraction(8, 10)))
	ok(e.SetRateModel(1, "vUSD-borrow", ratemodel.Config{Kind: ratemodel.KindFixed, RatePerBlock: fpmath.Fraction(1, 1_000_000)}))
	ok(e.SetSavingsRate(1, "vUSD-savings", fpmath.Fraction(2, 1_000_000)))
	ok(e.UpdatePrice(1, eth, fpmath.Units(2), 1))
	ok(e.UpdatePrice(1, "vUSD-borrow", fpmath.Scale, 1))

	ok(e.Mint(2, minter, eth, u(1_000_000)))
	ok(e.EnterMarkets(2, minter, eth))
	ok(e.Borrow(2, minter, "vUSD-borrow", u(1_000_000)))
	ok(e.Mint(2, saver, "vUSD-savings", u(1_000_000)))

	_, err := e.Mint(2, saver, "vUSD-borrow", u(1))
	expectErr(t, err, ledger.ErrUnsupportedOperation)
	_, err = e.Borrow(2, minter, "vUSD-savings", u(1))
	expectErr(t, err, ledger.ErrUnsupportedOperation)

	// Debt interest is 10; savings would earn 20 but only 10 exists.
	ok(e.AccrueInterest(12, "vUSD-savings"))
	var book struct{ debt, earning uint256.Int }
	e.View(func(r state.Reader) {
		l := r.Synthetic("vUSD")
		book.debt, book.earning = l.TotalDebt, l.TotalEarning
	})
	assertAmount(t, "synthetic debt", book.debt, u(10))
	assertAmount(t, "synthetic earning", book.earning, u(10))

	_, err = e.WithdrawSyntheticReserves(12, "vUSD", u(1))
	expectErr(t, err, ledger.ErrInsufficientReserve)

	r := ok(e.Redeem(12, saver, "vUSD-savings", u(1_000_000)))
	assertAmount(t, "redeemed", r.Amount, u(1_000_010))

	// With no savers left, the next 10 blocks of interest are equity.
	r = ok(e.WithdrawSyntheticReserves(22, "vUSD", u(10)))
	assertAmount(t, "withdrawn", r.Amount, u(10))
}

// ============================================================================
// Test: Governance
// ============================================================================

func TestGovernance_Validation(t *testing.T) {
	w := newWorld(t)

	_, err := w.e.ListMarket(2, eth, ledger.KindStandard, eth)
	expectErr(t, err, ledger.ErrInvalidConfig)

	// 0.95 * 1.1 >= 1
	_, err = w.e.SetCollateralFactor(2, eth, fpmath.Fraction(95, 100))
	expectErr(t, err, ledger.ErrInvalidConfig)

	// 0.8 * 1.3 >= 1
	_, err = w.e.SetLiquidationIncentive(2, fpmath.Fraction(13, 10))
	expectErr(t, err, ledger.ErrInvalidConfig)

	_, err = w.e.SetReserveRatio(2, usdc, fpmath.Units(2))
	expectErr(t, err, ledger.ErrInvalidConfig)

	_, err = w.e.SetSavingsRate(2, usdc, fpmath.Fraction(1, 1_000_000))
	expectErr(t, err, ledger.ErrInvalidConfig)

	_, err = w.e.SetCollateralFactor(2, "DOGE", fpmath.Fraction(1, 2))
	expectErr(t, err, ledger.ErrMarketNotListed)
}

func TestWithdrawReserves(t *testing.T) {
	w := newWorld(t)
	ok := must(t)
	ok(w.e.SetReserveRatio(1, usdc, fpmath.Fraction(1, 2)))
	ok(w.e.SetRateModel(1, usdc, ratemodel.Config{Kind: ratemodel.KindFixed, RatePerBlock: fpmath.Fraction(1, 1_000_000)}))
	ok(w.e.Mint(1, w.borrower, eth, u(2_000_000)))
	ok(w.e.Mint(1, w.lender, usdc, u(2_000_000)))
	ok(w.e.Borrow(1, w.borrower, usdc, u(1_000_000)))

	// Interest 10, half of it reserved.
	ok(w.e.AccrueInterest(11, usdc))
	assertAmount(t, "reserves", market(w.e, usdc).TotalReserves, u(5))

	_, err := w.e.WithdrawReserves(11, usdc, u(6))
	expectErr(t, err, ledger.ErrInsufficientReserve)

	r := ok(w.e.WithdrawReserves(11, usdc, u(5)))
	assertAmount(t, "withdrawn", r.Amount, u(5))
	assertAmount(t, "reserves after", market(w.e, usdc).TotalReserves, fpmath.Zero())
}

// ============================================================================
// Test: Idempotency / Ordering
// ============================================================================

func TestIdempotency_DuplicateIgnored(t *testing.T) {
	e, persistCh, _ := newTestCore()
	must(t)(e.ListMarket(1, usdc, ledger.KindStandard, usdc))
	drainOutputs(persistCh)

	mint := &event.Mint{Header: event.NewHeader(1), UserID: uuid.New(), Market: usdc, Amount: u(500)}
	first := must(t)(e.ProcessEvent(mint))
	second := must(t)(e.ProcessEvent(mint))

	if first.Duplicate {
		t.Error("first delivery marked duplicate")
	}
	if !second.Duplicate {
		t.Error("second delivery not marked duplicate")
	}
	if got := drainOutputs(persistCh); len(got) != 1 {
		t.Errorf("expected 1 output, got %d", len(got))
	}
	assertAmount(t, "shares", position(e, mint.UserID, usdc).Shares, u(500))
}

func TestBlockClock_RejectsStaleBlock(t *testing.T) {
	w := newWorld(t)
	must(t)(w.e.Mint(5, w.lender, usdc, u(1)))

	_, err := w.e.Mint(4, w.lender, usdc, u(1))
	expectErr(t, err, ledger.ErrStaleBlock)
	if w.e.CurrentBlock() != 5 {
		t.Errorf("expected block 5, got %d", w.e.CurrentBlock())
	}
}

func TestPriceUpdate_StaleIsNoop(t *testing.T) {
	w := newWorld(t)
	must(t)(w.e.UpdatePrice(2, eth, fpmath.Units(3), 5))
	seq := w.e.GetSequence()

	r := must(t)(w.e.UpdatePrice(2, eth, fpmath.Units(1), 4))
	if !r.Duplicate {
		t.Error("stale price not reported as no-op")
	}
	if w.e.GetSequence() != seq {
		t.Error("stale price consumed a sequence")
	}
	var price uint256.Int
	w.e.View(func(rd state.Reader) { price = rd.Price(eth) })
	assertAmount(t, "price", price, fpmath.Units(3))
}

// ============================================================================
// Test: Hash Chain / Replay / Snapshot
// ============================================================================

func fixedHeader(n byte, block uint64) event.Header {
	var id uuid.UUID
	id[15] = n
	return event.Header{RequestID: id, Block: block}
}

func fixedEvents() []event.Event {
	user := uuid.MustParse("6f1c2a52-86a1-4c1e-9a4e-2a6f7d3b1c01")
	return []event.Event{
		&event.ListMarket{Header: fixedHeader(1, 1), Market: usdc, Kind: ledger.KindStandard, Asset: usdc},
		&event.PriceUpdate{Market: usdc, Price: fpmath.Scale, PriceSequence: 1, Block: 1},
		&event.Mint{Header: fixedHeader(2, 2), UserID: user, Market: usdc, Amount: u(500)},
		&event.Redeem{Header: fixedHeader(3, 3), UserID: user, Market: usdc, Shares: u(200)},
	}
}

func runEvents(t *testing.T, e *core.Engine, events []event.Event) {
	t.Helper()
	for _, evt := range events {
		must(t)(e.ProcessEvent(evt))
	}
}

func TestStateHash_Deterministic(t *testing.T) {
	a, persistA, _ := newTestCore()
	b, _, _ := newTestCore()
	runEvents(t, a, fixedEvents())
	runEvents(t, b, fixedEvents())

	if a.GetStateHash() != b.GetStateHash() {
		t.Fatal("same commands produced different state hashes")
	}
	if a.GetStateHash() == core.GenesisHash() {
		t.Fatal("state hash never left genesis")
	}

	outputs := drainOutputs(persistA)
	links := make([]core.ChainLink, 0, len(outputs))
	prev := core.GenesisHash()
	for i, out := range outputs {
		if out.Envelope.Sequence != int64(i) {
			t.Errorf("output %d has sequence %d", i, out.Envelope.Sequence)
		}
		if out.Envelope.PrevHash != prev {
			t.Errorf("seq %d: prev hash does not link to the previous output", i)
		}
		prev = out.Envelope.StateHash
		links = append(links, core.ChainLink{Sequence: out.Envelope.Sequence, Digest: out.StateDelta, StateHash: out.Envelope.StateHash})
	}
	if err := core.VerifyChain(core.GenesisHash(), links); err != nil {
		t.Fatalf("chain verification failed: %v", err)
	}

	links[1].Digest = append([]byte{0xff}, links[1].Digest...)
	if err := core.VerifyChain(core.GenesisHash(), links); err == nil {
		t.Fatal("tampered digest passed verification")
	}
}

func TestReplayEvent_ReproducesHashes(t *testing.T) {
	a, persistA, _ := newTestCore()
	runEvents(t, a, fixedEvents())
	outputs := drainOutputs(persistA)

	b := core.NewEngine(0, nil, nil, nil, nil)
	for _, out := range outputs {
		if err := b.ReplayEvent(out.Event, out.Envelope.Sequence, out.Envelope.StateHash); err != nil {
			t.Fatalf("replay failed: %v", err)
		}
	}
	if a.GetStateHash() != b.GetStateHash() {
		t.Fatal("replayed engine diverged")
	}

	c := core.NewEngine(0, nil, nil, nil, nil)
	if err := c.ReplayEvent(outputs[0].Event, 0, [32]byte{}); err == nil {
		t.Fatal("replay accepted a wrong state hash")
	}
	if err := c.ReplayEvent(outputs[0].Event, 5, outputs[0].Envelope.StateHash); err == nil {
		t.Fatal("replay accepted a sequence gap")
	}
}

func TestSnapshot_RestoreContinuesChain(t *testing.T) {
	a, _, _ := newTestCore()
	runEvents(t, a, fixedEvents())

	snap := a.CreateSnapshotState()
	if snap.Sequence != int64(len(fixedEvents())-1) {
		t.Fatalf("expected snapshot at seq %d, got %d", len(fixedEvents())-1, snap.Sequence)
	}

	b := core.NewEngine(0, nil, nil, nil, nil)
	b.RestoreFromSnapshot(snap)
	if b.GetSequence() != a.GetSequence() || b.GetStateHash() != a.GetStateHash() {
		t.Fatal("restored engine does not match source")
	}

	// The restored LRU still knows the applied commands.
	r := must(t)(b.ProcessEvent(fixedEvents()[2]))
	if !r.Duplicate {
		t.Error("restored engine re-applied a known command")
	}

	next := &event.Mint{Header: fixedHeader(9, 4), UserID: uuid.New(), Market: usdc, Amount: u(42)}
	ra := must(t)(a.ProcessEvent(next))
	rb := must(t)(b.ProcessEvent(next))
	if ra.StateHash != rb.StateHash {
		t.Fatal("engines diverged after restore")
	}
}

// ============================================================================
// Test: Output Channels
// ============================================================================

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persistCh := make(chan core.CoreOutput, 100)
	projCh := make(chan core.CoreOutput, 1)
	e := core.NewEngine(0, persistCh, projCh, nil, nil)
	ok := must(t)

	ok(e.ListMarket(1, usdc, ledger.KindStandard, usdc))
	user := uuid.New()
	for i := 0; i < 5; i++ {
		ok(e.Mint(1, user, usdc, u(10)))
	}

	if got := len(drainOutputs(persistCh)); got != 6 {
		t.Errorf("persistence must receive every output: expected 6, got %d", got)
	}
	if got := len(drainOutputs(projCh)); got != 1 {
		t.Errorf("expected projection channel to hold 1, got %d", got)
	}
}

func TestEnvelope_HasCorrectFields(t *testing.T) {
	e, persistCh, _ := newTestCore()
	events := fixedEvents()
	runEvents(t, e, events[:3])

	outputs := drainOutputs(persistCh)
	env := outputs[2].Envelope
	if env.Sequence != 2 {
		t.Errorf("expected sequence 2, got %d", env.Sequence)
	}
	if env.IdempotencyKey != events[2].IdempotencyKey() {
		t.Errorf("idempotency key mismatch: %s vs %s", env.IdempotencyKey, events[2].IdempotencyKey())
	}
	if env.EventType != event.EventTypeMint {
		t.Errorf("event type mismatch: %v", env.EventType)
	}
	if env.MarketID == nil || *env.MarketID != usdc {
		t.Errorf("expected market %s, got %v", usdc, env.MarketID)
	}
	if env.BlockNumber != 2 {
		t.Errorf("expected block 2, got %d", env.BlockNumber)
	}
}
