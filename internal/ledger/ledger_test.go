package ledger_test

import (
	"errors"
	"testing"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

func u(v uint64) uint256.Int { return fpmath.U(v) }

func mustMint(t *testing.T, m ledger.Market, cfg ledger.Config, amount uint64) (ledger.Market, uint256.Int) {
	t.Helper()
	next, shares, err := ledger.Mint(m, cfg, u(amount))
	if err != nil {
		t.Fatalf("mint %d: %v", amount, err)
	}
	return next, shares
}

func mustBorrow(t *testing.T, m ledger.Market, cfg ledger.Config, d ledger.Debt, amount uint64) (ledger.Market, ledger.Debt) {
	t.Helper()
	next, debt, err := ledger.Borrow(m, cfg, d, u(amount))
	if err != nil {
		t.Fatalf("borrow %d: %v", amount, err)
	}
	return next, debt
}

func newStandard() ledger.Market {
	return ledger.NewMarket("USDC", ledger.KindStandard, "USDC", 100)
}

// ============================================================================
// Test: Supply side
// ============================================================================

func TestMint_OneToOneAtInitialRate(t *testing.T) {
	m, shares := mustMint(t, newStandard(), ledger.DefaultConfig(), 500)

	if shares != u(500) {
		t.Errorf("shares: got %s, want 500", shares.Dec())
	}
	if m.Cash != u(500) {
		t.Errorf("cash: got %s, want 500", m.Cash.Dec())
	}
	if m.TotalShares != u(500) {
		t.Errorf("total shares: got %s, want 500", m.TotalShares.Dec())
	}
}

func TestMint_Rejections(t *testing.T) {
	cfg := ledger.DefaultConfig()

	if _, _, err := ledger.Mint(newStandard(), cfg, u(0)); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("zero amount: got %v, want ErrInvalidAmount", err)
	}

	paused := cfg
	paused.Paused = paused.Paused.With(ledger.ActionMint, true)
	if _, _, err := ledger.Mint(newStandard(), paused, u(10)); !errors.Is(err, ledger.ErrPaused) {
		t.Errorf("paused: got %v, want ErrPaused", err)
	}

	capped := cfg
	capped.SupplyCapacity = u(100)
	m, _ := mustMint(t, newStandard(), capped, 100)
	if _, _, err := ledger.Mint(m, capped, u(1)); !errors.Is(err, ledger.ErrCapacityExceeded) {
		t.Errorf("capacity: got %v, want ErrCapacityExceeded", err)
	}

	borrowOnly := ledger.NewMarket("xUSD-debt", ledger.KindSyntheticBorrow, "xUSD", 0)
	if _, _, err := ledger.Mint(borrowOnly, cfg, u(10)); !errors.Is(err, ledger.ErrUnsupportedOperation) {
		t.Errorf("borrow-only: got %v, want ErrUnsupportedOperation", err)
	}
}

func TestMintRedeem_ConservationWithInterest(t *testing.T) {
	cfg := ledger.DefaultConfig()
	m, _ := mustMint(t, newStandard(), cfg, 1000)
	m, _ = mustBorrow(t, m, cfg, ledger.Debt{}, 500)
	m, _ = ledger.Accrue(m, cfg, fpmath.Fraction(1, 1000), 110)

	before := m.ExchangeRate()
	if before != fpmath.MustParse("1005000000000000000") {
		t.Fatalf("exchange rate: got %s, want 1.005e18", before.Dec())
	}

	m, shares := mustMint(t, m, cfg, 333)
	if shares != u(331) {
		t.Fatalf("shares: got %s, want 331", shares.Dec())
	}

	_, out, err := ledger.Redeem(m, cfg, shares)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if fpmath.Gt(out, u(333)) {
		t.Errorf("redeemed %s, more than the 333 deposited", out.Dec())
	}
	if fpmath.Gt(fpmath.Sub(u(333), out), u(1)) {
		t.Errorf("rounding loss %s exceeds 1 unit", fpmath.String(fpmath.Sub(u(333), out)))
	}
}

func TestRedeemUnderlying_RoundsSharesUp(t *testing.T) {
	cfg := ledger.DefaultConfig()
	m, _ := mustMint(t, newStandard(), cfg, 1000)
	m, _ = mustBorrow(t, m, cfg, ledger.Debt{}, 500)
	m, _ = ledger.Accrue(m, cfg, fpmath.Fraction(1, 1000), 110) // rate 1.005

	next, burned, err := ledger.RedeemUnderlying(m, cfg, u(100))
	if err != nil {
		t.Fatalf("redeem underlying: %v", err)
	}
	// 100 / 1.005 = 99.50..., rounded up
	if burned != u(100) {
		t.Errorf("burned: got %s, want 100", burned.Dec())
	}
	if next.Cash != u(400) {
		t.Errorf("cash: got %s, want 400", next.Cash.Dec())
	}
}

func TestRedeem_InsufficientLiquidity(t *testing.T) {
	cfg := ledger.DefaultConfig()
	m, _ := mustMint(t, newStandard(), cfg, 1000)
	m, _ = mustBorrow(t, m, cfg, ledger.Debt{}, 900)

	if _, _, err := ledger.Redeem(m, cfg, u(200)); !errors.Is(err, ledger.ErrInsufficientLiquidity) {
		t.Errorf("got %v, want ErrInsufficientLiquidity", err)
	}
}

// ============================================================================
// Test: Borrow side
// ============================================================================

func TestBorrow_NoBlocksDebtUnchanged(t *testing.T) {
	cfg := ledger.DefaultConfig()
	m, _ := mustMint(t, newStandard(), cfg, 1000)
	m, debt := mustBorrow(t, m, cfg, ledger.Debt{}, 300)
	m, _ = ledger.Accrue(m, cfg, fpmath.Fraction(1, 1000), m.LastAccrualBlock)

	if got := debt.Current(m.DebtIndex); got != u(300) {
		t.Errorf("current debt: got %s, want 300", got.Dec())
	}
	if m.Cash != u(700) {
		t.Errorf("cash: got %s, want 700", m.Cash.Dec())
	}
}

func TestBorrowZero_CompoundsDebt(t *testing.T) {
	cfg := ledger.DefaultConfig()
	m, _ := mustMint(t, newStandard(), cfg, 1000)
	m, debt := mustBorrow(t, m, cfg, ledger.Debt{}, 100)
	oldIndex := m.DebtIndex

	m, _ = ledger.Accrue(m, cfg, fpmath.Fraction(1, 1000), 110)
	m, debt = mustBorrow(t, m, cfg, debt, 0)

	want := fpmath.MulDiv(u(100), m.DebtIndex, oldIndex, fpmath.RoundDown)
	if debt.Principal != want || want != u(101) {
		t.Errorf("principal: got %s, want %s", debt.Principal.Dec(), want.Dec())
	}
	if debt.IndexSnapshot != m.DebtIndex {
		t.Errorf("snapshot not reset to current index")
	}
}

func TestBorrow_Rejections(t *testing.T) {
	cfg := ledger.DefaultConfig()
	m, _ := mustMint(t, newStandard(), cfg, 1000)

	if _, _, err := ledger.Borrow(m, cfg, ledger.Debt{}, u(1001)); !errors.Is(err, ledger.ErrInsufficientLiquidity) {
		t.Errorf("over cash: got %v, want ErrInsufficientLiquidity", err)
	}

	capped := cfg
	capped.BorrowCapacity = u(50)
	if _, _, err := ledger.Borrow(m, capped, ledger.Debt{}, u(51)); !errors.Is(err, ledger.ErrCapacityExceeded) {
		t.Errorf("over capacity: got %v, want ErrCapacityExceeded", err)
	}

	paused := cfg
	paused.Paused.Borrow = true
	if _, _, err := ledger.Borrow(m, paused, ledger.Debt{}, u(1)); !errors.Is(err, ledger.ErrPaused) {
		t.Errorf("paused: got %v, want ErrPaused", err)
	}
}

func TestRepay_AmountAboveDebtIsFullRepay(t *testing.T) {
	cfg := ledger.DefaultConfig()
	m, _ := mustMint(t, newStandard(), cfg, 1000)
	m, debt := mustBorrow(t, m, cfg, ledger.Debt{}, 100)
	m, _ = ledger.Accrue(m, cfg, fpmath.Fraction(1, 1000), 110)

	m, debt, applied, err := ledger.Repay(m, debt, fpmath.Infinite)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if applied != u(101) {
		t.Errorf("applied: got %s, want 101", applied.Dec())
	}
	if !fpmath.IsZero(debt.Current(m.DebtIndex)) {
		t.Errorf("debt left: %s", fpmath.String(debt.Current(m.DebtIndex)))
	}
	if !m.TotalDebt.IsZero() {
		t.Errorf("total debt left: %s", m.TotalDebt.Dec())
	}
	if m.Cash != u(1001) {
		t.Errorf("cash: got %s, want 1001", m.Cash.Dec())
	}

	if _, _, _, err := ledger.Repay(m, debt, u(1)); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("repay without debt: got %v, want ErrInvalidAmount", err)
	}
}

// ============================================================================
// Test: Accrual
// ============================================================================

func TestAccrue_FullReserveRatio(t *testing.T) {
	cfg := ledger.DefaultConfig()
	cfg.ReserveRatio = fpmath.Scale
	m, _ := mustMint(t, newStandard(), cfg, 10_000)
	m, _ = mustBorrow(t, m, cfg, ledger.Debt{}, 5_000)

	before := m
	m, acc := ledger.Accrue(m, cfg, fpmath.Fraction(3, 10_000), 150)

	dDebt := fpmath.Sub(m.TotalDebt, before.TotalDebt)
	dReserves := fpmath.Sub(m.TotalReserves, before.TotalReserves)
	if dDebt != dReserves || dDebt.IsZero() {
		t.Errorf("debt delta %s != reserves delta %s", dDebt.Dec(), dReserves.Dec())
	}
	if acc.Blocks != 50 {
		t.Errorf("blocks: got %d, want 50", acc.Blocks)
	}
	if m.ExchangeRate() != before.ExchangeRate() {
		t.Errorf("exchange rate moved with 100%% reserves")
	}
}

func TestAccrue_ExchangeRateMonotonic(t *testing.T) {
	cfg := ledger.DefaultConfig()
	cfg.ReserveRatio = fpmath.Fraction(1, 10)
	m, _ := mustMint(t, newStandard(), cfg, 7_777)
	m, _ = mustBorrow(t, m, cfg, ledger.Debt{}, 3_333)

	for block := uint64(101); block < 200; block += 7 {
		next, _ := ledger.Accrue(m, cfg, fpmath.Fraction(17, 100_000), block)
		if err := ledger.ValidateAccrual(m, next); err != nil {
			t.Fatalf("block %d: %v", block, err)
		}
		if err := ledger.ValidateMarket(next); err != nil {
			t.Fatalf("block %d: %v", block, err)
		}
		m = next
	}
}

func TestAccrue_SameBlockNoop(t *testing.T) {
	m := newStandard()
	next, acc := ledger.Accrue(m, ledger.DefaultConfig(), fpmath.Scale, m.LastAccrualBlock)
	if next != m || acc.Blocks != 0 {
		t.Errorf("accrual at checkpoint changed the market")
	}
}

func TestAccrueSavings_CappedAtEquity(t *testing.T) {
	cfg := ledger.DefaultConfig()
	cfg.SavingsRate = fpmath.Fraction(1, 100)
	m := ledger.NewMarket("sxUSD", ledger.KindSavings, "xUSD", 0)
	m, _ = mustMint(t, m, cfg, 1_000)

	next, earned := ledger.AccrueSavings(m, cfg, 1, u(3))
	if earned != u(3) {
		t.Fatalf("earned: got %s, want cap 3", earned.Dec())
	}
	if next.TotalSupplied() != u(1_003) {
		t.Errorf("supplied: got %s, want 1003", fpmath.String(next.TotalSupplied()))
	}

	_, earned = ledger.AccrueSavings(m, cfg, 1, fpmath.Infinite)
	if earned != u(10) {
		t.Errorf("uncapped earning: got %s, want 10", earned.Dec())
	}
}

// ============================================================================
// Test: Flashloan and reserves
// ============================================================================

func TestFlashloan(t *testing.T) {
	cfg := ledger.DefaultConfig()
	cfg.FlashloanFeeRatio = fpmath.Fraction(1, 100)
	cfg.ReserveRatio = fpmath.Fraction(1, 2)
	m, _ := mustMint(t, newStandard(), cfg, 1_000)

	if got := ledger.MinFlashloanAmount(cfg); got != u(100) {
		t.Errorf("minimum: got %s, want 100", got.Dec())
	}
	if _, _, err := ledger.SettleFlashloan(m, cfg, u(99), u(200)); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("below minimum: got %v, want ErrInvalidAmount", err)
	}
	if _, _, err := ledger.SettleFlashloan(m, cfg, u(500), u(504)); !errors.Is(err, ledger.ErrFlashloanNotRepaid) {
		t.Errorf("short repay: got %v, want ErrFlashloanNotRepaid", err)
	}

	next, fee, err := ledger.SettleFlashloan(m, cfg, u(500), u(505))
	if err != nil {
		t.Fatalf("flashloan: %v", err)
	}
	if fee != u(5) || next.Cash != u(1_005) || next.TotalReserves != u(2) {
		t.Errorf("fee=%s cash=%s reserves=%s", fee.Dec(), next.Cash.Dec(), next.TotalReserves.Dec())
	}
	if !next.TotalDebt.IsZero() {
		t.Errorf("flashloan fee leaked into debt")
	}
}

func TestWithdrawReserves(t *testing.T) {
	m := newStandard()
	m.Cash = u(100)
	m.TotalReserves = u(10)

	if _, err := ledger.WithdrawReserves(m, u(11)); !errors.Is(err, ledger.ErrInsufficientReserve) {
		t.Errorf("got %v, want ErrInsufficientReserve", err)
	}
	next, err := ledger.WithdrawReserves(m, u(10))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if next.Cash != u(90) || !next.TotalReserves.IsZero() {
		t.Errorf("cash=%s reserves=%s", next.Cash.Dec(), next.TotalReserves.Dec())
	}
}

// ============================================================================
// Test: Journal accounts and errors
// ============================================================================

func TestAccountPath_RoundTrip(t *testing.T) {
	user := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	keys := []ledger.AccountKey{
		ledger.UserWallet(user, "USDC"),
		ledger.MarketCash("USDC"),
		ledger.Issuer("xUSD"),
		ledger.Treasury("xUSD"),
	}
	for _, k := range keys {
		parsed, err := ledger.ParseAccountPath(k.AccountPath())
		if err != nil {
			t.Fatalf("parse %s: %v", k.AccountPath(), err)
		}
		if parsed != k {
			t.Errorf("round trip %s: got %+v", k.AccountPath(), parsed)
		}
	}
	if got := ledger.UserWallet(user, "USDC").AccountPath(); got != "user:550e8400-e29b-41d4-a716-446655440000:USDC" {
		t.Errorf("user path: got %q", got)
	}
}

func TestMoveInOut_SyntheticGoesThroughIssuer(t *testing.T) {
	user := ledger.UserWallet(uuid.New(), "xUSD")
	m := ledger.NewMarket("xUSD-debt", ledger.KindSyntheticBorrow, "xUSD", 0)

	out := ledger.MoveOut(m, user, u(5), ledger.JournalTypeBorrow)
	if out.From != ledger.Issuer("xUSD") || out.MovesIn() {
		t.Errorf("borrow of synthetic should mint from issuer: %+v", out)
	}
	in := ledger.MoveIn(m, user, u(5), ledger.JournalTypeRepay)
	if in.To != ledger.Issuer("xUSD") || !in.MovesIn() {
		t.Errorf("repay of synthetic should burn at issuer: %+v", in)
	}
}

func TestErrorKind(t *testing.T) {
	_, err := ledger.WithdrawReserves(newStandard(), u(1))
	if got := ledger.ErrorKind(err); got != "InsufficientReserve" {
		t.Errorf("kind: got %q", got)
	}
	if got := ledger.ErrorKind(errors.New("boom")); got != "Internal" {
		t.Errorf("kind: got %q", got)
	}
	if got := ledger.ErrorKind(nil); got != "" {
		t.Errorf("kind: got %q", got)
	}
}
