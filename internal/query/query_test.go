package query_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"LendLedger/internal/ingestion"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/ratemodel"
	"LendLedger/internal/risk"
	"LendLedger/internal/state"
	"LendLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// In the fixture the borrower's 100 ETH at price 2 and factor 0.8 is worth
// 160 and backs a 100 USDC loan.

func view[T any](f *testutil.Fixture, fn func(state.Reader) T) T {
	var out T
	f.Engine.View(func(r state.Reader) { out = fn(r) })
	return out
}

// ============================================================================
// Equity and borrowing power
// ============================================================================

func TestAccountEquity_Fixture(t *testing.T) {
	f := testutil.NewFixture(t)

	eq := view(f, func(r state.Reader) risk.Equity { return query.AccountEquity(r, f.Borrower) })
	assert.Equal(t, fpmath.U(160), eq.CollateralValue)
	assert.Equal(t, fpmath.U(100), eq.BorrowedValue)
	assert.Equal(t, fpmath.U(60), eq.ValidBorrowed)
	assert.True(t, eq.Shortfall.IsZero())

	hf := view(f, func(r state.Reader) uint256.Int { return query.HealthFactor(r, f.Borrower) })
	assert.Equal(t, fpmath.Fraction(16, 10), hf)

	hf = view(f, func(r state.Reader) uint256.Int { return query.HealthFactor(r, f.Lender) })
	assert.Equal(t, fpmath.Infinite, hf)
}

func TestAvailableToBorrow_IsAcceptedByEngine(t *testing.T) {
	f := testutil.NewFixture(t)

	avail := view(f, func(r state.Reader) uint256.Int { return query.AvailableToBorrow(r, f.Borrower, testutil.USDC) })
	maxBorrow := view(f, func(r state.Reader) uint256.Int { return query.MaxBorrowAmount(r, f.Borrower, testutil.USDC) })
	assert.Equal(t, fpmath.U(60), avail)
	assert.Equal(t, avail, maxBorrow)

	_, err := f.Engine.Borrow(1, f.Borrower, testutil.USDC, fpmath.Add(maxBorrow, fpmath.U(1)))
	require.Error(t, err, "one unit above the max must be rejected")
	testutil.Must(t)(f.Engine.Borrow(1, f.Borrower, testutil.USDC, maxBorrow))

	after := view(f, func(r state.Reader) uint256.Int { return query.MaxBorrowAmount(r, f.Borrower, testutil.USDC) })
	assert.True(t, after.IsZero())
}

func TestAvailableToBorrow_UnpricedMarketIsZero(t *testing.T) {
	f := testutil.NewFixture(t)
	testutil.Must(t)(f.Engine.ListMarket(1, "DAI", ledger.KindStandard, "DAI"))

	avail := view(f, func(r state.Reader) uint256.Int { return query.AvailableToBorrow(r, f.Borrower, "DAI") })
	assert.True(t, avail.IsZero())
	avail = view(f, func(r state.Reader) uint256.Int { return query.AvailableToBorrow(r, f.Borrower, "NOPE") })
	assert.True(t, avail.IsZero())
}

func TestSafeAvailableToBorrow(t *testing.T) {
	f := testutil.NewFixture(t)

	tests := []struct {
		name    string
		safety  uint256.Int
		want    uint256.Int
		wantErr bool
	}{
		{"eighty percent", fpmath.Fraction(8, 10), fpmath.U(48), false},
		{"full", fpmath.Scale, fpmath.U(60), false},
		{"zero", fpmath.Zero(), fpmath.Zero(), true},
		{"above one", fpmath.Fraction(11, 10), fpmath.Zero(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				got uint256.Int
				err error
			)
			f.Engine.View(func(r state.Reader) {
				got, err = query.SafeAvailableToBorrow(r, f.Borrower, testutil.USDC, tt.safety)
			})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMaxBorrowAmount_CappedByCashAndCapacity(t *testing.T) {
	f := testutil.NewFixture(t)
	whale := uuid.New()
	testutil.Must(t)(f.Engine.Mint(1, whale, testutil.ETH, fpmath.U(1_000_000)))
	testutil.Must(t)(f.Engine.EnterMarkets(1, whale, testutil.ETH))

	// 900 USDC of cash left after the fixture loan.
	got := view(f, func(r state.Reader) uint256.Int { return query.MaxBorrowAmount(r, whale, testutil.USDC) })
	assert.Equal(t, fpmath.U(900), got)

	testutil.Must(t)(f.Engine.SetBorrowCapacity(1, testutil.USDC, fpmath.U(250)))
	got = view(f, func(r state.Reader) uint256.Int { return query.MaxBorrowAmount(r, whale, testutil.USDC) })
	assert.Equal(t, fpmath.U(150), got)
}

// ============================================================================
// Withdrawals and supply
// ============================================================================

func TestAvailableToWithdraw_KeepsBorrowCovered(t *testing.T) {
	f := testutil.NewFixture(t)

	// 63 ETH left is worth floor(126 * 0.8) = 100, exactly the loan.
	got := view(f, func(r state.Reader) uint256.Int { return query.AvailableToWithdraw(r, f.Borrower, testutil.ETH) })
	assert.Equal(t, fpmath.U(37), got)

	_, err := f.Engine.RedeemUnderlying(1, f.Borrower, testutil.ETH, fpmath.U(38))
	require.Error(t, err)
	testutil.Must(t)(f.Engine.RedeemUnderlying(1, f.Borrower, testutil.ETH, got))
}

func TestAvailableToWithdraw_CappedByCash(t *testing.T) {
	f := testutil.NewFixture(t)

	got := view(f, func(r state.Reader) uint256.Int { return query.AvailableToWithdraw(r, f.Lender, testutil.USDC) })
	assert.Equal(t, fpmath.U(900), got)

	got = view(f, func(r state.Reader) uint256.Int { return query.AvailableToWithdraw(r, uuid.New(), testutil.USDC) })
	assert.True(t, got.IsZero())
}

func TestMaxSupplyAmount(t *testing.T) {
	f := testutil.NewFixture(t)
	testutil.Must(t)(f.Engine.SetSupplyCapacity(1, testutil.USDC, fpmath.U(1500)))

	got := view(f, func(r state.Reader) uint256.Int { return query.MaxSupplyAmount(r, testutil.USDC) })
	assert.Equal(t, fpmath.U(500), got)

	testutil.Must(t)(f.Engine.Mint(1, f.Lender, testutil.USDC, got))
	got = view(f, func(r state.Reader) uint256.Int { return query.MaxSupplyAmount(r, testutil.USDC) })
	assert.True(t, got.IsZero())
	_, err := f.Engine.Mint(1, f.Lender, testutil.USDC, fpmath.U(1))
	require.Error(t, err)
}

// ============================================================================
// Rates
// ============================================================================

func TestAPY_FixedRate(t *testing.T) {
	f := testutil.NewFixture(t)
	rate := fpmath.Fraction(1, 1_000_000)
	testutil.Must(t)(f.Engine.SetRateModel(1, testutil.USDC, ratemodel.Config{Kind: ratemodel.KindFixed, RatePerBlock: rate}))
	testutil.Must(t)(f.Engine.SetReserveRatio(1, testutil.USDC, fpmath.Fraction(1, 10)))

	f.Engine.View(func(r state.Reader) {
		assert.Equal(t, rate, query.BorrowRatePerBlock(r, testutil.USDC))

		// utilization 100/1000, a tenth kept as reserves
		want := fpmath.Fraction(9, 100_000_000)
		assert.Equal(t, want, query.SupplyRatePerBlock(r, testutil.USDC))

		assert.True(t, query.BorrowAPY(r, testutil.USDC, 1).Equal(decimal.RequireFromString("0.000001")))
		assert.True(t, query.BorrowAPY(r, testutil.USDC, 2).Equal(decimal.RequireFromString("0.000002000001")))
		assert.True(t, query.SupplyAPY(r, testutil.USDC, 0).IsZero())
		assert.True(t, query.SavingsAPY(r, testutil.USDC, 1000).IsZero(), "standard markets have no savings rate")
	})
}

// ============================================================================
// Summaries
// ============================================================================

func TestSummarizeAccount(t *testing.T) {
	f := testutil.NewFixture(t)

	s := view(f, func(r state.Reader) query.AccountSummary { return query.SummarizeAccount(r, f.Borrower) })
	assert.Equal(t, []string{testutil.ETH}, s.CollateralMarkets)
	assert.Equal(t, []string{testutil.USDC}, s.BorrowedMarkets)
	require.NotNil(t, s.HealthFactor)
	assert.Equal(t, "1.6", s.HealthFactor.String())
	require.Len(t, s.Positions, 2)

	eth, usdc := s.Positions[0], s.Positions[1]
	assert.Equal(t, testutil.ETH, eth.MarketID)
	assert.True(t, eth.Collateral)
	assert.Equal(t, "37", eth.AvailableToWithdraw.String())
	assert.Equal(t, testutil.USDC, usdc.MarketID)
	assert.Equal(t, "100", usdc.Debt.String())
	assert.Equal(t, "60", usdc.MaxBorrowAmount.String())

	lender := view(f, func(r state.Reader) query.AccountSummary { return query.SummarizeAccount(r, f.Lender) })
	assert.Nil(t, lender.HealthFactor)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"debt":"100"`)
}

func TestSummarizeMarket(t *testing.T) {
	f := testutil.NewFixture(t)

	s, ok := query.MarketSummary{}, false
	f.Engine.View(func(r state.Reader) { s, ok = query.SummarizeMarket(r, testutil.USDC, 2_628_000) })
	require.True(t, ok)
	assert.Equal(t, "standard", s.Kind)
	assert.Equal(t, "900", s.Cash.String())
	assert.Equal(t, "1000", s.TotalSupplied.String())
	assert.Equal(t, "0.1", s.Utilization.String())
	assert.Equal(t, "1", s.Price.String())
	assert.True(t, s.BorrowAPY.IsZero())

	f.Engine.View(func(r state.Reader) { _, ok = query.SummarizeMarket(r, "NOPE", 1) })
	assert.False(t, ok)
}

func TestSummarizeSynthetic_Empty(t *testing.T) {
	f := testutil.NewFixture(t)
	s := view(f, func(r state.Reader) query.SyntheticSummary { return query.SummarizeSynthetic(r, "sUSD") })
	assert.Equal(t, "sUSD", s.Asset)
	assert.Equal(t, "0", s.Equity.String())
	assert.Empty(t, s.Markets)
}

func TestAmount_JSON(t *testing.T) {
	a := query.NewAmount(fpmath.MustParse("115792089237316195423570985008687907853269984665640564039457"))
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, `"115792089237316195423570985008687907853269984665640564039457"`, string(data))

	var back query.Amount
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, a, back)
	require.Error(t, json.Unmarshal([]byte(`"-1"`), &back))
}

// ============================================================================
// Postgres (INTEGRATION_TEST=1)
// ============================================================================

func TestQueryService_HistoryAndIntegrity(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	f := testutil.NewFixture(t)
	outs := testutil.Drain(f.Persist)

	in := make(chan persistence.Record, len(outs))
	for _, out := range outs {
		payload, err := ingestion.EncodeEvent(out.Event)
		require.NoError(t, err)
		in <- persistence.NewRecord(out, payload)
	}
	close(in)
	require.NoError(t, persistence.NewPersistenceWorker(db, in, 100, 10*time.Millisecond, nil).Run(ctx))
	require.NoError(t, projection.Reseed(ctx, db, f.Engine.CreateSnapshotState()))

	qs := query.NewQueryService(db)

	positions, err := qs.GetPositions(ctx, f.Borrower)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, int64(8), positions[0].AsOfSequence)

	markets, err := qs.GetMarkets(ctx)
	require.NoError(t, err)
	require.Len(t, markets, 2)
	require.NotNil(t, markets[1].Price)
	assert.Equal(t, "900", markets[1].Cash.String())

	history, err := qs.GetTransferHistory(ctx, f.Borrower, 10, nil)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "borrow", history[0].JournalType)
	assert.Equal(t, "supply", history[1].JournalType)

	cursor := history[0].Sequence
	older, err := qs.GetTransferHistory(ctx, f.Borrower, 10, &cursor)
	require.NoError(t, err)
	require.Len(t, older, 1)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy, "%+v", report)
	assert.Equal(t, 9, report.EventsVerified)

	_, err = db.ExecContext(ctx, `UPDATE projections.markets SET cash = cash + 1 WHERE market_id = $1`, testutil.USDC)
	require.NoError(t, err)
	report, err = qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, report.IsHealthy)
	require.Len(t, report.UnbalancedMarkets, 1)
	assert.Equal(t, testutil.USDC, report.UnbalancedMarkets[0].MarketID)
}
