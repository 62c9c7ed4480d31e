package core

import (
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"LendLedger/internal/ratemodel"
	"LendLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Typed entry points. Each builds a command with a fresh request id and
// runs it through ProcessEvent, so they behave exactly like commands that
// arrive over NATS or gRPC.

func (e *Engine) Mint(block uint64, userID uuid.UUID, market string, amount uint256.Int) (*Receipt, error) {
	return e.ProcessEvent(&event.Mint{Header: event.NewHeader(block), UserID: userID, Market: market, Amount: amount})
}

func (e *Engine) Redeem(block uint64, userID uuid.UUID, market string, shares uint256.Int) (*Receipt, error) {
	return e.ProcessEvent(&event.Redeem{Header: event.NewHeader(block), UserID: userID, Market: market, Shares: shares})
}

func (e *Engine) RedeemUnderlying(block uint64, userID uuid.UUID, market string, amount uint256.Int) (*Receipt, error) {
	return e.ProcessEvent(&event.RedeemUnderlying{Header: event.NewHeader(block), UserID: userID, Market: market, Amount: amount})
}

func (e *Engine) Transfer(block uint64, from, to uuid.UUID, market string, shares uint256.Int) (*Receipt, error) {
	return e.ProcessEvent(&event.Transfer{Header: event.NewHeader(block), From: from, To: to, Market: market, Shares: shares})
}

func (e *Engine) Borrow(block uint64, userID uuid.UUID, market string, amount uint256.Int) (*Receipt, error) {
	return e.ProcessEvent(&event.Borrow{Header: event.NewHeader(block), UserID: userID, Market: market, Amount: amount})
}

// RepayBorrow repays the caller's debt; math.Infinite repays all of it.
func (e *Engine) RepayBorrow(block uint64, userID uuid.UUID, market string, amount uint256.Int) (*Receipt, error) {
	return e.ProcessEvent(&event.RepayBorrow{Header: event.NewHeader(block), UserID: userID, Market: market, Amount: amount})
}

func (e *Engine) RepayBorrowBehalf(block uint64, payer, borrower uuid.UUID, market string, amount uint256.Int) (*Receipt, error) {
	return e.ProcessEvent(&event.RepayBorrowBehalf{
		Header: event.NewHeader(block), Payer: payer, Borrower: borrower, Market: market, Amount: amount,
	})
}

func (e *Engine) LiquidateBorrow(block uint64, liquidator, borrower uuid.UUID, repayMarket, collateralMarket string, amount uint256.Int) (*Receipt, error) {
	return e.ProcessEvent(&event.LiquidateBorrow{
		Header:           event.NewHeader(block),
		Liquidator:       liquidator,
		Borrower:         borrower,
		RepayMarket:      repayMarket,
		CollateralMarket: collateralMarket,
		Amount:           amount,
	})
}

func (e *Engine) EnterMarkets(block uint64, userID uuid.UUID, markets ...string) (*Receipt, error) {
	return e.ProcessEvent(&event.EnterMarkets{Header: event.NewHeader(block), UserID: userID, Markets: markets})
}

func (e *Engine) ExitMarkets(block uint64, userID uuid.UUID, markets ...string) (*Receipt, error) {
	return e.ProcessEvent(&event.ExitMarkets{Header: event.NewHeader(block), UserID: userID, Markets: markets})
}

// FlashloanReceiver gets the borrowed amount and the fee owed and returns
// how much it pays back. It runs under the engine's write lock and must not
// submit commands itself.
type FlashloanReceiver func(market string, amount, fee uint256.Int) (repaid uint256.Int)

// Flashloan lends amount to receiver and settles in the same command. The
// loan is checked before the receiver runs; the command that reaches the
// event log records what the receiver repaid.
func (e *Engine) Flashloan(block uint64, userID uuid.UUID, market string, amount uint256.Int, receiver FlashloanReceiver) (*Receipt, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	evt := &event.Flashloan{Header: event.NewHeader(block), UserID: userID, Market: market, Amount: amount}
	m, ok := e.store.Market(market)
	if !ok {
		return nil, e.reject(evt, fmt.Errorf("market %q: %w", market, ledger.ErrMarketNotListed))
	}
	cfg, _ := e.store.Config(market)
	if err := ledger.CheckFlashloan(m, cfg.Config, amount); err != nil {
		return nil, e.reject(evt, err)
	}
	if receiver == nil {
		return nil, e.reject(evt, fmt.Errorf("no flashloan receiver: %w", ledger.ErrFlashloanNotRepaid))
	}

	evt.Repaid = receiver(market, amount, ledger.FlashloanFee(cfg.Config, amount))
	return e.processLocked(evt, true)
}

func (e *Engine) AccrueInterest(block uint64, market string) (*Receipt, error) {
	return e.ProcessEvent(&event.AccrueInterest{Header: event.NewHeader(block), Market: market})
}

// UpdatePrice feeds an oracle price; sequence orders updates per market.
func (e *Engine) UpdatePrice(block uint64, market string, price uint256.Int, sequence int64) (*Receipt, error) {
	return e.ProcessEvent(&event.PriceUpdate{Market: market, Price: price, PriceSequence: sequence, Block: block})
}

// --- Governance ---

func (e *Engine) ListMarket(block uint64, market string, kind ledger.Kind, asset string) (*Receipt, error) {
	return e.ProcessEvent(&event.ListMarket{Header: event.NewHeader(block), Market: market, Kind: kind, Asset: asset})
}

func (e *Engine) setMarketParam(block uint64, market string, param state.MarketParam, value uint256.Int) (*Receipt, error) {
	return e.ProcessEvent(&event.SetMarketParam{Header: event.NewHeader(block), Market: market, Param: param, Value: value})
}

func (e *Engine) SetCollateralFactor(block uint64, market string, v uint256.Int) (*Receipt, error) {
	return e.setMarketParam(block, market, state.ParamCollateralFactor, v)
}

func (e *Engine) SetBorrowFactor(block uint64, market string, v uint256.Int) (*Receipt, error) {
	return e.setMarketParam(block, market, state.ParamBorrowFactor, v)
}

func (e *Engine) SetReserveRatio(block uint64, market string, v uint256.Int) (*Receipt, error) {
	return e.setMarketParam(block, market, state.ParamReserveRatio, v)
}

func (e *Engine) SetSupplyCapacity(block uint64, market string, v uint256.Int) (*Receipt, error) {
	return e.setMarketParam(block, market, state.ParamSupplyCapacity, v)
}

func (e *Engine) SetBorrowCapacity(block uint64, market string, v uint256.Int) (*Receipt, error) {
	return e.setMarketParam(block, market, state.ParamBorrowCapacity, v)
}

func (e *Engine) SetFlashloanFeeRatio(block uint64, market string, v uint256.Int) (*Receipt, error) {
	return e.setMarketParam(block, market, state.ParamFlashloanFeeRatio, v)
}

func (e *Engine) SetSavingsRate(block uint64, market string, v uint256.Int) (*Receipt, error) {
	return e.setMarketParam(block, market, state.ParamSavingsRate, v)
}

func (e *Engine) SetPause(block uint64, market string, action ledger.Action, paused bool) (*Receipt, error) {
	return e.ProcessEvent(&event.SetPause{Header: event.NewHeader(block), Market: market, Action: action, Paused: paused})
}

func (e *Engine) SetLiquidationIncentive(block uint64, v uint256.Int) (*Receipt, error) {
	return e.ProcessEvent(&event.SetGlobalParam{Header: event.NewHeader(block), Param: state.ParamLiquidationIncentive, Value: v})
}

func (e *Engine) SetCloseFactor(block uint64, v uint256.Int) (*Receipt, error) {
	return e.ProcessEvent(&event.SetGlobalParam{Header: event.NewHeader(block), Param: state.ParamCloseFactor, Value: v})
}

func (e *Engine) SetLiquidationPaused(block uint64, paused bool) (*Receipt, error) {
	return e.ProcessEvent(&event.SetLiquidationPaused{Header: event.NewHeader(block), Paused: paused})
}

func (e *Engine) SetRateModel(block uint64, market string, model ratemodel.Config) (*Receipt, error) {
	return e.ProcessEvent(&event.SetRateModel{Header: event.NewHeader(block), Market: market, Model: model})
}

func (e *Engine) WithdrawReserves(block uint64, market string, amount uint256.Int) (*Receipt, error) {
	return e.ProcessEvent(&event.WithdrawReserves{Header: event.NewHeader(block), Market: market, Amount: amount})
}

func (e *Engine) WithdrawSyntheticReserves(block uint64, asset string, amount uint256.Int) (*Receipt, error) {
	return e.ProcessEvent(&event.WithdrawSyntheticReserves{Header: event.NewHeader(block), Asset: asset, Amount: amount})
}
