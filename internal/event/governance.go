package event

import (
	"LendLedger/internal/ledger"
	"LendLedger/internal/ratemodel"
	"LendLedger/internal/state"

	"github.com/holiman/uint256"
)

// ListMarket creates a market with the default config.
type ListMarket struct {
	Header
	Market string
	Kind   ledger.Kind
	Asset  string
}

func (l *ListMarket) EventType() EventType { return EventTypeListMarket }
func (l *ListMarket) MarketID() *string    { return marketRef(l.Market) }

// SetMarketParam sets one bounds-checked market parameter.
type SetMarketParam struct {
	Header
	Market string
	Param  state.MarketParam
	Value  uint256.Int
}

func (s *SetMarketParam) EventType() EventType { return EventTypeSetMarketParam }
func (s *SetMarketParam) MarketID() *string    { return marketRef(s.Market) }

// SetPause toggles one pause flag of a market.
type SetPause struct {
	Header
	Market string
	Action ledger.Action
	Paused bool
}

func (s *SetPause) EventType() EventType { return EventTypeSetPause }
func (s *SetPause) MarketID() *string    { return marketRef(s.Market) }

// SetGlobalParam sets the liquidation incentive or close factor.
type SetGlobalParam struct {
	Header
	Param state.GlobalParam
	Value uint256.Int
}

func (s *SetGlobalParam) EventType() EventType { return EventTypeSetGlobalParam }
func (s *SetGlobalParam) MarketID() *string    { return nil }

// SetLiquidationPaused toggles liquidations protocol-wide.
type SetLiquidationPaused struct {
	Header
	Paused bool
}

func (s *SetLiquidationPaused) EventType() EventType { return EventTypeSetLiquidationPaused }
func (s *SetLiquidationPaused) MarketID() *string    { return nil }

// SetRateModel replaces a market's interest rate model. The market accrues
// at its old rate up to Block first.
type SetRateModel struct {
	Header
	Market string
	Model  ratemodel.Config
}

func (s *SetRateModel) EventType() EventType { return EventTypeSetRateModel }
func (s *SetRateModel) MarketID() *string    { return marketRef(s.Market) }
