package event

import "github.com/holiman/uint256"

// WithdrawReserves moves Amount of a standard market's reserves to the
// treasury.
type WithdrawReserves struct {
	Header
	Market string
	Amount uint256.Int
}

func (w *WithdrawReserves) EventType() EventType { return EventTypeWithdrawReserves }
func (w *WithdrawReserves) MarketID() *string    { return marketRef(w.Market) }

// WithdrawSyntheticReserves takes Amount of a synthetic ledger's equity.
type WithdrawSyntheticReserves struct {
	Header
	Asset  string
	Amount uint256.Int
}

func (w *WithdrawSyntheticReserves) EventType() EventType { return EventTypeWithdrawSyntheticReserves }
func (w *WithdrawSyntheticReserves) MarketID() *string    { return nil }
