package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// LiquidateBorrow repays Amount of Borrower's debt in RepayMarket and seizes
// collateral shares of CollateralMarket at the liquidation incentive.
type LiquidateBorrow struct {
	Header
	Liquidator       uuid.UUID
	Borrower         uuid.UUID
	RepayMarket      string
	CollateralMarket string
	Amount           uint256.Int
}

func (l *LiquidateBorrow) EventType() EventType { return EventTypeLiquidateBorrow }
func (l *LiquidateBorrow) MarketID() *string    { return marketRef(l.RepayMarket) }
