package event

import (
	"fmt"

	"github.com/holiman/uint256"
)

// PriceUpdate carries an oracle price for a market.
type PriceUpdate struct {
	Market        string
	Price         uint256.Int // SCALE-denominated, zero = untradeable
	PriceSequence int64       // Monotonic per market
	Block         uint64
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Market, p.PriceSequence)
}

func (p *PriceUpdate) EventType() EventType { return EventTypePriceUpdate }
func (p *PriceUpdate) MarketID() *string    { return marketRef(p.Market) }
func (p *PriceUpdate) BlockNumber() uint64  { return p.Block }

// AccrueInterest brings a market's accrual checkpoint up to Block.
type AccrueInterest struct {
	Header
	Market string
}

func (a *AccrueInterest) EventType() EventType { return EventTypeAccrueInterest }
func (a *AccrueInterest) MarketID() *string    { return marketRef(a.Market) }
