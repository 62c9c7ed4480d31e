package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Mint deposits Amount of the market's asset for shares.
type Mint struct {
	Header
	UserID uuid.UUID
	Market string
	Amount uint256.Int
}

func (m *Mint) EventType() EventType { return EventTypeMint }
func (m *Mint) MarketID() *string    { return marketRef(m.Market) }

// Redeem burns Shares for underlying.
type Redeem struct {
	Header
	UserID uuid.UUID
	Market string
	Shares uint256.Int
}

func (r *Redeem) EventType() EventType { return EventTypeRedeem }
func (r *Redeem) MarketID() *string    { return marketRef(r.Market) }

// RedeemUnderlying withdraws exactly Amount of underlying.
type RedeemUnderlying struct {
	Header
	UserID uuid.UUID
	Market string
	Amount uint256.Int
}

func (r *RedeemUnderlying) EventType() EventType { return EventTypeRedeemUnderlying }
func (r *RedeemUnderlying) MarketID() *string    { return marketRef(r.Market) }

// Transfer moves Shares between two accounts.
type Transfer struct {
	Header
	From   uuid.UUID
	To     uuid.UUID
	Market string
	Shares uint256.Int
}

func (t *Transfer) EventType() EventType { return EventTypeTransfer }
func (t *Transfer) MarketID() *string    { return marketRef(t.Market) }
