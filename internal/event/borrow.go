package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Borrow takes Amount of the market's asset against collateral. A zero
// amount only compounds the account's debt.
type Borrow struct {
	Header
	UserID uuid.UUID
	Market string
	Amount uint256.Int
}

func (b *Borrow) EventType() EventType { return EventTypeBorrow }
func (b *Borrow) MarketID() *string    { return marketRef(b.Market) }

// RepayBorrow repays the caller's own debt. Any amount at or above the
// outstanding debt repays it in full.
type RepayBorrow struct {
	Header
	UserID uuid.UUID
	Market string
	Amount uint256.Int
}

func (r *RepayBorrow) EventType() EventType { return EventTypeRepayBorrow }
func (r *RepayBorrow) MarketID() *string    { return marketRef(r.Market) }

// RepayBorrowBehalf repays Borrower's debt with Payer's assets.
type RepayBorrowBehalf struct {
	Header
	Payer    uuid.UUID
	Borrower uuid.UUID
	Market   string
	Amount   uint256.Int
}

func (r *RepayBorrowBehalf) EventType() EventType { return EventTypeRepayBorrowBehalf }
func (r *RepayBorrowBehalf) MarketID() *string    { return marketRef(r.Market) }

// Flashloan lends Amount and takes back Repaid in the same command. Repaid
// is what the receiver returned; recording it keeps the command replayable.
type Flashloan struct {
	Header
	UserID uuid.UUID
	Market string
	Amount uint256.Int
	Repaid uint256.Int
}

func (f *Flashloan) EventType() EventType { return EventTypeFlashloan }
func (f *Flashloan) MarketID() *string    { return marketRef(f.Market) }
