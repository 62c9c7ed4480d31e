package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// JournalType is the reason an asset moved.
type JournalType int32

const (
	JournalTypeSupply JournalType = iota
	JournalTypeRedeem
	JournalTypeBorrow
	JournalTypeRepay
	JournalTypeLiquidationRepay
	JournalTypeFlashloanOut
	JournalTypeFlashloanIn
	JournalTypeReserveWithdrawal
	JournalTypeSavingsDeposit
	JournalTypeSavingsRedeem
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeSupply:
		return "supply"
	case JournalTypeRedeem:
		return "redeem"
	case JournalTypeBorrow:
		return "borrow"
	case JournalTypeRepay:
		return "repay"
	case JournalTypeLiquidationRepay:
		return "liquidation_repay"
	case JournalTypeFlashloanOut:
		return "flashloan_out"
	case JournalTypeFlashloanIn:
		return "flashloan_in"
	case JournalTypeReserveWithdrawal:
		return "reserve_withdrawal"
	case JournalTypeSavingsDeposit:
		return "savings_deposit"
	case JournalTypeSavingsRedeem:
		return "savings_redeem"
	default:
		return "unknown"
	}
}

// Journal is one accounted asset movement: Amount of Asset leaves From and
// arrives at To. Custody executes it; the ledger only records it.
type Journal struct {
	From        AccountKey
	To          AccountKey
	MarketID    string
	Asset       string
	Amount      uint256.Int
	JournalType JournalType
}

// MovesIn reports whether the movement brings assets into the protocol
// (the AssetTransfer moveIn side).
func (j Journal) MovesIn() bool {
	return j.From.Scope == AccountScopeUser
}

// Batch is the set of movements produced by one command.
type Batch struct {
	EventRef string
	Sequence int64
	Block    uint64
	Journals []Journal
}

// Add appends a movement; zero amounts are dropped.
func (b *Batch) Add(j Journal) {
	if j.Amount.IsZero() {
		return
	}
	b.Journals = append(b.Journals, j)
}

// Validate checks that every movement is positive and not a self-transfer.
func (b *Batch) Validate() error {
	for i, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %d of %s has zero amount", i, b.EventRef)
		}
		if j.From == j.To {
			return fmt.Errorf("journal %d of %s moves %s to itself", i, b.EventRef, j.From.AccountPath())
		}
	}
	return nil
}

// MoveIn records assets arriving from a user into market (cash for
// standard markets, burned at the issuer for synthetic ones).
func MoveIn(m Market, user AccountKey, amount uint256.Int, t JournalType) Journal {
	to := MarketCash(m.ID)
	if m.Kind.IsSynthetic() {
		to = Issuer(m.Asset)
	}
	return Journal{From: user, To: to, MarketID: m.ID, Asset: m.Asset, Amount: amount, JournalType: t}
}

// MoveOut records assets leaving the market to a user (minted for
// synthetic markets).
func MoveOut(m Market, user AccountKey, amount uint256.Int, t JournalType) Journal {
	from := MarketCash(m.ID)
	if m.Kind.IsSynthetic() {
		from = Issuer(m.Asset)
	}
	return Journal{From: from, To: user, MarketID: m.ID, Asset: m.Asset, Amount: amount, JournalType: t}
}
