package oracle

import (
	"github.com/holiman/uint256"
)

// PriceOracle returns the SCALE-denominated price of one unit of a market's
// asset. Zero is a valid price: the market is untradeable.
type PriceOracle interface {
	Price(marketID string) uint256.Int
}

// Quote is the last accepted price of a market and the feed sequence that
// carried it.
type Quote struct {
	Price    uint256.Int
	Sequence int64
}

// Outcome classifies an incoming price update.
type Outcome int

const (
	// Accepted is the next update in sequence.
	Accepted Outcome = iota
	// AcceptedWithGap skipped one or more sequences. Price gaps are
	// tolerated: only the latest price matters.
	AcceptedWithGap
	// Stale is at or behind the last accepted sequence and is ignored.
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case AcceptedWithGap:
		return "gap"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Apply folds an update into the previous quote. known is false for the
// first price a market ever receives.
func Apply(prev Quote, known bool, price uint256.Int, sequence int64) (Quote, Outcome) {
	if !known {
		return Quote{Price: price, Sequence: sequence}, Accepted
	}
	if sequence <= prev.Sequence {
		return prev, Stale
	}
	outcome := Accepted
	if sequence > prev.Sequence+1 {
		outcome = AcceptedWithGap
	}
	return Quote{Price: price, Sequence: sequence}, outcome
}
