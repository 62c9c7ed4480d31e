package state

import (
	"encoding/binary"
	"slices"

	"github.com/google/uuid"
)

// MarketSet is an insertion-ordered set of market ids. Mutators return a new
// set and never touch the receiver's backing array.
type MarketSet []string

func (s MarketSet) Contains(id string) bool {
	return slices.Contains(s, id)
}

func (s MarketSet) Add(id string) MarketSet {
	if s.Contains(id) {
		return s
	}
	out := make(MarketSet, len(s), len(s)+1)
	copy(out, s)
	return append(out, id)
}

func (s MarketSet) Remove(id string) MarketSet {
	if !s.Contains(id) {
		return s
	}
	out := make(MarketSet, 0, len(s)-1)
	for _, m := range s {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}

// Account is the per-user market membership: markets counted as collateral
// and markets with outstanding debt.
type Account struct {
	UserID            uuid.UUID
	CollateralMarkets MarketSet
	BorrowedMarkets   MarketSet
}

func (a Account) Clone() Account {
	a.CollateralMarkets = slices.Clone(a.CollateralMarkets)
	a.BorrowedMarkets = slices.Clone(a.BorrowedMarkets)
	return a
}

// CanonicalBytes returns deterministic serialization for hashing.
func (a Account) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, a.UserID[:]...)
	buf = binary.AppendUvarint(buf, uint64(len(a.CollateralMarkets)))
	for _, id := range a.CollateralMarkets {
		buf = appendString(buf, id)
	}
	buf = binary.AppendUvarint(buf, uint64(len(a.BorrowedMarkets)))
	for _, id := range a.BorrowedMarkets {
		buf = appendString(buf, id)
	}
	return buf
}
