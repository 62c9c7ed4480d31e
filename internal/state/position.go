package state

import (
	"encoding/binary"

	"LendLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type PositionKey struct {
	UserID   uuid.UUID
	MarketID string
}

// Position is an account's stake in one market: supplied shares and a debt
// snapshot. Positions are created lazily and never deleted.
type Position struct {
	UserID   uuid.UUID
	MarketID string
	Shares   uint256.Int
	Debt     ledger.Debt
}

func (p Position) Key() PositionKey {
	return PositionKey{UserID: p.UserID, MarketID: p.MarketID}
}

// IsEmpty reports whether the position holds neither shares nor debt.
func (p Position) IsEmpty() bool {
	return p.Shares.IsZero() && p.Debt.Principal.IsZero()
}

// CurrentDebt is the debt at the market's current index.
func (p Position) CurrentDebt(m ledger.Market) uint256.Int {
	return p.Debt.Current(m.DebtIndex)
}

// CanonicalBytes returns deterministic serialization for hashing.
func (p Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 16+1+len(p.MarketID)+3*32)
	buf = append(buf, p.UserID[:]...)
	buf = appendString(buf, p.MarketID)
	buf = appendUint256(buf, p.Shares)
	buf = appendUint256(buf, p.Debt.Principal)
	buf = appendUint256(buf, p.Debt.IndexSnapshot)
	return buf
}

// appendString writes a uvarint length prefix and the bytes of s.
func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendUint256(buf []byte, v uint256.Int) []byte {
	b := v.Bytes32()
	return append(buf, b[:]...)
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// MarketBytes returns the canonical serialization of a market record.
func MarketBytes(m ledger.Market) []byte {
	buf := make([]byte, 0, 1+len(m.ID)+1+len(m.Asset)+1+6*32+8)
	buf = appendString(buf, m.ID)
	buf = appendString(buf, m.Asset)
	buf = append(buf, byte(m.Kind))
	for _, v := range []uint256.Int{m.Cash, m.TotalShares, m.TotalDebt, m.TotalReserves, m.DebtIndex, m.SavingsIndex} {
		buf = appendUint256(buf, v)
	}
	return appendUint64LE(buf, m.LastAccrualBlock)
}
