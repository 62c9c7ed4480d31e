package ledger

import (
	"fmt"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/ratemodel"

	"github.com/holiman/uint256"
)

// Kind distinguishes pooled markets from the two synthetic market flavours.
type Kind int32

const (
	// KindStandard is a pooled market: deposits fund borrows out of cash.
	KindStandard Kind = iota
	// KindSyntheticBorrow mints the synthetic asset on borrow and burns it on
	// repay. It holds no cash and accepts no deposits.
	KindSyntheticBorrow
	// KindSavings takes synthetic deposits (burned) and pays them back with
	// interest funded by the synthetic ledger (minted on redeem).
	KindSavings
)

func (k Kind) String() string {
	switch k {
	case KindStandard:
		return "standard"
	case KindSyntheticBorrow:
		return "synthetic_borrow"
	case KindSavings:
		return "savings"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "standard", "":
		return KindStandard, nil
	case "synthetic_borrow":
		return KindSyntheticBorrow, nil
	case "savings":
		return KindSavings, nil
	default:
		return 0, fmt.Errorf("unknown market kind %q", s)
	}
}

// IsSynthetic reports whether the market settles against a synthetic ledger.
func (k Kind) IsSynthetic() bool {
	return k == KindSyntheticBorrow || k == KindSavings
}

// Market is the per-asset ledger record. Values are copied freely; every
// operation in this package takes a Market and returns the proposed next one.
type Market struct {
	ID    string
	Kind  Kind
	Asset string // underlying, or the synthetic asset for synthetic kinds

	Cash          uint256.Int
	TotalShares   uint256.Int
	TotalDebt     uint256.Int
	TotalReserves uint256.Int
	DebtIndex     uint256.Int

	// SavingsIndex is the savings market exchange rate; it only grows.
	SavingsIndex uint256.Int

	LastAccrualBlock uint64
}

// NewMarket returns an empty market checkpointed at block.
func NewMarket(id string, kind Kind, asset string, block uint64) Market {
	return Market{
		ID:               id,
		Kind:             kind,
		Asset:            asset,
		DebtIndex:        fpmath.Scale,
		SavingsIndex:     fpmath.Scale,
		LastAccrualBlock: block,
	}
}

// ExchangeRate is (cash + totalDebt - totalReserves) * SCALE / totalShares,
// or SCALE when no shares exist. Savings markets use their stored index.
func (m Market) ExchangeRate() uint256.Int {
	if m.Kind == KindSavings {
		return m.SavingsIndex
	}
	if m.TotalShares.IsZero() {
		return fpmath.Scale
	}
	return fpmath.MulDiv(m.underlyingValue(), fpmath.Scale, m.TotalShares, fpmath.RoundDown)
}

func (m Market) underlyingValue() uint256.Int {
	return fpmath.SubFloor(fpmath.Add(m.Cash, m.TotalDebt), m.TotalReserves)
}

// TotalSupplied is the underlying value owed to share holders.
func (m Market) TotalSupplied() uint256.Int {
	if m.Kind == KindSavings {
		return fpmath.MulScale(m.TotalShares, m.SavingsIndex, fpmath.RoundDown)
	}
	return m.underlyingValue()
}

// Utilization is totalDebt / (cash + totalDebt - totalReserves) in SCALE.
func (m Market) Utilization() uint256.Int {
	return ratemodel.Utilization(m.Cash, m.TotalDebt, m.TotalReserves)
}

// SharesToUnderlying converts shares at the current exchange rate, rounding down.
func (m Market) SharesToUnderlying(shares uint256.Int) uint256.Int {
	return fpmath.MulScale(shares, m.ExchangeRate(), fpmath.RoundDown)
}

// Action names a pausable market operation.
type Action int32

const (
	ActionMint Action = iota
	ActionRedeem
	ActionBorrow
	ActionTransfer
)

func (a Action) String() string {
	switch a {
	case ActionMint:
		return "mint"
	case ActionRedeem:
		return "redeem"
	case ActionBorrow:
		return "borrow"
	case ActionTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// ParseAction is the inverse of Action.String.
func ParseAction(s string) (Action, error) {
	switch s {
	case "mint":
		return ActionMint, nil
	case "redeem":
		return ActionRedeem, nil
	case "borrow":
		return ActionBorrow, nil
	case "transfer":
		return ActionTransfer, nil
	default:
		return 0, fmt.Errorf("unknown action %q", s)
	}
}

// PauseFlags holds the per-operation pause switches of a market.
type PauseFlags struct {
	Mint     bool
	Redeem   bool
	Borrow   bool
	Transfer bool
}

func (p PauseFlags) Paused(a Action) bool {
	switch a {
	case ActionMint:
		return p.Mint
	case ActionRedeem:
		return p.Redeem
	case ActionBorrow:
		return p.Borrow
	case ActionTransfer:
		return p.Transfer
	}
	return false
}

// With returns a copy with the flag for a set to paused.
func (p PauseFlags) With(a Action, paused bool) PauseFlags {
	switch a {
	case ActionMint:
		p.Mint = paused
	case ActionRedeem:
		p.Redeem = paused
	case ActionBorrow:
		p.Borrow = paused
	case ActionTransfer:
		p.Transfer = paused
	}
	return p
}

// Config is the governance-controlled parameter set of one market. The
// engine reads it once per command and passes it into every call here.
type Config struct {
	ReserveRatio      uint256.Int
	CollateralFactor  uint256.Int
	BorrowFactor      uint256.Int
	SupplyCapacity    uint256.Int
	BorrowCapacity    uint256.Int
	FlashloanFeeRatio uint256.Int
	SavingsRate       uint256.Int // per block, savings markets only
	Paused            PauseFlags
}

// DefaultConfig is what a freshly listed market starts with: uncapped,
// no collateral value, borrow factor 1.
func DefaultConfig() Config {
	return Config{
		BorrowFactor:   fpmath.Scale,
		SupplyCapacity: fpmath.Infinite,
		BorrowCapacity: fpmath.Infinite,
	}
}

func checkPaused(cfg Config, a Action) error {
	if cfg.Paused.Paused(a) {
		return fmt.Errorf("%s: %w", a, ErrPaused)
	}
	return nil
}
