package query

import (
	"encoding/json"

	fpmath "LendLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Amount is a raw 256-bit value that marshals as a decimal string.
type Amount uint256.Int

func NewAmount(v uint256.Int) Amount { return Amount(v) }

func (a Amount) Int() uint256.Int { return uint256.Int(a) }

func (a Amount) String() string { return fpmath.String(uint256.Int(a)) }

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := fpmath.Parse(s)
	if err != nil {
		return err
	}
	*a = Amount(v)
	return nil
}

// MarketSummary is the live view of one market. Ratios are SCALE values
// rendered as decimals.
type MarketSummary struct {
	MarketID         string          `json:"market_id"`
	Kind             string          `json:"kind"`
	Asset            string          `json:"asset"`
	Cash             Amount          `json:"cash"`
	TotalSupplied    Amount          `json:"total_supplied"`
	TotalShares      Amount          `json:"total_shares"`
	TotalDebt        Amount          `json:"total_debt"`
	TotalReserves    Amount          `json:"total_reserves"`
	ExchangeRate     decimal.Decimal `json:"exchange_rate"`
	Utilization      decimal.Decimal `json:"utilization"`
	Price            decimal.Decimal `json:"price"`
	CollateralFactor decimal.Decimal `json:"collateral_factor"`
	BorrowFactor     decimal.Decimal `json:"borrow_factor"`
	ReserveRatio     decimal.Decimal `json:"reserve_ratio"`
	SupplyCapacity   Amount          `json:"supply_capacity"`
	BorrowCapacity   Amount          `json:"borrow_capacity"`
	MaxSupplyAmount  Amount          `json:"max_supply_amount"`
	BorrowAPY        decimal.Decimal `json:"borrow_apy"`
	SupplyAPY        decimal.Decimal `json:"supply_apy"`
	SavingsAPY       decimal.Decimal `json:"savings_apy"`
	Paused           PausedActions   `json:"paused"`
	LastAccrualBlock uint64          `json:"last_accrual_block"`
	Block            uint64          `json:"block"`
}

type PausedActions struct {
	Mint     bool `json:"mint"`
	Redeem   bool `json:"redeem"`
	Borrow   bool `json:"borrow"`
	Transfer bool `json:"transfer"`
}

// AccountSummary is the live view of one account across every market it
// touches. HealthFactor is nil when nothing is borrowed.
type AccountSummary struct {
	UserID            uuid.UUID         `json:"user_id"`
	CollateralValue   decimal.Decimal   `json:"collateral_value"`
	BorrowedValue     decimal.Decimal   `json:"borrowed_value"`
	ValidBorrowed     decimal.Decimal   `json:"valid_borrowed"`
	Shortfall         decimal.Decimal   `json:"shortfall"`
	HealthFactor      *decimal.Decimal  `json:"health_factor,omitempty"`
	CollateralMarkets []string          `json:"collateral_markets"`
	BorrowedMarkets   []string          `json:"borrowed_markets"`
	Positions         []PositionSummary `json:"positions"`
	Block             uint64            `json:"block"`
}

type PositionSummary struct {
	MarketID            string `json:"market_id"`
	Shares              Amount `json:"shares"`
	Underlying          Amount `json:"underlying"`
	Debt                Amount `json:"debt"`
	Collateral          bool   `json:"collateral"`
	AvailableToBorrow   Amount `json:"available_to_borrow"`
	MaxBorrowAmount     Amount `json:"max_borrow_amount"`
	AvailableToWithdraw Amount `json:"available_to_withdraw"`
}

// SyntheticSummary is the debt and earning book of one synthetic asset.
type SyntheticSummary struct {
	Asset        string   `json:"asset"`
	TotalDebt    Amount   `json:"total_debt"`
	TotalEarning Amount   `json:"total_earning"`
	Equity       Amount   `json:"equity"`
	Markets      []string `json:"markets"`
	Block        uint64   `json:"block"`
}

// PositionResponse is a projected position.
type PositionResponse struct {
	UserID        uuid.UUID `json:"user_id"`
	MarketID      string    `json:"market_id"`
	Shares        Amount    `json:"shares"`
	Principal     Amount    `json:"principal"`
	IndexSnapshot Amount    `json:"index_snapshot"`
	LastSequence  int64     `json:"last_sequence"`
	AsOfSequence  int64     `json:"as_of_sequence"`
}

// MarketResponse is a projected market row.
type MarketResponse struct {
	MarketID         string  `json:"market_id"`
	Kind             string  `json:"kind"`
	Asset            string  `json:"asset"`
	Cash             Amount  `json:"cash"`
	TotalShares      Amount  `json:"total_shares"`
	TotalDebt        Amount  `json:"total_debt"`
	TotalReserves    Amount  `json:"total_reserves"`
	DebtIndex        Amount  `json:"debt_index"`
	Price            *Amount `json:"price,omitempty"`
	LastAccrualBlock uint64  `json:"last_accrual_block"`
	LastSequence     int64   `json:"last_sequence"`
	AsOfSequence     int64   `json:"as_of_sequence"`
}

// LiquidationResponse is one entry of a borrower's liquidation history.
type LiquidationResponse struct {
	Sequence         int64     `json:"sequence"`
	Block            uint64    `json:"block"`
	Liquidator       uuid.UUID `json:"liquidator"`
	Borrower         uuid.UUID `json:"borrower"`
	RepayMarket      string    `json:"repay_market"`
	CollateralMarket string    `json:"collateral_market"`
	RepayAmount      Amount    `json:"repay_amount"`
	SeizedShares     Amount    `json:"seized_shares"`
}

// TransferHistoryEntry is one transfer journal row touching a user wallet.
type TransferHistoryEntry struct {
	TransferID  string `json:"transfer_id"`
	Sequence    int64  `json:"sequence"`
	EventRef    string `json:"event_ref"`
	Block       uint64 `json:"block"`
	FromAccount string `json:"from_account"`
	ToAccount   string `json:"to_account"`
	MarketID    string `json:"market_id"`
	Asset       string `json:"asset"`
	Amount      Amount `json:"amount"`
	JournalType string `json:"journal_type"`
	Direction   string `json:"direction"`
	Timestamp   int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy         bool               `json:"is_healthy"`
	EventsVerified    int                `json:"events_verified"`
	HashChainBreaks   []int64            `json:"hash_chain_breaks,omitempty"`
	ChainError        string             `json:"chain_error,omitempty"`
	UnbalancedMarkets []UnbalancedMarket `json:"unbalanced_markets,omitempty"`
}

// UnbalancedMarket is a standard market whose projected cash differs from
// the net of its transfer journal.
type UnbalancedMarket struct {
	MarketID      string `json:"market_id"`
	ProjectedCash string `json:"projected_cash"`
	JournalCash   string `json:"journal_cash"`
}
