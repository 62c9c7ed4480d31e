package ledger

import "errors"

// Error taxonomy. Every rejected command wraps exactly one of these; the
// ledger is left exactly as it was.
var (
	ErrPaused                 = errors.New("paused")
	ErrCapacityExceeded       = errors.New("capacity exceeded")
	ErrInsufficientLiquidity  = errors.New("insufficient liquidity")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrNoShortfall            = errors.New("no shortfall")
	ErrSelfLiquidation        = errors.New("self liquidation")
	ErrSeizeTooMuch           = errors.New("seize too much")
	ErrFlashloanNotRepaid     = errors.New("flashloan not repaid")
	ErrInsufficientReserve    = errors.New("insufficient reserve")
	ErrInvalidAmount          = errors.New("invalid amount")

	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrMarketNotListed      = errors.New("market not listed")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrPriceUnavailable     = errors.New("price unavailable")
	ErrMarketNotEntered     = errors.New("market not entered")
	ErrInvalidConfig        = errors.New("invalid config")
	ErrStaleBlock           = errors.New("stale block")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrPaused, "Paused"},
	{ErrCapacityExceeded, "CapacityExceeded"},
	{ErrInsufficientLiquidity, "InsufficientLiquidity"},
	{ErrInsufficientCollateral, "InsufficientCollateral"},
	{ErrNoShortfall, "NoShortfall"},
	{ErrSelfLiquidation, "SelfLiquidation"},
	{ErrSeizeTooMuch, "SeizeTooMuch"},
	{ErrFlashloanNotRepaid, "FlashloanNotRepaid"},
	{ErrInsufficientReserve, "InsufficientReserve"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrInsufficientBalance, "InsufficientBalance"},
	{ErrMarketNotListed, "MarketNotListed"},
	{ErrUnsupportedOperation, "UnsupportedOperation"},
	{ErrPriceUnavailable, "PriceUnavailable"},
	{ErrMarketNotEntered, "MarketNotEntered"},
	{ErrInvalidConfig, "InvalidConfig"},
	{ErrStaleBlock, "StaleBlock"},
}

// ErrorKind returns the taxonomy name of err, "Internal" for anything
// outside the taxonomy and "" for nil.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}
