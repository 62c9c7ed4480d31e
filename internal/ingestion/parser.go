package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/ratemodel"
	"LendLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ErrMalformed wraps every decode failure. Malformed commands never reach
// the engine.
var ErrMalformed = errors.New("malformed command")

// maxAmountToken is the wire spelling of math.Infinite ("repay all",
// "uncapped").
const maxAmountToken = "max"

// ParseRawEvent converts a NATS message into a typed command. The event type
// is the last token of the subject.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	et, err := EventTypeFromSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	return ParseCommand(et, raw.Data)
}

// ParseCommand decodes the JSON body of one command. It is also how the
// event log payload is read back for replay.
func ParseCommand(et event.EventType, data []byte) (event.Event, error) {
	evt, err := parseCommand(et, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", et, err, ErrMalformed)
	}
	return evt, nil
}

func parseCommand(et event.EventType, data []byte) (event.Event, error) {
	switch et {
	case event.EventTypeMint:
		j, h, id, err := parseAccountCommand(data)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", j.Amount)
		return &event.Mint{Header: h, UserID: id, Market: j.Market, Amount: amount}, err

	case event.EventTypeRedeem:
		j, h, id, err := parseAccountCommand(data)
		if err != nil {
			return nil, err
		}
		shares, err := parseAmount("shares", j.Shares)
		return &event.Redeem{Header: h, UserID: id, Market: j.Market, Shares: shares}, err

	case event.EventTypeRedeemUnderlying:
		j, h, id, err := parseAccountCommand(data)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", j.Amount)
		return &event.RedeemUnderlying{Header: h, UserID: id, Market: j.Market, Amount: amount}, err

	case event.EventTypeBorrow:
		j, h, id, err := parseAccountCommand(data)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", j.Amount)
		return &event.Borrow{Header: h, UserID: id, Market: j.Market, Amount: amount}, err

	case event.EventTypeRepayBorrow:
		j, h, id, err := parseAccountCommand(data)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", j.Amount)
		return &event.RepayBorrow{Header: h, UserID: id, Market: j.Market, Amount: amount}, err

	case event.EventTypeFlashloan:
		j, h, id, err := parseAccountCommand(data)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", j.Amount)
		if err != nil {
			return nil, err
		}
		repaid, err := parseAmount("repaid", j.Repaid)
		return &event.Flashloan{Header: h, UserID: id, Market: j.Market, Amount: amount, Repaid: repaid}, err

	case event.EventTypeRepayBorrowBehalf:
		return parseRepayBorrowBehalf(data)
	case event.EventTypeTransfer:
		return parseTransfer(data)
	case event.EventTypeLiquidateBorrow:
		return parseLiquidateBorrow(data)
	case event.EventTypeEnterMarkets, event.EventTypeExitMarkets:
		return parseMarkets(et, data)
	case event.EventTypeAccrueInterest:
		return parseAccrueInterest(data)
	case event.EventTypePriceUpdate:
		return parsePriceUpdate(data)
	case event.EventTypeListMarket:
		return parseListMarket(data)
	case event.EventTypeSetMarketParam:
		return parseSetMarketParam(data)
	case event.EventTypeSetPause:
		return parseSetPause(data)
	case event.EventTypeSetGlobalParam:
		return parseSetGlobalParam(data)
	case event.EventTypeSetLiquidationPaused:
		return parseSetLiquidationPaused(data)
	case event.EventTypeSetRateModel:
		return parseSetRateModel(data)
	case event.EventTypeWithdrawReserves:
		return parseWithdrawReserves(data)
	case event.EventTypeWithdrawSyntheticReserves:
		return parseWithdrawSyntheticReserves(data)
	default:
		return nil, fmt.Errorf("unknown event type %d", et)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts and share
// counts are base-unit integer strings; prices, factors and ratios are
// decimal strings ("0.75").

type headerJSON struct {
	RequestID string `json:"request_id"`
	Block     uint64 `json:"block"`
}

func (j headerJSON) parse() (event.Header, error) {
	id, err := parseID("request_id", j.RequestID)
	if err != nil {
		return event.Header{}, err
	}
	return event.Header{RequestID: id, Block: j.Block}, nil
}

func headerOf(h event.Header) headerJSON {
	return headerJSON{RequestID: h.RequestID.String(), Block: h.Block}
}

// accountCommandJSON carries the single-account, single-market commands.
type accountCommandJSON struct {
	headerJSON
	UserID string `json:"user_id"`
	Market string `json:"market"`
	Amount string `json:"amount,omitempty"`
	Shares string `json:"shares,omitempty"`
	Repaid string `json:"repaid,omitempty"`
}

func parseAccountCommand(data []byte) (accountCommandJSON, event.Header, uuid.UUID, error) {
	var j accountCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return j, event.Header{}, uuid.Nil, err
	}
	h, err := j.parse()
	if err != nil {
		return j, h, uuid.Nil, err
	}
	id, err := parseID("user_id", j.UserID)
	return j, h, id, err
}

type repayBehalfJSON struct {
	headerJSON
	Payer    string `json:"payer"`
	Borrower string `json:"borrower"`
	Market   string `json:"market"`
	Amount   string `json:"amount"`
}

func parseRepayBorrowBehalf(data []byte) (*event.RepayBorrowBehalf, error) {
	var j repayBehalfJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	payer, err := parseID("payer", j.Payer)
	if err != nil {
		return nil, err
	}
	borrower, err := parseID("borrower", j.Borrower)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.RepayBorrowBehalf{Header: h, Payer: payer, Borrower: borrower, Market: j.Market, Amount: amount}, nil
}

type transferJSON struct {
	headerJSON
	From   string `json:"from"`
	To     string `json:"to"`
	Market string `json:"market"`
	Shares string `json:"shares"`
}

func parseTransfer(data []byte) (*event.Transfer, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	from, err := parseID("from", j.From)
	if err != nil {
		return nil, err
	}
	to, err := parseID("to", j.To)
	if err != nil {
		return nil, err
	}
	shares, err := parseAmount("shares", j.Shares)
	if err != nil {
		return nil, err
	}
	return &event.Transfer{Header: h, From: from, To: to, Market: j.Market, Shares: shares}, nil
}

type liquidateJSON struct {
	headerJSON
	Liquidator       string `json:"liquidator"`
	Borrower         string `json:"borrower"`
	RepayMarket      string `json:"repay_market"`
	CollateralMarket string `json:"collateral_market"`
	Amount           string `json:"amount"`
}

func parseLiquidateBorrow(data []byte) (*event.LiquidateBorrow, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	liquidator, err := parseID("liquidator", j.Liquidator)
	if err != nil {
		return nil, err
	}
	borrower, err := parseID("borrower", j.Borrower)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.LiquidateBorrow{
		Header:           h,
		Liquidator:       liquidator,
		Borrower:         borrower,
		RepayMarket:      j.RepayMarket,
		CollateralMarket: j.CollateralMarket,
		Amount:           amount,
	}, nil
}

type marketsJSON struct {
	headerJSON
	UserID  string   `json:"user_id"`
	Markets []string `json:"markets"`
}

func parseMarkets(et event.EventType, data []byte) (event.Event, error) {
	var j marketsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	id, err := parseID("user_id", j.UserID)
	if err != nil {
		return nil, err
	}
	if et == event.EventTypeExitMarkets {
		return &event.ExitMarkets{Header: h, UserID: id, Markets: j.Markets}, nil
	}
	return &event.EnterMarkets{Header: h, UserID: id, Markets: j.Markets}, nil
}

// marketCommandJSON carries market-scoped commands without an account.
type marketCommandJSON struct {
	headerJSON
	Market string `json:"market"`
	Amount string `json:"amount,omitempty"`
}

func parseAccrueInterest(data []byte) (*event.AccrueInterest, error) {
	var j marketCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.AccrueInterest{Header: h, Market: j.Market}, nil
}

func parseWithdrawReserves(data []byte) (*event.WithdrawReserves, error) {
	var j marketCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawReserves{Header: h, Market: j.Market, Amount: amount}, nil
}

type syntheticReservesJSON struct {
	headerJSON
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func parseWithdrawSyntheticReserves(data []byte) (*event.WithdrawSyntheticReserves, error) {
	var j syntheticReservesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawSyntheticReserves{Header: h, Asset: j.Asset, Amount: amount}, nil
}

// priceJSON has no request id: the oracle's per-market sequence is the
// idempotency key.
type priceJSON struct {
	Market        string `json:"market"`
	Price         string `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
	Block         uint64 `json:"block"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	if j.Market == "" {
		return nil, fmt.Errorf("market is required")
	}
	price, err := parseRatio("price", j.Price)
	if err != nil {
		return nil, err
	}
	return &event.PriceUpdate{Market: j.Market, Price: price, PriceSequence: j.PriceSequence, Block: j.Block}, nil
}

type listMarketJSON struct {
	headerJSON
	Market string `json:"market"`
	Kind   string `json:"kind"`
	Asset  string `json:"asset"`
}

func parseListMarket(data []byte) (*event.ListMarket, error) {
	var j listMarketJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	kind, err := ledger.ParseKind(j.Kind)
	if err != nil {
		return nil, err
	}
	return &event.ListMarket{Header: h, Market: j.Market, Kind: kind, Asset: j.Asset}, nil
}

type setMarketParamJSON struct {
	headerJSON
	Market string `json:"market"`
	Param  string `json:"param"`
	Value  string `json:"value"`
}

func parseSetMarketParam(data []byte) (*event.SetMarketParam, error) {
	var j setMarketParamJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	param, err := state.ParseMarketParam(j.Param)
	if err != nil {
		return nil, err
	}
	var value uint256.Int
	if isCapacity(param) {
		value, err = parseAmount("value", j.Value)
	} else {
		value, err = parseRatio("value", j.Value)
	}
	if err != nil {
		return nil, err
	}
	return &event.SetMarketParam{Header: h, Market: j.Market, Param: param, Value: value}, nil
}

type setPauseJSON struct {
	headerJSON
	Market string `json:"market"`
	Action string `json:"action"`
	Paused bool   `json:"paused"`
}

func parseSetPause(data []byte) (*event.SetPause, error) {
	var j setPauseJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	action, err := ledger.ParseAction(j.Action)
	if err != nil {
		return nil, err
	}
	return &event.SetPause{Header: h, Market: j.Market, Action: action, Paused: j.Paused}, nil
}

type setGlobalParamJSON struct {
	headerJSON
	Param string `json:"param"`
	Value string `json:"value"`
}

func parseSetGlobalParam(data []byte) (*event.SetGlobalParam, error) {
	var j setGlobalParamJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	param, err := state.ParseGlobalParam(j.Param)
	if err != nil {
		return nil, err
	}
	value, err := parseRatio("value", j.Value)
	if err != nil {
		return nil, err
	}
	return &event.SetGlobalParam{Header: h, Param: param, Value: value}, nil
}

type setLiquidationPausedJSON struct {
	headerJSON
	Paused bool `json:"paused"`
}

func parseSetLiquidationPaused(data []byte) (*event.SetLiquidationPaused, error) {
	var j setLiquidationPausedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &event.SetLiquidationPaused{Header: h, Paused: j.Paused}, nil
}

// RateModelJSON is the wire form of a rate model config. Rates and the
// kink are decimal strings.
type RateModelJSON struct {
	Kind                  string `json:"kind"`
	RatePerBlock          string `json:"rate_per_block,omitempty"`
	BaseRatePerYear       string `json:"base_rate_per_year,omitempty"`
	MultiplierPerYear     string `json:"multiplier_per_year,omitempty"`
	JumpMultiplierPerYear string `json:"jump_multiplier_per_year,omitempty"`
	Kink                  string `json:"kink,omitempty"`
	BlocksPerYear         uint64 `json:"blocks_per_year,omitempty"`
}

// Parse converts the wire form into a ratemodel.Config. Missing rates are
// zero.
func (j RateModelJSON) Parse() (ratemodel.Config, error) {
	cfg := ratemodel.Config{Kind: ratemodel.Kind(j.Kind), BlocksPerYear: j.BlocksPerYear}
	if cfg.Kind == "" {
		cfg.Kind = ratemodel.KindFixed
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *uint256.Int
	}{
		{"rate_per_block", j.RatePerBlock, &cfg.RatePerBlock},
		{"base_rate_per_year", j.BaseRatePerYear, &cfg.BaseRatePerYear},
		{"multiplier_per_year", j.MultiplierPerYear, &cfg.MultiplierPerYear},
		{"jump_multiplier_per_year", j.JumpMultiplierPerYear, &cfg.JumpMultiplierPerYear},
		{"kink", j.Kink, &cfg.Kink},
	} {
		if f.raw == "" {
			continue
		}
		v, err := parseRatio(f.name, f.raw)
		if err != nil {
			return cfg, err
		}
		*f.dst = v
	}
	return cfg, nil
}

// RateModelToJSON is the inverse of RateModelJSON.Parse.
func RateModelToJSON(cfg ratemodel.Config) RateModelJSON {
	j := RateModelJSON{Kind: string(cfg.Kind), BlocksPerYear: cfg.BlocksPerYear}
	if cfg.Kind == ratemodel.KindJumpRate {
		j.BaseRatePerYear = formatRatio(cfg.BaseRatePerYear)
		j.MultiplierPerYear = formatRatio(cfg.MultiplierPerYear)
		j.JumpMultiplierPerYear = formatRatio(cfg.JumpMultiplierPerYear)
		j.Kink = formatRatio(cfg.Kink)
	} else {
		j.RatePerBlock = formatRatio(cfg.RatePerBlock)
	}
	return j
}

type setRateModelJSON struct {
	headerJSON
	Market string        `json:"market"`
	Model  RateModelJSON `json:"model"`
}

func parseSetRateModel(data []byte) (*event.SetRateModel, error) {
	var j setRateModelJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	h, err := j.parse()
	if err != nil {
		return nil, err
	}
	model, err := j.Model.Parse()
	if err != nil {
		return nil, err
	}
	return &event.SetRateModel{Header: h, Market: j.Market, Model: model}, nil
}

// --- Field helpers ---

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

// ParseAmount reads a base-unit integer string; "max" is math.Infinite.
func ParseAmount(s string) (uint256.Int, error) {
	return parseAmount("amount", s)
}

func parseAmount(field, s string) (uint256.Int, error) {
	if strings.EqualFold(strings.TrimSpace(s), maxAmountToken) {
		return fpmath.Infinite, nil
	}
	v, err := fpmath.Parse(s)
	if err != nil {
		return v, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

// ParseRatio reads a decimal string into SCALE precision.
func ParseRatio(s string) (uint256.Int, error) {
	return parseRatio("value", s)
}

func parseRatio(field, s string) (uint256.Int, error) {
	if strings.HasPrefix(strings.TrimSpace(s), "-") {
		return fpmath.Zero(), fmt.Errorf("parse %s: negative value %q", field, s)
	}
	v, err := fpmath.ParseDecimal(s)
	if err != nil {
		return v, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

// FormatAmount writes a base-unit amount; math.Infinite is "max".
func FormatAmount(v uint256.Int) string {
	if fpmath.Eq(v, fpmath.Infinite) {
		return maxAmountToken
	}
	return v.Dec()
}

// FormatRatio writes a SCALE value as an exact decimal string.
func FormatRatio(v uint256.Int) string {
	return formatRatio(v)
}

func formatRatio(v uint256.Int) string {
	return fpmath.ToDecimal(v).String()
}

func isCapacity(p state.MarketParam) bool {
	return p == state.ParamSupplyCapacity || p == state.ParamBorrowCapacity
}
