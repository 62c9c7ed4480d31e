package ingestion

import (
	"encoding/json"
	"fmt"

	"LendLedger/internal/event"
)

// EncodeEvent writes a command in the same JSON form ParseCommand reads.
// The event log stores this payload so replay goes through the same parser
// as live ingestion.
func EncodeEvent(evt event.Event) ([]byte, error) {
	var v any
	switch e := evt.(type) {
	case *event.Mint:
		v = accountCommandJSON{headerJSON: headerOf(e.Header), UserID: e.UserID.String(), Market: e.Market, Amount: FormatAmount(e.Amount)}
	case *event.Redeem:
		v = accountCommandJSON{headerJSON: headerOf(e.Header), UserID: e.UserID.String(), Market: e.Market, Shares: FormatAmount(e.Shares)}
	case *event.RedeemUnderlying:
		v = accountCommandJSON{headerJSON: headerOf(e.Header), UserID: e.UserID.String(), Market: e.Market, Amount: FormatAmount(e.Amount)}
	case *event.Borrow:
		v = accountCommandJSON{headerJSON: headerOf(e.Header), UserID: e.UserID.String(), Market: e.Market, Amount: FormatAmount(e.Amount)}
	case *event.RepayBorrow:
		v = accountCommandJSON{headerJSON: headerOf(e.Header), UserID: e.UserID.String(), Market: e.Market, Amount: FormatAmount(e.Amount)}
	case *event.Flashloan:
		v = accountCommandJSON{
			headerJSON: headerOf(e.Header),
			UserID:     e.UserID.String(),
			Market:     e.Market,
			Amount:     FormatAmount(e.Amount),
			Repaid:     FormatAmount(e.Repaid),
		}
	case *event.RepayBorrowBehalf:
		v = repayBehalfJSON{
			headerJSON: headerOf(e.Header),
			Payer:      e.Payer.String(),
			Borrower:   e.Borrower.String(),
			Market:     e.Market,
			Amount:     FormatAmount(e.Amount),
		}
	case *event.Transfer:
		v = transferJSON{
			headerJSON: headerOf(e.Header),
			From:       e.From.String(),
			To:         e.To.String(),
			Market:     e.Market,
			Shares:     FormatAmount(e.Shares),
		}
	case *event.LiquidateBorrow:
		v = liquidateJSON{
			headerJSON:       headerOf(e.Header),
			Liquidator:       e.Liquidator.String(),
			Borrower:         e.Borrower.String(),
			RepayMarket:      e.RepayMarket,
			CollateralMarket: e.CollateralMarket,
			Amount:           FormatAmount(e.Amount),
		}
	case *event.EnterMarkets:
		v = marketsJSON{headerJSON: headerOf(e.Header), UserID: e.UserID.String(), Markets: e.Markets}
	case *event.ExitMarkets:
		v = marketsJSON{headerJSON: headerOf(e.Header), UserID: e.UserID.String(), Markets: e.Markets}
	case *event.AccrueInterest:
		v = marketCommandJSON{headerJSON: headerOf(e.Header), Market: e.Market}
	case *event.WithdrawReserves:
		v = marketCommandJSON{headerJSON: headerOf(e.Header), Market: e.Market, Amount: FormatAmount(e.Amount)}
	case *event.WithdrawSyntheticReserves:
		v = syntheticReservesJSON{headerJSON: headerOf(e.Header), Asset: e.Asset, Amount: FormatAmount(e.Amount)}
	case *event.PriceUpdate:
		v = priceJSON{Market: e.Market, Price: formatRatio(e.Price), PriceSequence: e.PriceSequence, Block: e.Block}
	case *event.ListMarket:
		v = listMarketJSON{headerJSON: headerOf(e.Header), Market: e.Market, Kind: e.Kind.String(), Asset: e.Asset}
	case *event.SetMarketParam:
		value := formatRatio(e.Value)
		if isCapacity(e.Param) {
			value = FormatAmount(e.Value)
		}
		v = setMarketParamJSON{headerJSON: headerOf(e.Header), Market: e.Market, Param: e.Param.String(), Value: value}
	case *event.SetPause:
		v = setPauseJSON{headerJSON: headerOf(e.Header), Market: e.Market, Action: e.Action.String(), Paused: e.Paused}
	case *event.SetGlobalParam:
		v = setGlobalParamJSON{headerJSON: headerOf(e.Header), Param: e.Param.String(), Value: formatRatio(e.Value)}
	case *event.SetLiquidationPaused:
		v = setLiquidationPausedJSON{headerJSON: headerOf(e.Header), Paused: e.Paused}
	case *event.SetRateModel:
		v = setRateModelJSON{headerJSON: headerOf(e.Header), Market: e.Market, Model: RateModelToJSON(e.Model)}
	default:
		return nil, fmt.Errorf("encode %T: unknown command", evt)
	}
	return json.Marshal(v)
}
