package event

import (
	"fmt"

	"github.com/google/uuid"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMint
	EventTypeRedeem
	EventTypeRedeemUnderlying
	EventTypeBorrow
	EventTypeRepayBorrow
	EventTypeRepayBorrowBehalf
	EventTypeTransfer
	EventTypeLiquidateBorrow
	EventTypeEnterMarkets
	EventTypeExitMarkets
	EventTypeFlashloan
	EventTypeAccrueInterest
	EventTypePriceUpdate
	EventTypeListMarket
	EventTypeSetMarketParam
	EventTypeSetPause
	EventTypeSetGlobalParam
	EventTypeSetLiquidationPaused
	EventTypeSetRateModel
	EventTypeWithdrawReserves
	EventTypeWithdrawSyntheticReserves
)

var eventTypeNames = map[EventType]string{
	EventTypeMint:                      "Mint",
	EventTypeRedeem:                    "Redeem",
	EventTypeRedeemUnderlying:          "RedeemUnderlying",
	EventTypeBorrow:                    "Borrow",
	EventTypeRepayBorrow:               "RepayBorrow",
	EventTypeRepayBorrowBehalf:         "RepayBorrowBehalf",
	EventTypeTransfer:                  "Transfer",
	EventTypeLiquidateBorrow:           "LiquidateBorrow",
	EventTypeEnterMarkets:              "EnterMarkets",
	EventTypeExitMarkets:               "ExitMarkets",
	EventTypeFlashloan:                 "Flashloan",
	EventTypeAccrueInterest:            "AccrueInterest",
	EventTypePriceUpdate:               "PriceUpdate",
	EventTypeListMarket:                "ListMarket",
	EventTypeSetMarketParam:            "SetMarketParam",
	EventTypeSetPause:                  "SetPause",
	EventTypeSetGlobalParam:            "SetGlobalParam",
	EventTypeSetLiquidationPaused:      "SetLiquidationPaused",
	EventTypeSetRateModel:              "SetRateModel",
	EventTypeWithdrawReserves:          "WithdrawReserves",
	EventTypeWithdrawSyntheticReserves: "WithdrawSyntheticReserves",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, error) {
	for et, name := range eventTypeNames {
		if name == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type: %s", s)
}

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Market context (nil for account-wide and global commands)
	MarketID *string

	// Block the command executed at (versioned input, NOT wall-clock)
	BlockNumber uint64

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all commands implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for account-wide commands)
	MarketID() *string

	// BlockNumber returns the block the command executes at
	BlockNumber() uint64
}

// Header carries the fields every user and governance command shares.
type Header struct {
	RequestID uuid.UUID
	Block     uint64
}

// NewHeader stamps a fresh request id.
func NewHeader(block uint64) Header {
	return Header{RequestID: uuid.New(), Block: block}
}

func (h Header) IdempotencyKey() string {
	return h.RequestID.String()
}

func (h Header) BlockNumber() uint64 {
	return h.Block
}

func marketRef(id string) *string {
	return &id
}
