package event

import "github.com/google/uuid"

// EnterMarkets adds Markets to the account's collateral set.
type EnterMarkets struct {
	Header
	UserID  uuid.UUID
	Markets []string
}

func (e *EnterMarkets) EventType() EventType { return EventTypeEnterMarkets }
func (e *EnterMarkets) MarketID() *string    { return nil }

// ExitMarkets removes Markets from the account's collateral set, all or
// nothing.
type ExitMarkets struct {
	Header
	UserID  uuid.UUID
	Markets []string
}

func (e *ExitMarkets) EventType() EventType { return EventTypeExitMarkets }
func (e *ExitMarkets) MarketID() *string    { return nil }
