package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope is the top-level namespace of a journal account.
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeMarket
	AccountScopeIssuer
	AccountScopeTreasury
)

// AccountSubType is the purpose of a market-side account.
type AccountSubType uint8

const (
	SubTypeWallet AccountSubType = iota
	SubTypeCash
	SubTypeReserves
	SubTypeIssuance
)

// AccountKey addresses one side of an asset movement.
type AccountKey struct {
	Scope   AccountScope
	UserID  uuid.UUID
	Entity  string // market id, or synthetic asset for the issuer
	SubType AccountSubType
}

// UserWallet is the user's external custody account for an asset.
func UserWallet(userID uuid.UUID, asset string) AccountKey {
	return AccountKey{Scope: AccountScopeUser, UserID: userID, Entity: asset, SubType: SubTypeWallet}
}

// MarketCash is the pool cash held by a standard market.
func MarketCash(marketID string) AccountKey {
	return AccountKey{Scope: AccountScopeMarket, Entity: marketID, SubType: SubTypeCash}
}

// Issuer is the mint/burn endpoint of a synthetic asset.
func Issuer(asset string) AccountKey {
	return AccountKey{Scope: AccountScopeIssuer, Entity: asset, SubType: SubTypeIssuance}
}

// Treasury receives withdrawn reserves.
func Treasury(asset string) AccountKey {
	return AccountKey{Scope: AccountScopeTreasury, Entity: asset, SubType: SubTypeReserves}
}

// AccountPath returns the string form used in storage and logs.
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", k.UserID, k.Entity)
	case AccountScopeMarket:
		return fmt.Sprintf("market:%s:cash", k.Entity)
	case AccountScopeIssuer:
		return fmt.Sprintf("issuer:%s", k.Entity)
	case AccountScopeTreasury:
		return fmt.Sprintf("treasury:%s", k.Entity)
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	switch {
	case len(parts) == 3 && parts[0] == "user":
		id, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		return UserWallet(id, parts[2]), nil
	case len(parts) == 3 && parts[0] == "market" && parts[2] == "cash":
		return MarketCash(parts[1]), nil
	case len(parts) == 2 && parts[0] == "issuer":
		return Issuer(parts[1]), nil
	case len(parts) == 2 && parts[0] == "treasury":
		return Treasury(parts[1]), nil
	}
	return AccountKey{}, fmt.Errorf("unrecognised account path %q", path)
}
