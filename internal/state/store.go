package state

import (
	"LendLedger/internal/ledger"
	"LendLedger/internal/oracle"
	"LendLedger/internal/synthetic"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Reader is the read side shared by the committed Store and an in-flight
// Tx. Risk checks and derived queries are written against it, so they see
// proposed state and committed state the same way.
type Reader interface {
	Block() uint64
	Global() GlobalConfig
	MarketIDs() []string
	Market(id string) (ledger.Market, bool)
	Config(id string) (MarketConfig, bool)
	Position(userID uuid.UUID, marketID string) Position
	Account(userID uuid.UUID) Account
	Synthetic(asset string) synthetic.Ledger
	Quote(marketID string) (oracle.Quote, bool)
	oracle.PriceOracle
}

// Store is the committed ledger state. It is not safe for concurrent use;
// the engine guards it with its own lock.
type Store struct {
	block       uint64
	global      GlobalConfig
	marketOrder []string
	markets     map[string]ledger.Market
	configs     map[string]MarketConfig
	positions   map[PositionKey]Position
	accounts    map[uuid.UUID]Account
	synthetics  map[string]synthetic.Ledger
	quotes      map[string]oracle.Quote
}

func NewStore() *Store {
	return &Store{
		global:     DefaultGlobalConfig(),
		markets:    make(map[string]ledger.Market),
		configs:    make(map[string]MarketConfig),
		positions:  make(map[PositionKey]Position),
		accounts:   make(map[uuid.UUID]Account),
		synthetics: make(map[string]synthetic.Ledger),
		quotes:     make(map[string]oracle.Quote),
	}
}

func (s *Store) Block() uint64        { return s.block }
func (s *Store) Global() GlobalConfig { return s.global }

// MarketIDs returns markets in listing order.
func (s *Store) MarketIDs() []string {
	out := make([]string, len(s.marketOrder))
	copy(out, s.marketOrder)
	return out
}

func (s *Store) Market(id string) (ledger.Market, bool) {
	m, ok := s.markets[id]
	return m, ok
}

func (s *Store) Config(id string) (MarketConfig, bool) {
	c, ok := s.configs[id]
	return c, ok
}

func (s *Store) Position(userID uuid.UUID, marketID string) Position {
	if p, ok := s.positions[PositionKey{UserID: userID, MarketID: marketID}]; ok {
		return p
	}
	return Position{UserID: userID, MarketID: marketID}
}

func (s *Store) Account(userID uuid.UUID) Account {
	if a, ok := s.accounts[userID]; ok {
		return a.Clone()
	}
	return Account{UserID: userID}
}

func (s *Store) Synthetic(asset string) synthetic.Ledger {
	if l, ok := s.synthetics[asset]; ok {
		return l
	}
	return synthetic.New(asset)
}

func (s *Store) Quote(marketID string) (oracle.Quote, bool) {
	q, ok := s.quotes[marketID]
	return q, ok
}

func (s *Store) Price(marketID string) uint256.Int {
	return s.quotes[marketID].Price
}

// UserIDs returns every account the store knows, in no particular order.
func (s *Store) UserIDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s.accounts))
	for id := range s.accounts {
		out = append(out, id)
	}
	return out
}

// PositionsOf returns the user's positions in market listing order.
func (s *Store) PositionsOf(userID uuid.UUID) []Position {
	var out []Position
	for _, id := range s.marketOrder {
		if p, ok := s.positions[PositionKey{UserID: userID, MarketID: id}]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Begin opens a copy-on-write transaction over the store.
func (s *Store) Begin() *Tx {
	return newTx(s)
}
