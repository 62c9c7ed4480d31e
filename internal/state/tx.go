package state

import (
	"bytes"
	"sort"

	"LendLedger/internal/ledger"
	"LendLedger/internal/oracle"
	"LendLedger/internal/synthetic"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Tx is a copy-on-write overlay on a Store. Writes land in the overlay;
// reads fall through to the store. Commit merges the overlay. Dropping a
// Tx discards the proposal with no trace.
type Tx struct {
	base *Store

	block       uint64
	global      GlobalConfig
	globalDirty bool

	newMarkets []string
	markets    map[string]ledger.Market
	configs    map[string]MarketConfig
	positions  map[PositionKey]Position
	accounts   map[uuid.UUID]Account
	synthetics map[string]synthetic.Ledger
	quotes     map[string]oracle.Quote
}

func newTx(base *Store) *Tx {
	return &Tx{
		base:       base,
		block:      base.block,
		global:     base.global,
		markets:    make(map[string]ledger.Market),
		configs:    make(map[string]MarketConfig),
		positions:  make(map[PositionKey]Position),
		accounts:   make(map[uuid.UUID]Account),
		synthetics: make(map[string]synthetic.Ledger),
		quotes:     make(map[string]oracle.Quote),
	}
}

func (tx *Tx) Block() uint64        { return tx.block }
func (tx *Tx) Global() GlobalConfig { return tx.global }

func (tx *Tx) MarketIDs() []string {
	return append(tx.base.MarketIDs(), tx.newMarkets...)
}

func (tx *Tx) Market(id string) (ledger.Market, bool) {
	if m, ok := tx.markets[id]; ok {
		return m, true
	}
	return tx.base.Market(id)
}

func (tx *Tx) Config(id string) (MarketConfig, bool) {
	if c, ok := tx.configs[id]; ok {
		return c, true
	}
	return tx.base.Config(id)
}

func (tx *Tx) Position(userID uuid.UUID, marketID string) Position {
	if p, ok := tx.positions[PositionKey{UserID: userID, MarketID: marketID}]; ok {
		return p
	}
	return tx.base.Position(userID, marketID)
}

func (tx *Tx) Account(userID uuid.UUID) Account {
	if a, ok := tx.accounts[userID]; ok {
		return a.Clone()
	}
	return tx.base.Account(userID)
}

func (tx *Tx) Synthetic(asset string) synthetic.Ledger {
	if l, ok := tx.synthetics[asset]; ok {
		return l
	}
	return tx.base.Synthetic(asset)
}

func (tx *Tx) Quote(marketID string) (oracle.Quote, bool) {
	if q, ok := tx.quotes[marketID]; ok {
		return q, true
	}
	return tx.base.Quote(marketID)
}

func (tx *Tx) Price(marketID string) uint256.Int {
	q, _ := tx.Quote(marketID)
	return q.Price
}

func (tx *Tx) SetBlock(block uint64) { tx.block = block }

func (tx *Tx) PutGlobal(g GlobalConfig) {
	tx.global = g
	tx.globalDirty = true
}

// ListMarket adds a new market with its initial config.
func (tx *Tx) ListMarket(m ledger.Market, c MarketConfig) {
	tx.newMarkets = append(tx.newMarkets, m.ID)
	tx.markets[m.ID] = m
	tx.configs[m.ID] = c
}

func (tx *Tx) PutMarket(m ledger.Market)                { tx.markets[m.ID] = m }
func (tx *Tx) PutConfig(id string, c MarketConfig)      { tx.configs[id] = c }
func (tx *Tx) PutPosition(p Position)                   { tx.positions[p.Key()] = p }
func (tx *Tx) PutAccount(a Account)                     { tx.accounts[a.UserID] = a.Clone() }
func (tx *Tx) PutSynthetic(l synthetic.Ledger)          { tx.synthetics[l.Asset] = l }
func (tx *Tx) PutQuote(marketID string, q oracle.Quote) { tx.quotes[marketID] = q }

// ConfigChange pairs a written config with its market.
type ConfigChange struct {
	MarketID string
	Config   MarketConfig
}

// QuoteChange pairs a written quote with its market.
type QuoteChange struct {
	MarketID string
	Quote    oracle.Quote
}

// Changes lists every record a transaction wrote, in a deterministic order.
type Changes struct {
	Block      uint64
	Global     *GlobalConfig
	Markets    []ledger.Market
	Configs    []ConfigChange
	Positions  []Position
	Accounts   []Account
	Synthetics []synthetic.Ledger
	Quotes     []QuoteChange
}

// Changes returns the overlay's writes sorted by key.
func (tx *Tx) Changes() Changes {
	c := Changes{Block: tx.block}
	if tx.globalDirty {
		g := tx.global
		c.Global = &g
	}
	for _, id := range sortedKeys(tx.markets) {
		c.Markets = append(c.Markets, tx.markets[id])
	}
	for _, id := range sortedKeys(tx.configs) {
		c.Configs = append(c.Configs, ConfigChange{MarketID: id, Config: tx.configs[id]})
	}
	for _, p := range tx.positions {
		c.Positions = append(c.Positions, p)
	}
	sort.Slice(c.Positions, func(i, j int) bool {
		if cmp := bytes.Compare(c.Positions[i].UserID[:], c.Positions[j].UserID[:]); cmp != 0 {
			return cmp < 0
		}
		return c.Positions[i].MarketID < c.Positions[j].MarketID
	})
	for _, a := range tx.accounts {
		c.Accounts = append(c.Accounts, a.Clone())
	}
	sort.Slice(c.Accounts, func(i, j int) bool {
		return bytes.Compare(c.Accounts[i].UserID[:], c.Accounts[j].UserID[:]) < 0
	})
	for _, asset := range sortedKeys(tx.synthetics) {
		c.Synthetics = append(c.Synthetics, tx.synthetics[asset])
	}
	for _, id := range sortedKeys(tx.quotes) {
		c.Quotes = append(c.Quotes, QuoteChange{MarketID: id, Quote: tx.quotes[id]})
	}
	return c
}

// Commit merges the overlay into the store and returns what changed.
// The Tx must not be used afterwards.
func (tx *Tx) Commit() Changes {
	changes := tx.Changes()
	s := tx.base

	s.block = tx.block
	s.global = tx.global
	s.marketOrder = append(s.marketOrder, tx.newMarkets...)
	for id, m := range tx.markets {
		s.markets[id] = m
	}
	for id, c := range tx.configs {
		s.configs[id] = c
	}
	for k, p := range tx.positions {
		s.positions[k] = p
	}
	for id, a := range tx.accounts {
		s.accounts[id] = a
	}
	for asset, l := range tx.synthetics {
		s.synthetics[asset] = l
	}
	for id, q := range tx.quotes {
		s.quotes[id] = q
	}

	tx.base = nil
	return changes
}

// Digest returns the canonical bytes of every changed record, the input
// to the state hash chain.
func (c Changes) Digest() []byte {
	buf := make([]byte, 0, 256)
	buf = appendUint64LE(buf, c.Block)
	if c.Global != nil {
		buf = append(buf, 'G')
		buf = appendUint256(buf, c.Global.LiquidationIncentive)
		buf = appendUint256(buf, c.Global.CloseFactor)
		buf = appendBool(buf, c.Global.LiquidationPaused)
	}
	for _, m := range c.Markets {
		buf = append(buf, 'M')
		buf = append(buf, MarketBytes(m)...)
	}
	for _, cc := range c.Configs {
		buf = append(buf, 'C')
		buf = appendString(buf, cc.MarketID)
		buf = append(buf, cc.Config.CanonicalBytes()...)
	}
	for _, p := range c.Positions {
		buf = append(buf, 'P')
		buf = append(buf, p.CanonicalBytes()...)
	}
	for _, a := range c.Accounts {
		buf = append(buf, 'A')
		buf = append(buf, a.CanonicalBytes()...)
	}
	for _, l := range c.Synthetics {
		buf = append(buf, 'S')
		buf = appendString(buf, l.Asset)
		buf = appendUint256(buf, l.TotalDebt)
		buf = appendUint256(buf, l.TotalEarning)
	}
	for _, q := range c.Quotes {
		buf = append(buf, 'Q')
		buf = appendString(buf, q.MarketID)
		buf = appendUint256(buf, q.Quote.Price)
		buf = appendUint64LE(buf, uint64(q.Quote.Sequence))
	}
	return buf
}

// CanonicalBytes returns deterministic serialization for hashing.
func (c MarketConfig) CanonicalBytes() []byte {
	buf := make([]byte, 0, 12*32+8)
	for _, v := range []uint256.Int{
		c.ReserveRatio, c.CollateralFactor, c.BorrowFactor, c.SupplyCapacity,
		c.BorrowCapacity, c.FlashloanFeeRatio, c.SavingsRate,
		c.RateModel.RatePerBlock, c.RateModel.BaseRatePerYear, c.RateModel.MultiplierPerYear,
		c.RateModel.JumpMultiplierPerYear, c.RateModel.Kink,
	} {
		buf = appendUint256(buf, v)
	}
	buf = appendString(buf, string(c.RateModel.Kind))
	buf = appendUint64LE(buf, c.RateModel.BlocksPerYear)
	for _, p := range []bool{c.Paused.Mint, c.Paused.Redeem, c.Paused.Borrow, c.Paused.Transfer} {
		buf = appendBool(buf, p)
	}
	return buf
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
