package state

import (
	"bytes"
	"sort"

	"LendLedger/internal/ledger"
	"LendLedger/internal/synthetic"
)

// MarketRecord is a listed market with its config.
type MarketRecord struct {
	Market ledger.Market
	Config MarketConfig
}

// Snapshot is a full, deterministic copy of the store.
type Snapshot struct {
	Block      uint64
	Global     GlobalConfig
	Markets    []MarketRecord // listing order
	Positions  []Position
	Accounts   []Account
	Synthetics []synthetic.Ledger
	Quotes     []QuoteChange
}

// Snapshot copies the whole store. Positions and accounts are sorted so
// two stores with the same content produce the same snapshot.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{Block: s.block, Global: s.global}
	for _, id := range s.marketOrder {
		snap.Markets = append(snap.Markets, MarketRecord{Market: s.markets[id], Config: s.configs[id]})
	}
	for _, p := range s.positions {
		snap.Positions = append(snap.Positions, p)
	}
	sort.Slice(snap.Positions, func(i, j int) bool {
		if cmp := bytes.Compare(snap.Positions[i].UserID[:], snap.Positions[j].UserID[:]); cmp != 0 {
			return cmp < 0
		}
		return snap.Positions[i].MarketID < snap.Positions[j].MarketID
	})
	for _, a := range s.accounts {
		snap.Accounts = append(snap.Accounts, a.Clone())
	}
	sort.Slice(snap.Accounts, func(i, j int) bool {
		return bytes.Compare(snap.Accounts[i].UserID[:], snap.Accounts[j].UserID[:]) < 0
	})
	for _, asset := range sortedKeys(s.synthetics) {
		snap.Synthetics = append(snap.Synthetics, s.synthetics[asset])
	}
	for _, id := range sortedKeys(s.quotes) {
		snap.Quotes = append(snap.Quotes, QuoteChange{MarketID: id, Quote: s.quotes[id]})
	}
	return snap
}

// Restore rebuilds a store from a snapshot.
func Restore(snap Snapshot) *Store {
	s := NewStore()
	s.block = snap.Block
	s.global = snap.Global
	for _, r := range snap.Markets {
		s.marketOrder = append(s.marketOrder, r.Market.ID)
		s.markets[r.Market.ID] = r.Market
		s.configs[r.Market.ID] = r.Config
	}
	for _, p := range snap.Positions {
		s.positions[p.Key()] = p
	}
	for _, a := range snap.Accounts {
		s.accounts[a.UserID] = a.Clone()
	}
	for _, l := range snap.Synthetics {
		s.synthetics[l.Asset] = l
	}
	for _, q := range snap.Quotes {
		s.quotes[q.MarketID] = q.Quote
	}
	return s
}
