package core

import (
	"fmt"

	"LendLedger/internal/ledger"
)

// BlockClock is the engine's notion of "now". Every command carries the
// block it executes at; the clock never runs backwards.
// Not thread-safe: only the engine's writer touches it.
type BlockClock struct {
	current uint64
	stale   map[string]int64 // event_type -> rejected count
}

func NewBlockClock(start uint64) *BlockClock {
	return &BlockClock{
		current: start,
		stale:   make(map[string]int64),
	}
}

// Check rejects a block behind the clock. Equal blocks are fine: many
// commands share a block.
func (bc *BlockClock) Check(eventType string, block uint64) error {
	if block < bc.current {
		bc.stale[eventType]++
		return fmt.Errorf("%s at block %d behind clock %d: %w", eventType, block, bc.current, ledger.ErrStaleBlock)
	}
	return nil
}

// Advance moves the clock to block after a commit.
func (bc *BlockClock) Advance(block uint64) {
	if block > bc.current {
		bc.current = block
	}
}

// Current returns the block of the last committed command.
func (bc *BlockClock) Current() uint64 {
	return bc.current
}

// Set initializes the clock (used during recovery).
func (bc *BlockClock) Set(block uint64) {
	bc.current = block
}

// StaleCount returns how many commands of eventType were rejected as stale.
func (bc *BlockClock) StaleCount(eventType string) int64 {
	return bc.stale[eventType]
}
