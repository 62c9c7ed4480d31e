package core_test

import (
	"errors"
	"reflect"
	"testing"

	"LendLedger/internal/core"

	"github.com/rs/zerolog"
)

// ============================================================================
// LRU
// ============================================================================

func TestIdempotencyLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	l := core.NewIdempotencyLRU(2)
	l.Add("Mint:a")
	l.Add("Mint:b")

	if !l.Contains("Mint:a") {
		t.Fatal("expected Mint:a cached")
	}
	l.Add("Mint:c") // evicts b, a was just used

	if l.Contains("Mint:b") {
		t.Fatal("expected Mint:b evicted")
	}
	if got, want := l.Keys(), []string{"Mint:a", "Mint:c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	if l.Size() != 2 {
		t.Fatalf("size = %d, want 2", l.Size())
	}
}

func TestIdempotencyLRU_WarmKeepsOrder(t *testing.T) {
	src := core.NewIdempotencyLRU(4)
	for _, k := range []string{"a", "b", "c"} {
		src.Add(k)
	}
	dst := core.NewIdempotencyLRU(4)
	dst.WarmFromKeys(src.Keys())

	if !reflect.DeepEqual(src.Keys(), dst.Keys()) {
		t.Fatalf("warm reordered keys: %v vs %v", dst.Keys(), src.Keys())
	}
}

// ============================================================================
// Two-tier checker
// ============================================================================

type stubDB struct {
	dups  map[string]bool
	err   error
	calls int
}

func (s *stubDB) IsDuplicate(eventType, key string) (bool, error) {
	s.calls++
	return s.dups[core.CompositeKey(eventType, key)], s.err
}

func TestIdempotencyChecker_FallsBackToDatabase(t *testing.T) {
	db := &stubDB{dups: map[string]bool{"Mint:old": true}}
	ic := core.NewIdempotencyChecker(8, db, nil, zerolog.Nop())

	if !ic.IsDuplicate("Mint", "old") {
		t.Fatal("expected tier-2 duplicate")
	}
	// Now cached: no second database lookup.
	if !ic.IsDuplicate("Mint", "old") || db.calls != 1 {
		t.Fatalf("expected LRU hit, db calls = %d", db.calls)
	}

	if ic.IsDuplicate("Mint", "new") {
		t.Fatal("unexpected duplicate")
	}
	ic.MarkProcessed("Mint", "new")
	if !ic.IsDuplicate("Mint", "new") {
		t.Fatal("expected processed key cached")
	}
}

func TestIdempotencyChecker_DatabaseErrorIsNotDuplicate(t *testing.T) {
	db := &stubDB{err: errors.New("connection refused")}
	ic := core.NewIdempotencyChecker(8, db, nil, zerolog.Nop())

	if ic.IsDuplicate("Borrow", "x") {
		t.Fatal("lookup failure must not reject the command")
	}
}
