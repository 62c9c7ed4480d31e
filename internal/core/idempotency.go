package core

import (
	"time"

	"LendLedger/internal/observability"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU in
// front of the persisted event log.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    logger,
	}
}

// CompositeKey is the dedup key of a command: event type plus request id.
func CompositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate checks if a command has already been applied (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	compositeKey := CompositeKey(eventType, idempotencyKey)

	if ic.lru.Contains(compositeKey) {
		ic.recordDuplicate(eventType, "lru")
		return true
	}

	if ic.dbChecker == nil {
		return false
	}

	start := time.Now()
	isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	if ic.metrics != nil {
		ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// A lookup failure must not stall the engine; the unique index on
		// the event log still rejects a true duplicate at persist time.
		ic.logger.Warn().Err(err).Str("event_type", eventType).Str("idempotency_key", idempotencyKey).
			Msg("tier-2 dedup lookup failed")
		return false
	}
	if isDup {
		ic.recordDuplicate(eventType, "postgres")
		ic.lru.Add(compositeKey)
		return true
	}
	return false
}

// MarkProcessed adds key to LRU after a successful commit
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.Add(CompositeKey(eventType, idempotencyKey))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// --- LRU ---

// IdempotencyLRU caches composite keys of recently applied commands.
type IdempotencyLRU struct {
	cache   *lru.Cache[string, struct{}]
	onEvict func()
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	l := &IdempotencyLRU{}
	cache, err := lru.NewWithEvict(max(capacity, 1), func(string, struct{}) {
		if l.onEvict != nil {
			l.onEvict()
		}
	})
	if err != nil {
		panic(err) // only for a non-positive size
	}
	l.cache = cache
	return l
}

// Contains reports whether key was applied and marks it recently used.
func (l *IdempotencyLRU) Contains(key string) bool {
	_, ok := l.cache.Get(key)
	return ok
}

func (l *IdempotencyLRU) Add(key string) {
	l.cache.Add(key, struct{}{})
}

// WarmFromKeys loads composite keys, oldest first, so that the most recent
// key ends up most recently used.
func (l *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		l.Add(key)
	}
}

// Keys returns every cached key from least to most recently used, the order
// WarmFromKeys expects.
func (l *IdempotencyLRU) Keys() []string {
	return l.cache.Keys()
}

func (l *IdempotencyLRU) Size() int {
	return l.cache.Len()
}
