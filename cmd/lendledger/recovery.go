package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"

	"github.com/rs/zerolog"
)

const replayPageSize = 1000

// recoverEngine restores the latest verified snapshot, replays the event
// log after it, warms the dedup cache and reseeds projections that lag
// behind the engine.
func recoverEngine(
	ctx context.Context,
	engine *core.Engine,
	db *sql.DB,
	snapMgr *persistence.SnapshotManager,
	idem *persistence.PostgresIdempotencyChecker,
	lruCapacity int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	start := time.Now()

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	from := int64(0)
	if snap != nil {
		st, err := snap.EngineState()
		if err != nil {
			return fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		engine.RestoreFromSnapshot(st)
		from = st.Sequence + 1
		logger.Info().Int64("sequence", st.Sequence).Uint64("block", st.State.Block).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	replayed, err := replayLog(ctx, engine, snapMgr, from)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	if metrics != nil {
		metrics.ReplayEventsTotal.Add(float64(replayed))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	logger.Info().Int64("replayed", replayed).Int64("next_sequence", engine.GetSequence()).
		Dur("took", time.Since(start)).Msg("event log replayed")

	keys, err := idem.RecentKeys(ctx, lruCapacity)
	if err != nil {
		// Tier 2 still catches duplicates; only the cache is cold.
		logger.Warn().Err(err).Msg("warm dedup cache failed")
	} else {
		engine.WarmLRU(keys)
	}

	return reseedIfLagging(ctx, engine, db, logger)
}

// replayLog re-applies every stored command from sequence from onward and
// fails on the first divergence from the stored hash chain.
func replayLog(ctx context.Context, engine *core.Engine, snapMgr *persistence.SnapshotManager, from int64) (int64, error) {
	var n int64
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, from, replayPageSize)
		if err != nil {
			return n, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			return n, nil
		}
		for _, row := range rows {
			et, err := event.ParseEventType(row.EventType)
			if err != nil {
				return n, fmt.Errorf("seq=%d: %w", row.Sequence, err)
			}
			evt, err := ingestion.ParseCommand(et, row.Payload)
			if err != nil {
				return n, fmt.Errorf("seq=%d: %w", row.Sequence, err)
			}
			var hash [32]byte
			copy(hash[:], row.StateHash)
			if err := engine.ReplayEvent(evt, row.Sequence, hash); err != nil {
				return n, err
			}
			n++
		}
		from = rows[len(rows)-1].Sequence + 1
	}
}

func reseedIfLagging(ctx context.Context, engine *core.Engine, db *sql.DB, logger zerolog.Logger) error {
	watermark, err := projection.Watermark(ctx, db)
	if err != nil {
		return fmt.Errorf("projection watermark: %w", err)
	}
	last := engine.GetSequence() - 1
	if watermark >= last {
		return nil
	}
	logger.Info().Int64("watermark", watermark).Int64("sequence", last).Msg("reseeding projections")
	if err := projection.Reseed(ctx, db, engine.CreateSnapshotState()); err != nil {
		return fmt.Errorf("reseed projections: %w", err)
	}
	return nil
}

// snapshotter saves engine snapshots. A snapshot is marked verified, and so
// usable for restarts, only once the event log holds every command it
// reflects.
type snapshotter struct {
	engine      *core.Engine
	snapMgr     *persistence.SnapshotManager
	metrics     *observability.Metrics
	logger      zerolog.Logger
	persistWait time.Duration

	mu sync.Mutex
}

var errEmptyLog = errors.New("no commands applied yet")

// Take saves a snapshot of the current state and returns its sequence.
func (s *snapshotter) Take(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	st := s.engine.CreateSnapshotState()
	if st.Sequence < 0 {
		return -1, errEmptyLog
	}

	data := persistence.NewSnapshotData(st)
	size, err := s.snapMgr.SaveSnapshot(ctx, data)
	if err != nil {
		return st.Sequence, fmt.Errorf("save snapshot: %w", err)
	}
	if err := s.waitPersisted(ctx, st.Sequence); err != nil {
		return st.Sequence, fmt.Errorf("snapshot %d left unverified: %w", st.Sequence, err)
	}
	if err := s.snapMgr.MarkVerified(ctx, st.Sequence); err != nil {
		return st.Sequence, fmt.Errorf("mark verified: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(st.Sequence))
	}
	s.logger.Info().Int64("sequence", st.Sequence).Int("size_bytes", size).Msg("snapshot saved")
	return st.Sequence, nil
}

func (s *snapshotter) waitPersisted(ctx context.Context, seq int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.persistWait)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		latest, err := s.snapMgr.GetLatestSequence(ctx)
		if err != nil {
			return err
		}
		if latest >= seq {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("event log at %d: %w", latest, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Run takes a snapshot whenever interval commands have been applied since
// the last one, checking every checkEvery.
func (s *snapshotter) Run(ctx context.Context, interval int64, checkEvery time.Duration) {
	last := s.engine.GetSequence()
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := s.engine.GetSequence()
			if current-last < interval {
				continue
			}
			if _, err := s.Take(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = current
		}
	}
}
