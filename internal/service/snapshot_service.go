package service

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/repository"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
)

// SnapshotService buffers the price path sampled on engine ticks and flushes
// it to the store in batches. Losing samples must never hurt a round: every
// failure path keeps the round alive and leaves settlement to its fallback
// resolution, so all errors here are logged rather than propagated upward.
type SnapshotService struct {
	repo *repository.SnapshotRepository
	cfg  *config.SnapshotConfig

	mu          sync.Mutex
	items       []*domain.PriceSnapshot
	head        int   // index of the oldest live item
	lastBucket  int64 // dedup key of the most recent buffered sample
	lastRound   uuid.UUID
	inFlight    chan struct{} // non-nil while a flush is running
	flushErr    error         // result of the last finished flush
	nextFlushAt time.Time
	retry       *backoff.Backoff
	dropped     uint64
}

// NewSnapshotService creates a SnapshotService.
func NewSnapshotService(repo *repository.SnapshotRepository, cfg *config.Config) *SnapshotService {
	return &SnapshotService{
		repo: repo,
		cfg:  &cfg.Snapshot,
		retry: &backoff.Backoff{
			Min:    cfg.Snapshot.FlushRetryBase,
			Max:    cfg.Snapshot.FlushRetryMax,
			Factor: 2,
		},
		lastBucket: -1,
	}
}

// BufferSnapshot appends one price sample. Samples landing in the same 100 ms
// bucket as the previous one are dropped, and when the buffer is full the
// oldest sample gives way so the newest survives.
func (s *SnapshotService) BufferSnapshot(roundID uuid.UUID, elapsed, price float64, rowIndex int, ts time.Time) {
	bucket := domain.SnapshotBucket(elapsed)

	s.mu.Lock()
	defer s.mu.Unlock()

	if roundID == s.lastRound && bucket == s.lastBucket {
		return
	}
	s.lastRound = roundID
	s.lastBucket = bucket

	if s.size() >= s.cfg.MaxQueue {
		s.items[s.head] = nil
		s.head++
		s.dropped++
	}
	s.items = append(s.items, &domain.PriceSnapshot{
		RoundID:  roundID,
		Bucket:   bucket,
		Elapsed:  elapsed,
		Price:    price,
		RowIndex: rowIndex,
		Ts:       ts,
	})
	s.compactLocked()
}

// Len reports how many samples wait for the next flush.
func (s *SnapshotService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size()
}

// FlushSnapshots writes buffered samples to the store, honoring the minimum
// flush spacing and the failure backoff. A flush already in progress is
// joined instead of doubled: the caller blocks and receives its result.
func (s *SnapshotService) FlushSnapshots(ctx context.Context) error {
	return s.flush(ctx, false)
}

// FlushAll flushes immediately, ignoring spacing and backoff. Round end and
// shutdown use it so settlement sees every sample the buffer holds.
func (s *SnapshotService) FlushAll(ctx context.Context) error {
	return s.flush(ctx, true)
}

func (s *SnapshotService) flush(ctx context.Context, force bool) error {
	s.mu.Lock()
	if s.inFlight != nil {
		done := s.inFlight
		s.mu.Unlock()
		<-done
		s.mu.Lock()
		err := s.flushErr
		s.mu.Unlock()
		return err
	}
	if !force && time.Now().Before(s.nextFlushAt) {
		s.mu.Unlock()
		return nil
	}
	batch := s.drainLocked()
	if len(batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	s.inFlight = done
	s.mu.Unlock()

	written, err := s.writeBatches(ctx, batch)

	s.mu.Lock()
	if err != nil {
		s.restoreLocked(batch[written:])
		delay := s.retry.Duration()
		s.nextFlushAt = time.Now().Add(delay)
		log.Printf("[snapshot] flush failed after %d/%d rows, next attempt in %s: %v",
			written, len(batch), delay, err)
	} else {
		s.retry.Reset()
		s.nextFlushAt = time.Now().Add(s.cfg.MinFlushInterval)
	}
	s.flushErr = err
	s.inFlight = nil
	close(done)
	s.mu.Unlock()
	return err
}

// writeBatches inserts in sub-batches and reports how many rows landed before
// the first failure.
func (s *SnapshotService) writeBatches(ctx context.Context, batch []*domain.PriceSnapshot) (int, error) {
	size := s.cfg.FlushBatchSize
	if size <= 0 {
		size = len(batch)
	}
	written := 0
	for written < len(batch) {
		end := written + size
		if end > len(batch) {
			end = len(batch)
		}
		if err := s.repo.InsertBatch(ctx, batch[written:end]); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

// SnapshotsInWindow returns a round's persisted samples inside [start, end],
// ordered by elapsed. Store errors degrade to an empty slice so settlement
// can proceed with fallback resolution.
func (s *SnapshotService) SnapshotsInWindow(ctx context.Context, roundID uuid.UUID, start, end float64) []*domain.PriceSnapshot {
	snaps, err := s.repo.ListWindow(ctx, roundID, start, end)
	if err != nil {
		log.Printf("[snapshot] window query failed for round %s: %v", roundID, err)
		return []*domain.PriceSnapshot{}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Elapsed < snaps[j].Elapsed })
	return snaps
}

// LastSnapshot returns the round's final persisted sample, or nil when the
// round has none.
func (s *SnapshotService) LastSnapshot(ctx context.Context, roundID uuid.UUID) *domain.PriceSnapshot {
	snap, err := s.repo.GetLast(ctx, roundID)
	if err != nil {
		log.Printf("[snapshot] last-sample query failed for round %s: %v", roundID, err)
		return nil
	}
	return snap
}

// ── Buffer internals (callers hold s.mu) ─────────────────────────────────────

func (s *SnapshotService) size() int {
	return len(s.items) - s.head
}

// drainLocked takes every live item out of the buffer.
func (s *SnapshotService) drainLocked() []*domain.PriceSnapshot {
	if s.size() == 0 {
		return nil
	}
	batch := make([]*domain.PriceSnapshot, s.size())
	copy(batch, s.items[s.head:])
	s.items = s.items[:0]
	s.head = 0
	return batch
}

// restoreLocked puts unflushed items back in front of anything buffered while
// the flush ran, then re-trims to capacity from the oldest end.
func (s *SnapshotService) restoreLocked(unflushed []*domain.PriceSnapshot) {
	if len(unflushed) == 0 {
		return
	}
	live := make([]*domain.PriceSnapshot, 0, len(unflushed)+s.size())
	live = append(live, unflushed...)
	live = append(live, s.items[s.head:]...)
	s.items = live
	s.head = 0
	for s.size() > s.cfg.MaxQueue {
		s.items[s.head] = nil
		s.head++
		s.dropped++
	}
}

// compactLocked reclaims the dead prefix once it dominates the backing array.
func (s *SnapshotService) compactLocked() {
	if s.head > 0 && s.head*2 > len(s.items) {
		n := copy(s.items, s.items[s.head:])
		for i := n; i < len(s.items); i++ {
			s.items[i] = nil
		}
		s.items = s.items[:n]
		s.head = 0
	}
}
