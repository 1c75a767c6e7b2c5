package service

import (
	"testing"
	"time"

	"github.com/evetabi/gridstrike/internal/config"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
)

func snapshotFixture(maxQueue int) *SnapshotService {
	cfg := &config.SnapshotConfig{
		MaxQueue:         maxQueue,
		FlushBatchSize:   500,
		FlushRetryBase:   time.Second,
		FlushRetryMax:    30 * time.Second,
		MinFlushInterval: time.Second,
	}
	return &SnapshotService{
		cfg:        cfg,
		retry:      &backoff.Backoff{Min: cfg.FlushRetryBase, Max: cfg.FlushRetryMax, Factor: 2},
		lastBucket: -1,
	}
}

func TestSnapshotService_BufferDedupsSameBucket(t *testing.T) {
	s := snapshotFixture(100)
	roundID := uuid.New()
	now := time.Now()

	// 1.00 s and 1.05 s land in the same 100 ms bucket; only the first stays.
	s.BufferSnapshot(roundID, 1.00, 50_000, 5, now)
	s.BufferSnapshot(roundID, 1.05, 50_010, 5, now)
	s.BufferSnapshot(roundID, 1.12, 50_020, 6, now)

	if got := s.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2 (same-bucket sample dropped)", got)
	}
}

func TestSnapshotService_BufferDedupResetsAcrossRounds(t *testing.T) {
	s := snapshotFixture(100)
	now := time.Now()

	s.BufferSnapshot(uuid.New(), 1.00, 50_000, 5, now)
	// Same bucket, different round: a fresh round must never be deduped
	// against the previous one.
	s.BufferSnapshot(uuid.New(), 1.00, 49_000, 4, now)

	if got := s.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
}

func TestSnapshotService_BufferOverflowDropsOldest(t *testing.T) {
	s := snapshotFixture(3)
	roundID := uuid.New()
	now := time.Now()

	for i := 0; i < 5; i++ {
		s.BufferSnapshot(roundID, float64(i), 50_000+float64(i), i, now)
	}

	if got := s.Len(); got != 3 {
		t.Fatalf("Len = %d, want capped at 3", got)
	}
	batch := func() []float64 {
		s.mu.Lock()
		defer s.mu.Unlock()
		var out []float64
		for _, sn := range s.items[s.head:] {
			out = append(out, sn.Elapsed)
		}
		return out
	}()
	want := []float64{2, 3, 4}
	for i, e := range want {
		if batch[i] != e {
			t.Fatalf("surviving elapsed = %v, want %v (oldest dropped first)", batch, want)
		}
	}
	if s.dropped != 2 {
		t.Fatalf("dropped = %d, want 2", s.dropped)
	}
}

func TestSnapshotService_DrainEmptiesBuffer(t *testing.T) {
	s := snapshotFixture(100)
	roundID := uuid.New()
	now := time.Now()
	s.BufferSnapshot(roundID, 1.0, 50_000, 5, now)
	s.BufferSnapshot(roundID, 2.0, 50_100, 6, now)

	s.mu.Lock()
	batch := s.drainLocked()
	s.mu.Unlock()

	if len(batch) != 2 {
		t.Fatalf("drained %d, want 2", len(batch))
	}
	if s.Len() != 0 {
		t.Fatalf("Len after drain = %d, want 0", s.Len())
	}

	// Restore puts unflushed rows back in order.
	s.BufferSnapshot(roundID, 3.0, 50_200, 7, now)
	s.mu.Lock()
	s.restoreLocked(batch)
	elapsed := make([]float64, 0, s.size())
	for _, sn := range s.items[s.head:] {
		elapsed = append(elapsed, sn.Elapsed)
	}
	s.mu.Unlock()

	want := []float64{1, 2, 3}
	if len(elapsed) != len(want) {
		t.Fatalf("restored = %v, want %v", elapsed, want)
	}
	for i := range want {
		if elapsed[i] != want[i] {
			t.Fatalf("restored = %v, want %v", elapsed, want)
		}
	}
}
