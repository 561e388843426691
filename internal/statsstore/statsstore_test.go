package statsstore

import (
	"context"
	"testing"

	"github.com/il-steffen/kafl.fuzzer/internal/config"
)

func TestMemoryStoreRecordsAndOrdersRecent(t *testing.T) {
	s, err := New(context.Background(), config.StatsConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		rec := ExecutionRecord{WorkerID: i, Outcome: "regular", BBCov: uint32(i)}
		if err := s.Record(context.Background(), rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recent, err := s.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d records, want 2", len(recent))
	}
	if recent[0].WorkerID != 2 || recent[1].WorkerID != 1 {
		t.Fatalf("got worker ids %d,%d, want 2,1 (newest first)", recent[0].WorkerID, recent[1].WorkerID)
	}
}

func TestMemoryStoreCapsRingBuffer(t *testing.T) {
	s, err := New(context.Background(), config.StatsConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	s.ringCap = 2

	for i := 0; i < 5; i++ {
		if err := s.Record(context.Background(), ExecutionRecord{WorkerID: i}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recent, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d records, want 2 (ring capped)", len(recent))
	}
	if recent[0].WorkerID != 4 || recent[1].WorkerID != 3 {
		t.Fatalf("got worker ids %d,%d, want 4,3", recent[0].WorkerID, recent[1].WorkerID)
	}
}
