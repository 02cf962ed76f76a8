package dedup

import (
	"context"
	"testing"
	"time"

	pebblestore "conveyor/internal/storage/pebble"
	logpkg "conveyor/pkg/log"
)

func openTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	logger := logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel))
	s := NewStore(db, logger)
	now := time.Now()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestHashDeterministicAndNormalized(t *testing.T) {
	a := Hash("My  Article", "reddit", "body digest")
	b := Hash("my article", "REDDIT", "Body   Digest")
	if a != b {
		t.Fatalf("normalized inputs hash differently: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64", len(a))
	}
	if a == Hash("other article", "reddit", "body digest") {
		t.Fatal("distinct content collided")
	}
}

func TestHashFieldsArePositional(t *testing.T) {
	if Hash("a", "b", "c") == Hash("b", "a", "c") {
		t.Fatal("swapping title and source should change the hash")
	}
}

func TestIsDuplicateWithinWindow(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()
	window := time.Hour

	h := Hash("title", "src", "digest")
	dup, err := s.IsDuplicate(ctx, h, window)
	if err != nil || dup {
		t.Fatalf("unseen hash: dup=%v err=%v", dup, err)
	}

	if err := s.Record(ctx, h, "src", *now); err != nil {
		t.Fatalf("record: %v", err)
	}
	dup, err = s.IsDuplicate(ctx, h, window)
	if err != nil || !dup {
		t.Fatalf("recorded hash inside window: dup=%v err=%v", dup, err)
	}

	*now = now.Add(window + time.Minute)
	dup, err = s.IsDuplicate(ctx, h, window)
	if err != nil || dup {
		t.Fatalf("recorded hash outside window: dup=%v err=%v", dup, err)
	}
}

func TestRecordIdempotentKeepsFirstSeen(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()
	window := time.Hour

	h := Hash("title", "src", "digest")
	first := *now
	if err := s.Record(ctx, h, "src", first); err != nil {
		t.Fatalf("record: %v", err)
	}

	// advance past the window, re-record; the original first_seen must win
	*now = now.Add(window + time.Minute)
	if err := s.Record(ctx, h, "src", *now); err != nil {
		t.Fatalf("re-record: %v", err)
	}
	dup, err := s.IsDuplicate(ctx, h, window)
	if err != nil {
		t.Fatalf("isduplicate: %v", err)
	}
	if dup {
		t.Fatal("re-recording must not refresh first_seen")
	}
}

func TestFilterNewPreservesOrderAndInput(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	window := time.Hour

	entries := []Entry{
		{ID: "a", Title: "first", Source: "rss", BodyDigest: "1"},
		{ID: "b", Title: "second", Source: "rss", BodyDigest: "2"},
		{ID: "c", Title: "third", Source: "rss", BodyDigest: "3"},
	}
	if err := s.Record(ctx, entries[1].Hash(), "rss", s.now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	snapshot := make([]Entry, len(entries))
	copy(snapshot, entries)

	fresh, err := s.FilterNew(ctx, entries, window)
	if err != nil {
		t.Fatalf("filternew: %v", err)
	}
	if len(fresh) != 2 || fresh[0].ID != "a" || fresh[1].ID != "c" {
		t.Fatalf("fresh = %+v, want [a c]", fresh)
	}
	for i := range entries {
		if entries[i] != snapshot[i] {
			t.Fatalf("input mutated at %d: %+v", i, entries[i])
		}
	}
}

func TestFilterNewSkipsInvalidAndBatchDuplicates(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	entries := []Entry{
		{ID: "a", Title: "dup", Source: "rss"},
		{ID: "b", Source: "rss"}, // missing title
		{ID: "c", Title: "dup", Source: "rss"},
	}
	fresh, err := s.FilterNew(ctx, entries, time.Hour)
	if err != nil {
		t.Fatalf("filternew: %v", err)
	}
	if len(fresh) != 1 || fresh[0].ID != "a" {
		t.Fatalf("fresh = %+v, want only a", fresh)
	}
}

func TestHitsInWindowAndPrune(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()
	window := time.Hour

	h := Hash("title", "src", "digest")
	if err := s.Record(ctx, h, "src", *now); err != nil {
		t.Fatalf("record: %v", err)
	}
	for i := 0; i < 3; i++ {
		if dup, _ := s.IsDuplicate(ctx, h, window); !dup {
			t.Fatal("expected duplicate")
		}
	}
	n, err := s.HitsInWindow(ctx, window)
	if err != nil || n != 3 {
		t.Fatalf("hits = %d err=%v, want 3", n, err)
	}

	// prune before expiry must keep the record
	pruned, err := s.Prune(ctx, window, 0)
	if err != nil || pruned != 0 {
		t.Fatalf("early prune = %d err=%v, want 0", pruned, err)
	}

	*now = now.Add(window + time.Minute)
	pruned, err = s.Prune(ctx, window, 0)
	if err != nil || pruned != 1 {
		t.Fatalf("prune = %d err=%v, want 1", pruned, err)
	}
	if dup, _ := s.IsDuplicate(ctx, h, window); dup {
		t.Fatal("pruned record still reported duplicate")
	}
	if n, _ := s.HitsInWindow(ctx, window); n != 0 {
		t.Fatalf("hits after prune = %d, want 0", n)
	}
}
