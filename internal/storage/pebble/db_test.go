package pebblestore

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Options{DataDir: t.TempDir(), Fsync: FsyncModeAlways})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetGetDelete(t *testing.T) {
	db := openTestDB(t)
	if err := db.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := db.Get([]byte("k"))
	if err != nil || !bytes.Equal(got, []byte("v")) {
		t.Fatalf("get = %q, %v", got, err)
	}
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestBatchCommitAtomicity(t *testing.T) {
	db := openTestDB(t)
	b := db.NewBatch()
	if err := b.Set([]byte("a"), []byte("1"), nil); err != nil {
		t.Fatalf("batch set: %v", err)
	}
	if err := b.Set([]byte("b"), []byte("2"), nil); err != nil {
		t.Fatalf("batch set: %v", err)
	}
	if err := db.CommitBatch(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if _, err := db.Get([]byte(k)); err != nil {
			t.Fatalf("get %s after commit: %v", k, err)
		}
	}
}

func TestPrefixIterStaysInBounds(t *testing.T) {
	db := openTestDB(t)
	keys := []string{"p/1", "p/2", "q/1"}
	for _, k := range keys {
		if err := db.Set([]byte(k), nil); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	it, err := db.PrefixIter([]byte("p/"))
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	defer it.Close()
	n := 0
	for ok := it.First(); ok; ok = it.Next() {
		if !bytes.HasPrefix(it.Key(), []byte("p/")) {
			t.Fatalf("escaped prefix: %q", it.Key())
		}
		n++
	}
	if n != 2 {
		t.Fatalf("want 2 keys under p/, got %d", n)
	}
}
