// Package dedup suppresses reprocessing of recently seen items.
//
// Records are keyed by a deterministic content hash and live in the shared
// Pebble store so every worker replica sees the same history. The check runs
// before the paid enrichment call, never after; that ordering is the whole
// point of the package.
//
// Keyspace:
//
//	cv/dedup/{hash}                  record JSON (hash, source, first_seen_ms)
//	cv/dedup_exp/{first_seen_ms}/{hash}  prune index
//	cv/dedup_hit/{ms}/{n}            duplicate-hit markers for the status window
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	pebblestore "conveyor/internal/storage/pebble"
	logpkg "conveyor/pkg/log"
)

const (
	prefixRecord = "cv/dedup/"
	prefixExpiry = "cv/dedup_exp/"
	prefixHit    = "cv/dedup_hit/"
)

// Record is a stored dedup entry.
type Record struct {
	ContentHash string `json:"content_hash"`
	Source      string `json:"source"`
	FirstSeenMs int64  `json:"first_seen_ms"`
}

// Hash computes the content hash: SHA-256 over the normalized (lower-cased,
// whitespace-collapsed) title, source, and body digest. Logically identical
// content hashes identically regardless of which adapter produced it.
func Hash(title, source, bodyDigest string) string {
	h := sha256.New()
	h.Write([]byte(normalize(title)))
	h.Write([]byte{0})
	h.Write([]byte(normalize(source)))
	h.Write([]byte{0})
	h.Write([]byte(normalize(bodyDigest)))
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// BodyDigest pre-hashes a potentially large body so Entry hashing stays
// cheap. Callers pass the digest, not the body, as Hash's third input.
func BodyDigest(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// Entry is a candidate item for batch filtering. ID carries the caller's
// item identity through unchanged.
type Entry struct {
	ID         string
	Title      string
	Source     string
	BodyDigest string
}

// Hash returns the content hash for the entry.
func (e Entry) Hash() string { return Hash(e.Title, e.Source, e.BodyDigest) }

// valid reports whether the entry carries the fields hashing requires.
func (e Entry) valid() bool { return e.Title != "" && e.Source != "" }

// Store is the Pebble-backed deduplication store.
type Store struct {
	db     *pebblestore.DB
	logger logpkg.Logger
	now    func() time.Time

	mu     sync.Mutex
	hitSeq uint64

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
}

// NewStore creates a Store over db.
func NewStore(db *pebblestore.DB, logger logpkg.Logger) *Store {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Store{db: db, logger: logger.WithComponent("dedup"), now: time.Now}
}

func recordKey(hash string) []byte { return []byte(prefixRecord + hash) }

func expiryKey(firstSeenMs int64, hash string) []byte {
	key := make([]byte, len(prefixExpiry)+8+len(hash))
	copy(key, prefixExpiry)
	binary.BigEndian.PutUint64(key[len(prefixExpiry):], uint64(firstSeenMs))
	copy(key[len(prefixExpiry)+8:], hash)
	return key
}

func hitKey(ms int64, seq uint64) []byte {
	key := make([]byte, len(prefixHit)+8+8)
	copy(key, prefixHit)
	binary.BigEndian.PutUint64(key[len(prefixHit):], uint64(ms))
	binary.BigEndian.PutUint64(key[len(prefixHit)+8:], seq)
	return key
}

// IsDuplicate reports whether hash was recorded within the window. A true
// result also records a hit marker for the status endpoint.
func (s *Store) IsDuplicate(ctx context.Context, hash string, window time.Duration) (bool, error) {
	raw, err := s.db.Get(recordKey(hash))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("dedup: read record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false, fmt.Errorf("dedup: decode record: %w", err)
	}
	now := s.now()
	if now.Sub(time.UnixMilli(rec.FirstSeenMs)) >= window {
		return false, nil
	}
	s.recordHit(now)
	return true, nil
}

func (s *Store) recordHit(now time.Time) {
	s.mu.Lock()
	s.hitSeq++
	seq := s.hitSeq
	s.mu.Unlock()
	if err := s.db.Set(hitKey(now.UnixMilli(), seq), nil); err != nil {
		s.logger.Warn("recording dedup hit failed", logpkg.Err(err))
	}
}

// Record upserts a dedup record. Re-recording an existing hash keeps the
// original first_seen (idempotent).
func (s *Store) Record(ctx context.Context, hash, source string, now time.Time) error {
	if raw, err := s.db.Get(recordKey(hash)); err == nil {
		var existing Record
		if json.Unmarshal(raw, &existing) == nil && existing.FirstSeenMs > 0 {
			return nil
		}
	}
	rec := Record{ContentHash: hash, Source: source, FirstSeenMs: now.UnixMilli()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("dedup: encode record: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(recordKey(hash), raw, nil); err != nil {
		return err
	}
	if err := b.Set(expiryKey(rec.FirstSeenMs, hash), nil, nil); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

// FilterNew returns the entries not recorded within the window, preserving
// input order and never mutating the input slice. Entries missing required
// fields are skipped, not fatal. Duplicate hashes inside the batch itself
// collapse to the first occurrence.
func (s *Store) FilterNew(ctx context.Context, entries []Entry, window time.Duration) ([]Entry, error) {
	fresh := make([]Entry, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if !e.valid() {
			s.logger.Debug("skipping entry without required fields", logpkg.F("id", e.ID))
			continue
		}
		h := e.Hash()
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		dup, err := s.IsDuplicate(ctx, h, window)
		if err != nil {
			return nil, err
		}
		if dup {
			continue
		}
		fresh = append(fresh, e)
	}
	return fresh, nil
}

// HitsInWindow counts duplicate hits recorded within the window.
func (s *Store) HitsInWindow(_ context.Context, window time.Duration) (int, error) {
	lo := hitKey(s.now().Add(-window).UnixMilli(), 0)
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for ok := iter.SeekGE(lo); ok; ok = iter.Next() {
		if !strings.HasPrefix(string(iter.Key()), prefixHit) {
			break
		}
		n++
	}
	return n, nil
}

// Prune removes records and hit markers whose window has fully elapsed. A
// record still inside the window is never removed.
func (s *Store) Prune(ctx context.Context, window time.Duration, max int) (int, error) {
	cutoff := s.now().Add(-window).UnixMilli()
	iter, err := s.db.PrefixIter([]byte(prefixExpiry))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	pruned := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		key := iter.Key()
		if len(key) < len(prefixExpiry)+8 {
			continue
		}
		firstSeen := int64(binary.BigEndian.Uint64(key[len(prefixExpiry) : len(prefixExpiry)+8]))
		if firstSeen > cutoff {
			break // expiry-sorted
		}
		hash := string(key[len(prefixExpiry)+8:])
		_ = b.Delete(key, nil)
		_ = b.Delete(recordKey(hash), nil)
		pruned++
		if max > 0 && pruned >= max {
			break
		}
	}

	// hit markers age out on the same cutoff
	hits, err := s.db.PrefixIter([]byte(prefixHit))
	if err == nil {
		for ok := hits.First(); ok; ok = hits.Next() {
			key := hits.Key()
			if len(key) < len(prefixHit)+8 {
				continue
			}
			ms := int64(binary.BigEndian.Uint64(key[len(prefixHit) : len(prefixHit)+8]))
			if ms > cutoff {
				break
			}
			_ = b.Delete(key, nil)
		}
		hits.Close()
	}

	if pruned == 0 {
		return 0, nil
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return pruned, err
	}
	return pruned, nil
}

// StartSweeper prunes expired records in the background.
func (s *Store) StartSweeper(interval, window time.Duration, maxPerTick int) {
	if s.sweepStop != nil {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if maxPerTick <= 0 {
		maxPerTick = 1024
	}
	s.sweepStop = make(chan struct{})
	s.sweepWG.Add(1)
	go func() {
		defer s.sweepWG.Done()
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for {
			select {
			case <-s.sweepStop:
				return
			case <-time.After(interval + time.Duration(rng.Int63n(int64(interval/10+1)))):
				if n, err := s.Prune(context.Background(), window, maxPerTick); err != nil {
					s.logger.Warn("dedup prune failed", logpkg.Err(err))
				} else if n > 0 {
					s.logger.Debug("pruned dedup records", logpkg.F("count", n))
				}
			}
		}
	}()
}

// StopSweeper stops the background sweeper.
func (s *Store) StopSweeper() {
	if s.sweepStop != nil {
		close(s.sweepStop)
		s.sweepWG.Wait()
		s.sweepStop = nil
	}
}
