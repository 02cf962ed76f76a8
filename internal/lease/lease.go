// Package lease provides per-resource mutual exclusion for workers.
//
// A lease grants one holder exclusive processing rights to a resource until
// the TTL elapses or the holder releases it. Acquire is atomic: under
// concurrent attempts exactly one caller wins. State lives in Pebble so a
// crashed holder's lease simply expires and the resource becomes claimable
// again.
//
// Keyspace:
//
//	cv/lease/{resource}                record JSON (resource, holder, expires_ms)
//	cv/lease_exp/{expires_ms}/{resource}  expiry index for sweeping
package lease

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	pebblestore "conveyor/internal/storage/pebble"
	logpkg "conveyor/pkg/log"
)

const (
	prefixLease  = "cv/lease/"
	prefixExpiry = "cv/lease_exp/"
)

// record is the stored lease state.
type record struct {
	Resource  string `json:"resource"`
	Holder    string `json:"holder"`
	ExpiresMs int64  `json:"expires_ms"`
}

// Coordinator manages leases over a shared Pebble store. All mutations are
// serialized through a single mutex; with one store writer per node this
// gives Acquire compare-and-set semantics without a separate CAS primitive.
type Coordinator struct {
	db     *pebblestore.DB
	logger logpkg.Logger
	now    func() time.Time

	mu sync.Mutex

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
}

// NewCoordinator creates a Coordinator over db.
func NewCoordinator(db *pebblestore.DB, logger logpkg.Logger) *Coordinator {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Coordinator{db: db, logger: logger.WithComponent("lease"), now: time.Now}
}

func leaseKey(resource string) []byte { return []byte(prefixLease + resource) }

func expiryKey(expiresMs int64, resource string) []byte {
	key := make([]byte, len(prefixExpiry)+8+len(resource))
	copy(key, prefixExpiry)
	binary.BigEndian.PutUint64(key[len(prefixExpiry):], uint64(expiresMs))
	copy(key[len(prefixExpiry)+8:], resource)
	return key
}

func (c *Coordinator) getLocked(resource string) (*record, error) {
	raw, err := c.db.Get(leaseKey(resource))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lease: read: %w", err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("lease: decode: %w", err)
	}
	return &rec, nil
}

func (c *Coordinator) putLocked(ctx context.Context, rec record, replaced *record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("lease: encode: %w", err)
	}
	b := c.db.NewBatch()
	defer b.Close()
	if replaced != nil {
		_ = b.Delete(expiryKey(replaced.ExpiresMs, replaced.Resource), nil)
	}
	if err := b.Set(leaseKey(rec.Resource), raw, nil); err != nil {
		return err
	}
	if err := b.Set(expiryKey(rec.ExpiresMs, rec.Resource), nil, nil); err != nil {
		return err
	}
	return c.db.CommitBatch(ctx, b)
}

func (c *Coordinator) deleteLocked(ctx context.Context, rec *record) error {
	b := c.db.NewBatch()
	defer b.Close()
	_ = b.Delete(leaseKey(rec.Resource), nil)
	_ = b.Delete(expiryKey(rec.ExpiresMs, rec.Resource), nil)
	return c.db.CommitBatch(ctx, b)
}

// Acquire attempts to take the lease on resource for holder. It returns true
// when the lease was granted and false when another holder owns a live lease.
// Re-acquiring a lease you already hold extends it. Acquire never blocks
// waiting for a lease to free up.
func (c *Coordinator) Acquire(ctx context.Context, resource, holder string, ttl time.Duration) (bool, error) {
	if resource == "" || holder == "" {
		return false, errors.New("lease: resource and holder are required")
	}
	if ttl <= 0 {
		return false, errors.New("lease: ttl must be positive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	existing, err := c.getLocked(resource)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.Holder != holder && time.UnixMilli(existing.ExpiresMs).After(now) {
		return false, nil
	}
	rec := record{Resource: resource, Holder: holder, ExpiresMs: now.Add(ttl).UnixMilli()}
	if err := c.putLocked(ctx, rec, existing); err != nil {
		return false, err
	}
	return true, nil
}

// Renew extends a held lease. It returns false when the lease is no longer
// held by holder, which tells long-running work to stop: another worker may
// legitimately own the resource now.
func (c *Coordinator) Renew(ctx context.Context, resource, holder string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	existing, err := c.getLocked(resource)
	if err != nil {
		return false, err
	}
	if existing == nil || existing.Holder != holder || !time.UnixMilli(existing.ExpiresMs).After(now) {
		return false, nil
	}
	rec := record{Resource: resource, Holder: holder, ExpiresMs: now.Add(ttl).UnixMilli()}
	if err := c.putLocked(ctx, rec, existing); err != nil {
		return false, err
	}
	return true, nil
}

// Release frees the lease if holder still owns it. Releasing a lease that
// expired or was claimed by someone else is a no-op, not an error.
func (c *Coordinator) Release(ctx context.Context, resource, holder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.getLocked(resource)
	if err != nil {
		return err
	}
	if existing == nil || existing.Holder != holder {
		return nil
	}
	return c.deleteLocked(ctx, existing)
}

// ActiveCount returns the number of unexpired leases.
func (c *Coordinator) ActiveCount(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	iter, err := c.db.PrefixIter([]byte(prefixLease))
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		var rec record
		if json.Unmarshal(iter.Value(), &rec) != nil {
			continue
		}
		if time.UnixMilli(rec.ExpiresMs).After(now) {
			n++
		}
	}
	return n, nil
}

// sweepExpired removes lease records whose TTL elapsed. Expired leases are
// already unclaimable; sweeping just keeps the keyspace small.
func (c *Coordinator) sweepExpired(ctx context.Context, max int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().UnixMilli()
	iter, err := c.db.PrefixIter([]byte(prefixExpiry))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := c.db.NewBatch()
	defer b.Close()
	swept := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		key := iter.Key()
		if len(key) < len(prefixExpiry)+8 {
			continue
		}
		expires := int64(binary.BigEndian.Uint64(key[len(prefixExpiry) : len(prefixExpiry)+8]))
		if expires > cutoff {
			break // expiry-sorted
		}
		resource := string(key[len(prefixExpiry)+8:])
		_ = b.Delete(key, nil)
		_ = b.Delete(leaseKey(resource), nil)
		swept++
		if max > 0 && swept >= max {
			break
		}
	}
	if swept == 0 {
		return 0, nil
	}
	if err := c.db.CommitBatch(ctx, b); err != nil {
		return swept, err
	}
	return swept, nil
}

// StartSweeper removes expired leases in the background.
func (c *Coordinator) StartSweeper(interval time.Duration, maxPerTick int) {
	if c.sweepStop != nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxPerTick <= 0 {
		maxPerTick = 1024
	}
	c.sweepStop = make(chan struct{})
	c.sweepWG.Add(1)
	go func() {
		defer c.sweepWG.Done()
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for {
			select {
			case <-c.sweepStop:
				return
			case <-time.After(interval + time.Duration(rng.Int63n(int64(interval/10+1)))):
				if n, err := c.sweepExpired(context.Background(), maxPerTick); err != nil {
					c.logger.Warn("lease sweep failed", logpkg.Err(err))
				} else if n > 0 {
					c.logger.Debug("swept expired leases", logpkg.F("count", n))
				}
			}
		}
	}()
}

// StopSweeper stops the background sweeper.
func (c *Coordinator) StopSweeper() {
	if c.sweepStop != nil {
		close(c.sweepStop)
		c.sweepWG.Wait()
		c.sweepStop = nil
	}
}
