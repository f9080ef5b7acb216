package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/paperdex/internal/errs"
)

// inlineLimit is the largest value stored inline in meta.json; anything
// bigger goes to the blob store.
const inlineLimit = 4 << 10

// CacheEntry is one cached value: either a small inline blob or a
// reference into the blob directory.
type CacheEntry struct {
	Key          string    `json:"key"`
	Inline       []byte    `json:"inline,omitempty"`
	Path         string    `json:"path,omitempty"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	TTLSeconds   int64     `json:"ttl_seconds"`
	Hits         int64     `json:"hits"`
}

func (e *CacheEntry) expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.After(e.CreatedAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}

// Value is what a cache hit yields: inline bytes or a path into the
// blob store, never both.
type Value struct {
	Bytes []byte
	Path  string
}

// CacheStats summarizes the cache for status reporting.
type CacheStats struct {
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
}

// Cache is the content cache. Small values live inline, large ones in
// <root>/blobs/<sha256[0:2]>/<sha256>. Eviction is TTL first, then LRU
// by last_accessed down to the size ceiling.
type Cache struct {
	root       string
	maxSize    int64
	defaultTTL time.Duration

	mu      sync.Mutex
	entries map[string]*CacheEntry
	misses  int64
	evicted int64

	group singleflight.Group
	now   func() time.Time
}

// NewCache creates a cache rooted at root. maxSize <= 0 disables the
// size ceiling; defaultTTL <= 0 means entries do not expire unless a
// put specifies a TTL.
func NewCache(root string, maxSize int64, defaultTTL time.Duration) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(root, "blobs"), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindStorageError, "creating blob directory", err)
	}
	return &Cache{
		root:       root,
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		entries:    make(map[string]*CacheEntry),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Key fingerprints a normalized request.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BlobPath returns where content with the given SHA-256 hex digest
// lives under the cache root.
func (c *Cache) BlobPath(sum string) string {
	return filepath.Join(c.root, "blobs", sum[:2], sum)
}

// Get returns the value for key, or ok=false on miss. Expired entries
// count as misses; they stay in place until Sweep reclaims them, so
// every eviction is reported through one path.
func (c *Cache) Get(key string) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return Value{}, false
	}
	now := c.now()
	if e.expired(now) {
		c.misses++
		return Value{}, false
	}
	e.Hits++
	e.LastAccessed = now
	if e.Path != "" {
		return Value{Path: e.Path}, true
	}
	return Value{Bytes: append([]byte(nil), e.Inline...)}, true
}

// Put stores value under key. Values above the inline limit are written
// to the blob store via temp+rename. A concurrent overwrite of the same
// key is legal; the later write wins. ttl <= 0 uses the default.
func (c *Cache) Put(key string, value []byte, ttl time.Duration) (*CacheEntry, error) {
	if key == "" {
		return nil, errs.Invalid("key", "must not be empty")
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	e := &CacheEntry{
		Key:       key,
		SizeBytes: int64(len(value)),
	}
	if ttl > 0 {
		e.TTLSeconds = int64(ttl / time.Second)
	}

	if len(value) <= inlineLimit {
		e.Inline = append([]byte(nil), value...)
	} else {
		sum := sha256.Sum256(value)
		path := c.BlobPath(hex.EncodeToString(sum[:]))
		if err := writeBlobAtomic(path, value); err != nil {
			return nil, err
		}
		e.Path = path
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e.CreatedAt = now
	e.LastAccessed = now
	if old, ok := c.entries[key]; ok && old.Path != "" && old.Path != e.Path {
		c.removeBlobLocked(old)
	}
	c.entries[key] = e
	return cloneEntry(e), nil
}

// Adopt registers an existing file (a stored download) under key
// without copying it. The file must already live in the blob store.
func (c *Cache) Adopt(key, path string, size int64, ttl time.Duration) (*CacheEntry, error) {
	if key == "" {
		return nil, errs.Invalid("key", "must not be empty")
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	e := &CacheEntry{Key: key, Path: path, SizeBytes: size}
	if ttl > 0 {
		e.TTLSeconds = int64(ttl / time.Second)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e.CreatedAt = now
	e.LastAccessed = now
	if old, ok := c.entries[key]; ok && old.Path != "" && old.Path != e.Path {
		c.removeBlobLocked(old)
	}
	c.entries[key] = e
	return cloneEntry(e), nil
}

// Evict removes key and its blob, if any. Unknown keys are a no-op.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.dropLocked(e)
	}
}

// Sweep removes expired entries, then enforces the size ceiling by
// evicting ascending last_accessed, ties broken by ascending
// created_at. It returns the evicted keys so callers can release
// anything referencing them, such as paper records carrying a content
// hash. Idempotent and safe alongside concurrent gets and puts.
func (c *Cache) Sweep() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var removed []string
	var total int64
	for _, e := range c.entries {
		if e.expired(now) {
			c.dropLocked(e)
			removed = append(removed, e.Key)
			continue
		}
		total += e.SizeBytes
	}

	if c.maxSize <= 0 || total <= c.maxSize {
		return removed
	}

	victims := make([]*CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		victims = append(victims, e)
	}
	sort.Slice(victims, func(i, j int) bool {
		if !victims[i].LastAccessed.Equal(victims[j].LastAccessed) {
			return victims[i].LastAccessed.Before(victims[j].LastAccessed)
		}
		return victims[i].CreatedAt.Before(victims[j].CreatedAt)
	})
	for _, e := range victims {
		if total <= c.maxSize {
			break
		}
		total -= e.SizeBytes
		c.dropLocked(e)
		removed = append(removed, e.Key)
	}
	return removed
}

// GetOrCompute returns the cached value for key, or invokes compute
// exactly once across concurrent callers and caches its result. A
// failed computation is not cached; every waiter observes the error.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) (Value, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		data, err := compute(ctx)
		if err != nil {
			return Value{}, err
		}
		if _, err := c.Put(key, data, ttl); err != nil {
			return Value{}, err
		}
		return Value{Bytes: data}, nil
	})

	select {
	case <-ctx.Done():
		return Value{}, errs.Wrap(errs.KindCancelled, "waiting for cached computation", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Value{}, res.Err
		}
		return res.Val.(Value), nil
	}
}

// Stats reports cache occupancy and hit counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CacheStats{Entries: len(c.entries), Misses: c.misses, Evictions: c.evicted}
	for _, e := range c.entries {
		s.TotalBytes += e.SizeBytes
		s.Hits += e.Hits
	}
	return s
}

func (c *Cache) dropLocked(e *CacheEntry) {
	c.removeBlobLocked(e)
	delete(c.entries, e.Key)
	c.evicted++
}

// removeBlobLocked deletes e's blob file unless another entry still
// references the same path.
func (c *Cache) removeBlobLocked(e *CacheEntry) {
	if e.Path == "" {
		return
	}
	for _, other := range c.entries {
		if other != e && other.Path == e.Path {
			return
		}
	}
	os.Remove(e.Path)
}

func (c *Cache) snapshot() []*CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// restore replaces cache contents from a persisted snapshot. Entries
// whose blob files vanished are dropped.
func (c *Cache) restore(items []*CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*CacheEntry, len(items))
	for _, e := range items {
		if e.Key == "" {
			continue
		}
		if e.Path != "" {
			if _, err := os.Stat(e.Path); err != nil {
				continue
			}
		}
		c.entries[e.Key] = cloneEntry(e)
	}
}

func cloneEntry(e *CacheEntry) *CacheEntry {
	c := *e
	c.Inline = append([]byte(nil), e.Inline...)
	return &c
}

// writeBlobAtomic writes data next to path and renames it into place so
// readers never observe a partial blob.
func writeBlobAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.KindStorageError, "creating blob shard", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errs.Wrap(errs.KindStorageError, "creating blob temp file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errs.Wrap(errs.KindIOError, "writing blob", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errs.Wrap(errs.KindIOError, "closing blob temp file", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errs.Wrap(errs.KindStorageError, fmt.Sprintf("renaming blob into %s", path), err)
	}
	return nil
}
