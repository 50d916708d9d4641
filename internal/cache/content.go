// Package cache implements a content-addressed blob store for message bodies
// and attachments. Identical content stored under different keys shares one
// physical blob via refcounting; entries carry optional TTLs and are evicted
// least-recently-accessed first when the size budget is exceeded.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/asgard-mail/core/internal/mailerr"
)

// hotBlobCount bounds the in-memory hot cache of recently read blobs.
const hotBlobCount = 64

// Entry is the metadata for one cached key.
type Entry struct {
	Key         string
	Path        string
	ContentType string
	Size        int64
	CreatedAt   time.Time
	AccessedAt  time.Time
	ExpiresAt   time.Time // zero means no expiry
	ContentHash string
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries    int     `json:"entries"`
	TotalBytes int64   `json:"total_bytes"`
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	HitRatio   float64 `json:"hit_ratio"`
}

// blobRef tracks one physical blob shared by refs metadata entries.
type blobRef struct {
	path string
	size int64
	refs int
}

// ContentCache is a file-backed, content-addressed cache with deduplication.
type ContentCache struct {
	dir      string
	maxBytes int64
	logger   *logrus.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	blobs   map[string]*blobRef // content hash -> blob
	hits    uint64
	misses  uint64

	// hot keeps recently read blobs in memory, keyed by content hash.
	hot *lru.Cache[string, []byte]

	now func() time.Time
}

// New creates the cache rooted at dir. maxBytes <= 0 disables the automatic
// size limit; EnforceSizeLimit can still be called explicitly.
func New(dir string, maxBytes int64, logger *logrus.Logger) (*ContentCache, error) {
	for _, sub := range []string{"messages", "attachments", "temp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	hot, err := lru.New[string, []byte](hotBlobCount)
	if err != nil {
		return nil, fmt.Errorf("failed to create hot cache: %w", err)
	}

	c := &ContentCache{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   logger,
		entries:  make(map[string]*Entry),
		blobs:    make(map[string]*blobRef),
		hot:      hot,
		now:      time.Now,
	}

	logger.WithField("dir", dir).Info("Content cache initialized")
	return c, nil
}

// Store caches data under key. A zero ttl means the entry never expires.
// Content already present under another key is not written again; the new key
// becomes an additional reference to the same blob.
func (c *ContentCache) Store(key string, data []byte, contentType string, ttl time.Duration) error {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Overwriting a key releases its previous blob reference first.
	if old, ok := c.entries[key]; ok {
		c.releaseLocked(old)
		delete(c.entries, key)
	}

	ref, ok := c.blobs[hash]
	if !ok {
		path := c.blobPath(key, hash)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return mailerr.Wrap(mailerr.KindCache, "cache.store", err)
		}
		// A concurrent writer may have raced us outside this process;
		// rewriting identical bytes is safe either way.
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return mailerr.Wrap(mailerr.KindCache, "cache.store", err)
		}
		ref = &blobRef{path: path, size: int64(len(data))}
		c.blobs[hash] = ref
	}
	ref.refs++

	entry := &Entry{
		Key:         key,
		Path:        ref.path,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   now,
		AccessedAt:  now,
		ContentHash: hash,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}
	c.entries[key] = entry
	c.hot.Add(hash, data)

	if c.maxBytes > 0 {
		c.enforceSizeLimitLocked(c.maxBytes)
	}
	return nil
}

// Retrieve returns the cached bytes for key, or nil on a miss. Entries past
// their expiry are lazily deleted and treated as misses. A hit bumps the
// entry's access time.
func (c *ContentCache) Retrieve(key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, nil
	}
	if entry.expired(c.now()) {
		c.releaseLocked(entry)
		delete(c.entries, key)
		c.misses++
		return nil, nil
	}

	data, err := c.readBlobLocked(entry.ContentHash, entry.Path)
	if err != nil {
		// Blob vanished underneath us; drop the stale entry.
		c.logger.WithError(err).WithField("key", key).Warn("Cache blob unreadable, dropping entry")
		c.releaseLocked(entry)
		delete(c.entries, key)
		c.misses++
		return nil, nil
	}

	entry.AccessedAt = c.now()
	c.hits++
	return data, nil
}

// Remove deletes the metadata entry for key and releases its blob reference.
// The blob file is deleted when its refcount reaches zero. Returns false when
// the key was absent.
func (c *ContentCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	c.releaseLocked(entry)
	delete(c.entries, key)
	return true
}

// Contains reports whether key has a live entry.
func (c *ContentCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return ok && !entry.expired(c.now())
}

// Entry returns a copy of the metadata for key.
func (c *ContentCache) Entry(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// CleanupExpired sweeps all entries past their expiry and returns how many
// were deleted.
func (c *ContentCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if entry.expired(now) {
			c.releaseLocked(entry)
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// EnforceSizeLimit evicts entries in ascending accessed-at order until total
// stored bytes fit within maxBytes.
func (c *ContentCache) EnforceSizeLimit(maxBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enforceSizeLimitLocked(maxBytes)
}

// Clear drops every entry and blob and resets the counters.
func (c *ContentCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		c.releaseLocked(entry)
		delete(c.entries, key)
	}
	c.hits = 0
	c.misses = 0
	c.hot.Purge()
}

// Stats returns a snapshot of the cache counters. The hit ratio is 0 until
// the first access.
func (c *ContentCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries: len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
	}
	for _, entry := range c.entries {
		s.TotalBytes += entry.Size
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRatio = float64(c.hits) / float64(total)
	}
	return s
}

// StoreMessage caches raw message content under the message keyspace.
func (c *ContentCache) StoreMessage(id uuid.UUID, data []byte, contentType string) error {
	return c.Store(messageKey(id), data, contentType, 0)
}

// RetrieveMessage returns cached message content, or nil on a miss.
func (c *ContentCache) RetrieveMessage(id uuid.UUID) ([]byte, error) {
	return c.Retrieve(messageKey(id))
}

// StoreAttachment caches attachment content under the attachment keyspace.
func (c *ContentCache) StoreAttachment(id uuid.UUID, data []byte, contentType string) error {
	return c.Store(attachmentKey(id), data, contentType, 0)
}

// RetrieveAttachment returns cached attachment content, or nil on a miss.
func (c *ContentCache) RetrieveAttachment(id uuid.UUID) ([]byte, error) {
	return c.Retrieve(attachmentKey(id))
}

// StoreTemp caches scratch data. Temp entries always require a TTL.
func (c *ContentCache) StoreTemp(key string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return mailerr.E(mailerr.KindValidation, "cache.store_temp", "temp entries require a ttl")
	}
	return c.Store("temp:"+key, data, "application/octet-stream", ttl)
}

// RetrieveTemp returns cached scratch data, or nil on a miss.
func (c *ContentCache) RetrieveTemp(key string) ([]byte, error) {
	return c.Retrieve("temp:" + key)
}

func messageKey(id uuid.UUID) string    { return "message:" + id.String() }
func attachmentKey(id uuid.UUID) string { return "attachment:" + id.String() }

// blobPath places a blob under the subtree matching its first writer's
// keyspace, fanned out by the first two hash characters.
func (c *ContentCache) blobPath(key, hash string) string {
	sub := "messages"
	switch {
	case len(key) > 11 && key[:11] == "attachment:":
		sub = "attachments"
	case len(key) > 5 && key[:5] == "temp:":
		sub = "temp"
	}
	return filepath.Join(c.dir, sub, hash[:2], hash)
}

// releaseLocked drops one reference to the entry's blob, deleting the file
// when nobody references it anymore. Caller holds c.mu.
func (c *ContentCache) releaseLocked(entry *Entry) {
	ref, ok := c.blobs[entry.ContentHash]
	if !ok {
		return
	}
	ref.refs--
	if ref.refs > 0 {
		return
	}
	delete(c.blobs, entry.ContentHash)
	c.hot.Remove(entry.ContentHash)
	if err := os.Remove(ref.path); err != nil && !os.IsNotExist(err) {
		c.logger.WithError(err).WithField("path", ref.path).Warn("Failed to delete cache blob")
	}
}

func (c *ContentCache) readBlobLocked(hash, path string) ([]byte, error) {
	if data, ok := c.hot.Get(hash); ok {
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c.hot.Add(hash, data)
	return data, nil
}

func (c *ContentCache) enforceSizeLimitLocked(maxBytes int64) {
	var total int64
	for _, entry := range c.entries {
		total += entry.Size
	}
	if total <= maxBytes {
		return
	}

	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].AccessedAt.Before(c.entries[keys[j]].AccessedAt)
	})

	for _, key := range keys {
		if total <= maxBytes {
			break
		}
		entry := c.entries[key]
		c.releaseLocked(entry)
		delete(c.entries, key)
		total -= entry.Size
		c.logger.WithFields(logrus.Fields{
			"key":  key,
			"size": entry.Size,
		}).Debug("Evicted cache entry")
	}
}
