package cache

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxBytes int64) (*ContentCache, *time.Time) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c, err := New(t.TempDir(), maxBytes, logger)
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func countBlobFiles(t *testing.T, c *ContentCache) int {
	t.Helper()
	count := 0
	err := filepath.Walk(c.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			count++
		}
		return nil
	})
	require.NoError(t, err)
	return count
}

func TestStoreAndRetrieve(t *testing.T) {
	c, _ := newTestCache(t, 0)

	require.NoError(t, c.Store("k1", []byte("hello"), "text/plain", 0))

	data, err := c.Retrieve("k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	entry, ok := c.Entry("k1")
	require.True(t, ok)
	assert.Equal(t, int64(5), entry.Size)
	assert.Equal(t, "text/plain", entry.ContentType)
	assert.True(t, entry.ExpiresAt.IsZero())
}

func TestRetrieveMissReturnsNil(t *testing.T) {
	c, _ := newTestCache(t, 0)

	data, err := c.Retrieve("absent")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestDeduplicationSharesOneBlob(t *testing.T) {
	c, _ := newTestCache(t, 0)
	content := []byte("same bytes under two keys")

	require.NoError(t, c.Store("k1", content, "text/plain", 0))
	require.NoError(t, c.Store("k2", content, "text/plain", 0))
	assert.Equal(t, 1, countBlobFiles(t, c))

	// Dropping one key must not break the other.
	assert.True(t, c.Remove("k1"))
	data, err := c.Retrieve("k2")
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, 1, countBlobFiles(t, c))

	// Last reference gone: blob file deleted.
	assert.True(t, c.Remove("k2"))
	assert.Equal(t, 0, countBlobFiles(t, c))
}

func TestRemoveAbsentKey(t *testing.T) {
	c, _ := newTestCache(t, 0)
	assert.False(t, c.Remove("nope"))
}

func TestOverwriteReleasesOldBlob(t *testing.T) {
	c, _ := newTestCache(t, 0)

	require.NoError(t, c.Store("k", []byte("version one"), "text/plain", 0))
	require.NoError(t, c.Store("k", []byte("version two"), "text/plain", 0))

	assert.Equal(t, 1, countBlobFiles(t, c))
	data, err := c.Retrieve("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("version two"), data)
}

func TestTTLExpiry(t *testing.T) {
	c, now := newTestCache(t, 0)

	require.NoError(t, c.Store("k", []byte("short-lived"), "text/plain", time.Minute))
	assert.True(t, c.Contains("k"))

	*now = now.Add(2 * time.Minute)

	assert.False(t, c.Contains("k"))
	data, err := c.Retrieve("k")
	require.NoError(t, err)
	assert.Nil(t, data)

	// The lazy delete already dropped it; a sweep finds nothing.
	assert.Equal(t, 0, c.CleanupExpired())
}

func TestCleanupExpiredSweep(t *testing.T) {
	c, now := newTestCache(t, 0)

	require.NoError(t, c.Store("a", []byte("aaa"), "text/plain", time.Minute))
	require.NoError(t, c.Store("b", []byte("bbb"), "text/plain", time.Hour))
	require.NoError(t, c.Store("c", []byte("ccc"), "text/plain", 0))

	*now = now.Add(30 * time.Minute)

	assert.Equal(t, 1, c.CleanupExpired())
	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
}

func TestLRUEvictionOrder(t *testing.T) {
	c, now := newTestCache(t, 0)

	require.NoError(t, c.Store("a", []byte("aaaa"), "text/plain", 0))
	*now = now.Add(time.Minute)
	require.NoError(t, c.Store("b", []byte("bbbb"), "text/plain", 0))
	*now = now.Add(time.Minute)
	require.NoError(t, c.Store("c", []byte("cccc"), "text/plain", 0))

	// Touch "a" so "b" becomes the least recently accessed.
	*now = now.Add(time.Minute)
	_, err := c.Retrieve("a")
	require.NoError(t, err)

	// 12 bytes total; a budget of 8 must evict exactly the oldest entry.
	c.EnforceSizeLimit(8)

	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
}

func TestAutomaticEnforcementOnStore(t *testing.T) {
	c, now := newTestCache(t, 10)

	require.NoError(t, c.Store("a", []byte("12345"), "text/plain", 0))
	*now = now.Add(time.Minute)
	require.NoError(t, c.Store("b", []byte("12345"), "text/plain", 0))
	*now = now.Add(time.Minute)
	require.NoError(t, c.Store("c", []byte("1234567890"), "text/plain", 0))

	s := c.Stats()
	assert.LessOrEqual(t, s.TotalBytes, int64(10))
	assert.True(t, c.Contains("c"))
}

func TestStats(t *testing.T) {
	c, _ := newTestCache(t, 0)

	// No accesses yet: ratio must be zero, not NaN.
	s := c.Stats()
	assert.Zero(t, s.HitRatio)

	require.NoError(t, c.Store("k", []byte("data"), "text/plain", 0))
	_, err := c.Retrieve("k")
	require.NoError(t, err)
	_, err = c.Retrieve("missing")
	require.NoError(t, err)

	s = c.Stats()
	assert.Equal(t, 1, s.Entries)
	assert.Equal(t, int64(4), s.TotalBytes)
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.InDelta(t, 0.5, s.HitRatio, 0.001)
}

func TestClear(t *testing.T) {
	c, _ := newTestCache(t, 0)

	require.NoError(t, c.Store("k1", []byte("one"), "text/plain", 0))
	require.NoError(t, c.Store("k2", []byte("two"), "text/plain", 0))
	_, err := c.Retrieve("k1")
	require.NoError(t, err)

	c.Clear()

	s := c.Stats()
	assert.Zero(t, s.Entries)
	assert.Zero(t, s.Hits)
	assert.Zero(t, s.Misses)
	assert.Equal(t, 0, countBlobFiles(t, c))
}

func TestStoreTempRequiresTTL(t *testing.T) {
	c, _ := newTestCache(t, 0)

	err := c.StoreTemp("scratch", []byte("x"), 0)
	require.Error(t, err)

	require.NoError(t, c.StoreTemp("scratch", []byte("x"), time.Minute))
	data, err := c.RetrieveTemp("scratch")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestKeyspacePlacement(t *testing.T) {
	c, _ := newTestCache(t, 0)

	require.NoError(t, c.Store("attachment:abc", []byte("blob"), "application/pdf", 0))

	entry, ok := c.Entry("attachment:abc")
	require.True(t, ok)
	assert.Contains(t, entry.Path, string(filepath.Separator)+"attachments"+string(filepath.Separator))
}
