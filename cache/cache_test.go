package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/harvester/models"
)

func TestGetSetAndExpiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	c := New(10, time.Minute)
	c.now = func() time.Time { return now }

	c.Set(&models.JobResult{JobID: "a", Content: "x"})
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "x", got.Content)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok, "expired entries are not served")

	c.evictExpired()
	assert.Zero(t, c.Len())
}

func TestCapacity(t *testing.T) {
	c := New(2, time.Minute)
	c.Set(&models.JobResult{JobID: "a"})
	c.Set(&models.JobResult{JobID: "b"})
	c.Set(&models.JobResult{JobID: "b"})
	assert.Equal(t, 2, c.Len(), "overwriting does not evict")

	c.Set(&models.JobResult{JobID: "c"})
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("c")
	assert.True(t, ok)
}

func TestDisabledAndNil(t *testing.T) {
	c := New(0, time.Minute)
	c.Set(&models.JobResult{JobID: "a"})
	_, ok := c.Get("a")
	assert.False(t, ok)

	var nilCache *Cache
	nilCache.Set(&models.JobResult{JobID: "a"})
	_, ok = nilCache.Get("a")
	assert.False(t, ok)
}
