package sessioncache_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheSethRose/tristore/pkg/sessioncache"
)

// fakeClock is a manually advanced clock for deterministic expiry.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func setupCacheTest(ttl time.Duration, ringCap int) (*sessioncache.Cache, *fakeClock) {
	cache := sessioncache.New(&sessioncache.Config{TTL: ttl, RingCap: ringCap})
	clock := newFakeClock()
	cache.SetClock(clock.Now)
	return cache, clock
}

func TestCache_CreateAndGet(t *testing.T) {
	cache, _ := setupCacheTest(time.Minute, 10)

	cache.Create("s1", "u1", map[string]interface{}{"topic": "go"})

	s, ok := cache.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "s1", s.SessionID)
	assert.Equal(t, "u1", s.UserID)
	assert.Equal(t, "go", s.Context["topic"])
	assert.Empty(t, s.Recent)
}

func TestCache_Get_ExpiredIsMiss(t *testing.T) {
	cache, clock := setupCacheTest(time.Minute, 10)

	cache.Create("s1", "u1", nil)
	clock.Advance(time.Minute)

	_, ok := cache.Get("s1")
	assert.False(t, ok)
}

func TestCache_Get_RefreshesTTL(t *testing.T) {
	cache, clock := setupCacheTest(time.Minute, 10)

	cache.Create("s1", "u1", nil)

	// Keep reading just before expiry; each read extends the lease.
	for i := 0; i < 5; i++ {
		clock.Advance(59 * time.Second)
		_, ok := cache.Get("s1")
		require.True(t, ok, "read %d should hit", i)
	}

	// Without a read the session finally expires.
	clock.Advance(time.Minute)
	_, ok := cache.Get("s1")
	assert.False(t, ok)
}

func TestCache_Update_NotUpsert(t *testing.T) {
	cache, clock := setupCacheTest(time.Minute, 10)

	// Updating an unknown session does nothing.
	uid := "u1"
	assert.False(t, cache.Update("missing", sessioncache.Update{UserID: &uid}))
	_, ok := cache.Get("missing")
	assert.False(t, ok)

	cache.Create("s1", "u1", map[string]interface{}{"topic": "go"})
	assert.True(t, cache.Update("s1", sessioncache.Update{
		Context: map[string]interface{}{"topic": "sql"},
	}))

	s, ok := cache.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "sql", s.Context["topic"])
	assert.Equal(t, "u1", s.UserID)

	// An expired session is not updatable either.
	clock.Advance(2 * time.Minute)
	assert.False(t, cache.Update("s1", sessioncache.Update{UserID: &uid}))
}

func TestCache_PushRecentMessage_RingCap(t *testing.T) {
	const ringCap = 5
	cache, _ := setupCacheTest(time.Minute, ringCap)

	cache.Create("s1", "u1", nil)

	for i := 1; i <= ringCap+1; i++ {
		ok := cache.PushRecentMessage("s1", sessioncache.RecentMessage{
			MessageID: int64(i),
			Role:      "user",
			Content:   fmt.Sprintf("message %d", i),
		})
		require.True(t, ok)
	}

	recent := cache.Recent("s1")
	require.Len(t, recent, ringCap)

	// Most recent first; the oldest entry was evicted.
	assert.Equal(t, int64(ringCap+1), recent[0].MessageID)
	assert.Equal(t, int64(2), recent[ringCap-1].MessageID)
}

func TestCache_PushRecentMessage_AbsentSession(t *testing.T) {
	cache, _ := setupCacheTest(time.Minute, 10)

	ok := cache.PushRecentMessage("missing", sessioncache.RecentMessage{Content: "dropped"})
	assert.False(t, ok)
}

func TestCache_Recent_CopyIsolation(t *testing.T) {
	cache, _ := setupCacheTest(time.Minute, 10)

	cache.Create("s1", "u1", nil)
	require.True(t, cache.PushRecentMessage("s1", sessioncache.RecentMessage{MessageID: 1, Content: "original"}))

	recent := cache.Recent("s1")
	require.Len(t, recent, 1)
	recent[0].Content = "mutated"

	again := cache.Recent("s1")
	require.Len(t, again, 1)
	assert.Equal(t, "original", again[0].Content)
}

func TestCache_ReapExpired(t *testing.T) {
	cache, clock := setupCacheTest(time.Minute, 10)

	cache.Create("s1", "u1", nil)
	cache.Create("s2", "u2", nil)
	assert.ElementsMatch(t, []string{"s1", "s2"}, cache.ActiveSessions())

	clock.Advance(30 * time.Second)
	// s2 stays warm.
	_, ok := cache.Get("s2")
	require.True(t, ok)

	clock.Advance(45 * time.Second)

	reaped := cache.ReapExpired()
	assert.Equal(t, 1, reaped)
	assert.ElementsMatch(t, []string{"s2"}, cache.ActiveSessions())
	assert.Equal(t, 1, cache.Len())

	// A second pass with nothing expired does nothing.
	assert.Equal(t, 0, cache.ReapExpired())
}

func TestCache_Create_ResetsExisting(t *testing.T) {
	cache, _ := setupCacheTest(time.Minute, 10)

	cache.Create("s1", "u1", nil)
	require.True(t, cache.PushRecentMessage("s1", sessioncache.RecentMessage{MessageID: 1, Content: "old"}))

	cache.Create("s1", "u2", nil)

	s, ok := cache.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "u2", s.UserID)
	assert.Empty(t, s.Recent)
}
