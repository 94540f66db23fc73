// Package sessioncache provides the ephemeral, TTL-bounded store for
// active session state and recent-turn history.
//
// The cache is independent of the two durable stores. Sessions are
// created on first interaction, refreshed on every access (reads extend
// the TTL so active conversations never expire mid-use), and expire after
// inactivity. All operations on one session are single-key atomic: a TTL
// refresh plus ring truncation happens under that session's lock, and
// different sessions never contend.
//
// The active-session set is a hint, not a source of truth: it may contain
// identifiers whose session already expired until ReapExpired sweeps
// them. Removing an identifier that a concurrent Create just re-added is
// an accepted lost update; this is eventually-consistent housekeeping,
// not a correctness-critical path.
package sessioncache

import (
	"sync"
	"time"
)

// DefaultTTL is the session lifetime applied when none is configured.
const DefaultTTL = 30 * time.Minute

// DefaultRingCap is the recent-message ring capacity applied when none is
// configured.
const DefaultRingCap = 100

// RecentMessage is one entry of a session's recent-message ring.
type RecentMessage struct {
	// MessageID is the durable identity of the message, used to
	// deduplicate against semantic retrieval results. Zero if the message
	// was never durably stored.
	MessageID int64

	// Role is the author of the message.
	Role string

	// Content is the textual content of the turn.
	Content string

	// Timestamp is when the message was pushed.
	Timestamp time.Time
}

// Session is the cached state of one active session.
type Session struct {
	// SessionID is the session identifier.
	SessionID string

	// UserID is the owning user.
	UserID string

	// Context is the coordinator-defined current-topic/context blob. The
	// cache treats it as opaque.
	Context map[string]interface{}

	// LastActiveAt is the time of the most recent access.
	LastActiveAt time.Time

	// Recent is the recent-message ring, most recent first, capped at the
	// configured ring capacity.
	Recent []RecentMessage
}

// Update carries the fields of a partial session update. Nil fields are
// left untouched.
type Update struct {
	// Context, if non-nil, replaces the session's context blob.
	Context map[string]interface{}

	// UserID, if non-nil, replaces the owning user.
	UserID *string
}

// entry is a cached session plus its expiry, guarded by its own lock.
type entry struct {
	mu        sync.Mutex
	session   Session
	expiresAt time.Time
}

// Cache is the in-process session cache.
type Cache struct {
	ttl     time.Duration
	ringCap int

	// now is the clock; replaceable in tests for deterministic expiry.
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry
	active   map[string]struct{}
}

// Config contains configuration for creating a session cache.
type Config struct {
	// TTL is the session lifetime (default DefaultTTL).
	TTL time.Duration

	// RingCap is the recent-message ring capacity (default
	// DefaultRingCap).
	RingCap int
}

// New creates a session cache.
func New(cfg *Config) *Cache {
	if cfg == nil {
		cfg = &Config{}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ringCap := cfg.RingCap
	if ringCap <= 0 {
		ringCap = DefaultRingCap
	}
	return &Cache{
		ttl:      ttl,
		ringCap:  ringCap,
		now:      time.Now,
		sessions: make(map[string]*entry),
		active:   make(map[string]struct{}),
	}
}

// Create creates a session with the configured TTL and registers it in
// the active-session set. Creating an existing session resets it.
func (c *Cache) Create(sessionID, userID string, initialContext map[string]interface{}) {
	now := c.now()
	e := &entry{
		session: Session{
			SessionID:    sessionID,
			UserID:       userID,
			Context:      initialContext,
			LastActiveAt: now,
		},
		expiresAt: now.Add(c.ttl),
	}

	c.mu.Lock()
	c.sessions[sessionID] = e
	c.active[sessionID] = struct{}{}
	c.mu.Unlock()
}

// Get returns a copy of the session and refreshes its TTL. An expired
// session counts as a miss with no side effects.
//
// Two concurrent reads near expiry may both refresh; the extension is
// idempotent, so the race is harmless.
func (c *Cache) Get(sessionID string) (*Session, bool) {
	e, ok := c.lookup(sessionID)
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := c.now()
	if !now.Before(e.expiresAt) {
		return nil, false
	}
	e.expiresAt = now.Add(c.ttl)
	e.session.LastActiveAt = now

	snapshot := copySession(&e.session)
	return &snapshot, true
}

// Update applies a partial update to an existing session and refreshes
// its TTL. Returns false if the session is absent or expired — Update is
// not an upsert.
func (c *Cache) Update(sessionID string, update Update) bool {
	e, ok := c.lookup(sessionID)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := c.now()
	if !now.Before(e.expiresAt) {
		return false
	}
	if update.Context != nil {
		e.session.Context = update.Context
	}
	if update.UserID != nil {
		e.session.UserID = *update.UserID
	}
	e.session.LastActiveAt = now
	e.expiresAt = now.Add(c.ttl)
	return true
}

// PushRecentMessage prepends a message to the session's ring, truncates
// to the ring capacity (oldest dropped), and resets the TTL. Pushing to
// an absent or expired session is a no-op returning false.
func (c *Cache) PushRecentMessage(sessionID string, msg RecentMessage) bool {
	e, ok := c.lookup(sessionID)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := c.now()
	if !now.Before(e.expiresAt) {
		return false
	}

	ring := make([]RecentMessage, 0, len(e.session.Recent)+1)
	ring = append(ring, msg)
	ring = append(ring, e.session.Recent...)
	if len(ring) > c.ringCap {
		ring = ring[:c.ringCap]
	}
	e.session.Recent = ring
	e.session.LastActiveAt = now
	e.expiresAt = now.Add(c.ttl)
	return true
}

// Recent returns a copy of the session's recent-message ring, most recent
// first, refreshing the TTL like any other read. Absent or expired
// sessions yield nil.
func (c *Cache) Recent(sessionID string) []RecentMessage {
	s, ok := c.Get(sessionID)
	if !ok {
		return nil
	}
	return s.Recent
}

// ReapExpired removes expired sessions and prunes the active-session set
// of identifiers whose session no longer exists. Returns the number of
// identifiers removed from the set. Safe to run concurrently with normal
// traffic.
func (c *Cache) ReapExpired() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, e := range c.sessions {
		e.mu.Lock()
		expired := !now.Before(e.expiresAt)
		e.mu.Unlock()
		if expired {
			delete(c.sessions, id)
		}
	}

	reaped := 0
	for id := range c.active {
		if _, live := c.sessions[id]; !live {
			delete(c.active, id)
			reaped++
		}
	}
	return reaped
}

// ActiveSessions returns the identifiers believed live. The set is a
// hint: it may contain identifiers whose session already expired.
func (c *Cache) ActiveSessions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of cached sessions, including any expired but
// not yet reaped.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// lookup fetches the live entry for a session without touching its TTL.
func (c *Cache) lookup(sessionID string) (*entry, bool) {
	c.mu.RLock()
	e, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	return e, ok
}

// copySession deep-copies the ring so callers cannot mutate cached state.
// The context blob is shared; the coordinator treats it as replace-only.
func copySession(s *Session) Session {
	out := *s
	out.Recent = make([]RecentMessage, len(s.Recent))
	copy(out.Recent, s.Recent)
	return out
}

// SetClock replaces the cache's clock. Intended for tests that need
// deterministic expiry.
func (c *Cache) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}
