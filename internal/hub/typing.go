package hub

import (
	"sync"
	"time"
)

type typingKey struct {
	userID         string
	conversationID string
}

type typingEntry struct {
	lastEvent time.Time
	timer     *time.Timer
}

// TypingTracker holds per-(user, conversation) typing state with auto
// expiry. Rapid repeat starts inside the spam window are ignored without
// refreshing the timer.
type TypingTracker struct {
	mu      sync.Mutex
	entries map[typingKey]*typingEntry

	expiry     time.Duration
	spamWindow time.Duration

	// onExpire is called after the expiry timer removes an entry, outside
	// the lock, so the hub can broadcast the implicit typing:stop.
	onExpire func(userID, conversationID string)

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// NewTypingTracker creates a tracker. onExpire may be nil.
func NewTypingTracker(expiry, spamWindow time.Duration, onExpire func(userID, conversationID string)) *TypingTracker {
	return &TypingTracker{
		entries:    make(map[typingKey]*typingEntry),
		expiry:     expiry,
		spamWindow: spamWindow,
		onExpire:   onExpire,
		now:        time.Now,
		afterFunc:  time.AfterFunc,
	}
}

// Start records typing activity. It returns true when the event should be
// broadcast, false when it was swallowed by spam prevention.
func (t *TypingTracker) Start(userID, conversationID string) bool {
	key := typingKey{userID, conversationID}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if entry, ok := t.entries[key]; ok {
		if now.Sub(entry.lastEvent) < t.spamWindow {
			return false
		}
		entry.lastEvent = now
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.timer = t.scheduleExpiry(key)
		return true
	}

	t.entries[key] = &typingEntry{
		lastEvent: now,
		timer:     t.scheduleExpiry(key),
	}
	return true
}

// Stop removes the entry. It returns true when an entry existed, meaning a
// typing:stop should be broadcast.
func (t *TypingTracker) Stop(userID, conversationID string) bool {
	key := typingKey{userID, conversationID}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(t.entries, key)
	return true
}

// PurgeUser removes every entry for the user and returns the affected
// conversation ids so the caller can broadcast typing:stop to each.
func (t *TypingTracker) PurgeUser(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var conversations []string
	for key, entry := range t.entries {
		if key.userID != userID {
			continue
		}
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(t.entries, key)
		conversations = append(conversations, key.conversationID)
	}
	return conversations
}

// Active reports whether a typing entry exists for the key.
func (t *TypingTracker) Active(userID, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[typingKey{userID, conversationID}]
	return ok
}

func (t *TypingTracker) scheduleExpiry(key typingKey) *time.Timer {
	return t.afterFunc(t.expiry, func() {
		t.mu.Lock()
		entry, ok := t.entries[key]
		if !ok || t.now().Sub(entry.lastEvent) < t.expiry {
			// Refreshed since this timer was armed.
			t.mu.Unlock()
			return
		}
		delete(t.entries, key)
		t.mu.Unlock()

		if t.onExpire != nil {
			t.onExpire(key.userID, key.conversationID)
		}
	})
}
