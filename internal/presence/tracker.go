// ABOUTME: PresenceTracker holds the online roster of the active conversation
// ABOUTME: Every presence snapshot replaces the roster wholesale; there is no diffing

// Package presence tracks who is currently subscribed to a conversation.
package presence

import (
	"sync"
	"time"

	"github.com/2389/coven-huddle/internal/event"
)

// Status is a member's self-reported availability.
type Status string

const (
	StatusOnline Status = "online"
	StatusAway   Status = "away"
	StatusBusy   Status = "busy"
)

// ParseStatus maps a metadata status string to a Status, defaulting to online.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusAway, StatusBusy:
		return Status(s)
	default:
		return StatusOnline
	}
}

// OnlineUser is one roster entry.
type OnlineUser struct {
	UserID      string
	DisplayName string
	Email       string
	Status      Status
	LastSeenAt  *time.Time
}

// NewOnlineUser builds a roster entry from channel member metadata.
// The display name falls back to the email, then to "Anonymous".
func NewOnlineUser(userID string, md event.Metadata, lastSeen time.Time) OnlineUser {
	name := md.DisplayName
	if name == "" {
		name = md.Email
	}
	if name == "" {
		name = "Anonymous"
	}

	u := OnlineUser{
		UserID:      userID,
		DisplayName: name,
		Email:       md.Email,
		Status:      ParseStatus(md.Status),
	}
	if !lastSeen.IsZero() {
		ts := lastSeen
		u.LastSeenAt = &ts
	}
	return u
}

// Tracker owns the roster.
type Tracker struct {
	mu       sync.RWMutex
	roster   []OnlineUser
	onChange func()
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// SetOnChange registers a callback invoked after every snapshot.
func (t *Tracker) SetOnChange(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// OnSnapshot replaces the entire roster with users.
func (t *Tracker) OnSnapshot(users []OnlineUser) {
	t.mu.Lock()
	t.roster = append([]OnlineUser(nil), users...)
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Roster returns a copy of the current roster in snapshot order.
func (t *Tracker) Roster() []OnlineUser {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]OnlineUser(nil), t.roster...)
}

// Count returns the number of online users.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.roster)
}

// Lookup returns the roster entry for userID.
func (t *Tracker) Lookup(userID string) (OnlineUser, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, u := range t.roster {
		if u.UserID == userID {
			return u, true
		}
	}
	return OnlineUser{}, false
}
