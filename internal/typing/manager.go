// ABOUTME: Tracks which remote users are typing, with TTL expiry and a periodic sweep.
// ABOUTME: The sweep heals missed typing_stop events from dropped connections.

package typing

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultTTL is how long a heartbeat keeps a user marked as typing.
	DefaultTTL = 3 * time.Second

	// DefaultSweepInterval is how often stale entries are physically removed.
	DefaultSweepInterval = time.Second

	// fallbackName is shown when a typing event carries no display name.
	fallbackName = "Someone"
)

// ErrSweepRunning is returned by Run when a sweep loop is already active.
var ErrSweepRunning = errors.New("typing sweep already running")

// Entry is one user's typing state.
type Entry struct {
	UserID        string
	DisplayName   string
	LastHeartbeat time.Time
	startedAt     time.Time
}

// Manager owns the typing roster for the active conversation.
type Manager struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	onChange func()
	sweeping atomic.Bool
	logger   *slog.Logger
}

// NewManager creates a manager. Zero durations fall back to the defaults.
// Pass nil logger for default.
func NewManager(ttl, sweepInterval time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		entries:  make(map[string]*Entry),
		ttl:      ttl,
		interval: sweepInterval,
		now:      time.Now,
		logger:   logger.With("component", "typing"),
	}
}

// SetOnChange registers a callback invoked after the roster changes.
// The callback runs without the manager lock held.
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Start marks userID as typing and refreshes its heartbeat.
func (m *Manager) Start(userID, displayName string) {
	if displayName == "" {
		displayName = fallbackName
	}

	m.mu.Lock()
	now := m.now()
	if e, ok := m.entries[userID]; ok {
		e.LastHeartbeat = now
		e.DisplayName = displayName
	} else {
		m.entries[userID] = &Entry{
			UserID:        userID,
			DisplayName:   displayName,
			LastHeartbeat: now,
			startedAt:     now,
		}
	}
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Stop removes userID immediately.
func (m *Manager) Stop(userID string) {
	m.mu.Lock()
	_, existed := m.entries[userID]
	delete(m.entries, userID)
	fn := m.onChange
	m.mu.Unlock()

	if existed && fn != nil {
		fn()
	}
}

// Active returns the entries whose heartbeat is within the TTL, oldest first.
// Stale entries are filtered here even if the sweep has not run yet.
func (m *Manager) Active() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if now.Sub(e.LastHeartbeat) < m.ttl {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].startedAt.Equal(out[j].startedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].startedAt.Before(out[j].startedAt)
	})
	return out
}

// Sweep removes every entry older than the TTL and returns how many it removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	now := m.now()
	removed := 0
	for id, e := range m.entries {
		if now.Sub(e.LastHeartbeat) >= m.ttl {
			delete(m.entries, id)
			removed++
		}
	}
	fn := m.onChange
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Debug("expired typing entries", "count", removed)
		if fn != nil {
			fn()
		}
	}
	return removed
}

// Reset clears the roster.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Entry)
}

// Len returns the number of stored entries, including stale ones not yet swept.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweeping reports whether a Run loop is active.
func (m *Manager) Sweeping() bool {
	return m.sweeping.Load()
}

// Run sweeps on every interval until ctx is cancelled. Only one Run may be
// active at a time; a second concurrent call returns ErrSweepRunning.
func (m *Manager) Run(ctx context.Context) error {
	if !m.sweeping.CompareAndSwap(false, true) {
		return ErrSweepRunning
	}
	defer m.sweeping.Store(false)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			return nil
		}
	}
}
