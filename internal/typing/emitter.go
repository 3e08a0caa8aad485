// ABOUTME: Debounces local keystrokes into one typing_start/typing_stop pair per burst
// ABOUTME: The idle timer is scoped to the emitter and cancelled on flush or close

package typing

import (
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-huddle/internal/event"
)

// DefaultIdleTimeout ends a typing burst after this much inactivity.
const DefaultIdleTimeout = 2 * time.Second

// Emitter turns input changes into typing events. emit is called with the
// emitter lock held so start/stop order is preserved; it must not block or
// call back into the Emitter.
type Emitter struct {
	mu     sync.Mutex
	idle   time.Duration
	emit   func(event.Payload)
	now    func() time.Time
	timer  *time.Timer
	gen    uint64
	active bool
	closed bool
}

// NewEmitter creates an emitter. A zero idle timeout uses DefaultIdleTimeout.
func NewEmitter(idle time.Duration, emit func(event.Payload)) *Emitter {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Emitter{idle: idle, emit: emit, now: time.Now}
}

// InputChanged records a keystroke. The first keystroke of a burst emits
// typing_start; every keystroke re-arms the idle timer.
func (e *Emitter) InputChanged(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	if !e.active {
		e.active = true
		e.emit(event.TypingStart{Timestamp: event.Millis(e.now())})
	}

	e.gen++
	gen := e.gen
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.idle, func() { e.expire(gen) })
}

// expire ends the burst if no keystroke arrived since gen was armed.
func (e *Emitter) expire(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.gen || !e.active {
		return
	}
	e.endBurstLocked()
}

// Flush ends an active burst immediately, emitting typing_stop.
func (e *Emitter) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active {
		e.endBurstLocked()
	}
}

// Close flushes and disables the emitter.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active {
		e.endBurstLocked()
	}
	e.closed = true
}

// Active reports whether a burst is in progress.
func (e *Emitter) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// endBurstLocked stops the timer and emits typing_stop. Must be called with mu held.
func (e *Emitter) endBurstLocked() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.active = false
	e.emit(event.TypingStop{Timestamp: event.Millis(e.now())})
}
