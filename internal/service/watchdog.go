package service

import (
	"sync"
	"time"
)

// Watchdog is a cancellable liveness timer. Each Arm starts a new
// generation; a fire callback from an older generation is stale and must be
// ignored by checking Current.
type Watchdog struct {
	mu       sync.Mutex
	timeout  time.Duration
	timer    *time.Timer
	gen      uint64
	deadline time.Time
	fire     func(gen uint64)
}

// NewWatchdog creates a stopped watchdog. fire runs on its own goroutine.
func NewWatchdog(timeout time.Duration, fire func(gen uint64)) *Watchdog {
	return &Watchdog{timeout: timeout, fire: fire}
}

// Arm (re)starts the timer.
func (w *Watchdog) Arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.deadline = time.Now().Add(w.timeout)
	w.timer = time.AfterFunc(w.timeout, func() { w.fire(gen) })
}

// Stop cancels the timer.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
	w.deadline = time.Time{}
}

// Current reports whether gen is the live generation.
func (w *Watchdog) Current(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil && gen == w.gen
}

// Deadline is when the armed timer fires, or zero when stopped.
func (w *Watchdog) Deadline() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deadline
}
