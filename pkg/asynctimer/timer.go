// Package asynctimer implements the one-shot cancellable, re-armable
// timer used throughout the CP and Charger state machines (§2.3):
// C1 power-off-under-load, unlock-in-F, legacy wake-up, replug,
// switch-phases delays, and the BCB-toggle window. It is grounded
// directly on the teacher's re-armable failsafe timer
// (pkg/failsafe/timer.go), stripped of failsafe/grace-period semantics
// down to the generic "arm once, fire once, stop is idempotent" shape
// Design Note "Async flow" asks for.
package asynctimer

import (
	"sync"
	"time"
)

// Timer is a one-shot timer that invokes onFire exactly once per Start
// call, unless Stop wins the race. It is safe to Start/Stop from any
// goroutine, and Stop is idempotent.
type Timer struct {
	mu      sync.Mutex
	timer   *time.Timer
	running bool
	onFire  func()
}

// New creates an unarmed timer. onFire is invoked on its own goroutine
// (via time.AfterFunc) when the timer expires without being stopped
// first; it must not block and must not itself try to re-enter a lock
// the caller is already holding (§4.1's rule that timer start/stop is
// deferred until after the state-machine lock is released applies here
// too).
func New(onFire func()) *Timer {
	return &Timer{onFire: onFire}
}

// Start arms the timer for d, replacing any timer already running.
func (t *Timer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.running = true
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if !t.running {
			t.mu.Unlock()
			return
		}
		t.running = false
		fn := t.onFire
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

// Stop cancels the timer if it is running. Calling Stop when the timer
// is not running, or calling it more than once, is a no-op.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.running = false
}

// IsRunning reports whether the timer is currently armed.
func (t *Timer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
