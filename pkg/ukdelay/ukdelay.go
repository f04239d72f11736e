// Package ukdelay implements the UK Smart-Charging Random Delay (§4.11):
// when an enforced limit change is submitted, a uniformly random 0..max
// delay is inserted during which the previous limit stays enforced.
// Every triggering change passed to Submit is delayed; the charging
// state is not consulted. The remaining countdown is readable through
// Current; this package does not publish it.
//
// Grounded on the teacher's pkg/connection.Backoff: the same
// mutex-guarded single-shot randomized-delay shape, traded from
// exponential-with-jitter reconnect backoff for a flat uniform window
// re-rolled on every triggering change.
package ukdelay

import (
	"math/rand"
	"sync"
	"time"
)

// TriggerMode selects which limit changes start a delay (§4.11:
// "Triggered either only on zero↔non-zero transitions or on any change,
// per config").
type TriggerMode uint8

const (
	TriggerZeroNonZeroOnly TriggerMode = iota
	TriggerAnyChange
)

// Countdown is the published state of an in-progress delay (§4.11:
// "Publishes a countdown (remaining seconds, during-limit, after-limit,
// start-time)").
type Countdown struct {
	StartedAt    time.Time
	RemainingS   float64
	DuringLimit  float64 // the limit enforced while the delay runs
	AfterLimit   float64 // the limit to apply once the delay elapses
}

// Delay manages the randomized substitution window for one enforced
// quantity (e.g. AC max current amps).
type Delay struct {
	mu sync.Mutex

	maxDuration time.Duration
	mode        TriggerMode
	rng         *rand.Rand

	lastApplied float64
	hasLast     bool

	timer    *time.Timer
	active   *Countdown
	onExpire func(newLimit float64)
}

// New creates a Delay with the given max duration and trigger mode.
func New(maxDuration time.Duration, mode TriggerMode, onExpire func(newLimit float64)) *Delay {
	return &Delay{
		maxDuration: maxDuration,
		mode:        mode,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		onExpire:    onExpire,
	}
}

// Submit offers a newly requested limit. It returns the limit that
// should be enforced *right now*: either newLimit immediately (no delay
// triggered, or first limit ever seen), or the previous limit while a
// freshly-armed random delay runs in the background — onExpire is called
// with newLimit once it elapses.
func (d *Delay) Submit(newLimit float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.hasLast {
		d.hasLast = true
		d.lastApplied = newLimit
		return newLimit
	}

	if d.lastApplied == newLimit {
		return d.lastApplied
	}

	triggers := d.mode == TriggerAnyChange ||
		(d.lastApplied == 0) != (newLimit == 0)

	if !triggers {
		d.lastApplied = newLimit
		return newLimit
	}

	if d.timer != nil {
		d.timer.Stop()
	}

	delay := time.Duration(d.rng.Int63n(int64(d.maxDuration) + 1))
	during := d.lastApplied
	d.active = &Countdown{
		StartedAt:   time.Now(),
		RemainingS:  delay.Seconds(),
		DuringLimit: during,
		AfterLimit:  newLimit,
	}

	d.timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		d.lastApplied = newLimit
		d.active = nil
		fn := d.onExpire
		d.mu.Unlock()
		if fn != nil {
			fn(newLimit)
		}
	})

	return during
}

// Current returns the in-progress countdown, or nil if no delay is
// active. RemainingS is recomputed relative to now.
func (d *Delay) Current() *Countdown {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return nil
	}
	c := *d.active
	elapsed := time.Since(c.StartedAt).Seconds()
	remaining := c.RemainingS - elapsed
	if remaining < 0 {
		remaining = 0
	}
	c.RemainingS = remaining
	return &c
}

// Reset cancels any in-progress delay and forgets the last-applied
// limit, e.g. on session end.
func (d *Delay) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.active = nil
	d.hasLast = false
}
