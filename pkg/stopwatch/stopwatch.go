// Package stopwatch provides phase-tagged wall-clock instrumentation for
// timing reports (§2.4), grounded on the phase/timestamp tagging the
// teacher's protocol event log uses (pkg/log/event.go) but stripped down
// to a pure timing utility with no logging dependency of its own.
package stopwatch

import (
	"sort"
	"sync"
	"time"
)

// Mark records when a named phase was entered.
type Mark struct {
	Phase string
	At    time.Time
}

// Stopwatch accumulates totally-ordered phase marks for one run (e.g.
// one cable-check sequence, §4.4) and can report the elapsed time spent
// in, and between, each phase.
type Stopwatch struct {
	mu      sync.Mutex
	started time.Time
	marks   []Mark
}

// New starts a stopwatch, immediately recording the given phase as the
// first mark.
func New(firstPhase string) *Stopwatch {
	now := time.Now()
	return &Stopwatch{
		started: now,
		marks:   []Mark{{Phase: firstPhase, At: now}},
	}
}

// Enter records entry into a new phase. Marks are totally ordered by
// call sequence, matching §5's "stopwatch phase marks are totally
// ordered" guarantee: callers must serialize their own calls (the
// cable-check task, being single-goroutine, does this for free).
func (s *Stopwatch) Enter(phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks = append(s.marks, Mark{Phase: phase, At: time.Now()})
}

// Elapsed returns the time since the stopwatch was created.
func (s *Stopwatch) Elapsed() time.Duration {
	return time.Since(s.started)
}

// PhaseDuration reports the time from the first mark of phase to the
// mark that follows it, or to now if that mark is the most recent one.
// Later re-entries of the same phase are not counted.
// Returns false if phase was never entered.
func (s *Stopwatch) PhaseDuration(phase string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.marks {
		if m.Phase != phase {
			continue
		}
		end := time.Now()
		if i+1 < len(s.marks) {
			end = s.marks[i+1].At
		}
		return end.Sub(m.At), true
	}
	return 0, false
}

// Report returns a snapshot of every phase mark, in entry order, for
// logging or diagnostics.
func (s *Stopwatch) Report() []Mark {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Mark, len(s.marks))
	copy(out, s.marks)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}
