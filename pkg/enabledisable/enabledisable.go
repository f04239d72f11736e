// Package enabledisable implements the Enable/Disable Priority Arbitrator
// (§4.10): a table of one entry per source (local API, key-lock, OCPP,
// energy manager, error aggregator, MREC, emergency stop, reservation)
// where the lowest-numbered priority wins and a tie goes to Disable.
//
// It is grounded on the teacher's pkg/zone.MultiZoneValue: a per-key map
// resolved on every read, here keyed by session.EnforceSource rather
// than by zone ID, and with the numeric-priority resolution rule of
// ResolveSetpoints plus the Disable-wins tie-break §4.10 adds on top.
package enabledisable

import (
	"sync"

	"github.com/evse-go/evsecore/pkg/session"
)

// Arbitrator holds the latest vote from each source and resolves them to
// a single Enable/Disable decision.
type Arbitrator struct {
	mu      sync.Mutex
	entries map[session.EnforceSource]session.EnableDisableEntry

	lastResolved session.EnableState // for edge detection across calls
	onChange     func(enabled bool)
}

// New creates an Arbitrator with every source Unassigned, which resolves
// to Enabled (§4.10: "If no assigned entries exist, result is Enabled").
func New(onChange func(enabled bool)) *Arbitrator {
	return &Arbitrator{
		entries:      make(map[session.EnforceSource]session.EnableDisableEntry),
		lastResolved: session.Enable,
		onChange:     onChange,
	}
}

// Set records (or replaces) the latest vote for entry.Source and
// re-resolves the table, firing onChange if the resolved Enabled state
// flipped. entry.ConnectorID == 0 affects only the resolved value this
// call returns for publication, never the Set/clear bookkeeping itself;
// callers that need to distinguish "affects charger state" from
// "publication only" inspect entry.ConnectorID themselves, per §4.10.
func (a *Arbitrator) Set(entry session.EnableDisableEntry) (resolved session.EnableState, connectorAffected bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if entry.State == session.Unassigned {
		delete(a.entries, entry.Source)
	} else {
		a.entries[entry.Source] = entry
	}

	resolved = a.resolveLocked()
	connectorAffected = entry.ConnectorID != 0

	resolvedEnabled := resolved != session.Disable
	wasEnabled := a.lastResolved != session.Disable
	if resolvedEnabled != wasEnabled {
		a.lastResolved = resolved
		if a.onChange != nil {
			a.onChange(resolvedEnabled)
		}
	} else {
		a.lastResolved = resolved
	}

	return resolved, connectorAffected
}

// Clear removes source's vote entirely, as if it had never voted.
func (a *Arbitrator) Clear(source session.EnforceSource) session.EnableState {
	return mustState(a.Set(session.EnableDisableEntry{Source: source, State: session.Unassigned}))
}

func mustState(s session.EnableState, _ bool) session.EnableState { return s }

// Resolve returns the current resolution without mutating the table.
func (a *Arbitrator) Resolve() session.EnableState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resolveLocked()
}

// resolveLocked implements the §4.10 evaluation: ignore Unassigned,
// lowest numeric priority wins, ties go to Disable.
func (a *Arbitrator) resolveLocked() session.EnableState {
	if len(a.entries) == 0 {
		return session.Enable
	}

	best, have := session.EnableDisableEntry{}, false
	for _, e := range a.entries {
		if e.State == session.Unassigned {
			continue
		}
		if !have {
			best, have = e, true
			continue
		}
		switch {
		case e.Priority < best.Priority:
			best = e
		case e.Priority == best.Priority && e.State == session.Disable && best.State != session.Disable:
			best = e
		}
	}

	if !have {
		return session.Enable
	}
	return best.State
}

// Entries returns a snapshot of the current votes, for diagnostics.
func (a *Arbitrator) Entries() []session.EnableDisableEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]session.EnableDisableEntry, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e)
	}
	return out
}
