package enabledisable

import (
	"testing"

	"github.com/evse-go/evsecore/pkg/session"
)

func TestNoEntriesResolvesEnabled(t *testing.T) {
	a := New(nil)
	if got := a.Resolve(); got != session.Enable {
		t.Errorf("got %v, want Enable", got)
	}
}

func TestLowestPriorityWins(t *testing.T) {
	a := New(nil)
	a.Set(session.EnableDisableEntry{Source: session.SourceOCPP, State: session.Disable, Priority: 100})
	a.Set(session.EnableDisableEntry{Source: session.SourceLocalAPI, State: session.Enable, Priority: 10})

	if got := a.Resolve(); got != session.Enable {
		t.Errorf("got %v, want Enable (priority 10 beats 100)", got)
	}
}

func TestTieGoesToDisable(t *testing.T) {
	a := New(nil)
	a.Set(session.EnableDisableEntry{Source: session.SourceOCPP, State: session.Enable, Priority: 50})
	a.Set(session.EnableDisableEntry{Source: session.SourceEnergyManager, State: session.Disable, Priority: 50})

	if got := a.Resolve(); got != session.Disable {
		t.Errorf("got %v, want Disable on priority tie", got)
	}
}

func TestLatestEntryPerSourceWins(t *testing.T) {
	a := New(nil)
	a.Set(session.EnableDisableEntry{Source: session.SourceOCPP, State: session.Disable, Priority: 10})
	a.Set(session.EnableDisableEntry{Source: session.SourceOCPP, State: session.Enable, Priority: 10})

	if got := a.Resolve(); got != session.Enable {
		t.Errorf("got %v, want Enable (latest OCPP entry supersedes the prior one)", got)
	}
}

func TestUnassignedIsIgnored(t *testing.T) {
	a := New(nil)
	a.Set(session.EnableDisableEntry{Source: session.SourceErrorAggregator, State: session.Unassigned})

	if got := a.Resolve(); got != session.Enable {
		t.Errorf("got %v, want Enable when only Unassigned entries exist", got)
	}
}

func TestClearRemovesVote(t *testing.T) {
	a := New(nil)
	a.Set(session.EnableDisableEntry{Source: session.SourceEmergencyStop, State: session.Disable, Priority: 0})
	if got := a.Resolve(); got != session.Disable {
		t.Fatalf("got %v, want Disable", got)
	}

	a.Clear(session.SourceEmergencyStop)
	if got := a.Resolve(); got != session.Enable {
		t.Errorf("got %v, want Enable after clearing the only vote", got)
	}
}

func TestOnChangeFiresOnEdge(t *testing.T) {
	var transitions []bool
	a := New(func(enabled bool) { transitions = append(transitions, enabled) })

	a.Set(session.EnableDisableEntry{Source: session.SourceOCPP, State: session.Disable, Priority: 10})
	a.Set(session.EnableDisableEntry{Source: session.SourceOCPP, State: session.Disable, Priority: 10})
	a.Set(session.EnableDisableEntry{Source: session.SourceOCPP, State: session.Enable, Priority: 10})

	if len(transitions) != 2 {
		t.Fatalf("got %d onChange calls, want 2 (initial disable + re-enable), transitions=%v", len(transitions), transitions)
	}
	if transitions[0] != false || transitions[1] != true {
		t.Errorf("transitions = %v, want [false true]", transitions)
	}
}

func TestConnectorAffectedFlag(t *testing.T) {
	a := New(nil)
	_, affected := a.Set(session.EnableDisableEntry{Source: session.SourceOCPP, State: session.Disable, Priority: 10, ConnectorID: 0})
	if affected {
		t.Error("connector_id=0 should not report connectorAffected")
	}

	_, affected = a.Set(session.EnableDisableEntry{Source: session.SourceOCPP, State: session.Disable, Priority: 10, ConnectorID: 1})
	if !affected {
		t.Error("connector_id!=0 should report connectorAffected")
	}
}
