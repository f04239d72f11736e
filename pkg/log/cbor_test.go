package log

import (
	"testing"
	"time"
)

func TestEventCBORRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 28, 10, 15, 32, 123456789, time.UTC)
	original := Event{
		Timestamp:   ts,
		SessionUUID: "abc12345-def6-7890-abcd-ef1234567890",
		Layer:       LayerCP,
		Category:    CategoryStateChange,
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if !decoded.Timestamp.Equal(original.Timestamp) {
		t.Errorf("Timestamp: got %v, want %v", decoded.Timestamp, original.Timestamp)
	}
	if decoded.SessionUUID != original.SessionUUID {
		t.Errorf("SessionUUID: got %q, want %q", decoded.SessionUUID, original.SessionUUID)
	}
	if decoded.Layer != original.Layer {
		t.Errorf("Layer: got %v, want %v", decoded.Layer, original.Layer)
	}
	if decoded.Category != original.Category {
		t.Errorf("Category: got %v, want %v", decoded.Category, original.Category)
	}
}

func TestAbstractCPEventCBORRoundTrip(t *testing.T) {
	original := Event{
		Timestamp:   time.Now(),
		SessionUUID: "sess-1",
		Layer:       LayerCP,
		Category:    CategoryAbstractCP,
		AbstractCP:  &AbstractCPEvent{Kind: "CarPluggedIn"},
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if decoded.AbstractCP == nil {
		t.Fatal("AbstractCP is nil")
	}
	if decoded.AbstractCP.Kind != original.AbstractCP.Kind {
		t.Errorf("AbstractCP.Kind: got %q, want %q", decoded.AbstractCP.Kind, original.AbstractCP.Kind)
	}
}

func TestBSPCommandEventCBORRoundTrip(t *testing.T) {
	original := Event{
		Timestamp:  time.Now(),
		Layer:      LayerCP,
		Category:   CategoryBSPCommand,
		BSPCommand: &BSPCommandEvent{Command: "set_pwm", Duty: 0.53, Reason: ""},
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if decoded.BSPCommand == nil {
		t.Fatal("BSPCommand is nil")
	}
	if decoded.BSPCommand.Command != original.BSPCommand.Command {
		t.Errorf("BSPCommand.Command: got %q, want %q", decoded.BSPCommand.Command, original.BSPCommand.Command)
	}
	if decoded.BSPCommand.Duty != original.BSPCommand.Duty {
		t.Errorf("BSPCommand.Duty: got %v, want %v", decoded.BSPCommand.Duty, original.BSPCommand.Duty)
	}
}

func TestStateChangeEventCBORRoundTrip(t *testing.T) {
	original := Event{
		Timestamp: time.Now(),
		Layer:     LayerCharger,
		Category:  CategoryStateChange,
		StateChange: &StateChangeEvent{
			Entity:   StateEntityCharger,
			OldState: "Idle",
			NewState: "WaitingForAuthentication",
			Reason:   "CarPluggedIn",
		},
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if decoded.StateChange == nil {
		t.Fatal("StateChange is nil")
	}
	if decoded.StateChange.Entity != original.StateChange.Entity {
		t.Errorf("StateChange.Entity: got %v, want %v", decoded.StateChange.Entity, original.StateChange.Entity)
	}
	if decoded.StateChange.OldState != original.StateChange.OldState {
		t.Errorf("StateChange.OldState: got %q, want %q", decoded.StateChange.OldState, original.StateChange.OldState)
	}
	if decoded.StateChange.NewState != original.StateChange.NewState {
		t.Errorf("StateChange.NewState: got %q, want %q", decoded.StateChange.NewState, original.StateChange.NewState)
	}
	if decoded.StateChange.Reason != original.StateChange.Reason {
		t.Errorf("StateChange.Reason: got %q, want %q", decoded.StateChange.Reason, original.StateChange.Reason)
	}
}

func TestSessionEventDataCBORRoundTrip(t *testing.T) {
	original := Event{
		Timestamp:    time.Now(),
		SessionUUID:  "sess-2",
		Layer:        LayerCharger,
		Category:     CategorySessionEvent,
		SessionEvent: &SessionEventData{Kind: "ChargingStarted"},
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if decoded.SessionEvent == nil {
		t.Fatal("SessionEvent is nil")
	}
	if decoded.SessionEvent.Kind != original.SessionEvent.Kind {
		t.Errorf("SessionEvent.Kind: got %q, want %q", decoded.SessionEvent.Kind, original.SessionEvent.Kind)
	}
}

func TestErrorEventCBORRoundTrip(t *testing.T) {
	original := Event{
		Timestamp: time.Now(),
		Layer:     LayerErrorAggregator,
		Category:  CategoryError,
		Error: &ErrorEventData{
			Source:   "BSP",
			Type:     "OverCurrent",
			Severity: "High",
			Message:  "current exceeded signalled limit",
		},
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if decoded.Error == nil {
		t.Fatal("Error is nil")
	}
	if decoded.Error.Source != original.Error.Source {
		t.Errorf("Error.Source: got %q, want %q", decoded.Error.Source, original.Error.Source)
	}
	if decoded.Error.Message != original.Error.Message {
		t.Errorf("Error.Message: got %q, want %q", decoded.Error.Message, original.Error.Message)
	}
}

func TestEventCBORUsesIntegerKeys(t *testing.T) {
	event := Event{
		Timestamp:   time.Now(),
		SessionUUID: "conn-123",
		Layer:       LayerCP,
		Category:    CategoryStateChange,
	}

	data, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	var rawMap map[uint64]any
	if err := logDecMode.Unmarshal(data, &rawMap); err != nil {
		t.Fatalf("failed to decode as map: %v", err)
	}

	expectedKeys := []uint64{1, 2, 3, 4}
	for _, key := range expectedKeys {
		if _, ok := rawMap[key]; !ok {
			t.Errorf("expected integer key %d not found in encoded data", key)
		}
	}

	var stringMap map[string]any
	if err := logDecMode.Unmarshal(data, &stringMap); err == nil && len(stringMap) > 0 {
		t.Error("encoded data contains string keys, expected integer keys only")
	}
}
