package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSlogAdapterLogsBSPCommandEvent(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	slogger := slog.New(handler)

	adapter := NewSlogAdapter(slogger)

	adapter.Log(Event{
		Timestamp:   time.Now(),
		SessionUUID: "conn-123",
		Layer:       LayerCP,
		Category:    CategoryBSPCommand,
		BSPCommand:  &BSPCommandEvent{Command: "set_pwm", Duty: 0.25},
	})

	output := buf.String()
	if output == "" {
		t.Fatal("no output produced")
	}

	var logEntry map[string]any
	if err := json.Unmarshal([]byte(output), &logEntry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}

	if logEntry["session"] != "conn-123" {
		t.Errorf("session: got %v, want %q", logEntry["session"], "conn-123")
	}
	if logEntry["layer"] != "CP" {
		t.Errorf("layer: got %v, want %q", logEntry["layer"], "CP")
	}
	if logEntry["command"] != "set_pwm" {
		t.Errorf("command: got %v, want %q", logEntry["command"], "set_pwm")
	}
	if logEntry["duty"] != 0.25 {
		t.Errorf("duty: got %v, want %v", logEntry["duty"], 0.25)
	}
}

func TestSlogAdapterLogsStateChangeEvent(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	slogger := slog.New(handler)

	adapter := NewSlogAdapter(slogger)

	adapter.Log(Event{
		Timestamp:   time.Now(),
		SessionUUID: "abc12345-def6-7890",
		Layer:       LayerCharger,
		Category:    CategoryStateChange,
		StateChange: &StateChangeEvent{
			Entity:   StateEntityCharger,
			NewState: "Charging",
		},
	})

	output := buf.String()
	if !strings.Contains(output, "abc12345-def6-7890") {
		t.Error("output does not contain session UUID")
	}
	if !strings.Contains(output, "Charging") {
		t.Error("output does not contain new state")
	}
}

func TestSlogAdapterInterfaceSatisfaction(t *testing.T) {
	var _ Logger = (*SlogAdapter)(nil)
}
