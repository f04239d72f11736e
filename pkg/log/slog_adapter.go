package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes CORE log events to an slog.Logger. Useful during
// development and inside cmd/evse-sim for a readable console trace.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	if event.SessionUUID != "" {
		attrs = append(attrs, slog.String("session", event.SessionUUID))
	}

	switch {
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.AbstractCP != nil:
		attrs = append(attrs, slog.String("cp_event", event.AbstractCP.Kind))
	case event.BSPCommand != nil:
		attrs = append(attrs,
			slog.String("command", event.BSPCommand.Command),
			slog.Float64("duty", event.BSPCommand.Duty),
			slog.Bool("bool", event.BSPCommand.Bool),
		)
		if event.BSPCommand.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.BSPCommand.Reason))
		}
	case event.SessionEvent != nil:
		attrs = append(attrs, slog.String("session_event", event.SessionEvent.Kind))
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_source", event.Error.Source),
			slog.String("error_type", event.Error.Type),
			slog.String("severity", event.Error.Severity),
		)
		if event.Error.Message != "" {
			attrs = append(attrs, slog.String("message", event.Error.Message))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "evse", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
