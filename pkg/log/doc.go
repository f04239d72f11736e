// Package log provides structured session logging for the EVSE CORE.
//
// This package defines the Logger interface and Event types for capturing
// session-level events across the CP state machine, the Charger state
// machine, the error aggregator, and the energy translator. It is separate
// from operational logging (slog) - session capture provides a complete
// machine-readable event trace for debugging and replay, matching
// spec.md §2's Session Log Writer and the `session_logging` config option.
//
// # Basic Usage
//
// A host configures logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	logger := log.NewSlogAdapter(slog.Default())
//
//	// For production: write to a CBOR session log file
//	fileLogger, _ := log.NewFileLogger("/var/log/evse/session.clog")
//
//	// Both: use MultiLogger
//	logger := log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
// Events are captured per layer (CP, Charger, ErrorAggregator, Energy,
// Orchestrator) and per category: state transitions, abstract CP events,
// BSP commands, emitted SessionEvents, and errors.
//
// # File Format
//
// Log files use CBOR encoding. Reader provides filtered streaming replay.
package log
