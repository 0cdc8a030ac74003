// Package log provides structured event logging shared by the ZHAL client
// and the process supervisor.
//
// This package defines the Logger interface and Event types for capturing
// events at multiple layers (transport framing, dispatch/correlation,
// supervisor lifecycle). It is separate from operational logging
// (slog/zerolog) - event capture provides a complete machine-readable trace
// for debugging reboot loops and correlation failures.
//
// # Basic Usage
//
// Applications configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	logger := log.NewSlogAdapter(slog.Default())
//
//	// For production: zerolog, or a binary file
//	logger := log.NewZerologAdapter(zerolog.New(os.Stderr))
//	fileLogger, _ := log.NewFileLogger("/var/log/zhal/core.elog")
//
//	// Both: use MultiLogger
//	logger := log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
// Events are captured at multiple layers:
//   - Transport: raw frame bytes (FrameEvent)
//   - Dispatch: correlation/timeout events
//   - Supervisor: lifecycle transitions (LifecycleEvent) and restart-cap decisions
//
// Control messages (supervisor ack/shutdown ipc) and errors have dedicated
// event types.
//
// # File Format
//
// Log files use CBOR encoding with the .elog extension.
package log
