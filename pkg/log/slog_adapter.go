package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes events to an slog.Logger.
// Useful for development when you want to see core events in console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "core", eventAttrs(event)...)
}

// eventAttrs flattens an Event into slog attributes for SlogAdapter.
// ZerologAdapter emits the same field names through zerolog's own builder,
// except that it snake-cases the service name.
func eventAttrs(event Event) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}

	if event.ConnectionID != "" {
		attrs = append(attrs, slog.String("conn_id", event.ConnectionID))
	}
	if event.Direction != DirectionUnspecified {
		attrs = append(attrs, slog.String("direction", event.Direction.String()))
	}
	if event.DeviceAddr != "" {
		attrs = append(attrs, slog.String("device_addr", event.DeviceAddr))
	}
	if event.RequestID != 0 {
		attrs = append(attrs, slog.Uint64("request_id", event.RequestID))
	}
	if event.ServiceName != "" {
		attrs = append(attrs, slog.String("service", event.ServiceName))
	}

	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.Int("frame_size", event.Frame.Size),
			slog.Bool("truncated", event.Frame.Truncated),
		)
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.ControlMsg != nil:
		attrs = append(attrs, slog.String("ctrl_type", event.ControlMsg.Type.String()))
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
		if event.Error.Code != nil {
			attrs = append(attrs, slog.Int("error_code", *event.Error.Code))
		}
	case event.Lifecycle != nil:
		attrs = append(attrs, slog.String("lifecycle", event.Lifecycle.Kind.String()))
		if event.Lifecycle.PID != 0 {
			attrs = append(attrs, slog.Int("pid", event.Lifecycle.PID))
		}
	}

	return attrs
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
