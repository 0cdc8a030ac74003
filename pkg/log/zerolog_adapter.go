package log

import (
	"github.com/iancoleman/strcase"
	"github.com/rs/zerolog"
)

// ZerologAdapter writes events to a zerolog.Logger. This is the production
// backend: zerolog's allocation-free field builder keeps the hot dispatch
// and correlation paths cheap even with logging enabled.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerologAdapter creates a new ZerologAdapter writing to the given logger.
func NewZerologAdapter(logger zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{logger: logger}
}

// Log writes the event at debug level.
func (a *ZerologAdapter) Log(event Event) {
	e := a.logger.Debug().
		Str("layer", event.Layer.String()).
		Str("category", event.Category.String())

	if event.ConnectionID != "" {
		e = e.Str("conn_id", event.ConnectionID)
	}
	if event.Direction != DirectionUnspecified {
		e = e.Str("direction", event.Direction.String())
	}
	if event.DeviceAddr != "" {
		e = e.Str("device_addr", event.DeviceAddr)
	}
	if event.RequestID != 0 {
		e = e.Uint64("request_id", event.RequestID)
	}
	if event.ServiceName != "" {
		// managerList entries are free-form ("zigbeeCore", "UI-manager", ...);
		// normalize to snake_case so the "service" label is consistent
		// across log lines regardless of how an operator cased the name.
		e = e.Str("service", strcase.ToSnake(event.ServiceName))
	}

	switch {
	case event.Frame != nil:
		e = e.Int("frame_size", event.Frame.Size).Bool("truncated", event.Frame.Truncated)
	case event.StateChange != nil:
		e = e.Str("entity", event.StateChange.Entity.String()).
			Str("old_state", event.StateChange.OldState).
			Str("new_state", event.StateChange.NewState)
		if event.StateChange.Reason != "" {
			e = e.Str("reason", event.StateChange.Reason)
		}
	case event.ControlMsg != nil:
		e = e.Str("ctrl_type", event.ControlMsg.Type.String())
	case event.Error != nil:
		e = e.Str("error_layer", event.Error.Layer.String()).
			Str("error_msg", event.Error.Message).
			Str("error_context", event.Error.Context)
		if event.Error.Code != nil {
			e = e.Int("error_code", *event.Error.Code)
		}
	case event.Lifecycle != nil:
		e = e.Str("lifecycle", event.Lifecycle.Kind.String())
		if event.Lifecycle.PID != 0 {
			e = e.Int("pid", event.Lifecycle.PID)
		}
	}

	e.Msg("core")
}

// Compile-time interface satisfaction check.
var _ Logger = (*ZerologAdapter)(nil)
