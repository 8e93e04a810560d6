package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across jobboard.
const (
	// Identity
	FieldJobID    = "job_id"
	FieldUserID   = "user_id"
	FieldClientID = "client_id"
	FieldViewer   = "viewer"

	// Components
	FieldComponent = "component"

	// Chain
	FieldAction   = "action"
	FieldTxHash   = "tx_hash"
	FieldBlock    = "block"
	FieldEvent    = "event"
	FieldContract = "contract"

	// Chat
	FieldRoom    = "room"
	FieldAttempt = "attempt"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError  = "error"
	FieldReason = "reason"

	// Counts and sizes
	FieldCount      = "count"
	FieldTotalCount = "total_count"
	FieldSize       = "size"

	// Status
	FieldStatus = "status"
	FieldScope  = "scope"

	// Network
	FieldAddress = "address"
	FieldPort    = "port"
	FieldURL     = "url"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID uint64) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(uint64); ok && jobID != 0 {
		fields = append(fields, FieldJobID, jobID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger carrying the context's job and component fields.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection:
//
//	p := projector.New(gw, viewer, scope, logger.ComponentLogger("projector"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
