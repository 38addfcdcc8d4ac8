// Package audit is the structured operation/exception logging collaborator.
// Engines call it for observability only; nothing in the protocol flow
// depends on its output.
package audit

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger records engine operations and exceptions against entities.
type Logger struct {
	base *zap.Logger
}

// New wraps a zap logger as an audit collaborator.
func New(base *zap.Logger) *Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return &Logger{base: base.With(zap.String("component", "audit"))}
}

// Operation records a protocol operation against an entity at the given
// level. The context map is attached as structured fields.
func (l *Logger) Operation(op, msg, entityType, entityID string, context map[string]any, level zapcore.Level) {
	fields := []zap.Field{zap.String("operation", op)}
	if entityType != "" {
		fields = append(fields, zap.String("entity_type", entityType))
	}
	if entityID != "" {
		fields = append(fields, zap.String("entity_id", entityID))
	}
	for k, v := range context {
		fields = append(fields, zap.Any(k, v))
	}
	switch level {
	case zapcore.DebugLevel:
		l.base.Debug(msg, fields...)
	case zapcore.WarnLevel:
		l.base.Warn(msg, fields...)
	case zapcore.ErrorLevel:
		l.base.Error(msg, fields...)
	default:
		l.base.Info(msg, fields...)
	}
}

// Exception records a failure against an entity.
func (l *Logger) Exception(err error, entityType, entityID string, context map[string]any) {
	fields := []zap.Field{zap.Error(err)}
	if entityType != "" {
		fields = append(fields, zap.String("entity_type", entityType))
	}
	if entityID != "" {
		fields = append(fields, zap.String("entity_id", entityID))
	}
	for k, v := range context {
		fields = append(fields, zap.Any(k, v))
	}
	l.base.Error("operation failed", fields...)
}
