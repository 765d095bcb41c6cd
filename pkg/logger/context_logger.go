package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	ctxKeyParticipant ctxKey = "participant_id"
	ctxKeyScope       ctxKey = "scope"
	ctxKeyRequestID   ctxKey = "request_id"
)

// WithParticipant annotates a context for ContextLogger extraction.
func WithParticipant(ctx context.Context, participantID string) context.Context {
	return context.WithValue(ctx, ctxKeyParticipant, participantID)
}

// WithScope annotates a context with the office scope string.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, ctxKeyScope, scope)
}

// WithRequestID annotates a context with an HTTP request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// ContextLogger provides context-aware logging: participant, scope, and
// request identifiers travel on the context and land on every log line.
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger.
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// WithContext returns a logger enriched with whatever identifiers the
// context carries.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	if v, ok := ctx.Value(ctxKeyParticipant).(string); ok && v != "" {
		fields = append(fields, zap.String("participant_id", v))
	}
	if v, ok := ctx.Value(ctxKeyScope).(string); ok && v != "" {
		fields = append(fields, zap.String("scope", v))
	}
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok && v != "" {
		fields = append(fields, zap.String("request_id", v))
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// LogError logs an error with context.
func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, fields ...zapcore.Field) {
	cl.WithContext(ctx).With(zap.Error(err)).Error(message, fields...)
}

// LogInfo logs an info message with context.
func (cl *ContextLogger) LogInfo(ctx context.Context, message string, fields ...zapcore.Field) {
	cl.WithContext(ctx).Info(message, fields...)
}

// LogWarn logs a warning with context.
func (cl *ContextLogger) LogWarn(ctx context.Context, message string, fields ...zapcore.Field) {
	cl.WithContext(ctx).Warn(message, fields...)
}
