package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// InstanceLogger returns a child logger with instance-context fields.
func InstanceLogger(base *zap.Logger, instanceID, workspaceID string) *zap.Logger {
	fields := []zap.Field{zap.String("instance_id", instanceID)}
	if workspaceID != "" {
		fields = append(fields, zap.String("workspace_id", workspaceID))
	}
	return base.With(fields...)
}
