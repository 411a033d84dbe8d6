package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Flush syncs buffered log entries, ignoring the spurious sync errors
// stderr returns on some platforms.
func Flush(logger *zap.Logger) {
	_ = logger.Sync()
}

// NewLogger creates a structured logger based on environment
func NewLogger(env, level string) (*zap.Logger, error) {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	// Parse level
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	return config.Build()
}
