package config

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger instance
	Logger *zap.Logger
)

// InitLogger initializes the global logger at the given level. An empty or
// unknown level keeps the production default (info).
func InitLogger(level string) error {
	config := zap.NewProductionConfig()

	// Customize the logging format
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.StacktraceKey = "" // Disable stacktrace by default

	if level != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(level)); err == nil {
			config.Level.SetLevel(l)
		}
	}

	var err error
	Logger, err = config.Build(zap.AddCaller())
	if err != nil {
		return err
	}

	// Replace the global logger
	zap.ReplaceGlobals(Logger)

	return nil
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if Logger == nil {
		// If logger is not initialized, create a default logger
		Logger = zap.NewExample()
		zap.ReplaceGlobals(Logger)
	}
	return Logger
}

// Sync flushes any buffered log entries
func Sync() error {
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}
