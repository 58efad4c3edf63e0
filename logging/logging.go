// Package logging holds the process-wide structured logger.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// L is the package-level logger. It is a no-op until Init is called so
// library code and tests stay quiet by default.
var L = zap.NewNop().Sugar()

// Init replaces L with a console logger writing to stderr and, when
// logFile is non-empty, to that file as well.
func Init(level string, logFile string) error {
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(ParseLevel(level)),
		Encoding:         "console",
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if logFile != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, logFile)
	}

	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	L = logger.Sugar().Named("skinsync")
	return nil
}

// ParseLevel maps a level name onto a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Named returns a child of L for one component.
func Named(name string) *zap.SugaredLogger {
	return L.Named(name)
}

// Sync flushes buffered entries.
func Sync() {
	_ = L.Sync()
}

// Debugf logs a debug-level formatted message.
func Debugf(format string, v ...any) {
	L.Debugf(format, v...)
}
