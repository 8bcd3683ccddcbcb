// internal/logger/logger.go
//
// Process-wide structured logger.
//
// Context
// -------
// Every tenant-boundary component (resolver, interceptor, metadata
// cache, query auditor) logs through the global sugared logger, so one
// forensic stream records resolution, routing, and enforcement
// decisions.  Events land as JSON in `<root>/logs/quartz.log`, with
// size-based rotation, compression, and retention handled by Lumberjack
// so no external log-rotate job is needed.  On an interactive TTY the
// same events are teed to stdout in console form.
//
// The level defaults to info; QUARTZ_LOG_LEVEL accepts any zap level
// name (debug, info, warn, error) for local debugging.
package logger

import (
	"os"
	"path/filepath"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Rotation policy for the JSON sink.
const (
	maxSizeMB  = 100
	maxBackups = 10
	maxAgeDays = 30
)

// New builds the logger, installs it via zap.ReplaceGlobals, and returns
// the sugared handle main() keeps for its own boot messages.  tee
// attaches the console core.
func New(rootDir string, tee bool) (*zap.SugaredLogger, error) {
	logDir := filepath.Join(rootDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}

	rotating := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "quartz.log"),
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.LowercaseLevelEncoder
	enc.EncodeCaller = zapcore.ShortCallerEncoder

	level := levelFromEnv()
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(rotating), level),
	}
	if tee {
		cores = append(cores,
			zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stdout), level))
	}

	z := zap.New(
		zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.ErrorOutput(zapcore.AddSync(rotating)),
	)
	zap.ReplaceGlobals(z)

	s := z.Sugar()
	s.Infow("logger online", "level", level.String(), "tee", tee)
	return s, nil
}

// levelFromEnv parses QUARTZ_LOG_LEVEL, defaulting to info on absence or
// garbage.
func levelFromEnv() zapcore.Level {
	raw := os.Getenv("QUARTZ_LOG_LEVEL")
	if raw == "" {
		return zapcore.InfoLevel
	}
	lvl, err := zapcore.ParseLevel(raw)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
