// Package logger provides a process-wide structured logger backed by zap.
// It mirrors a console encoder configuration with a short caller and a
// human-readable timestamp, and allows redirecting output writers at runtime
// (used by cmd/cccc to fan logs into a rotated file via lumberjack).
package logger

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu           sync.Mutex
	log          *zap.Logger
	logLevel     = zap.NewAtomicLevelAt(zap.InfoLevel)
	encoderCfg   = defaultEncoderConfig()
	stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
)

func defaultEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	return cfg
}

func rebuildLoggerLocked() {
	if log != nil {
		_ = log.Sync()
	}
	encoder := zapcore.NewConsoleEncoder(encoderCfg)
	core := zapcore.NewCore(encoder, stdoutWriter, logLevel)
	log = zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.ErrorOutput(stderrWriter),
	)
}

// Init sets the minimum log level. Recognized values: debug, info, warn, error.
// Anything else defaults to info.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()
	switch level {
	case "debug":
		logLevel.SetLevel(zap.DebugLevel)
	case "warn":
		logLevel.SetLevel(zap.WarnLevel)
	case "error":
		logLevel.SetLevel(zap.ErrorLevel)
	default:
		logLevel.SetLevel(zap.InfoLevel)
	}
	rebuildLoggerLocked()
}

// SetWriters redirects log output. Passing nil keeps the current writer.
func SetWriters(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if stdout != nil {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(stdout))
	}
	if stderr != nil {
		stderrWriter = zapcore.Lock(zapcore.AddSync(stderr))
	}
	rebuildLoggerLocked()
}

// Logger returns the shared zap.Logger, lazily initializing it at info level.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		rebuildLoggerLocked()
	}
	return log
}

// IsDebugEnabled reports whether debug-level logs are currently emitted.
func IsDebugEnabled() bool {
	return logLevel.Enabled(zap.DebugLevel)
}

func Debug(msg string, fields ...zap.Field) { Logger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Logger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Logger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Logger().Error(msg, fields...) }

func Fatal(msg string, fields ...zap.Field) {
	Logger().Fatal(msg, fields...)
}

// Debugf/Infof/Warnf/Errorf are Sprintf-style convenience wrappers. Prefer the
// structured-field variants above on hot paths; these allocate.
func Debugf(format string, a ...any) { Logger().Sugar().Debugf(format, a...) }
func Infof(format string, a ...any)  { Logger().Sugar().Infof(format, a...) }
func Warnf(format string, a ...any)  { Logger().Sugar().Warnf(format, a...) }
func Errorf(format string, a ...any) { Logger().Sugar().Errorf(format, a...) }
