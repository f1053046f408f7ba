package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger *zap.SugaredLogger
	level  zap.AtomicLevel
)

func init() {
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger = newLogger(level)
}

func newLogger(lvl zap.AtomicLevel) *zap.SugaredLogger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stderr),
		lvl,
	)
	return zap.New(core, zap.AddCallerSkip(1)).Sugar()
}

// Init sets the global log level. Unknown levels fall back to info.
func Init(logLevel string) {
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level.SetLevel(zapcore.DebugLevel)
	case "warn", "warning":
		level.SetLevel(zapcore.WarnLevel)
	case "error":
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

// InitFromEnv configures the global logger from the LOG_LEVEL environment
// variable.
func InitFromEnv() {
	Init(os.Getenv("LOG_LEVEL"))
}

// SetLogger replaces the global logger. Intended for tests.
func SetLogger(l *zap.SugaredLogger) {
	mu.Lock()
	defer mu.Unlock()
	if l != nil {
		logger = l
	}
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debugf(format string, args ...interface{}) {
	get().Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	get().Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	get().Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	get().Errorf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	get().Fatalf(format, args...)
}

// LogEvent emits a structured event record at info level.
func LogEvent(event string, fields map[string]interface{}) {
	kv := make([]interface{}, 0, 2*len(fields))
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	get().Infow(event, kv...)
}

// Sync flushes buffered log entries. Safe to call at shutdown.
func Sync() {
	_ = get().Sync()
}
