package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	mu           sync.Mutex
)

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Encoding   string // json or console
	OutputPath string // stdout, stderr, or file path
	Service    string // service name for log context
}

// DefaultConfig returns defaults suited to a command line client. Logs go to
// stderr so stdout stays free for command output.
func DefaultConfig(service string) Config {
	return Config{
		Level:      "info",
		Encoding:   "console",
		OutputPath: "stderr",
		Service:    service,
	}
}

// Init replaces the global logger with one built from cfg.
func Init(cfg Config) (*zap.Logger, error) {
	l, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	globalLogger = l
	mu.Unlock()
	return l, nil
}

// Get returns the global logger, initializing with defaults if needed
func Get() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if globalLogger == nil {
		l, err := newLogger(DefaultConfig("saltypie"))
		if err != nil {
			l = zap.NewNop()
		}
		globalLogger = l
	}
	return globalLogger
}

// Named returns a child of the global logger scoped to a component.
func Named(component string) *zap.Logger {
	return Get().Named(component)
}

func newLogger(cfg Config) (*zap.Logger, error) {
	level := parseLevel(cfg.Level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var output zapcore.WriteSyncer
	switch cfg.OutputPath {
	case "", "stderr":
		output = zapcore.AddSync(os.Stderr)
	case "stdout":
		output = zapcore.AddSync(os.Stdout)
	default:
		file, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		output = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(encoder, output, level)
	return zap.New(core,
		zap.AddCaller(),
		zap.Fields(zap.String("service", cfg.Service)),
	), nil
}

// parseLevel converts string to zapcore.Level
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// WithFields returns a new logger with additional fields
func WithFields(fields ...zap.Field) *zap.Logger {
	return Get().With(fields...)
}

// Sync flushes any buffered log entries
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
