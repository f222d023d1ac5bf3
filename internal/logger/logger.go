// Package logger provides structured logging for tap-bigquery using zap.
//
// Log output never goes to stdout: stdout carries the Singer message stream.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dbsmedya/tap-bigquery/internal/config"
)

// Logger wraps zap.SugaredLogger with context methods.
type Logger struct {
	*zap.SugaredLogger
	base *zap.Logger
}

// New creates a new Logger from configuration.
func New(cfg *config.LoggingConfig) (*Logger, error) {
	level := parseLevel(cfg.Level)
	encoder := buildEncoder(cfg.Format)
	writers := buildWriters(cfg)

	core := zapcore.NewCore(encoder, writers, level)
	return NewWithCore(core), nil
}

// NewWithCore wraps an existing zap core, e.g. an observer in tests.
func NewWithCore(core zapcore.Core) *Logger {
	baseLogger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return &Logger{
		SugaredLogger: baseLogger.Sugar(),
		base:          baseLogger,
	}
}

// NewDefault creates a Logger with default settings (info level, text format, stderr).
func NewDefault() *Logger {
	cfg := &config.LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
	logger, _ := New(cfg)
	return logger
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	base := zap.NewNop()
	return &Logger{SugaredLogger: base.Sugar(), base: base}
}

// parseLevel converts string level to zapcore.Level, falling back to info.
func parseLevel(level string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// buildEncoder creates the appropriate encoder based on format.
func buildEncoder(format string) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if format == "json" {
		return zapcore.NewJSONEncoder(encoderConfig)
	}

	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

// buildWriters creates the output writers based on configuration.
// File output rotates through lumberjack and is mirrored to stderr.
func buildWriters(cfg *config.LoggingConfig) zapcore.WriteSyncer {
	switch cfg.Output {
	case "stderr", "stdout", "":
		return zapcore.Lock(zapcore.AddSync(os.Stderr))
	default:
		rotator := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		return zapcore.NewMultiWriteSyncer(
			zapcore.AddSync(rotator),
			zapcore.Lock(zapcore.AddSync(os.Stderr)),
		)
	}
}

// WithStream returns a Logger with stream context.
func (l *Logger) WithStream(streamID string) *Logger {
	return &Logger{
		SugaredLogger: l.SugaredLogger.With("stream", streamID),
		base:          l.base,
	}
}

// WithBatch returns a Logger with batch context.
func (l *Logger) WithBatch(batchNum int) *Logger {
	return &Logger{
		SugaredLogger: l.SugaredLogger.With("batch", batchNum),
		base:          l.base,
	}
}

// WithRun returns a Logger tagged with the sync run id.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{
		SugaredLogger: l.SugaredLogger.With("run_id", runID),
		base:          l.base,
	}
}

// WithFields returns a Logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{
		SugaredLogger: l.SugaredLogger.With(args...),
		base:          l.base,
	}
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.base.Sync()
}
