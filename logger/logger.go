// Package logger provides the structured logging interface used by the HL7
// sessions, backed by zerolog, with optional size-rotated log files.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// String returns a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int returns an integer field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Err returns an "error" field holding err's message.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Logger writes structured entries at debug, info, warn and error level.
// Components derive scoped loggers with With.
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	//
	// Parameters:
	//   - msg: The log message
	//   - fields: Optional key-value pairs to include in the log entry
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	Error(msg string, fields ...Field)

	// With returns a Logger that adds fields to every entry. The receiver
	// is unchanged.
	With(fields ...Field) Logger

	// Close releases the log file, if any. It is safe to call more than once.
	Close() error
}

type zerologLogger struct {
	logger zerolog.Logger
	file   io.Closer
}

// NewZerologLogger wraps l, adding the service name and a timestamp to every
// entry and dropping entries below level. Nothing is written to disk.
//
// Parameters:
//   - l: The zerolog.Logger to wrap
//   - serviceName: Name of the service, added as a field to every log entry
//   - level: Minimum level to log (e.g. zerolog.InfoLevel)
//
// Returns:
//   - A Logger that writes through the given zerolog instance
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level),
	}
}

// FileOptions configures the rotated log file of NewZerologFileLogger.
type FileOptions struct {
	// Dir is created if missing. The file is named {service}.log.
	Dir string
	// MaxSizeMB is the size at which the file is rotated. Zero means 100.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept. Zero keeps all.
	MaxBackups int
	// MaxAgeDays removes rotated files older than this. Zero keeps all.
	MaxAgeDays int
	// Compress gzips rotated files.
	Compress bool
}

// NewZerologFileLogger returns a Logger writing to stdout and to a
// size-rotated file in opts.Dir.
//
// Parameters:
//   - serviceName: Name of the service, used in log entries and the file name
//   - opts: Location and rotation policy of the log file
//   - level: Minimum level to log
//
// Returns:
//   - A Logger that writes to stdout and the rotated file
//   - An error if the log directory cannot be created
func NewZerologFileLogger(serviceName string, opts FileOptions, level zerolog.Level) (Logger, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	file := &lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, serviceName+".log"),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	multi := io.MultiWriter(os.Stdout, file)
	return &zerologLogger{
		logger: zerolog.New(multi).With().Str("service", serviceName).Timestamp().Logger().Level(level),
		file:   file,
	}, nil
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

// With keeps the file owned by the parent; closing a derived logger is a
// no-op.
func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{logger: z.logger.With().Fields(toMap(fields)).Logger()}
}

func (z *zerologLogger) Close() error {
	if z.file == nil {
		return nil
	}
	err := z.file.Close()
	z.file = nil
	return err
}

func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	return m
}

type nopLogger struct{}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Warn(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}
func (n nopLogger) With(...Field) Logger { return n }
func (nopLogger) Close() error           { return nil }
