// Package log provides structured logging with run context.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for the sync pipeline (structured fields)
//   - SugaredLogger: Printf-style logging for CLI surfaces
//
// The daemon writes Result frames to stdout, so logs default to stderr.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides structured logging with run context.
// Entries carry run_id, entity and project once the run is known.
type Logger struct {
	zap *zap.Logger
}

// SugaredLogger provides printf-style logging for CLI surfaces.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a logger writing JSON lines to os.Stderr.
func NewLogger() *Logger {
	return NewLoggerWithWriter(os.Stderr, zapcore.DebugLevel)
}

// NewLoggerWithWriter creates a logger writing to w at the given level.
func NewLoggerWithWriter(w io.Writer, level zapcore.Level) *Logger {
	return &Logger{zap: zap.New(newCore(w, level))}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// ParseLevel parses a level name such as "info" or "debug".
// Unknown names fall back to info.
func ParseLevel(name string) zapcore.Level {
	level, err := zapcore.ParseLevel(name)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

func newCore(w io.Writer, level zapcore.Level) zapcore.Core {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	return zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		level,
	)
}

// WithOutput returns a new logger with a different output writer.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	core := newCore(w, zapcore.DebugLevel)
	return &Logger{zap: l.zap.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core { return core }))}
}

// WithRun returns a child logger tagged with the run identity.
// Empty entity or project are omitted.
func (l *Logger) WithRun(runID, entity, project string) *Logger {
	fields := []zap.Field{zap.String("run_id", runID)}
	if entity != "" {
		fields = append(fields, zap.String("entity", entity))
	}
	if project != "" {
		fields = append(fields, zap.String("project", project))
	}
	return &Logger{zap: l.zap.With(fields...)}
}

// Named returns a child logger for a component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{zap: l.zap.With(zap.String("component", component))}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]any) {
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]any) {
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]any) {
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]any) {
	l.zap.Error(message, zap.Any("fields", fields))
}

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) {
	s.sugar.Debugf(template, args...)
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) {
	s.sugar.Errorf(template, args...)
}

// With returns a SugaredLogger with additional context fields.
func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{sugar: s.sugar.With(args...)}
}

// KeyValueLogger adapts a Logger to libraries that log with alternating
// key/value pairs, such as go-retryablehttp's LeveledLogger.
type KeyValueLogger struct {
	l *Logger
}

// KeyValues returns a KeyValueLogger writing through l.
func (l *Logger) KeyValues() *KeyValueLogger {
	return &KeyValueLogger{l: l}
}

func kvFields(keysAndValues []any) map[string]any {
	fields := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}

// Error logs at error level.
func (k *KeyValueLogger) Error(msg string, keysAndValues ...any) {
	k.l.Error(msg, kvFields(keysAndValues))
}

// Warn logs at warn level.
func (k *KeyValueLogger) Warn(msg string, keysAndValues ...any) {
	k.l.Warn(msg, kvFields(keysAndValues))
}

// Info logs at info level.
func (k *KeyValueLogger) Info(msg string, keysAndValues ...any) {
	k.l.Info(msg, kvFields(keysAndValues))
}

// Debug logs at debug level.
func (k *KeyValueLogger) Debug(msg string, keysAndValues ...any) {
	k.l.Debug(msg, kvFields(keysAndValues))
}
