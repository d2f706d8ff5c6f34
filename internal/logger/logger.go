package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// LogFields carries structured key/value context for a log entry.
type LogFields map[string]interface{}

// Logger is the structured logger used throughout the endpoint core. It
// wraps zerolog so call sites stay free of backend specifics.
type Logger struct {
	zl zerolog.Logger
}

// ParseLevel maps a configuration string to a zerolog level. Unknown
// strings fall back to Info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARNING", "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New creates a Logger writing JSON lines to w at the given level.
func New(w io.Writer, level zerolog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// NewNop returns a logger that discards everything. Components constructed
// without a logger use this.
func NewNop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func emit(ev *zerolog.Event, msg string, fields LogFields) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Debug logs at debug level with structured fields.
func (l *Logger) Debug(msg string, fields LogFields) {
	emit(l.zl.Debug(), msg, fields)
}

// Info logs at info level with structured fields.
func (l *Logger) Info(msg string, fields LogFields) {
	emit(l.zl.Info(), msg, fields)
}

// Warn logs at warning level with structured fields.
func (l *Logger) Warn(msg string, fields LogFields) {
	emit(l.zl.Warn(), msg, fields)
}

// Error logs at error level with structured fields.
func (l *Logger) Error(msg string, fields LogFields) {
	emit(l.zl.Error(), msg, fields)
}
