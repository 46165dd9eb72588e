package logger

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	TRACE LogLevel = iota // ATT PDUs and handle-level detail
	DEBUG                 // Procedure state transitions
	INFO                  // High-level events (connections, completed procedures)
	WARN                  // Dropped or invalid peer data
	ERROR                 // Errors
)

// traceLevel sits below zap's debug level
const traceLevel = zapcore.DebugLevel - 1

var (
	mu     sync.RWMutex
	level  = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	sugar  = build(level).Sugar()
	levels = map[LogLevel]zapcore.Level{
		TRACE: traceLevel,
		DEBUG: zapcore.DebugLevel,
		INFO:  zapcore.InfoLevel,
		WARN:  zapcore.WarnLevel,
		ERROR: zapcore.ErrorLevel,
	}
)

func build(lvl zap.AtomicLevel) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.Encoding = "console"
	cfg.Sampling = nil
	cfg.OutputPaths = []string{"stdout"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = encodeLevel
	cfg.EncoderConfig.CallerKey = ""
	cfg.EncoderConfig.StacktraceKey = ""

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return l
}

func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l == traceLevel {
		enc.AppendString("TRACE")
		return
	}
	zapcore.CapitalLevelEncoder(l, enc)
}

// SetLevel sets the global log level
func SetLevel(l LogLevel) {
	level.SetLevel(levels[l])
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	current := level.Level()
	for l, zl := range levels {
		if zl == current {
			return l
		}
	}
	return INFO
}

// ParseLevel converts a string to a LogLevel, defaulting to INFO
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// ReplaceCore routes all output through core until the returned func is
// called. Used by tests to observe log lines.
func ReplaceCore(core zapcore.Core) (restore func()) {
	mu.Lock()
	prev := sugar
	sugar = zap.New(core).Sugar()
	mu.Unlock()

	return func() {
		mu.Lock()
		sugar = prev
		mu.Unlock()
	}
}

// Sync flushes buffered output
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = sugar.Sync()
}

func log(l LogLevel, prefix, format string, args ...interface{}) {
	zl := levels[l]
	if !level.Enabled(zl) {
		return
	}

	mu.RLock()
	s := sugar
	mu.RUnlock()

	msg := fmt.Sprintf(format, args...)
	if prefix != "" {
		s = s.With("component", prefix)
	}
	if ce := s.Desugar().Check(zl, msg); ce != nil {
		ce.Write()
	}
}

// Trace logs a trace message (wire protocol details)
func Trace(prefix, format string, args ...interface{}) {
	log(TRACE, prefix, format, args...)
}

// Debug logs a debug message
func Debug(prefix, format string, args ...interface{}) {
	log(DEBUG, prefix, format, args...)
}

// Info logs an info message
func Info(prefix, format string, args ...interface{}) {
	log(INFO, prefix, format, args...)
}

// Warn logs a warning message
func Warn(prefix, format string, args ...interface{}) {
	log(WARN, prefix, format, args...)
}

// Error logs an error message
func Error(prefix, format string, args ...interface{}) {
	log(ERROR, prefix, format, args...)
}

// ToJSON converts any value to a pretty-printed JSON string for logging
func ToJSON(v interface{}) string {
	if msg, ok := v.(proto.Message); ok {
		marshaler := protojson.MarshalOptions{
			Multiline: true,
			Indent:    "  ",
		}
		jsonBytes, err := marshaler.Marshal(msg)
		if err != nil {
			return fmt.Sprintf("<error: %v>", err)
		}
		return string(jsonBytes)
	}

	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(jsonBytes)
}

// TraceJSON logs a trace message with a JSON representation
func TraceJSON(prefix, label string, v interface{}) {
	if !level.Enabled(traceLevel) {
		return
	}
	log(TRACE, prefix, "%s:\n%s", label, ToJSON(v))
}

// DebugJSON logs a debug message with a JSON representation
func DebugJSON(prefix, label string, v interface{}) {
	if !level.Enabled(zapcore.DebugLevel) {
		return
	}
	log(DEBUG, prefix, "%s:\n%s", label, ToJSON(v))
}
