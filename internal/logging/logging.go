// Package logging provides structured logging backed by zap.
package logging

import (
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Format selects the line encoding.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Entry is the decoded form of a JSON log line.
type Entry struct {
	Timestamp string `json:"ts"`
	Level     Level  `json:"level"`
	Component string `json:"component,omitempty"`
	Message   string `json:"msg"`
	TraceID   string `json:"trace_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

var (
	defaultsMu    sync.RWMutex
	defaultOutput io.Writer = os.Stderr
	defaultLevel            = LevelInfo
	defaultFormat           = FormatConsole
)

// Configure sets the defaults used by loggers created afterwards.
func Configure(level Level, format Format, output io.Writer) {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	if level != "" {
		defaultLevel = level
	}
	if format != "" {
		defaultFormat = format
	}
	if output != nil {
		defaultOutput = output
	}
}

// ParseLevel maps a config string to a Level. Unknown values yield INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger provides structured logging for one component.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	format    Format
	level     zap.AtomicLevel
	component string
	traceID   string
	sessionID string
	zl        *zap.Logger
}

// New creates a Logger using the package defaults.
func New() *Logger {
	defaultsMu.RLock()
	l := &Logger{
		output: defaultOutput,
		format: defaultFormat,
		level:  zap.NewAtomicLevelAt(defaultLevel.zapLevel()),
	}
	defaultsMu.RUnlock()
	l.rebuild()
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := &Logger{
		output: io.Discard,
		format: FormatConsole,
		level:  zap.NewAtomicLevelAt(zapcore.FatalLevel),
	}
	l.rebuild()
	return l
}

func (l *Logger) derive() *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		output:    l.output,
		format:    l.format,
		level:     zap.NewAtomicLevelAt(l.level.Level()),
		component: l.component,
		traceID:   l.traceID,
		sessionID: l.sessionID,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	c := l.derive()
	c.component = component
	c.rebuild()
	return c
}

// WithTraceID returns a new logger with the given trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	c := l.derive()
	c.traceID = traceID
	c.rebuild()
	return c
}

// WithSession returns a new logger tagged with a session ID.
func (l *Logger) WithSession(sessionID string) *Logger {
	c := l.derive()
	c.sessionID = sessionID
	c.rebuild()
	return c
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

// SetOutput sets the output writer (default: stderr).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.output = w
	l.mu.Unlock()
	l.rebuild()
}

// SetFormat switches between console and JSON lines.
func (l *Logger) SetFormat(f Format) {
	l.mu.Lock()
	l.format = f
	l.mu.Unlock()
	l.rebuild()
}

func (l *Logger) rebuild() {
	l.mu.Lock()
	defer l.mu.Unlock()

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "component",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     utcTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}

	var enc zapcore.Encoder
	if l.format == FormatJSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.ConsoleSeparator = " "
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(l.output)), l.level)
	zl := zap.New(core)
	if l.component != "" {
		zl = zl.Named(l.component)
	}
	if l.traceID != "" {
		zl = zl.With(zap.String("trace_id", l.traceID))
	}
	if l.sessionID != "" {
		zl = zl.With(zap.String("session_id", l.sessionID))
	}
	l.zl = zl
}

func utcTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format("2006-01-02T15:04:05.000Z"))
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// zapFields converts a field map to zap fields in key order.
func zapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.mu.Lock()
	zl := l.zl
	l.mu.Unlock()

	var zf []zap.Field
	if len(fields) > 0 && fields[0] != nil {
		zf = zapFields(fields[0])
	}

	switch level {
	case LevelDebug:
		zl.Debug(msg, zf...)
	case LevelWarn:
		zl.Warn(msg, zf...)
	case LevelError:
		zl.Error(msg, zf...)
	default:
		zl.Info(msg, zf...)
	}
}

// ToolCall logs a tool invocation.
func (l *Logger) ToolCall(tool string, args map[string]interface{}) {
	// Arguments may carry user data; only external-effectful calls log them (see Audit).
	l.Info("tool_call", map[string]interface{}{
		"tool": tool,
	})
}

// ToolResult logs a tool result.
func (l *Logger) ToolResult(tool string, duration time.Duration, cached bool, err error) {
	fields := map[string]interface{}{
		"tool":     tool,
		"duration": duration.String(),
		"cached":   cached,
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("tool_error", fields)
	} else {
		l.Debug("tool_result", fields)
	}
}

// Audit logs an external-effectful invocation with its full arguments.
func (l *Logger) Audit(tool string, args map[string]interface{}) {
	l.Info("tool_audit", map[string]interface{}{
		"tool":  tool,
		"args":  args,
		"audit": true,
	})
}

// ExecutionStart logs the start of a session.
func (l *Logger) ExecutionStart(binary, mode string) {
	l.Info("execution_start", map[string]interface{}{
		"binary": binary,
		"mode":   mode,
	})
}

// ExecutionComplete logs the end of a session.
func (l *Logger) ExecutionComplete(binary string, duration time.Duration, state string) {
	l.Info("execution_complete", map[string]interface{}{
		"binary":   binary,
		"duration": duration.String(),
		"state":    state,
	})
}
