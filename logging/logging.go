// Package logging provides component-scoped structured logging for reverie
// nodes. Output is line oriented and meant for real-time monitoring of the
// event loop, heartbeat channels and respawn attempts.
package logging

import (
	"io"
	"os"
	"sort"
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

// zapLevel maps levels onto zap's numeric levels. Unknown levels mean INFO.
func (lv Level) zapLevel() zapcore.Level {
	switch lv {
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

// ParseLevel converts a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return Level(s)
	}
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

// Logger wraps a zap logger with a map-of-fields API.
// Console lines read: TIMESTAMP LEVEL [component] message {fields}.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	format    Format
	level     zap.AtomicLevel
	component string
	zl        *zap.Logger
}

// New creates a Logger writing to stdout at INFO.
func New() *Logger {
	l := &Logger{
		output: os.Stdout,
		format: FormatConsole,
		level:  zap.NewAtomicLevelAt(zapcore.InfoLevel),
	}
	l.build()
	return l
}

// Discard returns a logger that drops everything. Handy for tests and as the
// fallback when a component is constructed with a nil logger.
func Discard() *Logger {
	l := New()
	l.SetOutput(io.Discard)
	return l
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *Logger) *Logger {
	if l == nil {
		return Discard()
	}
	return l
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "component",
		MessageKey:    "msg",
		StacktraceKey: "",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.UTC().Format("2006-01-02T15:04:05.000Z"))
		},
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName: func(name string, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString("[" + name + "]")
		},
		ConsoleSeparator: " ",
	}
}

// build must be called with mu held (or before the logger is shared).
func (l *Logger) build() {
	var enc zapcore.Encoder
	if l.format == FormatJSON {
		cfg := encoderConfig()
		cfg.EncodeName = zapcore.FullNameEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encoderConfig())
	}
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(l.output)), l.level)
	zl := zap.New(core)
	if l.component != "" {
		zl = zl.Named(l.component)
	}
	l.zl = zl
}

// WithComponent returns a new logger with the given component name.
// The child starts at the parent's current level and output.
func (l *Logger) WithComponent(component string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	child := &Logger{
		output:    l.output,
		format:    l.format,
		level:     zap.NewAtomicLevelAt(l.level.Level()),
		component: component,
	}
	child.build()
	return child
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	l.build()
}

// SetFormat switches between console and JSON lines.
func (l *Logger) SetFormat(f Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = f
	l.build()
}

// Zap exposes the underlying zap logger for libraries that accept one
// (the etcd client, for example).
func (l *Logger) Zap() *zap.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.zl
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	return l.Zap().Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.DebugLevel, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.InfoLevel, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.WarnLevel, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.ErrorLevel, msg, fields...)
}

// zapFields converts a field map into zap fields in key order.
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
		switch v := fields[k].(type) {
		case error:
			out = append(out, zap.String(k, v.Error()))
		case time.Duration:
			out = append(out, zap.String(k, v.String()))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}

func (l *Logger) log(level zapcore.Level, msg string, fields ...map[string]interface{}) {
	zl := l.Zap()
	ce := zl.Check(level, msg)
	if ce == nil {
		return
	}
	var zf []zap.Field
	if len(fields) > 0 && fields[0] != nil {
		zf = zapFields(fields[0])
	}
	ce.Write(zf...)
}

// --- Event-derived logging methods ---

// PeerEvent logs a change in the peer directory (seen, departed, failed).
func (l *Logger) PeerEvent(event, peer string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["peer"] = peer
	if event == "failed" {
		l.Warn("peer_"+event, fields)
		return
	}
	l.Debug("peer_"+event, fields)
}

// HeartbeatFailure logs a missed heartbeat acknowledgement.
func (l *Logger) HeartbeatFailure(peer string, failures, max int, err error) {
	fields := map[string]interface{}{
		"peer":     peer,
		"failures": failures,
		"max":      max,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Debug("heartbeat_failure", fields)
}

// RespawnStep logs progress of a vessel migration.
func (l *Logger) RespawnStep(agent, step string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["agent"] = agent
	fields["step"] = step
	l.Info("respawn", fields)
}

// RespawnComplete logs the end of a migration attempt.
func (l *Logger) RespawnComplete(agent string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"agent":    agent,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Error("respawn_failed", fields)
		return
	}
	l.Info("respawn_complete", fields)
}
