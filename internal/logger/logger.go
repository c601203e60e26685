// Package logger wraps zap with three tee'd cores: console (always on), a
// rotating JSON file (when a log directory is configured), and a bus core
// that fans every entry out onto the in-process pub/sub bus so any
// subscriber — the optional dashboard bridge, a future log exporter — can
// observe log lines without coupling to zap.
package logger

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sioux-steel/modbus-gateway/internal/bus"
)

var (
	globalLogger *zap.Logger
	globalSugar  *zap.SugaredLogger
	eventBus     *bus.Bus
	mu           sync.RWMutex
)

// Entry is published on bus.TopicLog for every log line, once a bus has
// been attached via SetBus.
type Entry struct {
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Time    time.Time              `json:"time"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console; not read by Init (console output always uses the console encoder, file output always JSON)
	LogDir     string // directory for log files (empty = no file logging)
	MaxSizeMB  int    // max size per log file in MB
	MaxBackups int    // max number of old log files
	MaxAgeDays int    // max days to retain old log files
	Compress   bool   // gzip compress rotated files
}

// DefaultConfig returns sensible defaults for an unattended gateway host.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		LogDir:     "./logs",
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 7,
		Compress:   true,
	}
}

// Init initializes the global logger with the given configuration.
func Init(cfg Config) error {
	logLevel, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		logLevel = zapcore.InfoLevel
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var cores []zapcore.Core

	// 1. Console output (always on)
	consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)
	cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), logLevel))

	// 2. JSON file with rotation (if logDir set)
	if cfg.LogDir != "" {
		if mkErr := os.MkdirAll(cfg.LogDir, 0755); mkErr != nil {
			return fmt.Errorf("failed to create log directory: %w", mkErr)
		}
		fileWriter := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, "modbus-gateway.log"),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		jsonEncoder := zapcore.NewJSONEncoder(encoderCfg)
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.AddSync(fileWriter), logLevel))
	}

	// 3. Bus core (fans entries out to whatever subscribes to bus.TopicLog)
	cores = append(cores, &busCore{level: logLevel})

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))

	mu.Lock()
	globalLogger = l
	globalSugar = l.Sugar()
	mu.Unlock()

	return nil
}

// SetBus attaches the pub/sub bus the bus core publishes onto. It may be
// called before or after Init (both composition roots call it just before
// Init); log lines emitted before this call are simply not published to
// the bus.
func SetBus(b *bus.Bus) {
	mu.Lock()
	defer mu.Unlock()
	eventBus = b
}

// Get returns the global zap.Logger.
func Get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if globalLogger == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return globalLogger
}

// Sugar returns the global sugared logger.
func Sugar() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	if globalSugar == nil {
		l, _ := zap.NewDevelopment()
		return l.Sugar()
	}
	return globalSugar
}

// Sync flushes buffered log entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}

// --- Convenience functions ---

func Info(msg string, fields ...zap.Field)  { Get().Info(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Get().Error(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Get().Warn(msg, fields...) }
func Debug(msg string, fields ...zap.Field) { Get().Debug(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { Get().Fatal(msg, fields...) }

// --- Context loggers ---

// WithDevice returns a logger tagged with the field-bus device role
// (sensor, driver, counter) an operation concerns.
func WithDevice(role string) *zap.Logger {
	return Get().With(zap.String("device_role", role))
}

// WithConn returns a logger tagged with a TCP connection id, for
// per-connection context.
func WithConn(connID string) *zap.Logger {
	return Get().With(zap.String("conn_id", connID))
}

// --- io.Writer adapter for stdlib log compatibility ---

// Writer returns an io.Writer that writes to the logger at Info level.
func Writer() io.Writer {
	return &logWriter{}
}

type logWriter struct{}

func (w *logWriter) Write(p []byte) (n int, err error) {
	msg := string(p)
	if len(msg) > 0 && msg[len(msg)-1] == '\n' {
		msg = msg[:len(msg)-1]
	}
	Get().Info(msg)
	return len(p), nil
}

// --- bus-tee zapcore.Core ---

type busCore struct {
	level  zapcore.Level
	fields []zapcore.Field
}

func (c *busCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.level
}

func (c *busCore) With(fields []zapcore.Field) zapcore.Core {
	combined := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	combined = append(combined, c.fields...)
	combined = append(combined, fields...)
	return &busCore{level: c.level, fields: combined}
}

func (c *busCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		ce = ce.AddCore(entry, c)
	}
	return ce
}

func (c *busCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	mu.RLock()
	b := eventBus
	mu.RUnlock()
	if b == nil {
		return nil
	}

	extra := make(map[string]interface{})
	allFields := append(c.fields, fields...)
	for _, f := range allFields {
		switch f.Type {
		case zapcore.StringType:
			extra[f.Key] = f.String
		case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type:
			extra[f.Key] = f.Integer
		case zapcore.Float64Type:
			extra[f.Key] = math.Float64frombits(uint64(f.Integer))
		case zapcore.BoolType:
			extra[f.Key] = f.Integer == 1
		case zapcore.DurationType:
			extra[f.Key] = time.Duration(f.Integer).String()
		case zapcore.ErrorType:
			if f.Interface != nil {
				extra[f.Key] = fmt.Sprintf("%v", f.Interface)
			}
		}
	}

	b.Publish(bus.TopicLog, Entry{
		Level:   entry.Level.String(),
		Message: entry.Message,
		Time:    entry.Time,
		Fields:  extra,
	})
	return nil
}

func (c *busCore) Sync() error { return nil }
