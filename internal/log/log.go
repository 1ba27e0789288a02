// Package log provides structured logging for autopress.
// Lines are written as key=value pairs to a rotating file sink and
// republished on a pubsub broker so the status command and tests can
// observe runtime behavior without tailing the file.
package log

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/inkhaus/autopress/internal/pubsub"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Category groups related log messages.
type Category string

const (
	CatConfig Category = "config" // Configuration loading
	CatBridge Category = "bridge" // HTTP to WebSocket bridge
	CatProxy  Category = "proxy"  // WebSocket hub, registry, locks
	CatOrch   Category = "orch"   // Orchestrator control flow
	CatRouter Category = "router" // Worker selection
	CatWorker Category = "worker" // Worker invocations
	CatGate   Category = "gate"   // Quality gate layers
	CatGuard  Category = "guard"  // Mutex, budget, breakers
	CatStore  Category = "store"  // Job history and ledger persistence
	CatTicket Category = "ticket" // Ticket parsing and validation
)

// Logger provides structured logging.
type Logger struct {
	mu       sync.Mutex
	sink     *rotatingSink
	writer   io.Writer
	enabled  bool
	minLevel Level
	broker   *pubsub.Broker[string]
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the global logger writing to path with size-based
// rotation. Returns a cleanup function to close the log file.
func Init(path string) (func(), error) {
	var initErr error
	once.Do(func() {
		defaultLogger, initErr = newLogger(path)
	})
	if initErr != nil {
		return nil, initErr
	}
	if defaultLogger == nil {
		return nil, fmt.Errorf("logger initialization failed or already attempted")
	}
	return func() {
		if defaultLogger != nil && defaultLogger.sink != nil {
			_ = defaultLogger.sink.Close()
		}
	}, nil
}

// InitWriter initializes the global logger against an arbitrary writer.
// Used by tests and by the CLI when logging to stderr.
func InitWriter(w io.Writer) {
	once.Do(func() {
		defaultLogger = &Logger{
			writer:   w,
			enabled:  true,
			minLevel: LevelDebug,
			broker:   pubsub.NewBroker[string](),
		}
	})
}

func newLogger(path string) (*Logger, error) {
	sink, err := newRotatingSink(path, defaultMaxBytes, defaultGenerations)
	if err != nil {
		return nil, err
	}

	return &Logger{
		sink:     sink,
		writer:   sink,
		enabled:  true,
		minLevel: LevelDebug,
		broker:   pubsub.NewBroker[string](),
	}, nil
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.enabled = enabled
		defaultLogger.mu.Unlock()
	}
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.minLevel = level
		defaultLogger.mu.Unlock()
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	emit(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	emit(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	emit(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	emit(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	emit(LevelError, cat, msg, fields...)
}

func emit(level Level, cat Category, msg string, fields ...any) {
	if defaultLogger == nil || !defaultLogger.enabled {
		return
	}
	if level < defaultLogger.minLevel {
		return
	}

	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	// Format: 2026-01-15T10:45:00 [INFO] [bridge] message key=value
	timestamp := time.Now().Format("2006-01-02T15:04:05")
	entry := fmt.Sprintf("%s [%s] [%s] %s", timestamp, level, cat, msg)

	for i := 0; i+1 < len(fields); i += 2 {
		entry += fmt.Sprintf(" %v=%v", fields[i], fields[i+1])
	}
	if len(fields)%2 != 0 {
		entry += fmt.Sprintf(" %v=<missing>", fields[len(fields)-1])
	}
	entry += "\n"

	if defaultLogger.writer != nil {
		_, _ = defaultLogger.writer.Write([]byte(entry))
	}

	if defaultLogger.broker != nil {
		defaultLogger.broker.Publish(pubsub.CreatedEvent, entry)
	}
}

// LogEvent is a pubsub event containing a log entry.
type LogEvent = pubsub.Event[string]

// Subscribe returns a channel of log entries. The channel is closed when
// ctx is cancelled. Returns nil if the logger is uninitialized.
func Subscribe(ctx context.Context) <-chan LogEvent {
	if defaultLogger == nil || defaultLogger.broker == nil {
		return nil
	}
	return defaultLogger.broker.Subscribe(ctx)
}

// SafeGo runs fn in a goroutine with panic recovery. A recovered panic is
// logged with the supplied name rather than crashing the process.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatOrch, "goroutine panic recovered", "goroutine", name, "panic", fmt.Sprintf("%v", r))
			}
		}()
		fn()
	}()
}

// Reset clears the global logger so tests can reinitialize it.
func Reset() {
	defaultLogger = nil
	once = sync.Once{}
}
