// Package logging provides component loggers backed by zerolog.
//
// Every process run gets one run ID; all components write to the same
// <log-dir>/<run-id>-authkeeper.log file so a single login flow can be read
// end to end. When the directory or file cannot be opened the logger falls
// back to stderr.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const timestampLayout = "2006-01-02 15:04:05.000"

// Logger writes leveled messages tagged with a component name.
type Logger struct {
	runID     string
	component string
	file      *os.File
	zl        zerolog.Logger
	logPath   string
	closeOnce sync.Once
}

var (
	// Run ID shared by every logger in this process
	runID     string
	runIDOnce sync.Once

	// logDir is where log files are written. Set it with SetDirectory
	// before the first NewLogger call to override the default.
	logDir string

	initOnce sync.Once
	initErr  error
)

func getRunID() string {
	runIDOnce.Do(func() {
		runID = uuid.New().String()
	})
	return runID
}

// SetDirectory overrides the log directory. It has no effect once a file
// logger has been created.
func SetDirectory(dir string) {
	if dir != "" {
		logDir = dir
	}
}

// SetLevel sets the process-wide minimum level ("debug", "info", "warn", "error").
func SetLevel(level string) error {
	if level == "" {
		return nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

func initLogDirectory() error {
	initOnce.Do(func() {
		if logDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				initErr = fmt.Errorf("failed to get home directory: %w", err)
				return
			}
			logDir = filepath.Join(homeDir, ".authkeeper", "logs")
		}
		if err := os.MkdirAll(logDir, 0750); err != nil {
			initErr = fmt.Errorf("failed to create log directory: %w", err)
			return
		}
	})
	return initErr
}

// NewLogger creates a file logger for component.
//
// On failure it returns a usable stderr logger together with the error so
// callers can report the fallback.
func NewLogger(component string) (*Logger, error) {
	if err := initLogDirectory(); err != nil {
		return newFallbackLogger(component, err), err
	}

	id := getRunID()
	logPath := filepath.Join(logDir, fmt.Sprintf("%s-authkeeper.log", id))

	// Append mode: components share the file
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		err = fmt.Errorf("failed to open log file: %w", err)
		return newFallbackLogger(component, err), err
	}

	l := New(component, file)
	l.file = file
	l.logPath = logPath
	return l, nil
}

// New creates a logger for component that writes to w.
func New(component string, w io.Writer) *Logger {
	return &Logger{
		runID:     getRunID(),
		component: component,
		zl:        zerolog.New(consoleWriter(w, component)).With().Timestamp().Logger(),
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{component: "discard", zl: zerolog.Nop()}
}

// For returns l, or a discarding logger when l is nil.
func For(l *Logger) *Logger {
	if l == nil {
		return Discard()
	}
	return l
}

func newFallbackLogger(component string, err error) *Logger {
	l := New(component, os.Stderr)
	l.Warnf("failed to initialize file logging: %v", err)
	l.Warnf("falling back to stderr logging")
	return l
}

// consoleWriter renders entries as "[ts] [component] [LEVEL] msg key=value".
func consoleWriter(w io.Writer, component string) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    true,
		PartsOrder: []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName},
		FormatTimestamp: func(i interface{}) string {
			ts, _ := i.(string)
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				ts = t.Local().Format(timestampLayout)
			}
			return fmt.Sprintf("[%s] [%s]", ts, component)
		},
		FormatLevel: func(i interface{}) string {
			lvl, _ := i.(string)
			return "[" + strings.ToUpper(lvl) + "]"
		},
	}
}

// With returns a child logger that tags every entry with key=value.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{
		runID:     l.runID,
		component: l.component,
		zl:        l.zl.With().Interface(key, value).Logger(),
		logPath:   l.logPath,
	}
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.zl.Debug().Msgf(format, v...)
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	l.zl.Info().Msgf(format, v...)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.zl.Warn().Msgf(format, v...)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.zl.Error().Msgf(format, v...)
}

// Zerolog exposes the underlying logger for structured events.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zl
}

// RunID returns the process run ID
func (l *Logger) RunID() string {
	return l.runID
}

// LogPath returns the path to the log file, empty for non-file loggers
func (l *Logger) LogPath() string {
	return l.logPath
}

// Close closes the log file. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}

// GetRunID returns the current global run ID
func GetRunID() string {
	return getRunID()
}

// GetLogDirectory returns the directory where logs are stored
func GetLogDirectory() (string, error) {
	if err := initLogDirectory(); err != nil {
		return "", err
	}
	return logDir, nil
}
