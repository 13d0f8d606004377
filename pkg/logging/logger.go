package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogDirEnv overrides the log directory (default ~/.pagepilot/logs).
const LogDirEnv = "PAGEPILOT_LOG_DIR"

const (
	maxLogSizeMB  = 10
	maxLogBackups = 5
)

// Logger provides structured debug logging for PagePilot components.
// All components of one process share a session log file under
// ~/.pagepilot/logs/, rotated once it grows past 10 MB.
//
// All log methods (Debugf, Infof, Warnf, Errorf) write unconditionally.
type Logger struct {
	sessionID string
	component string
	logger    *log.Logger
	out       io.Writer
	mu        sync.Mutex
	logPath   string
	closeOnce sync.Once
}

var (
	// Global session ID for the current execution
	sessionID     string
	sessionIDOnce sync.Once

	logDir   string
	initOnce sync.Once
	initErr  error

	// sink is the rotating writer shared by every component logger.
	sink     *lumberjack.Logger
	sinkOnce sync.Once
)

func getSessionID() string {
	sessionIDOnce.Do(func() {
		sessionID = uuid.New().String()
	})
	return sessionID
}

func initLogDirectory() error {
	initOnce.Do(func() {
		dir := os.Getenv(LogDirEnv)
		if dir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				initErr = fmt.Errorf("failed to get home directory: %w", err)
				return
			}
			dir = filepath.Join(homeDir, ".pagepilot", "logs")
		}
		if err := os.MkdirAll(dir, 0750); err != nil {
			initErr = fmt.Errorf("failed to create log directory: %w", err)
			return
		}
		logDir = dir
	})
	return initErr
}

func sessionSink() *lumberjack.Logger {
	sinkOnce.Do(func() {
		sink = &lumberjack.Logger{
			Filename:   filepath.Join(logDir, fmt.Sprintf("%s-pagepilot.log", getSessionID())),
			MaxSize:    maxLogSizeMB,
			MaxBackups: maxLogBackups,
		}
	})
	return sink
}

// NewLogger creates a logger for a component. The logger writes to
// <log dir>/<session-id>-pagepilot.log.
//
// If the log directory cannot be created it returns a fallback logger that
// writes to stderr along with the error.
func NewLogger(component string) (*Logger, error) {
	if err := initLogDirectory(); err != nil {
		return newFallbackLogger(component, err), err
	}

	out := sessionSink()
	// lumberjack opens lazily; touch the file so LogPath is valid immediately.
	if _, err := out.Write(nil); err != nil {
		return newFallbackLogger(component, fmt.Errorf("failed to open log file: %w", err)), err
	}

	return &Logger{
		sessionID: getSessionID(),
		component: component,
		logger:    log.New(out, "", 0),
		out:       out,
		logPath:   out.Filename,
	}, nil
}

func newFallbackLogger(component string, err error) *Logger {
	logger := log.New(os.Stderr, fmt.Sprintf("[%s] ", component), log.LstdFlags|log.Lshortfile)
	logger.Printf("WARNING: Failed to initialize file logging: %v", err)
	logger.Printf("Falling back to stderr logging")

	return &Logger{
		sessionID: getSessionID(),
		component: component,
		logger:    logger,
		out:       os.Stderr,
	}
}

func (l *Logger) write(level, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	l.logger.Println(fmt.Sprintf("[%s] [%s] [%s] %s", timestamp, l.component, level, fmt.Sprintf(format, v...)))
}

// Printf logs at INFO level.
func (l *Logger) Printf(format string, v ...interface{}) { l.write("INFO", format, v...) }

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) { l.write("DEBUG", format, v...) }

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) { l.write("INFO", format, v...) }

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) { l.write("WARN", format, v...) }

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) { l.write("ERROR", format, v...) }

// Writer returns an io.Writer that writes to this logger's destination.
func (l *Logger) Writer() io.Writer { return l.out }

// SessionID returns the current session ID
func (l *Logger) SessionID() string { return l.sessionID }

// LogPath returns the path to the log file, empty in fallback mode.
func (l *Logger) LogPath() string { return l.logPath }

// Close detaches the logger. The shared session file stays open for other
// components until Shutdown. Safe to call multiple times.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.logger.SetOutput(io.Discard)
		l.mu.Unlock()
	})
	return nil
}

// Shutdown flushes and closes the shared session log file.
func Shutdown() error {
	if sink == nil {
		return nil
	}
	return sink.Close()
}

// GetSessionID returns the current global session ID
func GetSessionID() string {
	return getSessionID()
}

// GetLogDirectory returns the directory where logs are stored
func GetLogDirectory() (string, error) {
	if err := initLogDirectory(); err != nil {
		return "", err
	}
	return logDir, nil
}
