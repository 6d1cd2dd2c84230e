package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

var (
	log = newDiscardLogger()

	DebugEnabled = false

	logFile *os.File
)

func newDiscardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)

	return l
}

// InitLogging sets up logging based on configuration.
func InitLogging(debugMode bool, logPath string) error {
	DebugEnabled = debugMode

	if DebugEnabled && logPath != "" {
		logDir := filepath.Dir(logPath)
		err := os.MkdirAll(logDir, 0o755)
		if err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		logFile = f
		SetOutput(f)
	}

	return nil
}

// SetOutput routes debug logging to w. Tests use it to capture output.
func SetOutput(w io.Writer) {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
	})

	DebugEnabled = true
	log = l
}

// Close closes the log file if open.
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}

	log = newDiscardLogger()
}

func Infof(format string, v ...interface{}) {
	log.Infof(format, v...)
}

// Errorf logs an error message to the file if debug mode is enabled.
func Errorf(format string, v ...interface{}) {
	log.Errorf(format, v...)
}

func Debugf(format string, v ...interface{}) {
	log.Debugf(format, v...)
}

func Warnf(format string, v ...interface{}) {
	log.Warnf(format, v...)
}
