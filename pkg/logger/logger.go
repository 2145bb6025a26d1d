package logger

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	log      *logrus.Logger
	logMutex sync.Mutex
)

// GetLogger returns the global logger instance
func GetLogger() *logrus.Logger {
	logMutex.Lock()
	defer logMutex.Unlock()

	if log == nil {
		log = logrus.New()
		// stdout carries progress and --print-only output
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.InfoLevel)
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	return log
}

// Configure sets verbosity and output of the global logger. A nil writer keeps the current output.
func Configure(verbose bool, out io.Writer) *logrus.Logger {
	l := GetLogger()
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	if out != nil {
		l.SetOutput(out)
	}
	return l
}

// WithRun returns an entry tagged with the run id
func WithRun(runID string) *logrus.Entry {
	return GetLogger().WithField("run_id", runID)
}

// WrapError logs err with context fields and returns it unchanged
func WrapError(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}

	GetLogger().WithFields(logrus.Fields(context)).WithError(err).Error("Operation failed")

	return err
}

// ResetLogger resets the global logger instance (for testing only)
func ResetLogger() {
	logMutex.Lock()
	defer logMutex.Unlock()
	log = nil
}
