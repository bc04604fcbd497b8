// Package logging provides the engine's shared structured logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger instance. Components take it as a
// constructor argument rather than importing it directly, so tests can pass
// a silent logger.
var Logger *logrus.Logger

func init() {
	Logger = New("info", "stdout")
}

// New creates a configured logger. level is one of debug/info/warn/error;
// output is "stdout" or a file path.
func New(level, output string) *logrus.Logger {
	logger := logrus.New()

	switch level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if output == "stdout" || output == "" {
		logger.SetOutput(os.Stdout)
	} else {
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			logger.SetOutput(file)
		} else {
			logger.SetOutput(os.Stdout)
			logger.Warnf("failed to open log file %s, using stdout", output)
		}
	}

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	return logger
}

// Silent returns a logger that discards all output, for use in tests.
func Silent() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}
