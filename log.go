package snet

import (
	"os"

	"github.com/sirupsen/logrus"
)

// LogFields is an alias for the field map of the underlying logger.
type LogFields = logrus.Fields

var logger = newDefaultLogger()

func newDefaultLogger() *logrus.Logger {
	return &logrus.Logger{
		Out:       os.Stderr,
		Formatter: &logrus.TextFormatter{FullTimestamp: true},
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}
}

// SetLogger replaces the package logger. Passing nil restores the default.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		l = newDefaultLogger()
	}
	logger = l
}

// Logger returns the package logger.
func Logger() *logrus.Logger {
	return logger
}

// SetLogLevel parses level ("debug", "info", ...) and applies it.
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)
	return nil
}

func connFields(c *Conn) *logrus.Entry {
	fields := LogFields{"remote": c.remoteString()}
	if c.id != "" {
		fields["conn"] = c.id
	}
	return logger.WithFields(fields)
}
