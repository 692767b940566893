// Package logging provides the process-wide structured logger used by
// every relaydesk package. It is silent by default and only starts
// writing once RELAYDESK_DEBUG is set, so library consumers never see
// log output unless they ask for it.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	log  *Logger
	once sync.Once

	failFast string
)

// Logger wraps logrus.Logger so that WithField/WithError chains return our
// own Entry type instead of leaking logrus across package boundaries.
type Logger struct {
	*logrus.Logger
}

// Entry is a logger bound to a set of structured fields.
type Entry struct {
	Logger
	entry *logrus.Entry
}

func (l *Logger) Warn(args ...interface{}) {
	warnFatal(args...)
	l.Logger.Warn(args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	warnFatalf(format, args...)
	l.Logger.Warnf(format, args...)
}

func (l *Logger) Error(args ...interface{}) {
	warnFatal(args...)
	l.Logger.Error(args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	warnFatalf(format, args...)
	l.Logger.Errorf(format, args...)
}

func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{*l, l.Logger.WithField(key, value)}
}

func (l *Logger) WithFields(fields logrus.Fields) *Entry {
	return &Entry{*l, l.Logger.WithFields(fields)}
}

func (l *Logger) WithError(err error) *Entry {
	return &Entry{*l, l.Logger.WithError(err)}
}

func warnFatal(args ...interface{}) {
	if failFast != "" {
		log.Fatal(args...)
	}
}

func warnFatalf(format string, args ...interface{}) {
	if failFast != "" {
		log.Fatalf(format, args...)
	}
}

func initialize() {
	once.Do(func() {
		log = &Logger{Logger: logrus.New()}
		log.SetOutput(io.Discard)
		log.SetLevel(logrus.PanicLevel)

		level := os.Getenv("RELAYDESK_DEBUG")
		if level == "" {
			return
		}

		failFast = os.Getenv("RELAYDESK_WARNFAIL")
		if failFast != "" {
			level = "debug"
		}

		log.SetOutput(os.Stdout)
		switch strings.ToLower(level) {
		case "debug":
			log.SetLevel(logrus.DebugLevel)
		case "warn":
			log.SetLevel(logrus.WarnLevel)
		case "error":
			log.SetLevel(logrus.ErrorLevel)
		default:
			log.SetLevel(logrus.DebugLevel)
		}
		log.WithField("level", log.GetLevel()).Debug("logging enabled")
	})
}

// GetLogger returns the process-wide logger, initializing it on first use.
func GetLogger() *Logger {
	if log == nil {
		initialize()
	}
	return log
}

func init() {
	initialize()
}
