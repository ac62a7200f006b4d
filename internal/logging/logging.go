// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing to stdout. format is "json" or "text";
// an unknown level falls back to info with a warning.
func New(level, format string) *logrus.Logger {
	return newWithOutput(os.Stdout, level, format)
}

func newWithOutput(w io.Writer, level, format string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)

	if strings.ToLower(format) == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		log.SetLevel(logrus.InfoLevel)
		log.Warnf("invalid log level %q, defaulting to info", level)
	} else {
		log.SetLevel(lvl)
	}
	return log
}

// Component returns an entry tagged with the subsystem name.
func Component(l logrus.FieldLogger, name string) *logrus.Entry {
	if l == nil {
		l = Discard()
	}
	return l.WithField("component", name)
}

// Discard returns a logger that drops everything. Used as the default for
// components constructed without a logger.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
