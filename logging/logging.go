// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Options selects level, format and destination. Empty values take defaults.
type Options struct {
	Level  string
	Format string
	Output io.Writer
}

// New returns a logger writing to stderr at info level with text output by
// default. An unknown level is reported as an error and the default is kept.
func New(opts Options) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	}

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	logger.SetLevel(logrus.InfoLevel)
	if raw := strings.TrimSpace(opts.Level); raw != "" {
		level, err := logrus.ParseLevel(raw)
		if err != nil {
			return logger, fmt.Errorf("parse log level %q: %w", raw, err)
		}
		logger.SetLevel(level)
	}
	return logger, nil
}

// Component returns an entry tagged with the component name.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}
