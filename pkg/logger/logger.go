// Package logger provides the structured logger shared by every component.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls logger construction.
type Config struct {
	Level     string
	Format    string // "text" or "json"
	Component string
	Output    io.Writer
}

// Logger is a logrus entry bound to a component name.
type Logger struct {
	*logrus.Entry
}

// New builds a logger from configuration.
func New(cfg Config) *Logger {
	base := logrus.New()
	if cfg.Output != nil {
		base.SetOutput(cfg.Output)
	} else {
		base.SetOutput(os.Stderr)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	component := cfg.Component
	if component == "" {
		component = "magicnumber"
	}
	return &Logger{Entry: base.WithField("component", component)}
}

// NewDefault returns an info-level text logger for the named component.
func NewDefault(component string) *Logger {
	return New(Config{Level: "info", Component: component})
}

// Named derives a logger for a sub-component sharing the same output and level.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Entry: l.Entry.WithField("component", component)}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return New(Config{Level: "panic", Output: io.Discard})
}
