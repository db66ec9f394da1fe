// Package log defines the narrow logging interface the luci packages log
// through, plus a logrus-backed CLI implementation with colored terminal
// output. Core packages never call logrus directly so they stay testable
// with a no-op logger.
package log

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Logger is the interface every luci package logs through. Mount/unmount,
// orphan recovery, ENOSPC, and checksum failures log at Warn/Error;
// per-cluster compression decisions log at Debug.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Null discards everything; used by package tests that don't care about
// log output.
var Null Logger = nullLogger{}

type nullLogger struct{}

func (nullLogger) Debugf(string, ...interface{}) {}
func (nullLogger) Infof(string, ...interface{})  {}
func (nullLogger) Warnf(string, ...interface{})  {}
func (nullLogger) Errorf(string, ...interface{}) {}

// CLI is a logrus-backed Logger for the luci-mkfs and luci-fsck binaries.
type CLI struct {
	Debug         bool
	DisableColors bool
}

func (c *CLI) Debugf(format string, args ...interface{}) {
	if c.Debug {
		logrus.Debugf(format, args...)
	}
}

func (c *CLI) Infof(format string, args ...interface{}) {
	logrus.Infof(format, args...)
}

func (c *CLI) Warnf(format string, args ...interface{}) {
	logrus.Warnf(format, args...)
}

func (c *CLI) Errorf(format string, args ...interface{}) {
	logrus.Errorf(format, args...)
}

// Format implements logrus.Formatter, colorizing by level the same way
// a terminal-aware CLI tool formats its own diagnostics.
func (c *CLI) Format(entry *logrus.Entry) ([]byte, error) {
	msg := entry.Message
	if !c.DisableColors && isatty.IsTerminal(colorable.NewColorableStdout().Fd()) {
		switch entry.Level {
		case logrus.DebugLevel, logrus.TraceLevel:
			msg = color.New(color.Faint).Sprint(msg)
		case logrus.WarnLevel:
			msg = color.New(color.FgYellow).Sprint(msg)
		case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
			msg = color.New(color.FgRed).Sprint(msg)
		}
	}
	return []byte(fmt.Sprintf("%s\n", msg)), nil
}

// NewCLI installs c as the package-level logrus formatter/output and
// returns it ready to use as a Logger.
func NewCLI(debug bool) *CLI {
	c := &CLI{Debug: debug}
	logrus.SetFormatter(c)
	logrus.SetOutput(colorable.NewColorableStdout())
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	return c
}
