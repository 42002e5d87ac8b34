// Package logging builds the process logger shared by every component.
package logging

import (
	"io"
	"strings"

	"github.com/labstack/gommon/log"
)

// Logger is the leveled logging surface components depend on.
// *log.Logger from gommon and echo.Logger both satisfy it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// New creates a gommon logger writing to w at the named level.
func New(prefix, level string, w io.Writer) *log.Logger {
	l := log.New(prefix)
	l.SetOutput(w)
	l.SetHeader("${time_rfc3339} ${level} ${prefix}")
	l.SetLevel(ParseLevel(level))
	return l
}

// ParseLevel maps a level name to a gommon level, defaulting to INFO.
func ParseLevel(level string) log.Lvl {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DEBUG
	case "warn", "warning":
		return log.WARN
	case "error":
		return log.ERROR
	case "off":
		return log.OFF
	default:
		return log.INFO
	}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return New("", "off", io.Discard)
}

// At logs text at a worker-supplied level name.
func At(l Logger, level, text string) {
	switch strings.ToLower(level) {
	case "debug":
		l.Debugf("%s", text)
	case "warn", "warning":
		l.Warnf("%s", text)
	case "error":
		l.Errorf("%s", text)
	default:
		l.Infof("%s", text)
	}
}
