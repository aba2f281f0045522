// Package logging provides the severity-tagged console output used across
// procguard. Lines are written as "HH:MM:SS [SEVERITY] message" with the
// severity tag colored when stdout is a terminal.
package logging

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Severity tags a console line.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
	SeverityAction  Severity = "ACTION"
	SeveritySuccess Severity = "SUCCESS"
	SeverityDebug   Severity = "DEBUG"
)

var severityColors = map[Severity]*color.Color{
	SeverityInfo:    color.New(color.FgCyan),
	SeverityWarning: color.New(color.FgYellow),
	SeverityError:   color.New(color.FgRed),
	SeverityAction:  color.New(color.FgMagenta),
	SeveritySuccess: color.New(color.FgGreen),
	SeverityDebug:   color.New(color.FgWhite, color.Faint),
}

// Logger writes severity-tagged lines to stdout.
type Logger struct {
	mu    sync.Mutex
	debug bool
	now   func() time.Time
}

// New creates a logger. Debug lines are dropped unless debug is true.
func New(debug bool) *Logger {
	return &Logger{debug: debug, now: time.Now}
}

func (l *Logger) log(sev Severity, format string, args ...interface{}) {
	if sev == SeverityDebug && !l.debug {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tag := string(sev)
	if c, ok := severityColors[sev]; ok {
		tag = c.Sprint(tag)
	}
	fmt.Fprintf(os.Stdout, "%s [%s] %s\n", l.now().Format("15:04:05"), tag, fmt.Sprintf(format, args...))
}

// Infof logs at INFO severity.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(SeverityInfo, format, args...)
}

// Warningf logs at WARNING severity.
func (l *Logger) Warningf(format string, args ...interface{}) {
	l.log(SeverityWarning, format, args...)
}

// Errorf logs at ERROR severity.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(SeverityError, format, args...)
}

// Actionf logs at ACTION severity. Used when a recovery action is applied.
func (l *Logger) Actionf(format string, args ...interface{}) {
	l.log(SeverityAction, format, args...)
}

// Successf logs at SUCCESS severity.
func (l *Logger) Successf(format string, args ...interface{}) {
	l.log(SeveritySuccess, format, args...)
}

// Debugf logs at DEBUG severity. Dropped unless the logger was created with
// debug enabled.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(SeverityDebug, format, args...)
}
