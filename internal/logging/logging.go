// Package logging centralizes the `[COMPONENT] level: message` lines every
// core component emits, generalizing the teacher's scattered
// log.Printf/fmt.Printf tag convention ([EVENTS], [NATS], [MIGRATION])
// into one small wrapper around the standard library log package.
package logging

import (
	"log"
	"os"
	"strings"
)

// Logger writes tagged lines for one component, e.g. [STORE], [REGISTRY].
type Logger struct {
	tag string
	l   *log.Logger
}

// New returns a Logger tagged with the given component name, upper-cased
// and bracketed (New("store") logs as "[STORE] ...").
func New(component string) *Logger {
	return &Logger{
		tag: "[" + strings.ToUpper(component) + "]",
		l:   log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (lg *Logger) Infof(format string, args ...interface{}) {
	lg.l.Printf(lg.tag+" info: "+format, args...)
}

func (lg *Logger) Warnf(format string, args ...interface{}) {
	lg.l.Printf(lg.tag+" warn: "+format, args...)
}

func (lg *Logger) Errorf(format string, args ...interface{}) {
	lg.l.Printf(lg.tag+" error: "+format, args...)
}

func (lg *Logger) Debugf(format string, args ...interface{}) {
	lg.l.Printf(lg.tag+" debug: "+format, args...)
}
