// Package logging implements application.Logger on top of the standard
// library "log" package, with leveled methods and an emergency gate:
// once the server flags in_emergency (repeated resource exhaustion),
// Debugf/Infof go quiet and only Errorf keeps writing, so an overloaded
// server doesn't also spend cycles formatting log lines nobody reads.
package logging

import (
	"log"
	"sync/atomic"

	"github.com/Zxce3/teavpn2/application"
)

// Logger wraps the standard library logger with three levels and an
// emergency gate.
type Logger struct {
	emergency atomic.Bool
}

func NewLogger() *Logger { return &Logger{} }

var _ application.Logger = (*Logger)(nil)

// SetEmergency toggles the verbosity gate. The lifecycle controller
// calls this when a session or engine worker crosses its error
// threshold repeatedly.
func (l *Logger) SetEmergency(on bool) { l.emergency.Store(on) }

func (l *Logger) Debugf(format string, v ...any) {
	if l.emergency.Load() {
		return
	}
	log.Printf("DEBUG "+format, v...)
}

func (l *Logger) Infof(format string, v ...any) {
	if l.emergency.Load() {
		return
	}
	log.Printf("INFO "+format, v...)
}

func (l *Logger) Errorf(format string, v ...any) {
	log.Printf("ERROR "+format, v...)
}
