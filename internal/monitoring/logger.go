// Package monitoring holds the process-wide diagnostic loggers used by the
// capture, leveling and streaming packages.
package monitoring

import (
	"io"
	"log"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger so tests can capture or mute library output.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var (
	debugMu     sync.RWMutex
	debugLogger *log.Logger
)

// SetDebugLogger installs a writer for verbose per-frame diagnostics
// (grab timings, reallocations, leveling angles). Pass nil to disable.
func SetDebugLogger(w io.Writer) {
	debugMu.Lock()
	defer debugMu.Unlock()
	if w == nil {
		debugLogger = nil
		return
	}
	debugLogger = log.New(w, "", log.LstdFlags|log.Lmicroseconds)
}

// Debugf logs when a debug writer is configured.
func Debugf(format string, v ...interface{}) {
	debugMu.RLock()
	l := debugLogger
	debugMu.RUnlock()
	if l != nil {
		l.Printf(format, v...)
	}
}

// DebugEnabled reports whether Debugf output goes anywhere. Callers use it to
// skip building expensive messages in the frame loop.
func DebugEnabled() bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	return debugLogger != nil
}
