// Package wire provides the single logging call site shared by every
// component (forwarding engine, health manager, admin surface) and the
// websocket broadcast that backs the live dashboard.
package wire

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// Logger wraps a stdlib *log.Logger and fans every line out to any
// registered sink (the admin websocket broadcaster, primarily).
type Logger struct {
	std *log.Logger

	mu    sync.Mutex
	sinks []func(string)
}

// New returns a Logger writing to stderr with a standard timestamp prefix.
func New() *Logger {
	return &Logger{std: log.New(os.Stderr, "", log.LstdFlags)}
}

// AddSink registers a callback invoked with every formatted line. Used by
// internal/admin to push lines onto its websocket broadcast channel.
func (l *Logger) AddSink(sink func(string)) {
	l.mu.Lock()
	l.sinks = append(l.sinks, sink)
	l.mu.Unlock()
}

// Printf formats and emits one line.
func (l *Logger) Printf(format string, args ...any) {
	l.emit(fmt.Sprintf(format, args...))
}

// Println emits one line built from its arguments.
func (l *Logger) Println(args ...any) {
	l.emit(fmt.Sprintln(args...))
}

func (l *Logger) emit(line string) {
	l.std.Print(line)

	l.mu.Lock()
	sinks := append([]func(string){}, l.sinks...)
	l.mu.Unlock()

	for _, sink := range sinks {
		sink(line)
	}
}
