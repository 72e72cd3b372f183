// Package rtlog is the ambient structured-logging stack used throughout
// apprt (SPEC_FULL.md §6 "Ambient stack — logging"). It wraps
// github.com/joeycumines/logiface, using github.com/joeycumines/stumpy as the
// default zero-allocation JSON backend, the same pairing the teacher
// (eventloop) pulls in transitively via its logiface dependency.
//
// The core logs at Err level only: PlatformFault conditions (spec §7), plus
// the cache's prune-timer and capacity diagnostics and the wait service's
// pool-submit and I/O-event queueing failures. Trace, Debug, Info and
// Warning are available to callers; the core does not emit at those levels.
package rtlog

import (
	"io"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logger handle threaded through the runtime,
// event, wait, and cache packages.
type Logger struct {
	l *logiface.Logger[*stumpy.Event]
}

// New constructs a Logger writing stumpy-encoded JSON to w at the given
// minimum level. A nil Logger (the zero value) is always safe to call:
// every method degrades to a no-op so that callers never need a nil check.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		return nil
	}
	opts := []logiface.Option[*stumpy.Event]{stumpy.WithStumpy(stumpy.WithWriter(w))}
	l := stumpy.L.New(append(opts, stumpy.L.WithLevel(level))...)
	return &Logger{l: l}
}

// Discard returns a Logger that drops everything, used as the zero-config
// default when no logging Option is supplied (SPEC_FULL.md §6).
func Discard() *Logger {
	return New(io.Discard, logiface.LevelDisabled)
}

func (lg *Logger) event(level logiface.Level) *logiface.Builder[*stumpy.Event] {
	if lg == nil || lg.l == nil {
		return nil
	}
	return lg.l.Build(level)
}

// Event wraps a *logiface.Builder so call sites can chain field setters
// without nil-checking at every step; Log is the only method callers need.
type Event struct {
	b *logiface.Builder[*stumpy.Event]
}

func wrap(b *logiface.Builder[*stumpy.Event]) Event { return Event{b: b} }

// Str adds a string field.
func (e Event) Str(key, value string) Event {
	if e.b != nil {
		e.b.Str(key, value)
	}
	return e
}

// Int adds an integer field.
func (e Event) Int(key string, value int) Event {
	if e.b != nil {
		e.b.Int(key, value)
	}
	return e
}

// Err attaches an error field.
func (e Event) Err(err error) Event {
	if e.b != nil {
		e.b.Err(err)
	}
	return e
}

// Log emits the event with the given message, a no-op if the underlying
// builder was never constructed (disabled level, or a nil/discard Logger).
func (e Event) Log(msg string) {
	if e.b != nil {
		e.b.Log(msg)
	}
}

// Trace starts a trace-level event.
func (lg *Logger) Trace() Event { return wrap(lg.event(logiface.LevelTrace)) }

// Debug starts a debug-level event.
func (lg *Logger) Debug() Event { return wrap(lg.event(logiface.LevelDebug)) }

// Info starts an informational-level event.
func (lg *Logger) Info() Event { return wrap(lg.event(logiface.LevelInformational)) }

// Warning starts a warning-level event.
func (lg *Logger) Warning() Event { return wrap(lg.event(logiface.LevelWarning)) }

// Err starts an error-level event, used for spec §7's PlatformFault
// propagate-and-log policy.
func (lg *Logger) Err() Event { return wrap(lg.event(logiface.LevelError)) }
