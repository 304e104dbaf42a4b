// Package terror defines Tangram's error type: a sum type carrying a
// code, message, source location, stack, and a bag of diagnostic
// values, matching the shape every RPC boundary and log line renders.
package terror

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/zeebo/errs"
)

// Code classifies an error for propagation-policy decisions (recoverable,
// surfaced, fatal) and for the wire representation at the RPC boundary.
type Code string

const (
	NotFound            Code = "NotFound"
	Conflict            Code = "Conflict"
	Invalid             Code = "Invalid"
	Cancelled           Code = "Cancelled"
	Internal            Code = "Internal"
	HeartbeatExpiration Code = "HeartbeatExpiration"
	BackendUnavailable  Code = "BackendUnavailable"
	IntegrityViolation  Code = "IntegrityViolation"
)

var classes = map[Code]errs.Class{
	NotFound:            errs.Class("not found"),
	Conflict:            errs.Class("conflict"),
	Invalid:             errs.Class("invalid"),
	Cancelled:           errs.Class("cancelled"),
	Internal:            errs.Class("internal"),
	HeartbeatExpiration: errs.Class("heartbeat expiration"),
	BackendUnavailable:  errs.Class("backend unavailable"),
	IntegrityViolation:  errs.Class("integrity violation"),
}

// Error is the concrete error type produced by every Tangram package.
type Error struct {
	code     Code
	message  string
	location string
	stack    []string
	source   error
	values   map[string]string
}

// New constructs an Error of the given code, capturing the call site.
func New(code Code, format string, args ...any) *Error {
	e := &Error{
		code:    code,
		message: fmt.Sprintf(format, args...),
		values:  make(map[string]string),
	}
	e.capture(2)
	return e
}

// Wrap attaches a code and message to an existing error, preserving it
// as the source for chain rendering.
func Wrap(code Code, source error, format string, args ...any) *Error {
	e := &Error{
		code:    code,
		message: fmt.Sprintf(format, args...),
		source:  source,
		values:  make(map[string]string),
	}
	e.capture(2)
	return e
}

func (e *Error) capture(skip int) {
	if _, file, line, ok := runtime.Caller(skip); ok {
		e.location = fmt.Sprintf("%s:%d", file, line)
	}
	var frames []string
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	iter := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := iter.Next()
		frames = append(frames, fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	e.stack = frames
}

// With attaches a diagnostic key/value pair and returns the receiver for
// chaining at construction sites.
func (e *Error) With(key, value string) *Error {
	e.values[key] = value
	return e
}

// Code returns the error's classification.
func (e *Error) Code() Code { return e.code }

// Values returns the diagnostic value bag.
func (e *Error) Values() map[string]string { return e.values }

// Unwrap exposes the wrapped source error for errors.Is/As.
func (e *Error) Unwrap() error { return e.source }

// Error implements the error interface, classing the message through
// the code's errs.Class so callers that only know about the standard
// error interface still get class-qualified text.
func (e *Error) Error() string {
	var base error
	if class, ok := classes[e.code]; ok {
		base = class.New("%s", e.message)
	} else {
		base = fmt.Errorf("%s", e.message)
	}
	if e.source != nil {
		return fmt.Sprintf("%s: %s", base.Error(), e.source.Error())
	}
	return base.Error()
}

// Render produces the full rendered error chain: message, location, and
// (if requested) stack frames excluding internal runtime frames, per §7.
func (e *Error) Render(withStack bool) string {
	var b strings.Builder
	b.WriteString(e.Error())
	if e.location != "" {
		fmt.Fprintf(&b, "\n  at %s", e.location)
	}
	if withStack {
		for _, f := range e.stack {
			fmt.Fprintf(&b, "\n    %s", f)
		}
	}
	return b.String()
}

// Is reports whether err carries the given code, unwrapping through
// plain wrapped errors as needed.
func Is(err error, code Code) bool {
	var te *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			te = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return te != nil && te.code == code
}

// Recoverable reports whether the propagation policy (§7) calls for a
// local bounded retry rather than surfacing the error to the caller.
func Recoverable(err error) bool {
	return Is(err, Conflict) || Is(err, BackendUnavailable) || Is(err, Cancelled)
}

// Fatal reports whether the error must abort the owning server task.
func Fatal(err error) bool {
	return Is(err, IntegrityViolation)
}
