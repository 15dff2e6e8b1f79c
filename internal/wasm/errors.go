package wasm

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// log is the package-wide logrus logger for this and the decoder packages
// that construct DecodeError/LinkError through the NewXxx helpers below:
// SPEC_FULL.md §7 requires every error be "logged via logrus at the
// boundary that produces it, then returned" — these constructors are that
// boundary, so binary.DecodeModule and wat.DecodeModule log through them
// rather than duplicating logrus calls at each of their own construction
// sites.
var log = logrus.StandardLogger()

// DecodeError is returned by a decoder (binary or text) for malformed input,
// per spec.md §7. Offset is the byte (binary) or approximate rune (text)
// position at which the problem was detected.
type DecodeError struct {
	Offset int
	Msg    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at offset %#x: %s", e.Offset, e.Msg)
}

// NewDecodeError builds a DecodeError and logs it at the offset it occurred,
// for binary.DecodeModule and wat.DecodeModule to call instead of
// constructing &DecodeError{} literals directly.
func NewDecodeError(offset int, format string, args ...interface{}) *DecodeError {
	e := &DecodeError{Offset: offset, Msg: fmt.Sprintf(format, args...)}
	log.WithField("offset", offset).WithField("component", "decode").Error(e.Msg)
	return e
}

func errIndexOutOfRange(kind string, idx uint32) error {
	return fmt.Errorf("%s index %d out of range", kind, idx)
}

// LinkError is returned by Instantiate when externals don't satisfy a
// module's imports, or an active segment's initializer runs out of bounds
// during instantiation (spec.md §4.3, §7: "treated as link errors for
// purposes of assert_unlinkable").
type LinkError struct {
	Msg string
	Err error
}

func (e *LinkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("link error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("link error: %s", e.Msg)
}

func (e *LinkError) Unwrap() error { return e.Err }

// newLinkError builds a LinkError and logs it, for Instantiate to call
// instead of constructing &LinkError{} literals directly (see log's doc
// comment above).
func newLinkError(format string, args ...interface{}) *LinkError {
	e := &LinkError{Msg: fmt.Sprintf(format, args...)}
	log.WithField("component", "link").Error(e.Msg)
	return e
}

// wrapLinkError is newLinkError's counterpart for failures that wrap an
// underlying cause (e.g. a const-expr evaluation error).
func wrapLinkError(err error, format string, args ...interface{}) *LinkError {
	e := &LinkError{Msg: fmt.Sprintf(format, args...), Err: err}
	log.WithError(err).WithField("component", "link").Error(e.Msg)
	return e
}

// TrapCode enumerates the runtime failure kinds from spec.md §7.
type TrapCode int

const (
	TrapUnreachable TrapCode = iota
	TrapMemoryOutOfBounds
	TrapTableOutOfBounds
	TrapUninitializedElement
	TrapIndirectCallTypeMismatch
	TrapIntegerDivideByZero
	TrapIntegerOverflow
	TrapInvalidConversionToInteger
	TrapCallStackExhausted
	TrapHostFunction
)

func (c TrapCode) String() string {
	switch c {
	case TrapUnreachable:
		return "unreachable"
	case TrapMemoryOutOfBounds:
		return "out of bounds memory access"
	case TrapTableOutOfBounds:
		return "out of bounds table access"
	case TrapUninitializedElement:
		return "uninitialized element"
	case TrapIndirectCallTypeMismatch:
		return "indirect call type mismatch"
	case TrapIntegerDivideByZero:
		return "integer divide by zero"
	case TrapIntegerOverflow:
		return "integer overflow"
	case TrapInvalidConversionToInteger:
		return "invalid conversion to integer"
	case TrapCallStackExhausted:
		return "call stack exhausted"
	case TrapHostFunction:
		return "host function trap"
	}
	return "trap"
}

// Trap is a runtime failure that aborts the current call chain, per
// spec.md §4.4's "Failure semantics" and §7.
type Trap struct {
	Code TrapCode
	Msg  string
	// Cause wraps a host-returned error when Code == TrapHostFunction.
	Cause error
}

func (t *Trap) Error() string {
	if t.Msg != "" {
		return fmt.Sprintf("wasm trap: %s: %s", t.Code, t.Msg)
	}
	return fmt.Sprintf("wasm trap: %s", t.Code)
}

func (t *Trap) Unwrap() error { return t.Cause }
