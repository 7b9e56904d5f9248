package sandbox

import (
	"errors"
	"unicode/utf8"
)

var (
	ErrEntryPointMissing  = errors.New("entry point missing")
	ErrGuestRuntime       = errors.New("guest runtime error")
	ErrContractViolation  = errors.New("entry point contract violation")
	ErrArity              = errors.New("wrong number of arguments")
	ErrArgumentRange      = errors.New("argument out of range")
	ErrTypeMismatch       = errors.New("type mismatch")
	ErrEncoding           = errors.New("encoding failed")
	ErrInjectionLoopLimit = errors.New("injection loop limit exceeded")
	ErrOutputLimit        = errors.New("output limit exceeded")
	ErrHostFunc           = errors.New("host function failed")

	ErrNotInitialized     = errors.New("sandbox not initialized")
	ErrAlreadyInitialized = errors.New("sandbox already initialized")
	ErrTerminated         = errors.New("sandbox terminated")
	ErrClosed             = errors.New("sandbox closed")
	ErrNilHost            = errors.New("sandbox host is nil")
)

// TerminationError is returned by the entry point call that moved a sandbox
// into the terminated state. Its text is the bounded error record.
type TerminationError struct {
	EntryPoint EntryPoint
	Kind       error
	// Cause is the callback error that aborted the guest call, if any.
	Cause error
	msg   string
}

func (e *TerminationError) Error() string { return e.msg }

func (e *TerminationError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// CallbackError is raised into the guest when a host callback is misused or
// its host collaborator refuses the request. It aborts the current guest call
// but does not by itself terminate the sandbox.
type CallbackError struct {
	Func   string
	Kind   error
	Err    error
	Detail string
}

func (e *CallbackError) Error() string { return e.Func + "() " + e.Detail }

func (e *CallbackError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// MaxErrorSize is the capacity of an ErrorRecord including the terminator
// byte, so at most MaxErrorSize-1 bytes of text are kept.
const MaxErrorSize = 256

// ErrorRecord is a bounded diagnostic string. Text that does not fit is cut
// at the last complete UTF-8 sequence before the limit.
type ErrorRecord struct {
	msg       string
	truncated bool
}

func (r *ErrorRecord) Set(msg string) {
	r.truncated = false
	if len(msg) > MaxErrorSize-1 {
		cut := MaxErrorSize - 1
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
		r.truncated = true
	}
	r.msg = msg
}

func (r *ErrorRecord) String() string { return r.msg }

// Truncated reports whether the last Set overflowed.
func (r *ErrorRecord) Truncated() bool { return r.truncated }

func (r *ErrorRecord) Empty() bool { return r.msg == "" }
