package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Faults
// ---------------------------------------------------------------------------

// FaultKind classifies a propagating failure.
type FaultKind uint8

const (
	// FaultUser is an exception raised by application code or a handler.
	FaultUser FaultKind = iota
	// FaultResource is an externally imposed limit: timeout, memory,
	// interrupt.
	FaultResource
	// FaultInternal is an engine error in flight through the frames.
	FaultInternal
)

func (k FaultKind) String() string {
	switch k {
	case FaultUser:
		return "user"
	case FaultResource:
		return "resource"
	case FaultInternal:
		return "internal"
	}
	return "unknown"
}

// Sentinel causes for resource and signal faults.
var (
	ErrTimeout     = errors.New("execution time limit exceeded")
	ErrMemoryLimit = errors.New("memory limit exceeded")
	ErrInterrupted = errors.New("execution interrupted")
	ErrSignal      = errors.New("signal handler failed")
)

// Fault is an in-flight propagating failure. Hooks hand it to adapters
// read-only and never modify it after construction.
type Fault struct {
	Kind      FaultKind
	Exception Value  // language-level exception object, Nil if none
	Message   string // human readable description
	Cause     error  // underlying Go error, may be nil
	Previous  *Fault // fault this one superseded during unwinding
}

// NewUserFault creates a user fault carrying an exception value.
func NewUserFault(exception Value, message string) *Fault {
	return &Fault{Kind: FaultUser, Exception: exception, Message: message}
}

// NewResourceFault creates a resource fault wrapping one of the sentinel
// causes.
func NewResourceFault(cause error, message string) *Fault {
	return &Fault{Kind: FaultResource, Exception: Nil, Message: message, Cause: cause}
}

// Error implements error.
func (f *Fault) Error() string {
	msg := f.Message
	if msg == "" && f.Cause != nil {
		msg = f.Cause.Error()
	}
	if msg == "" {
		msg = "unhandled exception"
	}
	return fmt.Sprintf("%s fault: %s", f.Kind, msg)
}

// Unwrap returns the underlying cause.
func (f *Fault) Unwrap() error {
	return f.Cause
}

// IsUser reports whether the fault originated in application code.
func (f *Fault) IsUser() bool {
	return f != nil && f.Kind == FaultUser
}

// AsFault converts err into a *Fault. Faults pass through; any other error
// becomes a user fault whose cause is err. Nil stays nil.
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Kind: FaultUser, Exception: Nil, Cause: err}
}

// supersede links next over prev when a handler faults while prev is
// already propagating.
func supersede(next, prev *Fault) *Fault {
	if next == prev || prev == nil {
		return next
	}
	if next.Previous == nil {
		next.Previous = prev
	}
	return next
}

// ---------------------------------------------------------------------------
// Invariant violations
// ---------------------------------------------------------------------------

// InvariantViolation is panicked when a hook is reached with an inconsistent
// frame state. It is fatal and never converted into a Fault.
type InvariantViolation struct {
	Message string
}

func (v *InvariantViolation) Error() string {
	return "hook invariant violated: " + v.Message
}

func invariantf(format string, args ...any) *InvariantViolation {
	return &InvariantViolation{Message: fmt.Sprintf(format, args...)}
}
