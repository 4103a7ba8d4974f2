package vm

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var logger = commonlog.GetLogger("hookvm.vm")

// Subsystem names a hook consumer that can be toggled per execution context.
type Subsystem uint8

const (
	SubsystemProfiler Subsystem = iota
	SubsystemDebugger
	SubsystemIntercept
	SubsystemAsync
)

func (s Subsystem) String() string {
	switch s {
	case SubsystemProfiler:
		return "profiler"
	case SubsystemDebugger:
		return "debugger"
	case SubsystemIntercept:
		return "intercept"
	case SubsystemAsync:
		return "async"
	}
	return "subsystem(?)"
}

// Flag returns the surprise bit that makes s visible to the hooks. Each
// subsystem owns exactly one bit.
func (s Subsystem) Flag() SurpriseFlag {
	switch s {
	case SubsystemProfiler:
		return FlagProfiler
	case SubsystemDebugger:
		return FlagDebugger
	case SubsystemIntercept:
		return FlagIntercept
	case SubsystemAsync:
		return FlagAsync
	}
	panic(invariantf("unknown subsystem %d", uint8(s)))
}

// ParseSubsystem maps a config name to a Subsystem.
func ParseSubsystem(name string) (Subsystem, bool) {
	for s := SubsystemProfiler; s <= SubsystemAsync; s++ {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// ExecutionContext
// ---------------------------------------------------------------------------

// Options configure a new ExecutionContext.
type Options struct {
	// ID names the context in logs and stores. A random UUID when empty.
	ID string
	// Adapters is the subsystem table. Entries are optional.
	Adapters Adapters
	// Tracer receives enter/exit trace records while it is enabled. It may
	// be shared between contexts.
	Tracer *Tracer
}

// ExecutionContext is the per-request hook state: the surprise register,
// the call stack, subsystem toggles and the adapter table. The call stack
// and the hooks belong to one goroutine. The register, Enable/Disable,
// Interrupt and RaisePending may be used from any goroutine.
//
// A new context starts with every subsystem disabled.
type ExecutionContext struct {
	id       string
	flags    SurpriseRegister
	stack    *CallStack
	adapters Adapters
	tracer   *Tracer

	timers  intervalTimers
	signals signalQueue

	slowPaths [eventKindCount]atomic.Uint64
}

// NewExecutionContext creates a context with every subsystem disabled.
func NewExecutionContext(opts Options) *ExecutionContext {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &ExecutionContext{
		id:       id,
		stack:    NewCallStack(),
		adapters: opts.Adapters,
		tracer:   opts.Tracer,
	}
}

// ID returns the context's identifier.
func (ec *ExecutionContext) ID() string { return ec.id }

// Surprise returns the context's surprise register.
func (ec *ExecutionContext) Surprise() *SurpriseRegister { return &ec.flags }

// Stack returns the context's call stack.
func (ec *ExecutionContext) Stack() *CallStack { return ec.stack }

// Tracer returns the attached tracer, possibly nil.
func (ec *ExecutionContext) Tracer() *Tracer { return ec.tracer }

// Adapters returns a copy of the adapter table.
func (ec *ExecutionContext) Adapters() Adapters { return ec.adapters }

// SetAdapters replaces the adapter table. Call it from the owning goroutine
// between hooks.
func (ec *ExecutionContext) SetAdapters(a Adapters) { ec.adapters = a }

// SlowPathCount returns how many times the slow path ran for ev.
func (ec *ExecutionContext) SlowPathCount(ev EventKind) uint64 {
	return ec.slowPaths[ev].Load()
}

// ---------------------------------------------------------------------------
// Control surface
// ---------------------------------------------------------------------------

// Enable makes s observable to the hooks from the next hook point on.
func (ec *ExecutionContext) Enable(s Subsystem) {
	ec.flags.Set(s.Flag())
	logger.Debugf("%s: %s enabled", ec.id, s)
}

// Disable hides s from the hooks. Disabling a disabled subsystem is a no-op.
func (ec *ExecutionContext) Disable(s Subsystem) {
	ec.flags.Clear(s.Flag())
	logger.Debugf("%s: %s disabled", ec.id, s)
}

// Enabled reports whether s is enabled.
func (ec *ExecutionContext) Enabled(s Subsystem) bool {
	return ec.flags.Has(s.Flag())
}

// Interrupt requests that the running code stop at the next hook or poll.
// Safe from any goroutine.
func (ec *ExecutionContext) Interrupt(reason string) {
	ec.flags.Raise(FlagInterrupt, NewResourceFault(ErrInterrupted, reason))
}

// RaisePending queues fault to be thrown at the next hook or poll. Safe from
// any goroutine. A later RaisePending before delivery replaces the earlier
// fault.
func (ec *ExecutionContext) RaisePending(fault *Fault) {
	if fault == nil {
		return
	}
	ec.flags.Raise(FlagPendingFault, fault)
}

// SurpriseFlags returns the surprise word without servicing it.
func (ec *ExecutionContext) SurpriseFlags() SurpriseFlag {
	return ec.flags.Load()
}

// CheckSurprise services pending conditions as a hook would and returns the
// flags observed. Interpreters call it at loop back-edges so that timeouts
// and interrupts are seen in code that makes no calls.
func (ec *ExecutionContext) CheckSurprise() (SurpriseFlag, error) {
	if !ec.flags.Any() {
		return 0, nil
	}
	ec.slowPaths[EventPoll].Add(1)
	flags, fault := ec.serviceSurprise()
	if fault != nil {
		return flags, fault
	}
	return flags, nil
}

// Reset returns the context to its initial state at session end: every
// subsystem disabled, no pending conditions, no frames, no timers, no
// signal handlers.
func (ec *ExecutionContext) Reset() {
	ec.timers.stopAll()
	ec.signals.reset()
	ec.flags.reset()
	ec.stack.reset()
	for i := range ec.slowPaths {
		ec.slowPaths[i].Store(0)
	}
}
