package vm

// ---------------------------------------------------------------------------
// Subsystem adapters
// ---------------------------------------------------------------------------
//
// Adapters are reached only from slow paths. Every method may fail; a
// returned error becomes a Fault that redirects the frame to Unwind.

// EventKind enumerates the lifecycle events the dispatcher handles.
type EventKind uint8

const (
	EventCall EventKind = iota
	EventResumeAwait
	EventResumeYield
	EventSuspendE
	EventSuspendR
	EventPreReturn
	EventReturn
	EventUnwind
	EventCallUserFuncArray
	EventPoll

	eventKindCount
)

var eventNames = [eventKindCount]string{
	"call", "resume-await", "resume-yield", "suspend-e", "suspend-r",
	"pre-return", "return", "unwind", "call-user-func-array", "poll",
}

func (e EventKind) String() string {
	if e < eventKindCount {
		return eventNames[e]
	}
	return "event(?)"
}

// ExitKind says how a frame left the stack.
type ExitKind uint8

const (
	ExitReturn ExitKind = iota
	ExitUnwind
	ExitSuspend
)

func (k ExitKind) String() string {
	switch k {
	case ExitReturn:
		return "return"
	case ExitUnwind:
		return "unwind"
	case ExitSuspend:
		return "suspend"
	}
	return "exit(?)"
}

// Exit describes a frame leaving the stack. Return is set for ExitReturn,
// Fault for ExitUnwind. Both are read-only to observers.
type Exit struct {
	Kind   ExitKind
	Name   string
	Return *Value
	Fault  *Fault
}

// ResumeCause distinguishes why a suspended frame re-entered.
type ResumeCause uint8

const (
	// ResumeAwait: an awaited dependency completed. Profiled as nested time.
	ResumeAwait ResumeCause = iota
	// ResumeYield: a driver asked for the next yielded value. Profiled as a
	// sibling activation.
	ResumeYield
)

func (c ResumeCause) String() string {
	if c == ResumeAwait {
		return "await"
	}
	return "yield"
}

// FrameObserver receives enter and exit notifications. The profiler and the
// debugger are both FrameObservers.
type FrameObserver interface {
	OnEnter(ec *ExecutionContext, f *CallFrame, name string) error
	OnExit(ec *ExecutionContext, f *CallFrame, exit Exit) error
}

// SuspendObserver is optionally implemented by a FrameObserver that needs
// to know why frames suspend and resume.
type SuspendObserver interface {
	OnSuspend(ec *ExecutionContext, f *CallFrame, child any) error
	OnResume(ec *ExecutionContext, f *CallFrame, cause ResumeCause) error
}

// ReflectiveCallObserver is optionally implemented by a profiler to observe
// calls made through the reflective call-user-func-array path.
type ReflectiveCallObserver interface {
	OnReflectiveCall(ec *ExecutionContext, invoker *CallFrame, target *Func) error
}

// Interceptor resolves substitute handlers for functions.
type Interceptor interface {
	LookupIntercept(fn *Func) (InterceptHandler, bool)
}

// InterceptCall is what an intercept handler sees.
type InterceptCall struct {
	Context *ExecutionContext
	Frame   FrameHandle
	Func    *Func
}

// InterceptHandler runs in place of a function body. It returns the
// substitute value and done=true to skip the body, or done=false to let the
// real body run. A non-nil error unwinds the intercepted frame.
type InterceptHandler func(call InterceptCall) (ret Value, done bool, err error)

// AsyncObserver receives resumable-function lifecycle events while async
// notification is enabled.
type AsyncObserver interface {
	OnResumableCreate(ec *ExecutionContext, f *CallFrame) error
	OnResumableAwait(ec *ExecutionContext, f *CallFrame, child any) error
	OnResumableResume(ec *ExecutionContext, f *CallFrame) error
	OnResumableSuccess(ec *ExecutionContext, f *CallFrame, ret Value) error
	OnResumableFail(ec *ExecutionContext, f *CallFrame, fault *Fault) error
}

// Adapters is the fixed adapter table of an execution context. Nil entries
// are skipped.
type Adapters struct {
	Profiler    FrameObserver
	Debugger    FrameObserver
	Interceptor Interceptor
	Async       AsyncObserver
}

// Observer slots in fan-out order.
const (
	slotProfiler uint8 = 1 << iota
	slotDebugger
)

var observerSlots = [...]uint8{slotProfiler, slotDebugger}

// observerMask returns the slots enabled by flags that have an observer.
func (a *Adapters) observerMask(flags SurpriseFlag) uint8 {
	var m uint8
	if flags&FlagProfiler != 0 && a.Profiler != nil {
		m |= slotProfiler
	}
	if flags&FlagDebugger != 0 && a.Debugger != nil {
		m |= slotDebugger
	}
	return m
}

func (a *Adapters) observerAt(slot uint8) FrameObserver {
	if slot == slotProfiler {
		return a.Profiler
	}
	return a.Debugger
}

// observers returns the frame observers selected by flags, profiler first.
func (a *Adapters) observers(flags SurpriseFlag, buf *[2]FrameObserver) []FrameObserver {
	return a.observersIn(a.observerMask(flags), buf)
}

func (a *Adapters) observersIn(mask uint8, buf *[2]FrameObserver) []FrameObserver {
	out := buf[:0]
	for _, slot := range observerSlots {
		if mask&slot != 0 {
			out = append(out, a.observerAt(slot))
		}
	}
	return out
}
