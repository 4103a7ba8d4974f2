package vm

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Debugger: function breakpoints, exception events and step-out
// ---------------------------------------------------------------------------

// DebugServer is the debugger adapter. It observes enter and exit
// notifications and publishes DebugEvents to a client. It may be shared by
// many execution contexts.
type DebugServer struct {
	mu          sync.Mutex
	breakpoints map[string]*Breakpoint
	nextID      int
	stepOuts    map[*ExecutionContext]FrameHandle
	lastFault   *Fault
	onException bool

	// OnStop runs synchronously on the hooked goroutine for every event. An
	// error faults the frame that produced the event.
	OnStop func(ec *ExecutionContext, ev DebugEvent) error

	eventChan chan DebugEvent
	dropped   atomic.Uint64
}

var _ FrameObserver = (*DebugServer)(nil)

// DebugEventType names what happened.
type DebugEventType string

const (
	DebugBreakpointHit DebugEventType = "breakpointHit"
	DebugException     DebugEventType = "exception"
	DebugStepOut       DebugEventType = "stepOut"
)

// DebugEvent is sent to clients.
type DebugEvent struct {
	Type       DebugEventType
	Context    string // execution context ID
	Function   string // profiler name of the frame
	Depth      int
	Breakpoint int    // breakpoint ID for DebugBreakpointHit
	Return     *Value // copy of the return value for DebugStepOut
	Fault      *Fault // for DebugException, or a step-out that unwound
}

// Breakpoint is a function-entry breakpoint.
type Breakpoint struct {
	ID       int
	Function string
	Active   bool
	Hits     uint64
}

// ErrNoBreakpoint is returned when a breakpoint ID is unknown.
var ErrNoBreakpoint = errors.New("no such breakpoint")

// NewDebugServer creates a debugger whose event channel buffers up to
// buffer events. Events that do not fit are dropped and counted.
func NewDebugServer(buffer int) *DebugServer {
	if buffer <= 0 {
		buffer = 10
	}
	return &DebugServer{
		breakpoints: make(map[string]*Breakpoint),
		stepOuts:    make(map[*ExecutionContext]FrameHandle),
		eventChan:   make(chan DebugEvent, buffer),
	}
}

// BreakOnException makes the debugger publish an event the first time a
// fault unwinds a frame.
func (d *DebugServer) BreakOnException(on bool) {
	d.mu.Lock()
	d.onException = on
	d.mu.Unlock()
}

// Events returns the event channel for receiving debug events.
func (d *DebugServer) Events() <-chan DebugEvent {
	return d.eventChan
}

// Dropped returns the number of events lost to a full channel.
func (d *DebugServer) Dropped() uint64 {
	return d.dropped.Load()
}

// ---------------------------------------------------------------------------
// Breakpoint management
// ---------------------------------------------------------------------------

// SetBreakpoint sets an active breakpoint on entry to the function with the
// given profiler name and returns its ID. Setting one twice returns the
// existing ID.
func (d *DebugServer) SetBreakpoint(function string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bp, ok := d.breakpoints[function]; ok {
		bp.Active = true
		return bp.ID
	}
	d.nextID++
	d.breakpoints[function] = &Breakpoint{ID: d.nextID, Function: function, Active: true}
	return d.nextID
}

// RemoveBreakpoint removes the breakpoint with the given ID.
func (d *DebugServer) RemoveBreakpoint(id int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, bp := range d.breakpoints {
		if bp.ID == id {
			delete(d.breakpoints, name)
			return nil
		}
	}
	return fmt.Errorf("remove breakpoint %d: %w", id, ErrNoBreakpoint)
}

// EnableBreakpoint turns a breakpoint on or off without removing it.
func (d *DebugServer) EnableBreakpoint(id int, active bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, bp := range d.breakpoints {
		if bp.ID == id {
			bp.Active = active
			return nil
		}
	}
	return fmt.Errorf("enable breakpoint %d: %w", id, ErrNoBreakpoint)
}

// ListBreakpoints returns copies of all breakpoints ordered by ID.
func (d *DebugServer) ListBreakpoints() []Breakpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	result := make([]Breakpoint, 0, len(d.breakpoints))
	for _, bp := range d.breakpoints {
		result = append(result, *bp)
	}
	slices.SortFunc(result, func(a, b Breakpoint) int { return a.ID - b.ID })
	return result
}

// ClearAllBreakpoints removes all breakpoints.
func (d *DebugServer) ClearAllBreakpoints() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.breakpoints = make(map[string]*Breakpoint)
}

// ---------------------------------------------------------------------------
// Step-out
// ---------------------------------------------------------------------------

// StepOut requests a DebugStepOut event when frame h of ec finishes. The
// return value is observed before it is finalized, through the PreReturn
// hook. The debugger must be enabled on ec.
func (d *DebugServer) StepOut(ec *ExecutionContext, h FrameHandle) error {
	if !ec.Enabled(SubsystemDebugger) {
		return fmt.Errorf("step out in %s: debugger not enabled", ec.ID())
	}
	if ec.Stack().Lookup(h) == nil {
		return fmt.Errorf("step out in %s: stale %v", ec.ID(), h)
	}
	d.mu.Lock()
	d.stepOuts[ec] = h
	d.mu.Unlock()
	ec.Surprise().SetCondition(ConditionReturnWatch)
	return nil
}

// CancelStepOut drops a pending step-out request for ec.
func (d *DebugServer) CancelStepOut(ec *ExecutionContext) {
	d.mu.Lock()
	_, ok := d.stepOuts[ec]
	delete(d.stepOuts, ec)
	d.mu.Unlock()
	if ok {
		ec.Surprise().ClearCondition(ConditionReturnWatch)
	}
}

// ---------------------------------------------------------------------------
// Observer callbacks
// ---------------------------------------------------------------------------

// OnEnter reports active breakpoints on first activations.
func (d *DebugServer) OnEnter(ec *ExecutionContext, f *CallFrame, name string) error {
	if f.IsResumed() {
		return nil
	}
	d.mu.Lock()
	bp, ok := d.breakpoints[name]
	if !ok || !bp.Active {
		d.mu.Unlock()
		return nil
	}
	bp.Hits++
	id := bp.ID
	d.mu.Unlock()

	return d.publish(ec, DebugEvent{
		Type:       DebugBreakpointHit,
		Context:    ec.ID(),
		Function:   name,
		Depth:      f.Depth(),
		Breakpoint: id,
	})
}

// OnExit reports exceptions and completes step-out requests.
func (d *DebugServer) OnExit(ec *ExecutionContext, f *CallFrame, exit Exit) error {
	d.mu.Lock()
	stepping := false
	if h, ok := d.stepOuts[ec]; ok && h == f.Handle() && exit.Kind != ExitSuspend {
		delete(d.stepOuts, ec)
		stepping = true
	}
	exception := false
	if exit.Kind == ExitUnwind && d.onException && exit.Fault != d.lastFault {
		d.lastFault = exit.Fault
		exception = true
	}
	d.mu.Unlock()

	if stepping {
		ec.Surprise().ClearCondition(ConditionReturnWatch)
		if err := d.publish(ec, DebugEvent{
			Type:     DebugStepOut,
			Context:  ec.ID(),
			Function: exit.Name,
			Depth:    f.Depth(),
			Return:   exit.Return,
			Fault:    exit.Fault,
		}); err != nil {
			return err
		}
	}
	if exception {
		return d.publish(ec, DebugEvent{
			Type:     DebugException,
			Context:  ec.ID(),
			Function: exit.Name,
			Depth:    f.Depth(),
			Fault:    exit.Fault,
		})
	}
	return nil
}

func (d *DebugServer) publish(ec *ExecutionContext, ev DebugEvent) error {
	select {
	case d.eventChan <- ev:
	default:
		d.dropped.Add(1)
		logger.Warningf("%s: debug event %s for %s dropped", ec.ID(), ev.Type, ev.Function)
	}
	if d.OnStop != nil {
		return d.OnStop(ec, ev)
	}
	return nil
}
