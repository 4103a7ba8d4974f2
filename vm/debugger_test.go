package vm

import (
	"errors"
	"testing"
)

func newDebuggedContext(d *DebugServer) *ExecutionContext {
	ec := NewExecutionContext(Options{ID: "debuggee", Adapters: Adapters{Debugger: d}})
	ec.Enable(SubsystemDebugger)
	return ec
}

// drain returns every event currently buffered.
func drain(d *DebugServer) []DebugEvent {
	var out []DebugEvent
	for {
		select {
		case ev := <-d.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

// ---------------------------------------------------------------------------
// Breakpoint management
// ---------------------------------------------------------------------------

func TestDebugServerBreakpoints(t *testing.T) {
	d := NewDebugServer(0)

	id1 := d.SetBreakpoint("Util>>leaf")
	id2 := d.SetBreakpoint("Math>>square")
	if id1 == id2 {
		t.Fatal("breakpoints should get distinct IDs")
	}
	if again := d.SetBreakpoint("Util>>leaf"); again != id1 {
		t.Errorf("setting twice returned %d, want %d", again, id1)
	}

	bps := d.ListBreakpoints()
	if len(bps) != 2 || bps[0].ID != id1 || bps[1].ID != id2 {
		t.Errorf("breakpoints = %+v", bps)
	}

	if err := d.EnableBreakpoint(id2, false); err != nil {
		t.Fatal(err)
	}
	if d.ListBreakpoints()[1].Active {
		t.Error("breakpoint should be inactive")
	}

	if err := d.RemoveBreakpoint(id1); err != nil {
		t.Fatal(err)
	}
	if err := d.RemoveBreakpoint(id1); !errors.Is(err, ErrNoBreakpoint) {
		t.Errorf("second remove err = %v, want ErrNoBreakpoint", err)
	}
	if err := d.EnableBreakpoint(99, true); !errors.Is(err, ErrNoBreakpoint) {
		t.Errorf("enable unknown err = %v", err)
	}

	d.ClearAllBreakpoints()
	if len(d.ListBreakpoints()) != 0 {
		t.Error("ClearAllBreakpoints left breakpoints")
	}
}

// ---------------------------------------------------------------------------
// Breakpoint hits
// ---------------------------------------------------------------------------

func TestDebugServerBreakpointHit(t *testing.T) {
	fns := newTestFuncs()
	d := NewDebugServer(8)
	id := d.SetBreakpoint("Util>>leaf")
	ec := newDebuggedContext(d)

	ec.Invoke(fns.main, KindNormal, func(FrameHandle) (Value, error) {
		return ec.Invoke(fns.leaf, KindNormal, constBody(Nil))
	})

	events := drain(d)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != DebugBreakpointHit || ev.Breakpoint != id || ev.Function != "Util>>leaf" || ev.Depth != 2 {
		t.Errorf("event = %+v", ev)
	}
	if ev.Context != "debuggee" {
		t.Errorf("context = %q", ev.Context)
	}
	if d.ListBreakpoints()[0].Hits != 1 {
		t.Errorf("hits = %d, want 1", d.ListBreakpoints()[0].Hits)
	}
}

func TestDebugServerBreakpointSkipsResumes(t *testing.T) {
	fns := newTestFuncs()
	d := NewDebugServer(8)
	d.SetBreakpoint("Counter>>each")
	ec := newDebuggedContext(d)

	r, _ := ec.Start(fns.gen, KindNormal)
	r.Suspend(nil)
	r.Next()
	r.Return(Nil)

	if n := len(drain(d)); n != 1 {
		t.Errorf("got %d breakpoint events, want 1 for the first activation", n)
	}
}

func TestDebugServerOnStopErrorFaults(t *testing.T) {
	fns := newTestFuncs()
	d := NewDebugServer(8)
	d.SetBreakpoint("Util>>leaf")
	d.OnStop = func(*ExecutionContext, DebugEvent) error { return errBoom }
	ec := newDebuggedContext(d)

	_, err := ec.Invoke(fns.leaf, KindNormal, constBody(Nil))
	if !errors.Is(err, errBoom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestDebugServerDropsWhenFull(t *testing.T) {
	fns := newTestFuncs()
	d := NewDebugServer(1)
	d.SetBreakpoint("Util>>leaf")
	ec := newDebuggedContext(d)

	for range 3 {
		if _, err := ec.Invoke(fns.leaf, KindNormal, constBody(Nil)); err != nil {
			t.Fatalf("a full channel must not fault the program: %v", err)
		}
	}
	if d.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", d.Dropped())
	}
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

func TestDebugServerExceptionReportedOnce(t *testing.T) {
	fns := newTestFuncs()
	d := NewDebugServer(8)
	d.BreakOnException(true)
	ec := newDebuggedContext(d)

	thrown := NewUserFault(FromSmallInt(1), "thrown")
	ec.Invoke(fns.main, KindNormal, func(FrameHandle) (Value, error) {
		return ec.Invoke(fns.leaf, KindNormal, func(FrameHandle) (Value, error) {
			return Nil, thrown
		})
	})

	events := drain(d)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Type != DebugException || events[0].Fault != thrown || events[0].Function != "Util>>leaf" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestDebugServerExceptionsOff(t *testing.T) {
	fns := newTestFuncs()
	d := NewDebugServer(8)
	ec := newDebuggedContext(d)
	ec.Invoke(fns.leaf, KindNormal, func(FrameHandle) (Value, error) {
		return Nil, NewUserFault(Nil, "quiet")
	})
	if n := len(drain(d)); n != 0 {
		t.Errorf("got %d events with break-on-exception off", n)
	}
}

// ---------------------------------------------------------------------------
// Step-out
// ---------------------------------------------------------------------------

func TestDebugServerStepOutSeesReturnValue(t *testing.T) {
	fns := newTestFuncs()
	d := NewDebugServer(8)
	ec := newDebuggedContext(d)

	ec.Invoke(fns.main, KindNormal, func(FrameHandle) (Value, error) {
		return ec.Invoke(fns.leaf, KindNormal, func(h FrameHandle) (Value, error) {
			if err := d.StepOut(ec, h); err != nil {
				t.Errorf("StepOut: %v", err)
			}
			return FromSmallInt(7), nil
		})
	})

	events := drain(d)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != DebugStepOut || ev.Function != "Util>>leaf" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Return == nil || ev.Return.SmallInt() != 7 {
		t.Errorf("return = %v, want 7", ev.Return)
	}
	if ec.Surprise().AnyCondition() {
		t.Error("return watch should be cleared once the step-out completes")
	}
	if n := ec.SlowPathCount(EventPreReturn); n != 1 {
		t.Errorf("pre-return ran %d time(s), want 1", n)
	}
}

func TestDebugServerStepOutIgnoresSuspend(t *testing.T) {
	fns := newTestFuncs()
	d := NewDebugServer(8)
	ec := newDebuggedContext(d)

	r, _ := ec.Start(fns.gen, KindNormal)
	if err := d.StepOut(ec, r.Handle()); err != nil {
		t.Fatal(err)
	}
	r.Suspend(nil)
	if n := len(drain(d)); n != 0 {
		t.Fatalf("suspend completed the step-out (%d events)", n)
	}
	r.Next()
	r.Return(FromSmallInt(2))

	events := drain(d)
	if len(events) != 1 || events[0].Type != DebugStepOut {
		t.Errorf("events = %+v, want one step-out", events)
	}
}

func TestDebugServerStepOutRequiresDebugger(t *testing.T) {
	fns := newTestFuncs()
	d := NewDebugServer(8)
	ec := NewExecutionContext(Options{Adapters: Adapters{Debugger: d}})
	h := ec.Stack().Push(fns.leaf, KindNormal)
	if err := d.StepOut(ec, h); err == nil {
		t.Error("StepOut should fail with the debugger disabled")
	}

	ec.Enable(SubsystemDebugger)
	ec.Stack().Discard(h)
	if err := d.StepOut(ec, h); err == nil {
		t.Error("StepOut should fail for a stale handle")
	}
}

func TestDebugServerCancelStepOut(t *testing.T) {
	fns := newTestFuncs()
	d := NewDebugServer(8)
	ec := newDebuggedContext(d)
	h := ec.Stack().Push(fns.leaf, KindNormal)

	d.StepOut(ec, h)
	d.CancelStepOut(ec)
	if ec.Surprise().AnyCondition() {
		t.Error("CancelStepOut should clear the return watch")
	}
}
