package vm

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// recorder is a FrameObserver and SuspendObserver that logs every
// notification it receives.
type recorder struct {
	events []string
	enters map[*CallFrame]int
	exits  map[*CallFrame]int

	failEnter map[string]error
	failExit  map[string]error
}

func newRecorder() *recorder {
	return &recorder{
		enters:    make(map[*CallFrame]int),
		exits:     make(map[*CallFrame]int),
		failEnter: make(map[string]error),
		failExit:  make(map[string]error),
	}
}

func (r *recorder) OnEnter(ec *ExecutionContext, f *CallFrame, name string) error {
	r.events = append(r.events, "enter "+name)
	r.enters[f]++
	return r.failEnter[name]
}

func (r *recorder) OnExit(ec *ExecutionContext, f *CallFrame, exit Exit) error {
	r.events = append(r.events, fmt.Sprintf("exit %s %s", exit.Name, exit.Kind))
	r.exits[f]++
	return r.failExit[exit.Name]
}

func (r *recorder) OnSuspend(ec *ExecutionContext, f *CallFrame, child any) error {
	r.events = append(r.events, "suspend "+f.Func.FullName())
	return nil
}

func (r *recorder) OnResume(ec *ExecutionContext, f *CallFrame, cause ResumeCause) error {
	r.events = append(r.events, fmt.Sprintf("resume %s %s", f.Func.FullName(), cause))
	return nil
}

func (r *recorder) String() string {
	return strings.Join(r.events, "; ")
}

// balanced reports the first frame whose enter and exit counts differ.
func (r *recorder) balanced() error {
	for f, n := range r.enters {
		if r.exits[f] != n {
			return fmt.Errorf("%s: %d enter(s), %d exit(s)", f.Func.FullName(), n, r.exits[f])
		}
	}
	for f, n := range r.exits {
		if _, ok := r.enters[f]; !ok {
			return fmt.Errorf("%s: %d exit(s) without enter", f.Func.FullName(), n)
		}
	}
	return nil
}

func expectEvents(t *testing.T, r *recorder, want ...string) {
	t.Helper()
	got := r.String()
	if w := strings.Join(want, "; "); got != w {
		t.Errorf("events:\n got: %s\nwant: %s", got, w)
	}
}

// expectInvariant runs fn and fails unless it panics with an
// *InvariantViolation.
func expectInvariant(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatal("expected invariant violation, got none")
		}
		var v *InvariantViolation
		if err, ok := r.(error); !ok || !errors.As(err, &v) {
			t.Fatalf("expected *InvariantViolation, got %T: %v", r, r)
		}
	}()
	fn()
}

type testFuncs struct {
	table  *FuncTable
	main   *Func
	leaf   *Func
	square *Func
	gen    *Func
	task   *Func
}

func newTestFuncs() *testFuncs {
	t := NewFuncTable()
	return &testFuncs{
		table:  t,
		main:   t.Define(Func{Name: "main", Unit: "app.hk"}),
		leaf:   t.Define(Func{Class: "Util", Name: "leaf"}),
		square: t.Define(Func{Class: "Math", Name: "square"}),
		gen:    t.Define(Func{Class: "Counter", Name: "each", Resumable: true}),
		task:   t.Define(Func{Class: "Fetch", Name: "run", Async: true}),
	}
}

func constBody(v Value) Body {
	return func(FrameHandle) (Value, error) { return v, nil }
}

type testSignal string

func (s testSignal) Signal()        {}
func (s testSignal) String() string { return string(s) }
