package vm

import "fmt"

// ---------------------------------------------------------------------------
// Resumable: a generator or async activation
// ---------------------------------------------------------------------------

// Resumable drives one activation of a resumable function through the
// suspend and resume hooks. Its frame survives between segments.
type Resumable struct {
	ec   *ExecutionContext
	h    FrameHandle
	fn   *Func
	done bool
	ret  Value
}

// Start enters a new activation of fn. If an intercept handler ran in its
// place the Resumable is already done and Result holds the substitute.
func (ec *ExecutionContext) Start(fn *Func, kind FuncKind) (*Resumable, error) {
	if !fn.Resumable {
		return nil, fmt.Errorf("start %s: not resumable", fn.FullName())
	}
	r := &Resumable{ec: ec, fn: fn, h: ec.stack.Push(fn, kind)}
	proceed, ret, err := ec.FunctionCall(r.h)
	if err != nil {
		r.done = true
		return r, err
	}
	if !proceed {
		r.done, r.ret = true, ret
	}
	return r, nil
}

// Handle returns the activation's frame handle.
func (r *Resumable) Handle() FrameHandle { return r.h }

// Done reports whether the activation reached a terminal state.
func (r *Resumable) Done() bool { return r.done }

// Result returns the final value once Done.
func (r *Resumable) Result() Value { return r.ret }

// Suspend leaves the stack. Before the first resume this is an eager
// suspend; afterwards the frame hands itself to child.
func (r *Resumable) Suspend(child any) error {
	r.expectLive("suspend")
	var err error
	if r.ec.stack.Frame(r.h).IsResumed() {
		err = r.ec.FunctionSuspendR(r.h, child)
	} else {
		err = r.ec.FunctionSuspendE(r.h)
	}
	if err != nil {
		r.done = true
	}
	return err
}

// Await re-enters the frame because an awaited dependency completed.
func (r *Resumable) Await() error {
	r.expectLive("await")
	return r.after(r.ec.FunctionResumeAwait(r.h))
}

// Next re-enters the frame because a consumer asked for the next value.
func (r *Resumable) Next() error {
	r.expectLive("next")
	return r.after(r.ec.FunctionResumeYield(r.h))
}

// Return completes the activation with v.
func (r *Resumable) Return(v Value) error {
	r.expectLive("return")
	r.done = true
	if err := r.ec.FunctionPreReturn(r.h, &v); err != nil {
		return err
	}
	if err := r.ec.FunctionReturn(r.h, &v); err != nil {
		return err
	}
	r.ret = v
	return nil
}

// Fail unwinds the activation with fault. It returns the fault that keeps
// propagating.
func (r *Resumable) Fail(fault *Fault) error {
	r.expectLive("fail")
	r.done = true
	if raised := r.ec.FunctionUnwind(r.h, fault); raised != nil {
		return raised
	}
	return fault
}

// Abandon releases a suspended activation that will never be resumed. No
// hook fires.
func (r *Resumable) Abandon() {
	r.expectLive("abandon")
	r.done = true
	r.ec.stack.Abandon(r.h)
}

func (r *Resumable) after(err error) error {
	if err != nil {
		r.done = true
	}
	return err
}

func (r *Resumable) expectLive(op string) {
	if r.done {
		panic(invariantf("%s of finished %s", op, r.fn.FullName()))
	}
}
