package vm

// ---------------------------------------------------------------------------
// Event hooks
// ---------------------------------------------------------------------------
//
// Every hook has the same shape: an inline fast path that at most emits a
// trace record and tests the surprise word, and an out-of-line slow path
// that services pending conditions and fans out to the adapters.
//
// Any hook may fail. A failure means the frame has already been moved to
// the Unwound state and observers have seen the abnormal exit; the caller
// must propagate the returned fault to the caller's frame and must not call
// FunctionUnwind for this frame.

// FunctionCall is invoked before a function body starts. proceed=false
// means an intercept handler ran in place of the body: the frame is already
// Returned and ret holds the substitute result.
func (ec *ExecutionContext) FunctionCall(h FrameHandle) (proceed bool, ret Value, err error) {
	f := ec.stack.Frame(h)
	ec.stack.enter(f)
	ec.traceEnter(f)
	if !ec.flags.Any() {
		return true, Nil, nil
	}
	return ec.onFunctionCall(f)
}

// FunctionResumeAwait is invoked when a suspended frame re-enters because
// the dependency it awaited completed.
func (ec *ExecutionContext) FunctionResumeAwait(h FrameHandle) error {
	f := ec.stack.Frame(h)
	ec.stack.attach(f)
	ec.traceEnter(f)
	if !ec.flags.Any() {
		return nil
	}
	return ec.onFunctionResume(f, ResumeAwait)
}

// FunctionResumeYield is invoked when a driver asks a suspended generator
// frame for its next value.
func (ec *ExecutionContext) FunctionResumeYield(h FrameHandle) error {
	f := ec.stack.Frame(h)
	ec.stack.attach(f)
	ec.traceEnter(f)
	if !ec.flags.Any() {
		return nil
	}
	return ec.onFunctionResume(f, ResumeYield)
}

// FunctionSuspendE is invoked when a resumable function suspends eagerly,
// before any child has been linked to it.
func (ec *ExecutionContext) FunctionSuspendE(h FrameHandle) error {
	f := ec.stack.Frame(h)
	ec.expectSuspendable(f)
	ec.traceExit(f)
	if !ec.flags.Any() && f.observed == 0 {
		ec.stack.detach(f)
		return nil
	}
	return ec.onFunctionSuspend(f, EventSuspendE, nil)
}

// FunctionSuspendR is invoked when a resumed frame suspends again, handing
// itself to child.
func (ec *ExecutionContext) FunctionSuspendR(h FrameHandle, child any) error {
	f := ec.stack.Frame(h)
	ec.expectSuspendable(f)
	ec.traceExit(f)
	if !ec.flags.Any() && f.observed == 0 {
		f.Child = child
		ec.stack.detach(f)
		return nil
	}
	return ec.onFunctionSuspend(f, EventSuspendR, child)
}

// FunctionPreReturn is invoked before the return value is finalized. It is
// gated by the condition word, not the surprise word. When it runs it makes
// the frame's final exit notification, and the following FunctionReturn
// does not notify again.
func (ec *ExecutionContext) FunctionPreReturn(h FrameHandle, ret *Value) error {
	if !ec.flags.AnyCondition() {
		return nil
	}
	f := ec.stack.Frame(h)
	ec.stack.expectCurrent(f, "pre-return")
	return ec.onFunctionPreReturn(f, ret)
}

// FunctionReturn is invoked at normal completion with the finalized return
// value. Observers see a copy of *ret; the slot itself is never modified.
func (ec *ExecutionContext) FunctionReturn(h FrameHandle, ret *Value) error {
	f := ec.stack.Frame(h)
	ec.stack.expectCurrent(f, "return")
	ec.traceExit(f)
	if (!ec.flags.Any() && f.observed == 0) || f.Flags&frameExitNotified != 0 {
		ec.stack.finish(f, FrameReturned)
		return nil
	}
	return ec.onFunctionReturn(f, ret)
}

// FunctionUnwind is invoked when fault propagates out of the frame. It
// returns nil when fault should keep propagating, or a new fault, linked to
// fault through Previous, raised by an observer while unwinding.
func (ec *ExecutionContext) FunctionUnwind(h FrameHandle, fault *Fault) error {
	if fault == nil {
		panic(invariantf("FunctionUnwind of %v without a fault", h))
	}
	f := ec.stack.Frame(h)
	ec.stack.expectCurrent(f, "unwind")
	ec.traceExit(f)
	if !ec.flags.Any() && f.observed == 0 {
		ec.stack.finish(f, FrameUnwound)
		return nil
	}
	return ec.onFunctionUnwind(f, fault)
}

// FunctionCallUserFuncArray reports a call made through the reflective
// call path. The installed profiler is told regardless of the surprise
// word.
func (ec *ExecutionContext) FunctionCallUserFuncArray(invoker FrameHandle, target *Func) error {
	ec.slowPaths[EventCallUserFuncArray].Add(1)
	o, ok := ec.adapters.Profiler.(ReflectiveCallObserver)
	if !ok {
		return nil
	}
	var inv *CallFrame
	if !invoker.IsZero() {
		inv = ec.stack.Frame(invoker)
	}
	if err := o.OnReflectiveCall(ec, inv, target); err != nil {
		return AsFault(err)
	}
	return nil
}

// ProfilerName resolves the name observers see for a frame of fn entered as
// kind.
func ProfilerName(fn *Func, kind FuncKind) string {
	switch kind {
	case KindPseudoMain:
		return "run_init::" + fn.Unit
	case KindEval:
		return "_"
	}
	if name := fn.FullName(); name != "" {
		return name
	}
	return "{internal}"
}

// ---------------------------------------------------------------------------
// Slow paths
// ---------------------------------------------------------------------------

func (ec *ExecutionContext) onFunctionCall(f *CallFrame) (bool, Value, error) {
	ec.slowPaths[EventCall].Add(1)

	flags, fault := ec.serviceSurprise()
	if fault != nil {
		return false, Nil, ec.unwindFaulted(f, fault, flags, false, true)
	}

	if flags&FlagIntercept != 0 {
		ret, intercepted, fault := ec.runInterceptHandler(f)
		if fault != nil {
			return false, Nil, ec.unwindFaulted(f, fault, ec.flags.Load(), false, true)
		}
		if intercepted {
			ec.traceExit(f)
			ec.stack.finish(f, FrameReturned)
			return false, ret, nil
		}
	}

	if fault := ec.notifyEnter(f, flags); fault != nil {
		return false, Nil, ec.unwindFaulted(f, fault, flags, f.Flags&frameEnterNotified != 0, true)
	}
	return true, Nil, nil
}

func (ec *ExecutionContext) onFunctionResume(f *CallFrame, cause ResumeCause) error {
	if cause == ResumeAwait {
		ec.slowPaths[EventResumeAwait].Add(1)
	} else {
		ec.slowPaths[EventResumeYield].Add(1)
	}

	flags, fault := ec.serviceSurprise()
	if fault != nil {
		return ec.unwindFaulted(f, fault, flags, false, true)
	}
	if fault := ec.notifyEnter(f, flags); fault != nil {
		return ec.unwindFaulted(f, fault, flags, f.Flags&frameEnterNotified != 0, true)
	}

	var buf [2]FrameObserver
	for _, o := range ec.adapters.observers(flags, &buf) {
		if so, ok := o.(SuspendObserver); ok {
			if err := so.OnResume(ec, f, cause); err != nil {
				return ec.unwindFaulted(f, AsFault(err), flags, true, true)
			}
		}
	}

	if cause == ResumeAwait && ec.asyncActive(f, flags) {
		if err := ec.adapters.Async.OnResumableResume(ec, f); err != nil {
			return ec.unwindFaulted(f, AsFault(err), flags, true, true)
		}
	}
	return nil
}

func (ec *ExecutionContext) onFunctionSuspend(f *CallFrame, ev EventKind, child any) error {
	ec.slowPaths[ev].Add(1)

	flags, fault := ec.serviceSurprise()
	if fault != nil {
		return ec.unwindFaulted(f, fault, flags, true, false)
	}

	if ec.asyncActive(f, flags) {
		var err error
		if ev == EventSuspendE {
			err = ec.adapters.Async.OnResumableCreate(ec, f)
		} else {
			err = ec.adapters.Async.OnResumableAwait(ec, f, child)
		}
		if err != nil {
			return ec.unwindFaulted(f, AsFault(err), flags, true, false)
		}
	}

	var buf [2]FrameObserver
	for _, o := range ec.adapters.observers(flags, &buf) {
		if so, ok := o.(SuspendObserver); ok {
			if err := so.OnSuspend(ec, f, child); err != nil {
				return ec.unwindFaulted(f, AsFault(err), flags, true, false)
			}
		}
	}

	if raised := ec.notifyExit(f, Exit{Kind: ExitSuspend}, flags); raised != nil {
		ec.stack.finish(f, FrameUnwound)
		return raised
	}

	f.Child = child
	ec.stack.detach(f)
	return nil
}

func (ec *ExecutionContext) onFunctionPreReturn(f *CallFrame, ret *Value) error {
	ec.slowPaths[EventPreReturn].Add(1)

	flags := ec.flags.Load()
	if flags != 0 {
		var fault *Fault
		flags, fault = ec.serviceSurprise()
		if fault != nil {
			return ec.unwindFaulted(f, fault, flags, true, true)
		}
	}
	if fault := ec.resumableSucceeded(f, *ret, flags); fault != nil {
		return ec.unwindFaulted(f, fault, flags, true, true)
	}

	r := *ret
	if raised := ec.notifyExit(f, Exit{Kind: ExitReturn, Return: &r}, flags); raised != nil {
		ec.traceExit(f)
		ec.stack.finish(f, FrameUnwound)
		return raised
	}
	return nil
}

func (ec *ExecutionContext) onFunctionReturn(f *CallFrame, ret *Value) error {
	ec.slowPaths[EventReturn].Add(1)

	flags, fault := ec.serviceSurprise()
	if fault != nil {
		return ec.unwindFaulted(f, fault, flags, true, false)
	}
	if fault := ec.resumableSucceeded(f, *ret, flags); fault != nil {
		return ec.unwindFaulted(f, fault, flags, true, false)
	}

	r := *ret
	if raised := ec.notifyExit(f, Exit{Kind: ExitReturn, Return: &r}, flags); raised != nil {
		ec.stack.finish(f, FrameUnwound)
		return raised
	}
	ec.stack.finish(f, FrameReturned)
	return nil
}

// onFunctionUnwind does not service pending conditions: the unwinder is not
// re-entered with a second fault from the surprise word.
func (ec *ExecutionContext) onFunctionUnwind(f *CallFrame, fault *Fault) error {
	ec.slowPaths[EventUnwind].Add(1)

	flags := ec.flags.Load()
	raised := ec.notifyExit(f, Exit{Kind: ExitUnwind, Fault: fault}, flags)
	if ec.asyncActive(f, flags) && f.IsResumed() {
		current := fault
		if raised != nil {
			current = raised
		}
		if err := ec.adapters.Async.OnResumableFail(ec, f, current); err != nil {
			raised = supersede(AsFault(err), current)
		}
	}
	ec.stack.finish(f, FrameUnwound)
	if raised != nil {
		return raised
	}
	return nil
}

// ---------------------------------------------------------------------------
// Fault/unwind bridge
// ---------------------------------------------------------------------------

// unwindFaulted ends f as Unwound because fault was raised inside one of its
// hooks. notify selects whether observers see the abnormal exit; it is false
// when the fault arrived before the segment's enter notification.
// emitTrace closes the trace span for hooks whose fast path opened one.
// The returned error is never nil.
func (ec *ExecutionContext) unwindFaulted(f *CallFrame, fault *Fault, flags SurpriseFlag, notify, emitTrace bool) error {
	final := fault
	if notify {
		if raised := ec.notifyExit(f, Exit{Kind: ExitUnwind, Fault: fault}, flags); raised != nil {
			final = raised
		}
	}
	if ec.asyncActive(f, flags) && f.IsResumed() {
		if err := ec.adapters.Async.OnResumableFail(ec, f, final); err != nil {
			final = supersede(AsFault(err), final)
		}
	}
	if emitTrace {
		ec.traceExit(f)
	}
	logger.Debugf("%s: %s unwound in hook: %v", ec.id, f.Func.FullName(), final)
	ec.stack.finish(f, FrameUnwound)
	return final
}

// serviceSurprise acts on pending conditions and returns the flags left for
// fan-out. At most one fault is delivered per call; further fault bits stay
// set for the next hook.
func (ec *ExecutionContext) serviceSurprise() (SurpriseFlag, *Fault) {
	flags := ec.flags.Load()
	if flags&FaultFlags != 0 {
		for _, bit := range [...]SurpriseFlag{FlagInterrupt, FlagTimedOut, FlagMemoryExceeded, FlagPendingFault} {
			if flags&bit == 0 {
				continue
			}
			fault := ec.flags.take(bit)
			if fault == nil {
				if bit == FlagPendingFault {
					// A Raise that landed inside an earlier take left the
					// bit behind; its fault was delivered then.
					continue
				}
				fault = defaultFault(bit)
			}
			return ec.flags.Load(), fault
		}
	}
	if flags&FlagSignal != 0 {
		if fault := ec.runSignalHandlers(); fault != nil {
			return ec.flags.Load(), fault
		}
	}
	return ec.flags.Load(), nil
}

// defaultFault is the fault for a resource bit set without one.
func defaultFault(bit SurpriseFlag) *Fault {
	switch bit {
	case FlagInterrupt:
		return NewResourceFault(ErrInterrupted, "")
	case FlagTimedOut:
		return NewResourceFault(ErrTimeout, "")
	default:
		return NewResourceFault(ErrMemoryLimit, "")
	}
}

// ---------------------------------------------------------------------------
// Fan-out helpers
// ---------------------------------------------------------------------------

func (ec *ExecutionContext) notifyEnter(f *CallFrame, flags SurpriseFlag) *Fault {
	f.observed = 0
	f.Flags &^= frameEnterFaulted
	if flags&FlagIntervalTimer != 0 {
		if fault := ec.runIntervalTimers(SampleEnter); fault != nil {
			return fault
		}
	}
	mask := ec.adapters.observerMask(flags)
	if mask == 0 {
		return nil
	}
	name := ProfilerName(f.Func, f.Kind)
	f.Flags |= frameEnterNotified
	for _, slot := range observerSlots {
		if mask&slot == 0 {
			continue
		}
		f.observed |= slot
		if err := ec.adapters.observerAt(slot).OnEnter(ec, f, name); err != nil {
			f.Flags |= frameEnterFaulted
			return AsFault(err)
		}
	}
	return nil
}

// notifyExit delivers the frame's final exit for the current segment. Each
// observer sees exactly one exit: once an observer or timer faults, the
// remaining observers see an unwind carrying that fault, which is returned.
// Observers told of the enter get the exit even if disabled since; those
// enabled since get it too, unless an enter observer faulted.
func (ec *ExecutionContext) notifyExit(f *CallFrame, exit Exit, flags SurpriseFlag) *Fault {
	if f.Flags&frameExitNotified != 0 {
		return nil
	}
	f.Flags |= frameExitNotified
	mask := f.observed
	f.observed = 0
	if f.Flags&FrameInlined != 0 {
		return nil
	}

	var raised *Fault
	if flags&FlagIntervalTimer != 0 && (exit.Fault == nil || exit.Fault.IsUser()) {
		if fault := ec.runIntervalTimers(SampleExit); fault != nil {
			raised = supersede(fault, exit.Fault)
			exit = Exit{Kind: ExitUnwind, Fault: raised}
		}
	}

	if f.Flags&frameEnterFaulted == 0 {
		mask |= ec.adapters.observerMask(flags)
	}
	if mask == 0 {
		return raised
	}
	var buf [2]FrameObserver
	exit.Name = ProfilerName(f.Func, f.Kind)
	for _, o := range ec.adapters.observersIn(mask, &buf) {
		if err := o.OnExit(ec, f, exit); err != nil {
			raised = supersede(AsFault(err), exit.Fault)
			exit = Exit{Kind: ExitUnwind, Name: exit.Name, Fault: raised}
		}
	}
	return raised
}

func (ec *ExecutionContext) runInterceptHandler(f *CallFrame) (Value, bool, *Fault) {
	ic := ec.adapters.Interceptor
	if ic == nil {
		return Nil, false, nil
	}
	handler, ok := ic.LookupIntercept(f.Func)
	if !ok || handler == nil {
		return Nil, false, nil
	}
	ret, done, err := handler(InterceptCall{Context: ec, Frame: f.handle, Func: f.Func})
	if err != nil {
		return Nil, false, AsFault(err)
	}
	return ret, done, nil
}

func (ec *ExecutionContext) asyncActive(f *CallFrame, flags SurpriseFlag) bool {
	return flags&FlagAsync != 0 && f.Func.Async && ec.adapters.Async != nil
}

func (ec *ExecutionContext) resumableSucceeded(f *CallFrame, ret Value, flags SurpriseFlag) *Fault {
	if !ec.asyncActive(f, flags) || !f.IsResumed() {
		return nil
	}
	if err := ec.adapters.Async.OnResumableSuccess(ec, f, ret); err != nil {
		return AsFault(err)
	}
	return nil
}

func (ec *ExecutionContext) expectSuspendable(f *CallFrame) {
	if !f.Func.Resumable {
		panic(invariantf("suspend of non-resumable %s", f.Func.FullName()))
	}
	ec.stack.expectCurrent(f, "suspend")
}

func (ec *ExecutionContext) traceEnter(f *CallFrame) {
	if t := ec.tracer; t != nil && t.Enabled() {
		t.emit(f.Func.FullName(), TraceEnter)
	}
}

func (ec *ExecutionContext) traceExit(f *CallFrame) {
	if t := ec.tracer; t != nil && t.Enabled() {
		t.emit(f.Func.FullName(), TraceExit)
	}
}
