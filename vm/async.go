package vm

// AsyncCallbacks adapts plain functions to AsyncObserver. Nil fields are
// skipped.
type AsyncCallbacks struct {
	Create  func(ec *ExecutionContext, f *CallFrame) error
	Await   func(ec *ExecutionContext, f *CallFrame, child any) error
	Resume  func(ec *ExecutionContext, f *CallFrame) error
	Success func(ec *ExecutionContext, f *CallFrame, ret Value) error
	Fail    func(ec *ExecutionContext, f *CallFrame, fault *Fault) error
}

var _ AsyncObserver = (*AsyncCallbacks)(nil)

func (a *AsyncCallbacks) OnResumableCreate(ec *ExecutionContext, f *CallFrame) error {
	if a.Create == nil {
		return nil
	}
	return a.Create(ec, f)
}

func (a *AsyncCallbacks) OnResumableAwait(ec *ExecutionContext, f *CallFrame, child any) error {
	if a.Await == nil {
		return nil
	}
	return a.Await(ec, f, child)
}

func (a *AsyncCallbacks) OnResumableResume(ec *ExecutionContext, f *CallFrame) error {
	if a.Resume == nil {
		return nil
	}
	return a.Resume(ec, f)
}

func (a *AsyncCallbacks) OnResumableSuccess(ec *ExecutionContext, f *CallFrame, ret Value) error {
	if a.Success == nil {
		return nil
	}
	return a.Success(ec, f, ret)
}

func (a *AsyncCallbacks) OnResumableFail(ec *ExecutionContext, f *CallFrame, fault *Fault) error {
	if a.Fail == nil {
		return nil
	}
	return a.Fail(ec, f, fault)
}
