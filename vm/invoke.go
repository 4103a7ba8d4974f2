package vm

// ---------------------------------------------------------------------------
// Invoke: the call protocol for interpreters and tests
// ---------------------------------------------------------------------------

// Body is a function body. It receives its own frame handle; nested calls go
// through Invoke again. A returned error propagates out of the frame.
type Body func(h FrameHandle) (Value, error)

// Invoke runs body as one activation of fn, firing Call, then PreReturn and
// Return, or Unwind. The returned error is a *Fault.
func (ec *ExecutionContext) Invoke(fn *Func, kind FuncKind, body Body) (Value, error) {
	return ec.invoke(fn, kind, 0, body)
}

// InvokeInlined is Invoke for a callee the JIT inlined into its caller.
func (ec *ExecutionContext) InvokeInlined(fn *Func, body Body) (Value, error) {
	return ec.invoke(fn, KindNormal, FrameInlined, body)
}

func (ec *ExecutionContext) invoke(fn *Func, kind FuncKind, flags FrameFlags, body Body) (Value, error) {
	h := ec.stack.Push(fn, kind)
	ec.stack.Frame(h).Flags |= flags

	proceed, ret, err := ec.FunctionCall(h)
	if err != nil {
		return Nil, err
	}
	if !proceed {
		return ret, nil
	}

	ret, err = body(h)
	if err != nil {
		fault := AsFault(err)
		if raised := ec.FunctionUnwind(h, fault); raised != nil {
			return Nil, raised
		}
		return Nil, fault
	}

	if err := ec.FunctionPreReturn(h, &ret); err != nil {
		return Nil, err
	}
	if err := ec.FunctionReturn(h, &ret); err != nil {
		return Nil, err
	}
	return ret, nil
}

// CallUserFuncArray invokes target through the reflective call path on
// behalf of the current frame.
func (ec *ExecutionContext) CallUserFuncArray(target *Func, body Body) (Value, error) {
	if err := ec.FunctionCallUserFuncArray(ec.stack.Current(), target); err != nil {
		return Nil, err
	}
	return ec.Invoke(target, KindNormal, body)
}
