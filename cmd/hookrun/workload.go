package main

import (
	"github.com/chazu/hookvm/host"
	"github.com/chazu/hookvm/vm"
)

// workload exercises every hook: plain recursion, a reflective call, an
// intercept candidate, a generator and an async function.
type workload struct {
	main    *vm.Func
	fib     *vm.Func
	square  *vm.Func
	counter *vm.Func
	fetch   *vm.Func
}

func newWorkload(funcs *vm.FuncTable) *workload {
	return &workload{
		main:    funcs.Define(vm.Func{Name: "main", Unit: "demo.hk"}),
		fib:     funcs.Define(vm.Func{Class: "Fib", Name: "compute"}),
		square:  funcs.Define(vm.Func{Class: "Math", Name: "square"}),
		counter: funcs.Define(vm.Func{Class: "Counter", Name: "each", Resumable: true}),
		fetch:   funcs.Define(vm.Func{Class: "Fetch", Name: "run", Async: true}),
	}
}

func (w *workload) run(n int) host.Job {
	return func(ec *vm.ExecutionContext) (vm.Value, error) {
		return ec.Invoke(w.main, vm.KindPseudoMain, func(vm.FrameHandle) (vm.Value, error) {
			fib, err := w.fibonacci(ec, int64(n))
			if err != nil {
				return vm.Nil, err
			}
			sq, err := ec.CallUserFuncArray(w.square, func(vm.FrameHandle) (vm.Value, error) {
				return vm.FromSmallInt(fib.SmallInt() * fib.SmallInt()), nil
			})
			if err != nil {
				return vm.Nil, err
			}
			sum, err := w.count(ec, 5)
			if err != nil {
				return vm.Nil, err
			}
			fetched, err := w.fetchOne(ec)
			if err != nil {
				return vm.Nil, err
			}
			return vm.FromSmallInt(sq.SmallInt() + sum.SmallInt() + fetched.SmallInt()), nil
		})
	}
}

func (w *workload) fibonacci(ec *vm.ExecutionContext, n int64) (vm.Value, error) {
	return ec.Invoke(w.fib, vm.KindNormal, func(vm.FrameHandle) (vm.Value, error) {
		if _, err := ec.CheckSurprise(); err != nil {
			return vm.Nil, err
		}
		if n < 2 {
			return vm.FromSmallInt(n), nil
		}
		a, err := w.fibonacci(ec, n-1)
		if err != nil {
			return vm.Nil, err
		}
		b, err := w.fibonacci(ec, n-2)
		if err != nil {
			return vm.Nil, err
		}
		return vm.FromSmallInt(a.SmallInt() + b.SmallInt()), nil
	})
}

// count drives a generator yielding 1..limit and sums the values.
func (w *workload) count(ec *vm.ExecutionContext, limit int64) (vm.Value, error) {
	gen, err := ec.Start(w.counter, vm.KindNormal)
	if err != nil {
		return vm.Nil, err
	}
	if gen.Done() {
		return gen.Result(), nil
	}
	if err := gen.Suspend(nil); err != nil {
		return vm.Nil, err
	}

	var sum int64
	for i := int64(1); i <= limit; i++ {
		if err := gen.Next(); err != nil {
			return vm.Nil, err
		}
		sum += i
		if err := gen.Suspend("consumer"); err != nil {
			return vm.Nil, err
		}
	}
	if err := gen.Next(); err != nil {
		return vm.Nil, err
	}
	if err := gen.Return(vm.Nil); err != nil {
		return vm.Nil, err
	}
	return vm.FromSmallInt(sum), nil
}

// fetchOne runs an async function that awaits twice.
func (w *workload) fetchOne(ec *vm.ExecutionContext) (vm.Value, error) {
	task, err := ec.Start(w.fetch, vm.KindNormal)
	if err != nil {
		return vm.Nil, err
	}
	if task.Done() {
		return task.Result(), nil
	}
	if err := task.Suspend(nil); err != nil {
		return vm.Nil, err
	}
	if err := task.Await(); err != nil {
		return vm.Nil, err
	}
	if err := task.Suspend("io"); err != nil {
		return vm.Nil, err
	}
	if err := task.Await(); err != nil {
		return vm.Nil, err
	}
	if err := task.Return(vm.FromSmallInt(42)); err != nil {
		return vm.Nil, err
	}
	return task.Result(), nil
}
