package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/hookvm/vm"
)

// ErrStopped is returned by Do after Stop.
var ErrStopped = errors.New("worker stopped")

// Job is a unit of work run on a session's goroutine.
type Job func(ec *vm.ExecutionContext) (vm.Value, error)

// request represents a unit of work to be executed on the worker goroutine.
type request struct {
	ctx  context.Context
	job  Job
	done chan result
}

// result holds the return value from a job.
type result struct {
	value vm.Value
	err   error
}

// Worker serializes all access to one execution context through a single
// goroutine. The call stack and the hooks belong to that goroutine; other
// goroutines only touch the surprise register.
type Worker struct {
	ec       *vm.ExecutionContext
	timeout  time.Duration
	requests chan request
	quit     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a Worker and starts the processing goroutine. A
// positive timeout bounds every job.
func NewWorker(ec *vm.ExecutionContext, timeout time.Duration) *Worker {
	w := &Worker{
		ec:       ec,
		timeout:  timeout,
		requests: make(chan request, 64),
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *Worker) loop() {
	defer close(w.exited)
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.ctx, req.job)
		case <-w.quit:
			return
		}
	}
}

// execute runs a job, arming the timeout and watching ctx. An invariant
// violation is reported as an error and leaves the context reset.
func (w *Worker) execute(ctx context.Context, job Job) (res result) {
	defer func() {
		if r := recover(); r != nil {
			var v *vm.InvariantViolation
			if err, ok := r.(error); ok && errors.As(err, &v) {
				logger.Criticalf("%s: %v; resetting context", w.ec.ID(), v)
				w.ec.Reset()
				res = result{value: vm.Nil, err: v}
				return
			}
			res = result{value: vm.Nil, err: fmt.Errorf("%v", r)}
		}
	}()

	unwatch := w.ec.WatchContext(ctx)
	defer func() {
		// A cancellation that landed after the job finished is dropped.
		if !unwatch() {
			w.ec.Surprise().Clear(vm.FlagInterrupt | vm.FlagTimedOut)
		}
	}()
	if w.timeout > 0 {
		disarm := w.ec.ArmTimeout(w.timeout)
		defer func() {
			// A timeout that fired after the job finished is dropped.
			if !disarm() {
				w.ec.Surprise().Clear(vm.FlagTimedOut)
			}
		}()
	}

	v, err := job(w.ec)
	return result{value: v, err: err}
}

// Do submits a job and blocks until it completes. Cancelling ctx interrupts
// the job at its next hook.
func (w *Worker) Do(ctx context.Context, job Job) (vm.Value, error) {
	req := request{
		ctx:  ctx,
		job:  job,
		done: make(chan result, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return vm.Nil, ErrStopped
	case <-ctx.Done():
		return vm.Nil, ctx.Err()
	}
	select {
	case res := <-req.done:
		return res.value, res.err
	case <-w.exited:
		select {
		case res := <-req.done:
			return res.value, res.err
		default:
			return vm.Nil, ErrStopped
		}
	}
}

// Stop shuts down the worker goroutine and waits for it to exit.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.exited
}

// Context returns the worker's execution context. Only the surprise
// register and the control surface may be used from other goroutines.
func (w *Worker) Context() *vm.ExecutionContext {
	return w.ec
}
