package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Deadlines and cancellation
// ---------------------------------------------------------------------------

// WatchContext ties ec to ctx: when ctx ends, the running code faults at its
// next hook or poll. A deadline raises a timeout; any other cancellation
// interrupts. The returned stop detaches the watch and reports whether it
// did so before ctx ended; when it reports false the flag has already been
// raised.
func (ec *ExecutionContext) WatchContext(ctx context.Context) (stop func() bool) {
	fired := make(chan struct{})
	detach := context.AfterFunc(ctx, func() {
		defer close(fired)
		cause := context.Cause(ctx)
		if errors.Is(cause, context.DeadlineExceeded) {
			msg := "deadline exceeded"
			if deadline, ok := ctx.Deadline(); ok {
				msg = fmt.Sprintf("deadline %s exceeded", deadline.Format(time.RFC3339Nano))
			}
			logger.Infof("%s: %s", ec.id, msg)
			ec.flags.Raise(FlagTimedOut, NewResourceFault(ErrTimeout, msg))
			return
		}
		logger.Infof("%s: interrupted: %v", ec.id, cause)
		ec.Interrupt(cause.Error())
	})

	var (
		once    sync.Once
		stopped bool
	)
	return func() bool {
		once.Do(func() {
			if stopped = detach(); !stopped {
				<-fired
			}
		})
		return stopped
	}
}

// ArmTimeout raises FlagTimedOut on ec once d has elapsed. The returned stop
// disarms it. A non-positive d arms nothing.
func (ec *ExecutionContext) ArmTimeout(d time.Duration) (stop func() bool) {
	if d <= 0 {
		return func() bool { return false }
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	detach := ec.WatchContext(ctx)
	return func() bool {
		stopped := detach()
		cancel()
		return stopped
	}
}
