package vm

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
)

// ---------------------------------------------------------------------------
// Signal handlers
// ---------------------------------------------------------------------------

// SignalHandler runs on the owning goroutine at the first hook after sig was
// delivered. A returned error faults the frame at that hook.
type SignalHandler func(ec *ExecutionContext, sig os.Signal) error

type signalQueue struct {
	mu       sync.Mutex
	handlers map[os.Signal]SignalHandler
	pending  []os.Signal
	dropped  uint64
}

// HandleSignal installs h for sig, replacing any previous handler. A nil h
// removes the handler.
func (ec *ExecutionContext) HandleSignal(sig os.Signal, h SignalHandler) {
	q := &ec.signals
	q.mu.Lock()
	defer q.mu.Unlock()
	if h == nil {
		delete(q.handlers, sig)
		return
	}
	if q.handlers == nil {
		q.handlers = make(map[os.Signal]SignalHandler)
	}
	q.handlers[sig] = h
}

// DeliverSignal queues sig for the context's handler and sets FlagSignal.
// Signals without a handler are dropped. Safe from any goroutine.
func (ec *ExecutionContext) DeliverSignal(sig os.Signal) bool {
	q := &ec.signals
	q.mu.Lock()
	if _, ok := q.handlers[sig]; !ok {
		q.dropped++
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, sig)
	q.mu.Unlock()
	ec.flags.Set(FlagSignal)
	return true
}

// DroppedSignals returns how many delivered signals had no handler.
func (ec *ExecutionContext) DroppedSignals() uint64 {
	ec.signals.mu.Lock()
	defer ec.signals.mu.Unlock()
	return ec.signals.dropped
}

func (q *signalQueue) drain() ([]os.Signal, map[os.Signal]SignalHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sigs := q.pending
	q.pending = nil
	handlers := make(map[os.Signal]SignalHandler, len(q.handlers))
	for k, v := range q.handlers {
		handlers[k] = v
	}
	return sigs, handlers
}

func (q *signalQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = nil
	q.pending = nil
	q.dropped = 0
}

// runSignalHandlers services FlagSignal. The first failing handler stops the
// drain; signals after it are re-queued for the next hook.
func (ec *ExecutionContext) runSignalHandlers() *Fault {
	ec.flags.Clear(FlagSignal)
	sigs, handlers := ec.signals.drain()
	for i, sig := range sigs {
		h := handlers[sig]
		if h == nil {
			continue
		}
		if err := h(ec, sig); err != nil {
			if rest := sigs[i+1:]; len(rest) > 0 {
				ec.signals.requeue(rest)
				ec.flags.Set(FlagSignal)
			}
			var fault *Fault
			if errors.As(err, &fault) {
				return fault
			}
			return &Fault{
				Kind:      FaultUser,
				Exception: Nil,
				Message:   fmt.Sprintf("%s handler: %v", signalName(sig), err),
				Cause:     fmt.Errorf("%w: %w", ErrSignal, err),
			}
		}
	}
	return nil
}

func (q *signalQueue) requeue(sigs []os.Signal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(append([]os.Signal(nil), sigs...), q.pending...)
}

// ---------------------------------------------------------------------------
// SignalRelay: process signals to execution contexts
// ---------------------------------------------------------------------------

// SignalRelay forwards process signals to registered execution contexts.
// Interrupt signals interrupt every context; other signals are queued for
// the contexts' handlers.
type SignalRelay struct {
	mu       sync.Mutex
	contexts map[*ExecutionContext]struct{}
	ch       chan os.Signal
	done     chan struct{}
	once     sync.Once
}

// NewSignalRelay starts relaying sigs. With no sigs the platform defaults
// are relayed.
func NewSignalRelay(sigs ...os.Signal) *SignalRelay {
	if len(sigs) == 0 {
		sigs = defaultRelaySignals()
	}
	r := &SignalRelay{
		contexts: make(map[*ExecutionContext]struct{}),
		ch:       make(chan os.Signal, 16),
		done:     make(chan struct{}),
	}
	signal.Notify(r.ch, sigs...)
	go r.loop()
	return r
}

// Attach adds ec to the relay's targets.
func (r *SignalRelay) Attach(ec *ExecutionContext) {
	r.mu.Lock()
	r.contexts[ec] = struct{}{}
	r.mu.Unlock()
}

// Detach removes ec from the relay's targets.
func (r *SignalRelay) Detach(ec *ExecutionContext) {
	r.mu.Lock()
	delete(r.contexts, ec)
	r.mu.Unlock()
}

// Stop stops relaying. Safe to call more than once.
func (r *SignalRelay) Stop() {
	r.once.Do(func() {
		signal.Stop(r.ch)
		close(r.done)
	})
}

func (r *SignalRelay) loop() {
	for {
		select {
		case sig := <-r.ch:
			r.Relay(sig)
		case <-r.done:
			return
		}
	}
}

// Relay delivers sig to every attached context as if it had arrived from
// the operating system.
func (r *SignalRelay) Relay(sig os.Signal) {
	r.mu.Lock()
	targets := make([]*ExecutionContext, 0, len(r.contexts))
	for ec := range r.contexts {
		targets = append(targets, ec)
	}
	r.mu.Unlock()

	name := signalName(sig)
	if isInterruptSignal(sig) {
		logger.Infof("relaying %s as interrupt to %d context(s)", name, len(targets))
		for _, ec := range targets {
			ec.Interrupt(name)
		}
		return
	}
	logger.Infof("relaying %s to %d context(s)", name, len(targets))
	for _, ec := range targets {
		ec.DeliverSignal(sig)
	}
}
