package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// IntervalSample says where an interval callback is being run.
type IntervalSample uint8

const (
	SampleEnter IntervalSample = iota
	SampleExit
)

func (s IntervalSample) String() string {
	if s == SampleEnter {
		return "enter"
	}
	return "exit"
}

// IntervalCallback runs on the owning goroutine at the first enter or exit
// point after its period elapsed. An error faults the frame at that point.
type IntervalCallback func(ec *ExecutionContext, sample IntervalSample) error

// IntervalTimer is a periodic callback attached to one execution context.
// Its goroutine only marks the timer due and sets FlagIntervalTimer.
type IntervalTimer struct {
	ec     *ExecutionContext
	period time.Duration
	cb     IntervalCallback

	due  atomic.Bool
	runs atomic.Uint64
	stop chan struct{}
	once sync.Once
}

type intervalTimers struct {
	mu     sync.Mutex
	timers []*IntervalTimer
}

// StartIntervalTimer schedules cb every period.
func (ec *ExecutionContext) StartIntervalTimer(period time.Duration, cb IntervalCallback) *IntervalTimer {
	t := &IntervalTimer{
		ec:     ec,
		period: period,
		cb:     cb,
		stop:   make(chan struct{}),
	}
	ec.timers.mu.Lock()
	ec.timers.timers = append(ec.timers.timers, t)
	ec.timers.mu.Unlock()

	go t.loop()
	return t
}

// Runs returns how many times the callback has run.
func (t *IntervalTimer) Runs() uint64 { return t.runs.Load() }

// Stop cancels the timer. Safe to call more than once.
func (t *IntervalTimer) Stop() {
	t.once.Do(func() { close(t.stop) })
	t.ec.timers.remove(t)
}

func (t *IntervalTimer) loop() {
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.due.Store(true)
			t.ec.flags.Set(FlagIntervalTimer)
		case <-t.stop:
			return
		}
	}
}

func (ts *intervalTimers) remove(t *IntervalTimer) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i, x := range ts.timers {
		if x == t {
			ts.timers = append(ts.timers[:i], ts.timers[i+1:]...)
			return
		}
	}
}

func (ts *intervalTimers) snapshot() []*IntervalTimer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]*IntervalTimer(nil), ts.timers...)
}

func (ts *intervalTimers) stopAll() {
	for _, t := range ts.snapshot() {
		t.Stop()
	}
}

// runIntervalTimers services FlagIntervalTimer: it clears the bit, then
// runs every due callback. A failing callback stops the run; the bit is set
// again if later timers are still due.
func (ec *ExecutionContext) runIntervalTimers(sample IntervalSample) *Fault {
	ec.flags.Clear(FlagIntervalTimer)
	timers := ec.timers.snapshot()
	for i, t := range timers {
		if !t.due.Swap(false) {
			continue
		}
		t.runs.Add(1)
		if err := t.cb(ec, sample); err != nil {
			for _, rest := range timers[i+1:] {
				if rest.due.Load() {
					ec.flags.Set(FlagIntervalTimer)
					break
				}
			}
			return AsFault(err)
		}
	}
	return nil
}
