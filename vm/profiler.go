package vm

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Profiler counts function activations and their inclusive time, and
// reports functions that cross the hot threshold so the JIT can compile
// them. It is a FrameObserver and may be shared by many execution contexts.
//
// Every segment of a resumable activation is timed as its own span and
// added to the function's inclusive time; only the first segment counts as
// a call. Resumes are counted by cause: awaits for dependency completion,
// yields for generator steps driven by a consumer.

// FunctionProfile holds the counters for one profiler name.
type FunctionProfile struct {
	Name string

	calls      atomic.Uint64
	returns    atomic.Uint64
	unwinds    atomic.Uint64
	suspends   atomic.Uint64
	awaits     atomic.Uint64
	yields     atomic.Uint64
	reflective atomic.Uint64
	inclusive  atomic.Int64 // nanoseconds
	hot        atomic.Bool
}

// FunctionStats is a point-in-time copy of a FunctionProfile.
type FunctionStats struct {
	Name            string
	Calls           uint64
	Returns         uint64
	Unwinds         uint64
	Suspends        uint64
	Awaits          uint64
	Yields          uint64
	ReflectiveCalls uint64
	Inclusive       time.Duration
	Hot             bool
}

// Calls returns the number of first activations.
func (p *FunctionProfile) Calls() uint64 { return p.calls.Load() }

// IsHot reports whether the function crossed the hot threshold.
func (p *FunctionProfile) IsHot() bool { return p.hot.Load() }

// Stats copies the counters.
func (p *FunctionProfile) Stats() FunctionStats {
	return FunctionStats{
		Name:            p.Name,
		Calls:           p.calls.Load(),
		Returns:         p.returns.Load(),
		Unwinds:         p.unwinds.Load(),
		Suspends:        p.suspends.Load(),
		Awaits:          p.awaits.Load(),
		Yields:          p.yields.Load(),
		ReflectiveCalls: p.reflective.Load(),
		Inclusive:       time.Duration(p.inclusive.Load()),
		Hot:             p.hot.Load(),
	}
}

// Profiler manages the profiles of every function it has observed.
type Profiler struct {
	profiles sync.Map // string -> *FunctionProfile
	spans    sync.Map // *CallFrame -> int64 start time

	threshold atomic.Uint64

	// OnHot is called once per function, on the goroutine whose call made
	// it hot.
	OnHot func(name string, profile *FunctionProfile)

	unmatched atomic.Uint64
	now       func() time.Time
}

var (
	_ FrameObserver          = (*Profiler)(nil)
	_ SuspendObserver        = (*Profiler)(nil)
	_ ReflectiveCallObserver = (*Profiler)(nil)
)

// NewProfiler creates a profiler with the default hot threshold.
func NewProfiler() *Profiler {
	p := &Profiler{now: time.Now}
	p.threshold.Store(100)
	return p
}

// SetHotThreshold sets the call count at which a function becomes hot. Zero
// disables hot detection. Safe while the profiler is observing.
func (p *Profiler) SetHotThreshold(n uint64) { p.threshold.Store(n) }

// HotThreshold returns the current hot threshold.
func (p *Profiler) HotThreshold() uint64 { return p.threshold.Load() }

// SetClock replaces the time source.
func (p *Profiler) SetClock(now func() time.Time) { p.now = now }

func (p *Profiler) profile(name string) *FunctionProfile {
	if val, ok := p.profiles.Load(name); ok {
		return val.(*FunctionProfile)
	}
	val, _ := p.profiles.LoadOrStore(name, &FunctionProfile{Name: name})
	return val.(*FunctionProfile)
}

// ---------------------------------------------------------------------------
// Observer callbacks
// ---------------------------------------------------------------------------

// OnEnter opens a span for f. Only first activations count as calls.
// Inlined frames get no exit, so they are counted but not timed.
func (p *Profiler) OnEnter(ec *ExecutionContext, f *CallFrame, name string) error {
	prof := p.profile(name)
	if f.Flags&FrameInlined == 0 {
		p.spans.Store(f, p.now().UnixNano())
	}
	if f.IsResumed() {
		return nil
	}

	count := prof.calls.Add(1)
	if t := p.threshold.Load(); t > 0 && count >= t && prof.hot.CompareAndSwap(false, true) {
		logger.Debugf("%s: %s is hot after %d calls", ec.ID(), name, count)
		if p.OnHot != nil {
			p.OnHot(name, prof)
		}
	}
	return nil
}

// OnExit closes f's span. An exit without a span (the profiler was enabled
// mid-activation) is counted but not timed.
func (p *Profiler) OnExit(ec *ExecutionContext, f *CallFrame, exit Exit) error {
	prof := p.profile(exit.Name)
	if start, ok := p.spans.LoadAndDelete(f); ok {
		prof.inclusive.Add(p.now().UnixNano() - start.(int64))
	} else {
		p.unmatched.Add(1)
	}

	switch exit.Kind {
	case ExitReturn:
		prof.returns.Add(1)
	case ExitUnwind:
		prof.unwinds.Add(1)
	}
	return nil
}

// OnSuspend counts a suspension. The span itself is closed by the
// suspend exit that follows.
func (p *Profiler) OnSuspend(ec *ExecutionContext, f *CallFrame, child any) error {
	p.profile(ProfilerName(f.Func, f.Kind)).suspends.Add(1)
	return nil
}

// OnResume counts a resume by cause.
func (p *Profiler) OnResume(ec *ExecutionContext, f *CallFrame, cause ResumeCause) error {
	prof := p.profile(ProfilerName(f.Func, f.Kind))
	if cause == ResumeAwait {
		prof.awaits.Add(1)
	} else {
		prof.yields.Add(1)
	}
	return nil
}

// OnReflectiveCall counts a call made through the reflective call path
// against its target.
func (p *Profiler) OnReflectiveCall(ec *ExecutionContext, invoker *CallFrame, target *Func) error {
	if target == nil {
		return nil
	}
	p.profile(ProfilerName(target, KindNormal)).reflective.Add(1)
	return nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Profile returns the profile for name, or nil if not tracked.
func (p *Profiler) Profile(name string) *FunctionProfile {
	if val, ok := p.profiles.Load(name); ok {
		return val.(*FunctionProfile)
	}
	return nil
}

// IsHot reports whether name has crossed the hot threshold.
func (p *Profiler) IsHot(name string) bool {
	prof := p.Profile(name)
	return prof != nil && prof.IsHot()
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Functions      int
	HotFunctions   int
	TotalCalls     uint64
	TotalUnwinds   uint64
	UnmatchedExits uint64
	OpenSpans      int
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	p.profiles.Range(func(_, value any) bool {
		prof := value.(*FunctionProfile)
		stats.Functions++
		stats.TotalCalls += prof.calls.Load()
		stats.TotalUnwinds += prof.unwinds.Load()
		if prof.IsHot() {
			stats.HotFunctions++
		}
		return true
	})
	p.spans.Range(func(_, _ any) bool {
		stats.OpenSpans++
		return true
	})
	stats.UnmatchedExits = p.unmatched.Load()
	return stats
}

// Snapshot returns every profile, sorted by name.
func (p *Profiler) Snapshot() []FunctionStats {
	var all []FunctionStats
	p.profiles.Range(func(_, value any) bool {
		all = append(all, value.(*FunctionProfile).Stats())
		return true
	})
	slices.SortFunc(all, func(a, b FunctionStats) int {
		return strings.Compare(a.Name, b.Name)
	})
	return all
}

// HotFunctions returns the names of all hot functions.
func (p *Profiler) HotFunctions() []string {
	var hot []string
	p.profiles.Range(func(key, value any) bool {
		if value.(*FunctionProfile).IsHot() {
			hot = append(hot, key.(string))
		}
		return true
	})
	slices.Sort(hot)
	return hot
}

// TopFunctions returns the n most frequently called functions.
func (p *Profiler) TopFunctions(n int) []FunctionStats {
	all := p.Snapshot()

	// Selection sort for the top n; n is small.
	for i := 0; i < n && i < len(all); i++ {
		maxIdx := i
		for j := i + 1; j < len(all); j++ {
			if all[j].Calls > all[maxIdx].Calls {
				maxIdx = j
			}
		}
		all[i], all[maxIdx] = all[maxIdx], all[i]
	}

	n = max(0, min(n, len(all)))
	return all[:n]
}

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	p.profiles.Clear()
	p.spans.Clear()
	p.unmatched.Store(0)
}
