package vm

import (
	"math/bits"
	"strconv"
	"strings"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Surprise flags
// ---------------------------------------------------------------------------

// SurpriseFlag is a bit in an execution context's surprise register. Any
// set bit routes the next hook into its slow path.
type SurpriseFlag uint64

const (
	// Conditions serviced by CheckSurprise. Each carries a pending fault
	// published before the bit.
	FlagInterrupt SurpriseFlag = 1 << iota
	FlagTimedOut
	FlagMemoryExceeded
	FlagPendingFault

	// Conditions serviced at enter/exit points.
	FlagSignal
	FlagIntervalTimer

	// Subsystem presence bits, toggled by Enable/Disable.
	FlagProfiler
	FlagDebugger
	FlagIntercept
	FlagAsync

	flagCount = iota
)

// Flag groups.
const (
	ResourceFlags  = FlagInterrupt | FlagTimedOut | FlagMemoryExceeded
	FaultFlags     = ResourceFlags | FlagPendingFault
	SubsystemFlags = FlagProfiler | FlagDebugger | FlagIntercept | FlagAsync
	ObserverFlags  = FlagProfiler | FlagDebugger
)

var flagNames = [flagCount]string{
	"interrupt", "timed-out", "memory-exceeded", "pending-fault",
	"signal", "interval-timer",
	"profiler", "debugger", "intercept", "async",
}

func (f SurpriseFlag) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for w := uint64(f); w != 0; w &= w - 1 {
		i := bits.TrailingZeros64(w)
		if i < flagCount {
			parts = append(parts, flagNames[i])
		} else {
			parts = append(parts, "bit"+strconv.Itoa(i))
		}
	}
	return strings.Join(parts, "|")
}

// ConditionFlag is a bit in the lightweight condition word that gates the
// PreReturn hook. It is kept apart from the surprise word so setting it does
// not push every hook into the slow path.
type ConditionFlag uint64

const (
	// ConditionReturnWatch asks for the final exit notification to be made
	// before the return value is finalized.
	ConditionReturnWatch ConditionFlag = 1 << iota
)

// ---------------------------------------------------------------------------
// SurpriseRegister
// ---------------------------------------------------------------------------

// SurpriseRegister holds one execution context's surprise word, its
// condition word, and the pending faults attached to fault-carrying bits.
//
// Set may be called from any goroutine. Clear belongs to the code servicing
// the bit. Go's atomics are sequentially consistent, which gives Set release
// and Any acquire ordering.
type SurpriseRegister struct {
	word       atomic.Uint64
	conditions atomic.Uint64
	pending    [flagCount]atomic.Pointer[Fault]
}

// Any reports whether any surprise bit is set. This is the only register
// operation on the hot path.
func (r *SurpriseRegister) Any() bool {
	return r.word.Load() != 0
}

// Load returns the whole surprise word without acting on it.
func (r *SurpriseRegister) Load() SurpriseFlag {
	return SurpriseFlag(r.word.Load())
}

// Has reports whether every bit of f is set.
func (r *SurpriseRegister) Has(f SurpriseFlag) bool {
	return SurpriseFlag(r.word.Load())&f == f
}

// Set sets f. Idempotent.
func (r *SurpriseRegister) Set(f SurpriseFlag) {
	r.word.Or(uint64(f))
}

// Raise publishes fault for the single bit f, then sets f. A reader that
// observes the bit also observes the fault.
func (r *SurpriseRegister) Raise(f SurpriseFlag, fault *Fault) {
	if bits.OnesCount64(uint64(f)) != 1 || f&FaultFlags == 0 {
		panic(invariantf("SurpriseRegister.Raise: %v is not a single fault-carrying flag", f))
	}
	r.pending[bits.TrailingZeros64(uint64(f))].Store(fault)
	r.word.Or(uint64(f))
}

// Clear clears f. Only the handler that services f calls this.
func (r *SurpriseRegister) Clear(f SurpriseFlag) {
	r.word.And(^uint64(f))
}

// take clears the single bit f and returns its pending fault.
func (r *SurpriseRegister) take(f SurpriseFlag) *Fault {
	r.word.And(^uint64(f))
	return r.pending[bits.TrailingZeros64(uint64(f))].Swap(nil)
}

// AnyCondition reports whether any condition bit is set.
func (r *SurpriseRegister) AnyCondition() bool {
	return r.conditions.Load() != 0
}

// Conditions returns the condition word.
func (r *SurpriseRegister) Conditions() ConditionFlag {
	return ConditionFlag(r.conditions.Load())
}

// SetCondition sets c in the condition word.
func (r *SurpriseRegister) SetCondition(c ConditionFlag) {
	r.conditions.Or(uint64(c))
}

// ClearCondition clears c in the condition word.
func (r *SurpriseRegister) ClearCondition(c ConditionFlag) {
	r.conditions.And(^uint64(c))
}

// reset zeroes both words and drops pending faults.
func (r *SurpriseRegister) reset() {
	r.word.Store(0)
	r.conditions.Store(0)
	for i := range r.pending {
		r.pending[i].Store(nil)
	}
}
