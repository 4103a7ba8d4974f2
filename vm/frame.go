package vm

import "fmt"

// ---------------------------------------------------------------------------
// CallFrame: one activation of a function
// ---------------------------------------------------------------------------

// FrameState is the lifecycle state of a CallFrame.
type FrameState uint8

const (
	FrameCreated FrameState = iota
	FrameEntered
	FrameSuspended
	FrameReturned
	FrameUnwound
)

func (s FrameState) String() string {
	switch s {
	case FrameCreated:
		return "created"
	case FrameEntered:
		return "entered"
	case FrameSuspended:
		return "suspended"
	case FrameReturned:
		return "returned"
	case FrameUnwound:
		return "unwound"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether no further hook may fire in state s.
func (s FrameState) Terminal() bool {
	return s == FrameReturned || s == FrameUnwound
}

// FrameFlags are frame-local flags.
type FrameFlags uint8

const (
	// FrameResumed marks an activation that has been resumed at least once.
	FrameResumed FrameFlags = 1 << iota
	// FrameInlined marks a callee the JIT inlined into its caller. Exit
	// notifications are skipped for it so a side exit cannot unbalance the
	// observers' stacks.
	FrameInlined

	frameEnterNotified
	frameExitNotified
	// an enter observer faulted; the exit goes only to observed slots
	frameEnterFaulted
)

// FrameHandle is a stable reference to a frame in its CallStack. It survives
// suspend and resume; it goes stale once the frame reaches a terminal state.
// The zero handle refers to no frame.
type FrameHandle struct {
	index uint32
	gen   uint32
}

// NoFrame is the zero handle.
var NoFrame FrameHandle

// IsZero reports whether h refers to no frame.
func (h FrameHandle) IsZero() bool {
	return h.gen == 0
}

func (h FrameHandle) String() string {
	if h.IsZero() {
		return "frame(-)"
	}
	return fmt.Sprintf("frame(%d.%d)", h.index, h.gen)
}

// CallFrame is the hook layer's view of one activation.
type CallFrame struct {
	Func   *Func
	Kind   FuncKind
	Caller FrameHandle // NoFrame while suspended or at the bottom of the stack
	Flags  FrameFlags
	Child  any // owning coroutine/async object after SuspendR

	handle FrameHandle
	state  FrameState
	depth  int

	// observer slots told of the current segment's enter
	observed uint8
}

// Handle returns the frame's stable handle.
func (f *CallFrame) Handle() FrameHandle { return f.handle }

// State returns the frame's lifecycle state.
func (f *CallFrame) State() FrameState { return f.state }

// Depth returns the frame's call depth when it was last entered.
func (f *CallFrame) Depth() int { return f.depth }

// IsResumed reports whether the activation has been resumed.
func (f *CallFrame) IsResumed() bool { return f.Flags&FrameResumed != 0 }

// ---------------------------------------------------------------------------
// CallStack: frame arena plus the attached chain
// ---------------------------------------------------------------------------

type frameSlot struct {
	frame *CallFrame
	gen   uint32
}

// CallStack owns the frames of one execution context. Frames live in an
// arena addressed by handles; the attached chain runs from the current frame
// through Caller links. A CallStack belongs to a single goroutine.
type CallStack struct {
	slots   []frameSlot
	free    []uint32
	current FrameHandle
	depth   int
	live    int
}

// NewCallStack creates an empty call stack.
func NewCallStack() *CallStack {
	return &CallStack{
		slots: make([]frameSlot, 0, 64),
	}
}

// Push allocates a Created frame for fn. It joins the attached chain when
// the Call hook enters it.
func (s *CallStack) Push(fn *Func, kind FuncKind) FrameHandle {
	if fn == nil {
		panic(invariantf("CallStack.Push: nil function"))
	}

	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		idx = uint32(len(s.slots))
		s.slots = append(s.slots, frameSlot{})
	}

	slot := &s.slots[idx]
	slot.gen++
	if slot.gen == 0 {
		slot.gen = 1
	}
	h := FrameHandle{index: idx, gen: slot.gen}
	slot.frame = &CallFrame{
		Func:   fn,
		Kind:   kind,
		handle: h,
		state:  FrameCreated,
	}
	s.live++
	return h
}

// Lookup returns the frame for h, or nil if h is stale.
func (s *CallStack) Lookup(h FrameHandle) *CallFrame {
	if h.IsZero() || int(h.index) >= len(s.slots) {
		return nil
	}
	slot := s.slots[h.index]
	if slot.gen != h.gen || slot.frame == nil {
		return nil
	}
	return slot.frame
}

// Frame returns the frame for h. A stale handle is an invariant violation.
func (s *CallStack) Frame(h FrameHandle) *CallFrame {
	f := s.Lookup(h)
	if f == nil {
		panic(invariantf("stale or unknown %v", h))
	}
	return f
}

// Current returns the innermost attached frame.
func (s *CallStack) Current() FrameHandle { return s.current }

// Depth returns the number of attached frames.
func (s *CallStack) Depth() int { return s.depth }

// Live returns the number of frames in the arena, attached or suspended.
func (s *CallStack) Live() int { return s.live }

// Discard releases a Created frame that was never entered.
func (s *CallStack) Discard(h FrameHandle) {
	f := s.Frame(h)
	if f.state != FrameCreated {
		panic(invariantf("Discard of %v in state %v", h, f.state))
	}
	s.release(f)
}

// Abandon releases a suspended frame whose owning resumable was discarded.
// No hook fires for it.
func (s *CallStack) Abandon(h FrameHandle) {
	f := s.Frame(h)
	if f.state != FrameSuspended {
		panic(invariantf("Abandon of %v in state %v", h, f.state))
	}
	s.release(f)
}

// Walk calls fn for each attached frame, innermost first, until fn returns
// false.
func (s *CallStack) Walk(fn func(*CallFrame) bool) {
	for h := s.current; !h.IsZero(); {
		f := s.Frame(h)
		if !fn(f) {
			return
		}
		h = f.Caller
	}
}

// enter moves a Created frame onto the attached chain.
func (s *CallStack) enter(f *CallFrame) {
	if f.state != FrameCreated {
		panic(invariantf("Call on %v (%s) in state %v", f.handle, f.Func.FullName(), f.state))
	}
	f.Caller = s.current
	f.state = FrameEntered
	s.current = f.handle
	s.depth++
	f.depth = s.depth
}

// detach moves the current frame off the chain into the Suspended state.
func (s *CallStack) detach(f *CallFrame) {
	s.expectCurrent(f, "suspend")
	s.current = f.Caller
	s.depth--
	f.Caller = NoFrame
	f.state = FrameSuspended
}

// attach re-enters a Suspended frame on top of the current chain.
func (s *CallStack) attach(f *CallFrame) {
	if f.state != FrameSuspended {
		panic(invariantf("resume of %v (%s) in state %v", f.handle, f.Func.FullName(), f.state))
	}
	f.Caller = s.current
	f.Flags |= FrameResumed
	f.Flags &^= frameEnterNotified | frameExitNotified | frameEnterFaulted
	f.state = FrameEntered
	s.current = f.handle
	s.depth++
	f.depth = s.depth
}

// finish pops the current frame into a terminal state and frees its slot.
func (s *CallStack) finish(f *CallFrame, state FrameState) {
	if !state.Terminal() {
		panic(invariantf("finish of %v into non-terminal %v", f.handle, state))
	}
	s.expectCurrent(f, state.String())
	s.current = f.Caller
	s.depth--
	f.state = state
	s.release(f)
}

func (s *CallStack) expectCurrent(f *CallFrame, op string) {
	if f.state != FrameEntered {
		panic(invariantf("%s of %v (%s) in state %v", op, f.handle, f.Func.FullName(), f.state))
	}
	if f.handle != s.current {
		panic(invariantf("%s of %v (%s) which is not the current frame %v",
			op, f.handle, f.Func.FullName(), s.current))
	}
}

func (s *CallStack) release(f *CallFrame) {
	slot := &s.slots[f.handle.index]
	slot.frame = nil
	s.free = append(s.free, f.handle.index)
	s.live--
}

// reset drops every frame. Outstanding handles go stale.
func (s *CallStack) reset() {
	for i := range s.slots {
		if s.slots[i].frame != nil {
			s.slots[i].frame = nil
			s.free = append(s.free, uint32(i))
		}
	}
	s.current = NoFrame
	s.depth = 0
	s.live = 0
}
