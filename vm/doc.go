// Package vm implements the function-lifecycle event hooks of the hookvm
// engine.
//
// This package contains:
//   - the per-context surprise flag register and condition word
//   - the call frame arena and its state machine
//   - the hook dispatcher (Call, Resume, Suspend, PreReturn, Return, Unwind)
//   - subsystem adapters: profiler, debugger, intercept registry, async
//     callbacks
//   - resource limits: deadlines, interrupts, memory watchdog, signals,
//     interval timers
//   - the enter/exit trace ring
//
// Interpreters and JIT-emitted code call the hooks directly; Invoke and
// Resumable drive the full protocol for simple hosts and tests.
package vm
