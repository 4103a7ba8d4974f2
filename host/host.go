// Package host runs execution contexts on behalf of an embedding program:
// one goroutine per session, shared subsystem adapters configured from
// hooks.toml, and the process-wide limits (signals, memory).
package host

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/hookvm/config"
	"github.com/chazu/hookvm/lib/profilestore"
	"github.com/chazu/hookvm/vm"
)

var logger = commonlog.GetLogger("hookvm.host")

// AsyncStats counts resumable lifecycle events across all sessions.
type AsyncStats struct {
	Created   uint64
	Awaited   uint64
	Resumed   uint64
	Succeeded uint64
	Failed    uint64
}

type asyncCounters struct {
	created, awaited, resumed, succeeded, failed atomic.Uint64
}

// Host owns the shared adapters and the session store.
type Host struct {
	Funcs      *vm.FuncTable
	Debugger   *vm.DebugServer
	Intercepts *vm.InterceptRegistry
	Tracer     *vm.Tracer
	Sessions   *SessionStore

	// OnHot is told when a function becomes hot in any session.
	OnHot func(session, name string)

	cfg      atomic.Pointer[config.Config]
	async    asyncCounters
	asyncObs *vm.AsyncCallbacks
	hot      sync.Map // name -> struct{}
	relay    *vm.SignalRelay
	watchdog *vm.MemoryWatchdog
	store    *profilestore.Store
}

// New creates a host from cfg. A nil cfg uses config.Default.
func New(cfg *config.Config) (*Host, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	h := &Host{
		Funcs:      vm.NewFuncTable(),
		Debugger:   vm.NewDebugServer(cfg.Debugger.EventBuffer),
		Intercepts: vm.NewInterceptRegistry(),
		Tracer:     vm.NewTracer(cfg.Trace.Capacity, nil),
	}
	h.asyncObs = &vm.AsyncCallbacks{
		Create: func(*vm.ExecutionContext, *vm.CallFrame) error {
			h.async.created.Add(1)
			return nil
		},
		Await: func(*vm.ExecutionContext, *vm.CallFrame, any) error {
			h.async.awaited.Add(1)
			return nil
		},
		Resume: func(*vm.ExecutionContext, *vm.CallFrame) error {
			h.async.resumed.Add(1)
			return nil
		},
		Success: func(*vm.ExecutionContext, *vm.CallFrame, vm.Value) error {
			h.async.succeeded.Add(1)
			return nil
		},
		Fail: func(*vm.ExecutionContext, *vm.CallFrame, *vm.Fault) error {
			h.async.failed.Add(1)
			return nil
		},
	}

	if cfg.Profiler.Store != "" {
		store, err := profilestore.Open(cfg.Profiler.Store)
		if err != nil {
			return nil, fmt.Errorf("host: %w", err)
		}
		h.store = store
	}
	if cfg.Signals.Relay {
		h.relay = vm.NewSignalRelay()
	}
	if cfg.Limits.MemoryLimit > 0 {
		wd, err := vm.NewMemoryWatchdog(cfg.Limits.MemoryLimit, cfg.Limits.WatchInterval.Duration)
		if err != nil {
			h.closeResources()
			return nil, fmt.Errorf("host: %w", err)
		}
		h.watchdog = wd
	}

	h.Sessions = NewSessionStore(h.newContext, h.sessionClosed)
	h.Reconfigure(cfg)
	return h, nil
}

// Config returns the current configuration.
func (h *Host) Config() *config.Config { return h.cfg.Load() }

// AsyncStats returns the resumable event counters.
func (h *Host) AsyncStats() AsyncStats {
	return AsyncStats{
		Created:   h.async.created.Load(),
		Awaited:   h.async.awaited.Load(),
		Resumed:   h.async.resumed.Load(),
		Succeeded: h.async.succeeded.Load(),
		Failed:    h.async.failed.Load(),
	}
}

// IsHot reports whether name became hot in any session.
func (h *Host) IsHot(name string) bool {
	_, ok := h.hot.Load(name)
	return ok
}

// Profiler returns the profiler of a session.
func (h *Host) Profiler(s *Session) *vm.Profiler {
	p, _ := s.Context().Adapters().Profiler.(*vm.Profiler)
	return p
}

// Watchdog returns the memory watchdog, nil when no limit is configured.
func (h *Host) Watchdog() *vm.MemoryWatchdog { return h.watchdog }

// Relay returns the signal relay, nil when relaying is off.
func (h *Host) Relay() *vm.SignalRelay { return h.relay }

// Store returns the profile store, nil when persistence is off.
func (h *Host) Store() *profilestore.Store { return h.store }

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Reconfigure applies cfg to the shared adapters and to every live
// session's subsystem toggles. Limits, the store and the signal relay are
// fixed at New.
func (h *Host) Reconfigure(cfg *config.Config) {
	h.cfg.Store(cfg)

	if cfg.Trace.Enabled {
		h.Tracer.Enable()
	} else {
		h.Tracer.Disable()
	}

	h.Debugger.ClearAllBreakpoints()
	for _, name := range cfg.Debugger.Breakpoints {
		h.Debugger.SetBreakpoint(name)
	}
	h.Debugger.BreakOnException(cfg.Debugger.BreakOnException)

	for _, name := range h.Intercepts.Names() {
		if _, ok := cfg.Intercept.Constants[name]; !ok {
			h.Intercepts.Unregister(name)
		}
	}
	for _, name := range cfg.InterceptNames() {
		h.Intercepts.Register(name, vm.ReturnConstant(vm.FromSmallInt(cfg.Intercept.Constants[name])))
	}

	h.Sessions.Each(func(s *Session) {
		cfg.Apply(s.Context())
		if p := h.Profiler(s); p != nil {
			p.SetHotThreshold(cfg.Profiler.HotThreshold)
		}
	})
	logger.Infof("configuration applied to %d session(s)", h.Sessions.Len())
}

func (h *Host) newContext(id string) (*vm.ExecutionContext, time.Duration) {
	cfg := h.cfg.Load()

	prof := vm.NewProfiler()
	prof.SetHotThreshold(cfg.Profiler.HotThreshold)
	prof.OnHot = func(name string, _ *vm.FunctionProfile) {
		h.hot.Store(name, struct{}{})
		if h.OnHot != nil {
			h.OnHot(id, name)
		}
	}

	ec := vm.NewExecutionContext(vm.Options{
		ID: id,
		Adapters: vm.Adapters{
			Profiler:    prof,
			Debugger:    h.Debugger,
			Interceptor: h.Intercepts,
			Async:       h.asyncObs,
		},
		Tracer: h.Tracer,
	})
	cfg.Apply(ec)
	if h.relay != nil {
		h.relay.Attach(ec)
	}
	if h.watchdog != nil {
		h.watchdog.Watch(ec)
	}
	return ec, cfg.Limits.Timeout.Duration
}

func (h *Host) sessionClosed(s *Session) {
	ec := s.Context()
	if h.relay != nil {
		h.relay.Detach(ec)
	}
	if h.watchdog != nil {
		h.watchdog.Unwatch(ec)
	}
	h.Debugger.CancelStepOut(ec)
	if h.store != nil {
		if p := h.Profiler(s); p != nil {
			if err := h.store.Save(s.ID, p.Snapshot()); err != nil {
				logger.Errorf("session %s: %v", s.ID, err)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Run runs the memory watchdog and, when the configuration came from a
// file, the config watcher, until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if h.watchdog != nil {
		g.Go(func() error { return h.watchdog.Run(gctx) })
	}
	if path := h.cfg.Load().Path; path != "" {
		w := config.NewWatcher(path, h.Reconfigure)
		if err := w.Start(gctx); err != nil {
			logger.Warningf("config hot reload disabled: %v", err)
		} else {
			g.Go(func() error {
				<-gctx.Done()
				w.Stop()
				return nil
			})
		}
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

// Close destroys every session, writes the trace snapshot if configured,
// and releases the store and the signal relay.
func (h *Host) Close(ctx context.Context) error {
	err := h.Sessions.Shutdown(ctx)
	if out := h.cfg.Load().Trace.Output; out != "" {
		if werr := h.writeTrace(out); werr != nil && err == nil {
			err = werr
		}
	}
	if cerr := h.closeResources(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (h *Host) writeTrace(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("host: trace output: %w", err)
	}
	defer f.Close()
	if err := h.Tracer.WriteSnapshot(f); err != nil {
		return fmt.Errorf("host: trace output: %w", err)
	}
	return nil
}

func (h *Host) closeResources() error {
	if h.relay != nil {
		h.relay.Stop()
	}
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}
