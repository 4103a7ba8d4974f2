package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chazu/hookvm/config"
	"github.com/chazu/hookvm/lib/profilestore"
	"github.com/chazu/hookvm/vm"
)

// ---------------------------------------------------------------------------
// SessionStore
// ---------------------------------------------------------------------------

func newTestStore(onClose func(*Session)) *SessionStore {
	return NewSessionStore(func(id string) (*vm.ExecutionContext, time.Duration) {
		return vm.NewExecutionContext(vm.Options{ID: id}), 0
	}, onClose)
}

func TestSessionStoreLifecycle(t *testing.T) {
	var closed []string
	store := newTestStore(func(s *Session) { closed = append(closed, s.Name) })

	a := store.Create("first")
	b := store.Create("second")
	if a.ID == b.ID {
		t.Fatal("session IDs should be unique")
	}
	if a.Context().ID() != a.ID {
		t.Errorf("context ID = %q, want session ID %q", a.Context().ID(), a.ID)
	}
	if store.Len() != 2 {
		t.Errorf("len = %d, want 2", store.Len())
	}
	if got, ok := store.Get(b.ID); !ok || got != b {
		t.Error("Get should find the session")
	}
	if list := store.List(); len(list) != 2 || list[0] != a {
		t.Errorf("List = %v, want oldest first", list)
	}

	if !store.Destroy(a.ID) {
		t.Error("Destroy should report the session existed")
	}
	if store.Destroy(a.ID) {
		t.Error("second Destroy should report false")
	}
	if len(closed) != 1 || closed[0] != "first" {
		t.Errorf("onClose calls = %v", closed)
	}
	if _, ok := store.Get(a.ID); ok {
		t.Error("destroyed session should be gone")
	}
}

func TestSessionStoreInterrupt(t *testing.T) {
	store := newTestStore(nil)
	s := store.Create("busy")
	defer store.Destroy(s.ID)

	if err := store.Interrupt("missing", "x"); err == nil {
		t.Error("unknown session should be an error")
	}

	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		_, err := s.Worker.Do(context.Background(), func(ec *vm.ExecutionContext) (vm.Value, error) {
			close(started)
			return spin(ec)
		})
		result <- err
	}()
	<-started
	if err := store.Interrupt(s.ID, "operator"); err != nil {
		t.Fatal(err)
	}
	if err := <-result; !errors.Is(err, vm.ErrInterrupted) {
		t.Errorf("err = %v, want interrupted", err)
	}
}

func TestSessionStoreShutdown(t *testing.T) {
	var mu sync.Mutex
	closed := 0
	store := newTestStore(func(*Session) {
		mu.Lock()
		closed++
		mu.Unlock()
	})

	busy := store.Create("busy")
	store.Create("idle")

	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		_, err := busy.Worker.Do(context.Background(), func(ec *vm.ExecutionContext) (vm.Value, error) {
			close(started)
			return spin(ec)
		})
		result <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-result; !errors.Is(err, vm.ErrInterrupted) {
		t.Errorf("running job err = %v, want interrupted", err)
	}
	if store.Len() != 0 || closed != 2 {
		t.Errorf("len=%d closed=%d after shutdown", store.Len(), closed)
	}
}

// ---------------------------------------------------------------------------
// Host
// ---------------------------------------------------------------------------

type hostFuncs struct {
	leaf   *vm.Func
	square *vm.Func
	task   *vm.Func
}

func defineHostFuncs(h *Host) hostFuncs {
	return hostFuncs{
		leaf:   h.Funcs.Define(vm.Func{Class: "Util", Name: "leaf"}),
		square: h.Funcs.Define(vm.Func{Class: "Math", Name: "square"}),
		task:   h.Funcs.Define(vm.Func{Class: "Fetch", Name: "run", Async: true}),
	}
}

func callN(fn *vm.Func, n int) Job {
	return func(ec *vm.ExecutionContext) (vm.Value, error) {
		var last vm.Value
		for range n {
			v, err := ec.Invoke(fn, vm.KindNormal, func(vm.FrameHandle) (vm.Value, error) {
				return vm.FromSmallInt(1), nil
			})
			if err != nil {
				return vm.Nil, err
			}
			last = v
		}
		return last, nil
	}
}

func closeHost(t *testing.T, h *Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestHostDefaultsDisabled(t *testing.T) {
	h, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer closeHost(t, h)

	s := h.Sessions.Create("plain")
	for _, sub := range []vm.Subsystem{vm.SubsystemProfiler, vm.SubsystemDebugger, vm.SubsystemIntercept, vm.SubsystemAsync} {
		if s.Context().Enabled(sub) {
			t.Errorf("%s enabled without configuration", sub)
		}
	}
	if h.Watchdog() != nil || h.Relay() != nil || h.Store() != nil {
		t.Error("optional resources should be off by default")
	}
}

func TestHostProfilesSessionsAndReportsHot(t *testing.T) {
	cfg := config.Default()
	cfg.Profiler.Enabled = true
	cfg.Profiler.HotThreshold = 3
	h, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer closeHost(t, h)

	var mu sync.Mutex
	var hot []string
	h.OnHot = func(_, name string) {
		mu.Lock()
		hot = append(hot, name)
		mu.Unlock()
	}

	fns := defineHostFuncs(h)
	s := h.Sessions.Create("profiled")
	if _, err := s.Worker.Do(context.Background(), callN(fns.leaf, 5)); err != nil {
		t.Fatal(err)
	}

	p := h.Profiler(s)
	if p == nil {
		t.Fatal("session should have a profiler")
	}
	if prof := p.Profile("Util>>leaf"); prof == nil || prof.Calls() != 5 {
		t.Fatalf("profile = %+v", p.Snapshot())
	}
	if !h.IsHot("Util>>leaf") {
		t.Error("leaf should be hot host-wide")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(hot) != 1 || hot[0] != "Util>>leaf" {
		t.Errorf("OnHot calls = %v", hot)
	}
}

func TestHostReconfigure(t *testing.T) {
	h, err := New(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer closeHost(t, h)
	fns := defineHostFuncs(h)
	s := h.Sessions.Create("live")

	cfg := config.Default()
	cfg.Intercept.Enabled = true
	cfg.Intercept.Constants = map[string]int64{"Math>>square": 49}
	cfg.Debugger.Enabled = true
	cfg.Debugger.Breakpoints = []string{"Util>>leaf"}
	cfg.Trace.Enabled = true
	h.Reconfigure(cfg)

	if !s.Context().Enabled(vm.SubsystemIntercept) || !s.Context().Enabled(vm.SubsystemDebugger) {
		t.Error("live session should pick up the new toggles")
	}
	if !h.Tracer.Enabled() {
		t.Error("tracer should be enabled")
	}
	if bps := h.Debugger.ListBreakpoints(); len(bps) != 1 || bps[0].Function != "Util>>leaf" {
		t.Errorf("breakpoints = %+v", bps)
	}

	v, err := s.Worker.Do(context.Background(), callN(fns.square, 1))
	if err != nil || v.SmallInt() != 49 {
		t.Errorf("intercepted call = %v, %v; want 49", v, err)
	}

	// Dropping the constant removes the intercept.
	h.Reconfigure(config.Default())
	if names := h.Intercepts.Names(); len(names) != 0 {
		t.Errorf("intercepts = %v, want none", names)
	}
	if s.Context().Enabled(vm.SubsystemDebugger) {
		t.Error("debugger should be disabled again")
	}
}

func TestHostAsyncStats(t *testing.T) {
	cfg := config.Default()
	cfg.Async.Enabled = true
	h, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer closeHost(t, h)
	fns := defineHostFuncs(h)
	s := h.Sessions.Create("async")

	_, err = s.Worker.Do(context.Background(), func(ec *vm.ExecutionContext) (vm.Value, error) {
		task, err := ec.Start(fns.task, vm.KindNormal)
		if err != nil {
			return vm.Nil, err
		}
		task.Suspend(nil)
		task.Await()
		return vm.Nil, task.Return(vm.FromSmallInt(1))
	})
	if err != nil {
		t.Fatal(err)
	}

	want := AsyncStats{Created: 1, Resumed: 1, Succeeded: 1}
	if got := h.AsyncStats(); got != want {
		t.Errorf("async stats = %+v, want %+v", got, want)
	}
}

func TestHostCloseSavesProfileAndTrace(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Profiler.Enabled = true
	cfg.Profiler.Store = filepath.Join(dir, "profiles.db")
	cfg.Trace.Enabled = true
	cfg.Trace.Output = filepath.Join(dir, "trace.cbor")

	h, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	fns := defineHostFuncs(h)
	s := h.Sessions.Create("persisted")
	if _, err := s.Worker.Do(context.Background(), callN(fns.leaf, 2)); err != nil {
		t.Fatal(err)
	}
	closeHost(t, h)

	data, err := os.ReadFile(cfg.Trace.Output)
	if err != nil {
		t.Fatalf("trace output: %v", err)
	}
	snap, err := vm.UnmarshalTraceSnapshot(data)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Emitted != 4 {
		t.Errorf("trace emitted = %d, want 4", snap.Emitted)
	}

	store, err := profilestore.Open(cfg.Profiler.Store)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	stats, err := store.Load(s.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(stats) != 1 || stats[0].Name != "Util>>leaf" || stats[0].Calls != 2 {
		t.Errorf("saved profile = %+v", stats)
	}
}

func TestHostMemoryLimitFaultsSessions(t *testing.T) {
	cfg := config.Default()
	cfg.Limits.MemoryLimit = 1
	h, err := New(cfg)
	if err != nil {
		t.Skipf("process metrics unavailable: %v", err)
	}
	defer closeHost(t, h)
	s := h.Sessions.Create("bounded")

	if _, over, err := h.Watchdog().Check(); err != nil || !over {
		t.Skipf("watchdog sample: over=%v err=%v", over, err)
	}
	_, err = s.Worker.Do(context.Background(), func(ec *vm.ExecutionContext) (vm.Value, error) {
		_, err := ec.CheckSurprise()
		return vm.Nil, err
	})
	if !errors.Is(err, vm.ErrMemoryLimit) {
		t.Errorf("err = %v, want memory limit", err)
	}
}

func TestHostRunStopsWithContext(t *testing.T) {
	h, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer closeHost(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
