package vm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryWatchdogUnderLimit(t *testing.T) {
	w := newMemoryWatchdog(1000, 0, func() (uint64, error) { return 500, nil })
	ec := NewExecutionContext(Options{})
	w.Watch(ec)

	rss, over, err := w.Check()
	if err != nil || over || rss != 500 {
		t.Fatalf("Check = %d, %v, %v", rss, over, err)
	}
	if ec.SurpriseFlags() != 0 || w.Trips() != 0 {
		t.Error("under-limit sample should not raise")
	}
	if w.LastRSS() != 500 {
		t.Errorf("LastRSS = %d", w.LastRSS())
	}
}

func TestMemoryWatchdogOverLimitFaults(t *testing.T) {
	fns := newTestFuncs()
	w := newMemoryWatchdog(1000, 0, func() (uint64, error) { return 4096, nil })
	watched := NewExecutionContext(Options{})
	other := NewExecutionContext(Options{})
	w.Watch(watched)

	if _, over, _ := w.Check(); !over {
		t.Fatal("sample should be over the limit")
	}
	if other.SurpriseFlags() != 0 {
		t.Error("unwatched context should be untouched")
	}

	_, err := watched.Invoke(fns.leaf, KindNormal, constBody(Nil))
	if !errors.Is(err, ErrMemoryLimit) {
		t.Fatalf("err = %v, want memory limit", err)
	}

	// Still over: the next sample raises again.
	w.Check()
	if watched.SurpriseFlags()&FlagMemoryExceeded == 0 {
		t.Error("second sample should raise again")
	}
	if w.Trips() != 2 {
		t.Errorf("trips = %d, want 2", w.Trips())
	}

	w.Unwatch(watched)
	watched.Reset()
	w.Check()
	if watched.SurpriseFlags() != 0 {
		t.Error("unwatched context should not be raised")
	}
}

func TestMemoryWatchdogZeroLimitNeverTrips(t *testing.T) {
	w := newMemoryWatchdog(0, 0, func() (uint64, error) { return 1 << 40, nil })
	if _, over, _ := w.Check(); over {
		t.Error("limit 0 means unlimited")
	}
}

func TestMemoryWatchdogSampleError(t *testing.T) {
	w := newMemoryWatchdog(10, 0, func() (uint64, error) { return 0, errBoom })
	if _, _, err := w.Check(); !errors.Is(err, errBoom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestMemoryWatchdogRun(t *testing.T) {
	var samples atomic.Int32
	w := newMemoryWatchdog(10, time.Millisecond, func() (uint64, error) {
		samples.Add(1)
		return 1, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, "samples", func() bool { return samples.Load() >= 3 })
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestNewMemoryWatchdogSamplesProcess(t *testing.T) {
	w, err := NewMemoryWatchdog(0, 0)
	if err != nil {
		t.Skipf("process metrics unavailable: %v", err)
	}
	rss, _, err := w.Check()
	if err != nil {
		t.Skipf("process metrics unavailable: %v", err)
	}
	if rss == 0 {
		t.Error("RSS of a running process should be nonzero")
	}
}
