package vm

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ---------------------------------------------------------------------------
// MemoryWatchdog: process RSS limit
// ---------------------------------------------------------------------------

// MemoryWatchdog samples the process resident set size and raises
// FlagMemoryExceeded on every watched context while it is over the limit.
type MemoryWatchdog struct {
	limit    uint64
	interval time.Duration
	sample   func() (uint64, error)

	mu       sync.Mutex
	contexts map[*ExecutionContext]struct{}

	trips atomic.Uint64
	last  atomic.Uint64
}

// NewMemoryWatchdog creates a watchdog for the current process.
func NewMemoryWatchdog(limit uint64, interval time.Duration) (*MemoryWatchdog, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("memory watchdog: %w", err)
	}
	return newMemoryWatchdog(limit, interval, func() (uint64, error) {
		info, err := proc.MemoryInfo()
		if err != nil {
			return 0, err
		}
		return info.RSS, nil
	}), nil
}

func newMemoryWatchdog(limit uint64, interval time.Duration, sample func() (uint64, error)) *MemoryWatchdog {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &MemoryWatchdog{
		limit:    limit,
		interval: interval,
		sample:   sample,
		contexts: make(map[*ExecutionContext]struct{}),
	}
}

// Watch adds ec to the watched set.
func (w *MemoryWatchdog) Watch(ec *ExecutionContext) {
	w.mu.Lock()
	w.contexts[ec] = struct{}{}
	w.mu.Unlock()
}

// Unwatch removes ec from the watched set.
func (w *MemoryWatchdog) Unwatch(ec *ExecutionContext) {
	w.mu.Lock()
	delete(w.contexts, ec)
	w.mu.Unlock()
}

// Trips returns how many samples were over the limit.
func (w *MemoryWatchdog) Trips() uint64 { return w.trips.Load() }

// LastRSS returns the most recent sample.
func (w *MemoryWatchdog) LastRSS() uint64 { return w.last.Load() }

// Check takes one sample and raises on the watched contexts when it is over
// the limit.
func (w *MemoryWatchdog) Check() (rss uint64, over bool, err error) {
	rss, err = w.sample()
	if err != nil {
		return 0, false, err
	}
	w.last.Store(rss)
	if w.limit == 0 || rss <= w.limit {
		return rss, false, nil
	}

	w.trips.Add(1)
	w.mu.Lock()
	targets := make([]*ExecutionContext, 0, len(w.contexts))
	for ec := range w.contexts {
		targets = append(targets, ec)
	}
	w.mu.Unlock()

	msg := fmt.Sprintf("resident set %d bytes exceeds limit %d", rss, w.limit)
	logger.Warningf("%s; faulting %d context(s)", msg, len(targets))
	for _, ec := range targets {
		ec.flags.Raise(FlagMemoryExceeded, NewResourceFault(ErrMemoryLimit, msg))
	}
	return rss, true, nil
}

// Run samples until ctx is done.
func (w *MemoryWatchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := w.Check(); err != nil {
				logger.Errorf("memory watchdog: %v", err)
			}
		}
	}
}
