package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/chazu/hookvm/vm"
)

const sampleConfig = `
[trace]
enabled = true
capacity = 256
output = "trace.cbor"

[profiler]
enabled = true
hot-threshold = 10
store = "profiles.db"

[debugger]
enabled = false
breakpoints = ["Util>>leaf", "Math>>square"]
break-on-exception = true

[intercept]
enabled = true

[intercept.constants]
"Math>>square" = 49
"Clock>>now" = 0

[limits]
timeout = "2s"
memory-limit = 1073741824

[signals]
relay = true

[log]
verbosity = 2
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sampleConfig), "hooks.toml")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if !c.Trace.Enabled || c.Trace.Capacity != 256 || c.Trace.Output != "trace.cbor" {
		t.Errorf("trace = %+v", c.Trace)
	}
	if !c.Profiler.Enabled || c.Profiler.HotThreshold != 10 || c.Profiler.Store != "profiles.db" {
		t.Errorf("profiler = %+v", c.Profiler)
	}
	if c.Debugger.Enabled || !c.Debugger.BreakOnException || len(c.Debugger.Breakpoints) != 2 {
		t.Errorf("debugger = %+v", c.Debugger)
	}
	if c.Debugger.EventBuffer != 64 {
		t.Errorf("event buffer = %d, want default 64", c.Debugger.EventBuffer)
	}
	if c.Intercept.Constants["Math>>square"] != 49 {
		t.Errorf("intercept constants = %v", c.Intercept.Constants)
	}
	if c.Limits.Timeout.Duration != 2*time.Second {
		t.Errorf("timeout = %v, want 2s", c.Limits.Timeout)
	}
	if c.Limits.MemoryLimit != 1<<30 {
		t.Errorf("memory limit = %d", c.Limits.MemoryLimit)
	}
	if c.Limits.WatchInterval.Duration != 250*time.Millisecond {
		t.Errorf("watch interval = %v, want default 250ms", c.Limits.WatchInterval)
	}
	if !c.Signals.Relay || c.Log.Verbosity != 2 {
		t.Errorf("signals = %+v, log = %+v", c.Signals, c.Log)
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if c.Trace.Capacity != 1024 || c.Profiler.HotThreshold != 100 {
		t.Errorf("defaults = %+v", c)
	}
	for s, on := range c.Subsystems() {
		if on {
			t.Errorf("%s enabled by default", s)
		}
	}
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"syntax":           "[trace\nenabled = true",
		"bad duration":     "[limits]\ntimeout = \"soon\"",
		"negative timeout": "[limits]\ntimeout = \"-1s\"",
		"negative buffer":  "[debugger]\nevent-buffer = -1",
		"negative ring":    "[trace]\ncapacity = -5",
	}
	for name, data := range cases {
		if _, err := Parse([]byte(data), name); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestParseIgnoresUnknownKeys(t *testing.T) {
	c, err := Parse([]byte("[profiler]\nenabled = true\nsampling = 3\n"), "hooks.toml")
	if err != nil {
		t.Fatalf("unknown keys should only warn: %v", err)
	}
	if !c.Profiler.Enabled {
		t.Error("known keys should still decode")
	}
}

func TestDurationText(t *testing.T) {
	d := Duration{1500 * time.Millisecond}
	text, err := d.MarshalText()
	if err != nil || string(text) != "1.5s" {
		t.Fatalf("MarshalText = %q, %v", text, err)
	}
	var back Duration
	if err := back.UnmarshalText(text); err != nil || back != d {
		t.Errorf("UnmarshalText = %v, %v", back, err)
	}
}

func TestLoadAndFindAndLoad(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte(sampleConfig), 0644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "src", "app")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Path != filepath.Join(root, FileName) {
		t.Errorf("path = %q", c.Path)
	}

	found, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if found == nil || found.Path != c.Path {
		t.Errorf("FindAndLoad = %v, want the file in %s", found, root)
	}
}

func TestFindAndLoadMissing(t *testing.T) {
	c, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c != nil {
		t.Skipf("a %s above the temp directory was found at %s", FileName, c.Path)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestApply(t *testing.T) {
	c, err := Parse([]byte(sampleConfig), "hooks.toml")
	if err != nil {
		t.Fatal(err)
	}
	ec := vm.NewExecutionContext(vm.Options{})
	ec.Enable(vm.SubsystemDebugger)
	ec.Enable(vm.SubsystemAsync)

	c.Apply(ec)

	want := map[vm.Subsystem]bool{
		vm.SubsystemProfiler:  true,
		vm.SubsystemDebugger:  false,
		vm.SubsystemIntercept: true,
		vm.SubsystemAsync:     false,
	}
	for s, on := range want {
		if ec.Enabled(s) != on {
			t.Errorf("%s enabled = %v, want %v", s, ec.Enabled(s), on)
		}
	}
}

func TestInterceptNames(t *testing.T) {
	c, err := Parse([]byte(sampleConfig), "hooks.toml")
	if err != nil {
		t.Fatal(err)
	}
	if got := c.InterceptNames(); !slices.Equal(got, []string{"Clock>>now", "Math>>square"}) {
		t.Errorf("InterceptNames = %v", got)
	}
}

func TestLogResolve(t *testing.T) {
	l := LogConfig{Verbosity: 2, Path: "hooks.log"}

	v, path := l.Resolve(-1, "")
	if v != 2 || path == nil || *path != "hooks.log" {
		t.Errorf("unset flags: verbosity=%d path=%v", v, path)
	}
	v, path = l.Resolve(0, "cli.log")
	if v != 0 || path == nil || *path != "cli.log" {
		t.Errorf("flag overrides: verbosity=%d path=%v", v, path)
	}
	if _, path = (LogConfig{}).Resolve(-1, ""); path != nil {
		t.Errorf("empty path should mean stderr, got %q", *path)
	}
}

// ---------------------------------------------------------------------------
// Watcher
// ---------------------------------------------------------------------------

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte("[profiler]\nenabled = false\n"), 0644); err != nil {
		t.Fatal(err)
	}

	changes := make(chan *Config, 16)
	w := NewWatcher(path, func(c *Config) {
		select {
		case changes <- c:
		default:
		}
	})
	w.SetDebounce(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	// Unrelated files in the directory are ignored.
	os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644)
	if err := os.WriteFile(path, []byte("[profiler]\nenabled = true\n"), 0644); err != nil {
		t.Fatal(err)
	}

	// A reload may observe the truncated file first; wait for the final
	// contents.
	timeout := time.After(5 * time.Second)
	for enabled := false; !enabled; {
		select {
		case c := <-changes:
			enabled = c.Profiler.Enabled
		case <-timeout:
			t.Fatal("no reload with the new contents")
		}
	}
	if w.Reloads() < 1 {
		t.Errorf("reloads = %d, want at least 1", w.Reloads())
	}
	w.Stop()
}
