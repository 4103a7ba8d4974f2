// Package config handles hooks.toml configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"

	"github.com/chazu/hookvm/vm"
)

var logger = commonlog.GetLogger("hookvm.config")

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "hooks.toml"

// Config represents a hooks.toml configuration.
type Config struct {
	Trace     TraceConfig     `toml:"trace"`
	Profiler  ProfilerConfig  `toml:"profiler"`
	Debugger  DebuggerConfig  `toml:"debugger"`
	Intercept InterceptConfig `toml:"intercept"`
	Async     AsyncConfig     `toml:"async"`
	Limits    LimitsConfig    `toml:"limits"`
	Signals   SignalsConfig   `toml:"signals"`
	Log       LogConfig       `toml:"log"`

	// Path is the file the configuration was loaded from (set at load time).
	Path string `toml:"-"`
}

// TraceConfig configures the enter/exit trace ring.
type TraceConfig struct {
	Enabled  bool   `toml:"enabled"`
	Capacity int    `toml:"capacity"`
	Output   string `toml:"output"` // CBOR snapshot written at session end
}

// ProfilerConfig configures the profiler subsystem.
type ProfilerConfig struct {
	Enabled      bool   `toml:"enabled"`
	HotThreshold uint64 `toml:"hot-threshold"`
	Store        string `toml:"store"` // SQLite path; empty disables persistence
}

// DebuggerConfig configures the debugger subsystem.
type DebuggerConfig struct {
	Enabled          bool     `toml:"enabled"`
	Breakpoints      []string `toml:"breakpoints"`
	BreakOnException bool     `toml:"break-on-exception"`
	EventBuffer      int      `toml:"event-buffer"`
}

// InterceptConfig configures the intercept subsystem. Constants maps a
// function name to the integer its intercept handler returns.
type InterceptConfig struct {
	Enabled   bool             `toml:"enabled"`
	Constants map[string]int64 `toml:"constants"`
}

// AsyncConfig configures async resumable notifications.
type AsyncConfig struct {
	Enabled bool `toml:"enabled"`
}

// LimitsConfig configures resource limits.
type LimitsConfig struct {
	Timeout       Duration `toml:"timeout"`
	MemoryLimit   uint64   `toml:"memory-limit"` // bytes of resident set; 0 disables
	WatchInterval Duration `toml:"watch-interval"`
}

// SignalsConfig configures the process signal relay.
type SignalsConfig struct {
	Relay bool `toml:"relay"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Resolve returns the verbosity and log file to use. A negative
// flagVerbosity or empty flagPath leaves the configured value in place.
// A nil path means stderr.
func (l LogConfig) Resolve(flagVerbosity int, flagPath string) (int, *string) {
	verbosity := l.Verbosity
	if flagVerbosity >= 0 {
		verbosity = flagVerbosity
	}
	path := l.Path
	if flagPath != "" {
		path = flagPath
	}
	if path == "" {
		return verbosity, nil
	}
	return verbosity, &path
}

// Configure sets up commonlog from the resolved settings.
func (l LogConfig) Configure(flagVerbosity int, flagPath string) {
	verbosity, path := l.Resolve(flagVerbosity, flagPath)
	commonlog.Configure(verbosity, path)
}

// Duration is a time.Duration written as a string such as "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no hooks.toml exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Trace.Capacity == 0 {
		c.Trace.Capacity = 1024
	}
	if c.Profiler.HotThreshold == 0 {
		c.Profiler.HotThreshold = 100
	}
	if c.Debugger.EventBuffer == 0 {
		c.Debugger.EventBuffer = 64
	}
	if c.Limits.WatchInterval.Duration == 0 {
		c.Limits.WatchInterval.Duration = 250 * time.Millisecond
	}
}

// Parse decodes a configuration. name is used in error messages.
func Parse(data []byte, name string) (*Config, error) {
	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", name, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		logger.Warningf("%s: unknown keys ignored: %s", name, strings.Join(keys, ", "))
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return &c, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if c.Trace.Capacity < 0 {
		return fmt.Errorf("trace.capacity must not be negative")
	}
	if c.Debugger.EventBuffer < 0 {
		return fmt.Errorf("debugger.event-buffer must not be negative")
	}
	if c.Limits.Timeout.Duration < 0 {
		return fmt.Errorf("limits.timeout must not be negative")
	}
	if c.Limits.WatchInterval.Duration < 0 {
		return fmt.Errorf("limits.watch-interval must not be negative")
	}
	for name := range c.Intercept.Constants {
		if name == "" {
			return fmt.Errorf("intercept.constants has an empty function name")
		}
	}
	return nil
}

// LoadFile parses the configuration file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return c, nil
}

// Load parses hooks.toml from the given directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// FindAndLoad walks up from startDir to find a hooks.toml file, then loads
// and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Subsystems returns the subsystem toggles the configuration asks for.
func (c *Config) Subsystems() map[vm.Subsystem]bool {
	return map[vm.Subsystem]bool{
		vm.SubsystemProfiler:  c.Profiler.Enabled,
		vm.SubsystemDebugger:  c.Debugger.Enabled,
		vm.SubsystemIntercept: c.Intercept.Enabled,
		vm.SubsystemAsync:     c.Async.Enabled,
	}
}

// Apply sets ec's subsystem toggles to match the configuration. Only
// toggles that differ are changed.
func (c *Config) Apply(ec *vm.ExecutionContext) {
	for s, on := range c.Subsystems() {
		switch {
		case on && !ec.Enabled(s):
			ec.Enable(s)
		case !on && ec.Enabled(s):
			ec.Disable(s)
		}
	}
}

// InterceptNames returns the intercepted function names in sorted order.
func (c *Config) InterceptNames() []string {
	names := make([]string, 0, len(c.Intercept.Constants))
	for name := range c.Intercept.Constants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
