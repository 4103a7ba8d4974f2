// hookrun - runs a demonstration workload through the event hooks and
// prints the resulting profile.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/hookvm/config"
	"github.com/chazu/hookvm/host"
	"github.com/chazu/hookvm/lib/profilestore"
	"github.com/chazu/hookvm/vm"
)

func main() {
	configPath := flag.String("config", "", "Path to hooks.toml (default: search upward from the working directory)")
	verbosity := flag.Int("v", -1, "Log verbosity (0-4; default: [log] verbosity in hooks.toml)")
	logPath := flag.String("log", "", "Log file (default: [log] path in hooks.toml, else stderr)")
	iterations := flag.Int("n", 20, "Fibonacci argument for the workload")
	profile := flag.Bool("profile", false, "Enable the profiler regardless of configuration")
	tracePath := flag.String("trace", "", "Write a CBOR trace snapshot to this file")
	storePath := flag.String("store", "", "Persist the profile to this SQLite database")
	top := flag.Int("top", 10, "Number of functions to print")
	timeout := flag.Duration("timeout", 0, "Abort the workload after this long")
	listSessions := flag.Bool("sessions", false, "List sessions saved in -store and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: hookrun [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a demonstration workload with the configured hook subsystems.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  hookrun -profile                   # Profile the workload\n")
		fmt.Fprintf(os.Stderr, "  hookrun -config hooks.toml -v 2    # Use a config, debug logging\n")
		fmt.Fprintf(os.Stderr, "  hookrun -profile -store p.db       # Persist the profile\n")
		fmt.Fprintf(os.Stderr, "  hookrun -store p.db -sessions      # List saved profiles\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg.Log.Configure(*verbosity, *logPath)

	if *listSessions {
		if err := printSessions(*storePath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *profile {
		cfg.Profiler.Enabled = true
	}
	if *tracePath != "" {
		cfg.Trace.Enabled = true
		cfg.Trace.Output = *tracePath
	}
	if *storePath != "" {
		cfg.Profiler.Store = *storePath
	}
	if *timeout > 0 {
		cfg.Limits.Timeout.Duration = *timeout
	}

	if err := run(cfg, *iterations, *top); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return config.Default(), nil
	}
	return cfg, nil
}

func run(cfg *config.Config, n, top int) error {
	h, err := host.New(cfg)
	if err != nil {
		return err
	}
	h.OnHot = func(session, name string) {
		fmt.Printf("hot: %s\n", name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runCtx, cancelRun := context.WithCancel(ctx)
	go func() {
		if err := h.Run(runCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}()

	session := h.Sessions.Create("hookrun")
	w := newWorkload(h.Funcs)
	start := time.Now()
	result, werr := session.Worker.Do(ctx, w.run(n))
	elapsed := time.Since(start)

	if werr != nil {
		var fault *vm.Fault
		if errors.As(werr, &fault) {
			fmt.Printf("workload faulted after %s: %v\n", elapsed, fault)
		} else {
			fmt.Printf("workload failed after %s: %v\n", elapsed, werr)
		}
	} else {
		fmt.Printf("result: %v (%s)\n", result, elapsed)
	}

	printProfile(h.Profiler(session), top)
	as := h.AsyncStats()
	if as != (host.AsyncStats{}) {
		fmt.Printf("async: created=%d awaited=%d resumed=%d succeeded=%d failed=%d\n",
			as.Created, as.Awaited, as.Resumed, as.Succeeded, as.Failed)
	}

	cancelRun()
	closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelClose()
	if err := h.Close(closeCtx); err != nil {
		return err
	}
	if cfg.Profiler.Store != "" {
		fmt.Printf("profile saved as session %s in %s\n", session.ID, cfg.Profiler.Store)
	}
	return nil
}

func printProfile(p *vm.Profiler, top int) {
	if p == nil {
		return
	}
	stats := p.Stats()
	if stats.Functions == 0 {
		return
	}
	fmt.Printf("\n%-28s %10s %10s %8s %12s\n", "FUNCTION", "CALLS", "RETURNS", "UNWINDS", "INCLUSIVE")
	for _, fs := range p.TopFunctions(top) {
		hot := ""
		if fs.Hot {
			hot = " *"
		}
		fmt.Printf("%-28s %10d %10d %8d %12s%s\n",
			fs.Name, fs.Calls, fs.Returns, fs.Unwinds, fs.Inclusive.Round(time.Microsecond), hot)
	}
	fmt.Printf("\n%d function(s), %d call(s), %d hot\n", stats.Functions, stats.TotalCalls, stats.HotFunctions)
}

func printSessions(path string) error {
	if path == "" {
		return fmt.Errorf("-sessions requires -store")
	}
	store, err := profilestore.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.Sessions()
	if err != nil {
		return err
	}
	for _, s := range sessions {
		fmt.Printf("%s  %s  %d function(s)\n", s.ID, s.SavedAt.Format(time.RFC3339), s.Functions)
	}
	return nil
}
