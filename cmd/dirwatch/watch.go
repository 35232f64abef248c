package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	shellwords "github.com/mattn/go-shellwords"

	"github.com/dirwatch/dirwatch"
	"github.com/dirwatch/dirwatch/asyncdir"
	"github.com/dirwatch/dirwatch/fsnotifyx"
	dwhttp "github.com/dirwatch/dirwatch/http"
	"github.com/dirwatch/dirwatch/internal"
	"github.com/dirwatch/dirwatch/journal"
	"github.com/dirwatch/dirwatch/natsx"
	"github.com/dirwatch/dirwatch/poll"
)

// WatchCommand runs a monitor over the configured paths and fans each
// delivered batch out to the enabled sinks.
type WatchCommand struct {
	configPath  string
	noExpandEnv bool

	config Config

	stdout io.Writer
}

// NewWatchCommand returns a new instance of WatchCommand.
func NewWatchCommand() *WatchCommand {
	return &WatchCommand{stdout: os.Stdout}
}

// ParseFlags parses the command line flags & config file.
func (c *WatchCommand) ParseFlags(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("dirwatch-watch", flag.ContinueOnError)
	backend := fs.String("backend", "", "monitor backend (asyncdir, fsnotify, poll)")
	latency := fs.Duration("latency", 0, "pause between monitor ticks")
	execCmd := fs.String("exec", "", "command run once per event batch")
	addr := fs.String("addr", "", "bind address for metrics & status")
	journalPath := fs.String("journal", "", "path of the SQLite event journal")
	fs.StringVar(&c.configPath, "config", "", "config file path")
	fs.BoolVar(&c.noExpandEnv, "no-expand-env", false, "do not expand env vars in config file")
	fs.Usage = c.Usage
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Load configuration or start from defaults when only flags and
	// positional paths are given.
	if c.configPath != "" {
		if c.config, err = ReadConfigFile(c.configPath, !c.noExpandEnv); err != nil {
			return err
		}
	} else if _, err := os.Stat(DefaultConfigPath); err == nil {
		if c.config, err = ReadConfigFile(DefaultConfigPath, !c.noExpandEnv); err != nil {
			return err
		}
	} else {
		c.config = DefaultConfig()
	}

	// Positional arguments override configured paths.
	if fs.NArg() > 0 {
		paths := make([]string, 0, fs.NArg())
		for _, arg := range fs.Args() {
			path, err := expand(arg)
			if err != nil {
				return err
			}
			paths = append(paths, path)
		}
		c.config.Paths = paths
	}

	// Flags override config file settings.
	if *backend != "" {
		c.config.Backend = *backend
	}
	if *latency != 0 {
		c.config.Latency = latency
	}
	if *execCmd != "" {
		c.config.Exec = *execCmd
	}
	if *addr != "" {
		c.config.Addr = *addr
	}
	if *journalPath != "" {
		c.config.JournalPath = *journalPath
	}

	if err := c.config.Validate(); err != nil {
		return err
	}
	if len(c.config.Paths) == 0 {
		return ErrNoPaths
	}
	return nil
}

// Run executes the watch command until ctx is cancelled.
func (c *WatchCommand) Run(ctx context.Context) (err error) {
	sink, closeSinks, err := c.buildSink(ctx)
	if err != nil {
		return err
	}
	defer closeSinks()

	monitor, err := c.newMonitor(sink)
	if err != nil {
		return err
	}

	startedAt := time.Now()
	if c.config.Addr != "" {
		server := dwhttp.NewServer(c.config.Addr, func() dwhttp.Status {
			return dwhttp.Status{
				Backend:   c.backendName(),
				Paths:     c.config.Paths,
				StartedAt: startedAt,
				Uptime:    time.Since(startedAt).Truncate(time.Second).String(),
			}
		})
		if err := server.Open(); err != nil {
			return fmt.Errorf("cannot start metrics server: %w", err)
		}
		defer server.Close()
		slog.Info("serving metrics", "url", server.URL()+"/metrics")
	}

	// Diagnostics are logged by the backends; drain the channel so
	// notices are not dropped for consumers that do not read it.
	go func() {
		for range monitor.Diagnostics() {
		}
	}()

	slog.Info("watching",
		"paths", humanize.Comma(int64(len(c.config.Paths))),
		"backend", c.backendName(),
		"latency", *c.config.Latency)

	if err := monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("dirwatch shut down")
	return nil
}

// backendName resolves the effective backend, defaulting per platform.
func (c *WatchCommand) backendName() string {
	if c.config.Backend != "" {
		return c.config.Backend
	}
	if runtime.GOOS == "windows" {
		return dirwatch.BackendAsyncDir
	}
	return dirwatch.BackendFSNotify
}

// newMonitor builds the configured backend with the shared settings
// applied.
func (c *WatchCommand) newMonitor(cb dirwatch.Callback) (dirwatch.Monitor, error) {
	latency := *c.config.Latency

	switch c.backendName() {
	case dirwatch.BackendAsyncDir:
		m, err := asyncdir.NewMonitor(c.config.Paths, cb)
		if err != nil {
			return nil, err
		}
		m.Latency = latency
		return m, nil

	case dirwatch.BackendFSNotify:
		m := fsnotifyx.NewMonitor(c.config.Paths, cb)
		m.Latency = latency
		return m, nil

	case dirwatch.BackendPoll:
		m := poll.NewMonitor(c.config.Paths, cb)
		m.Latency = latency
		return m, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, c.config.Backend)
	}
}

// buildSink composes the event pipeline: optional dedupe in front of
// the stdout printer, exec runner, journal, and NATS publisher.
func (c *WatchCommand) buildSink(ctx context.Context) (dirwatch.Callback, func(), error) {
	var sinks []dirwatch.Callback
	var closers []func()
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}

	sinks = append(sinks, c.printEvents)

	if c.config.Exec != "" {
		argv, err := shellwords.Parse(c.config.Exec)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot parse exec command: %w", err)
		}
		if len(argv) == 0 {
			return nil, nil, fmt.Errorf("exec command is empty")
		}
		sinks = append(sinks, func(events []dirwatch.Event) {
			c.execBatch(ctx, argv, events)
		})
	}

	if c.config.JournalPath != "" {
		j, err := journal.Open(c.config.JournalPath)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot open journal: %w", err)
		}
		closers = append(closers, func() { j.Close() })
		sinks = append(sinks, func(events []dirwatch.Event) {
			if err := j.Record(ctx, events); err != nil {
				slog.Error("journal write failed", "error", err)
			}
		})
	}

	if c.config.NATS != nil {
		p := natsx.NewPublisher(natsx.PublisherOptions{
			URL:      c.config.NATS.URL,
			Subject:  c.config.NATS.Subject,
			Username: c.config.NATS.Username,
			Password: c.config.NATS.Password,
			Token:    c.config.NATS.Token,
			Creds:    c.config.NATS.Creds,
		})
		if err := p.Open(); err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { p.Close() })
		sinks = append(sinks, func(events []dirwatch.Event) {
			if err := p.Publish(events); err != nil {
				slog.Error("nats publish failed", "error", err)
			}
		})
	}

	fanout := func(events []dirwatch.Event) {
		for _, sink := range sinks {
			sink(events)
		}
	}

	if c.config.DedupeSize > 0 {
		deduper, err := internal.NewDeduper(c.config.DedupeSize)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		inner := fanout
		fanout = func(events []dirwatch.Event) {
			// Suppression only spans one delivered batch; a path that
			// changes again in a later window must be delivered again.
			deduper.Reset()

			kept := events[:0:0]
			for _, event := range events {
				if deduper.Keep(internal.DedupeKey{Path: event.Path, Flags: uint32(event.Flags)}) {
					kept = append(kept, event)
				}
			}
			if len(kept) > 0 {
				inner(kept)
			}
		}
	}

	return fanout, closeAll, nil
}

// printEvents writes one "path flags" line per event.
func (c *WatchCommand) printEvents(events []dirwatch.Event) {
	for _, event := range events {
		fmt.Fprintf(c.stdout, "%s %s\n", event.Path, event.Flags)
	}
}

// execBatch runs the configured command once, feeding it one
// "path<TAB>flags" line per event on stdin.
func (c *WatchCommand) execBatch(ctx context.Context, argv []string, events []dirwatch.Event) {
	var input strings.Builder
	for _, event := range events {
		fmt.Fprintf(&input, "%s\t%s\n", event.Path, event.Flags)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(input.String())
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		slog.Error("exec command failed", "command", argv[0], "error", err)
	}
}

// Usage prints the help message to STDOUT.
func (c *WatchCommand) Usage() {
	fmt.Println(`
The watch command starts a monitor over one or more directories and
prints normalized change events. Events can additionally be recorded to
a SQLite journal, published to NATS, or piped to a command.

Usage:

	dirwatch watch [arguments] [PATH...]

Arguments:

	-config PATH
	    Specifies the configuration file.
	    Defaults to /etc/dirwatch.yml

	-no-expand-env
	    Disables environment variable expansion in configuration file.

	-backend NAME
	    Selects the monitor backend: asyncdir, fsnotify or poll.
	    Defaults to the best backend for the platform.

	-latency DURATION
	    Pause between monitor ticks. Defaults to 1s.

	-exec CMD
	    Command run once per delivered batch. Events are written to its
	    stdin, one "path<TAB>flags" line each.

	-journal PATH
	    Records delivered events to a SQLite journal at PATH.

	-addr ADDR
	    Serves Prometheus metrics and a status document on ADDR.
`[1:])
}
