package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/dirwatch/dirwatch"
	"github.com/dirwatch/dirwatch/internal"
)

// Build information.
var (
	Version = "(development build)"
)

// DefaultConfigPath is used when no -config flag is given.
const DefaultConfigPath = "/etc/dirwatch.yml"

// errStop is a terminal error for indicating program should quit.
var errStop = errors.New("stop")

// Sentinel errors for configuration validation.
var (
	ErrInvalidLatency     = errors.New("latency must be greater than 0")
	ErrUnknownBackend     = errors.New("unknown backend")
	ErrNoPaths            = errors.New("at least one watch path required")
	ErrConfigFileNotFound = errors.New("config file not found")
)

func main() {
	m := NewMain()
	if err := m.Run(context.Background(), os.Args[1:]); errors.Is(err, flag.ErrHelp) || errors.Is(err, errStop) {
		os.Exit(1)
	} else if err != nil {
		slog.Error("failed to run", "error", err)
		os.Exit(1)
	}
}

// Main represents the main program execution.
type Main struct{}

// NewMain returns a new instance of Main.
func NewMain() *Main {
	return &Main{}
}

// Run executes the program.
func (m *Main) Run(ctx context.Context, args []string) (err error) {
	var cmd string
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "watch":
		c := NewWatchCommand()
		if err := c.ParseFlags(ctx, args); err != nil {
			return err
		}

		// Stop the monitor on interrupt.
		ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return c.Run(ctx)

	case "journal":
		return (&JournalCommand{}).Run(ctx, args)

	case "version":
		return (&VersionCommand{}).Run(ctx, args)

	case "":
		m.Usage()
		return flag.ErrHelp
	default:
		if strings.HasPrefix(cmd, "-") {
			m.Usage()
			return fmt.Errorf("invalid flags, specify a command: %q", cmd)
		}
		return fmt.Errorf("unknown command: %q", cmd)
	}
}

// Usage prints the top-level CLI usage message.
func (m *Main) Usage() {
	fmt.Println(`
dirwatch is a tool for watching directories and reporting file changes.

Usage:

	dirwatch <command> [arguments]

The commands are:

	watch        watch configured paths and deliver change events
	journal      query the recorded event journal
	version      prints the binary version
`[1:])
}

// Config represents a configuration file for the dirwatch daemon.
type Config struct {
	// List of directories to watch.
	Paths []string `yaml:"paths"`

	// Backend selects the monitor implementation: asyncdir, fsnotify,
	// or poll. Empty selects the best backend for the platform.
	Backend string `yaml:"backend"`

	// Latency between monitor ticks.
	Latency *time.Duration `yaml:"latency"`

	// Bind address for serving metrics & status. Blank disables.
	Addr string `yaml:"addr"`

	// Command executed once per delivered batch; events are written to
	// its stdin, one "path<TAB>flags" line each.
	Exec string `yaml:"exec"`

	// Size of the duplicate-suppression cache. Zero disables dedupe.
	DedupeSize int `yaml:"dedupe-size"`

	// Path of the SQLite event journal. Blank disables journaling.
	JournalPath string `yaml:"journal-path"`

	// NATS publishing settings.
	NATS *NATSConfig `yaml:"nats"`

	Logging LoggingConfig `yaml:"logging"`

	// Path to the config file, if read from disk.
	ConfigPath string `yaml:"-"`
}

// NATSConfig holds connection settings for the NATS event publisher.
type NATSConfig struct {
	URL      string `yaml:"url"`
	Subject  string `yaml:"subject"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
	Creds    string `yaml:"creds"`
}

// LoggingConfig configures the global slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Type   string `yaml:"type"`
	Stderr bool   `yaml:"stderr"`
}

// DefaultConfig returns a new instance of Config with defaults set.
func DefaultConfig() Config {
	latency := dirwatch.DefaultLatency
	return Config{
		Latency: &latency,
	}
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	if c.Latency != nil && *c.Latency <= 0 {
		return ErrInvalidLatency
	}
	switch c.Backend {
	case "", dirwatch.BackendAsyncDir, dirwatch.BackendFSNotify, dirwatch.BackendPoll:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
	return nil
}

// ReadConfigFile unmarshals config from filename.
// If expandEnv is true then environment variables are expanded in the config.
func ReadConfigFile(filename string, expandEnv bool) (Config, error) {
	f, err := os.Open(filename)
	if os.IsNotExist(err) {
		return DefaultConfig(), fmt.Errorf("%w: %s", ErrConfigFileNotFound, filename)
	} else if err != nil {
		return DefaultConfig(), err
	}
	defer f.Close()

	config, err := ParseConfig(f, expandEnv)
	if err != nil {
		return config, err
	}
	config.ConfigPath = filename
	return config, nil
}

// ParseConfig unmarshals config from a reader.
// If expandEnv is true then environment variables are expanded in the config.
func ParseConfig(r io.Reader, expandEnv bool) (_ Config, err error) {
	config := DefaultConfig()

	buf, err := io.ReadAll(r)
	if err != nil {
		return config, err
	}

	if expandEnv {
		buf = []byte(os.ExpandEnv(string(buf)))
	}

	defaultLatency := config.Latency
	if err := yaml.Unmarshal(buf, &config); err != nil {
		return config, err
	}
	if config.Latency == nil {
		config.Latency = defaultLatency
	}

	// Normalize paths.
	for i, path := range config.Paths {
		if config.Paths[i], err = expand(path); err != nil {
			return config, err
		}
	}

	if err := config.Validate(); err != nil {
		return config, err
	}

	// Configure logging.
	logOutput := os.Stdout
	if config.Logging.Stderr {
		logOutput = os.Stderr
	}
	initLog(logOutput, config.Logging.Level, config.Logging.Type)

	return config, nil
}

// expand converts a leading tilde into the user's home directory and
// makes the path absolute.
func expand(s string) (string, error) {
	prefix := "~" + string(os.PathSeparator)
	if s != "~" && !strings.HasPrefix(s, prefix) {
		return filepath.Abs(s)
	}

	u, err := user.Current()
	if err != nil {
		return "", err
	} else if u.HomeDir == "" {
		return "", fmt.Errorf("cannot expand path %s, no home directory available", s)
	}

	if s == "~" {
		return u.HomeDir, nil
	}
	return filepath.Join(u.HomeDir, strings.TrimPrefix(s, prefix)), nil
}

func initLog(w io.Writer, level, typ string) {
	logOptions := slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: internal.ReplaceAttr,
	}

	// Read log level from environment, if available.
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level = v
	}

	switch strings.ToUpper(level) {
	case "TRACE":
		logOptions.Level = internal.LevelTrace
	case "DEBUG":
		logOptions.Level = slog.LevelDebug
	case "INFO":
		logOptions.Level = slog.LevelInfo
	case "WARN", "WARNING":
		logOptions.Level = slog.LevelWarn
	case "ERROR":
		logOptions.Level = slog.LevelError
	}

	var logHandler slog.Handler
	switch typ {
	case "json":
		logHandler = slog.NewJSONHandler(w, &logOptions)
	case "text", "":
		logHandler = slog.NewTextHandler(w, &logOptions)
	}

	slog.SetDefault(slog.New(logHandler))
}
