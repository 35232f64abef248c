package dirwatch

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Default settings.
const (
	// DefaultLatency is the pause between monitor ticks and bounds the
	// worst-case change detection delay.
	DefaultLatency = 1 * time.Second
)

// Backend identifiers for the closed set of monitor implementations.
const (
	BackendAsyncDir = "asyncdir"
	BackendFSNotify = "fsnotify"
	BackendPoll     = "poll"
)

// ErrBackendUnsupported is returned when a backend cannot run on the
// current platform.
var ErrBackendUnsupported = errors.New("backend unsupported on this platform")

// EventFlag is a bit set of semantic change flags attached to an event.
type EventFlag uint32

const (
	Created EventFlag = 1 << iota
	Removed
	Updated
	MovedFrom
	MovedTo
	Renamed
)

var eventFlagNames = []struct {
	flag EventFlag
	name string
}{
	{Created, "Created"},
	{Removed, "Removed"},
	{Updated, "Updated"},
	{MovedFrom, "MovedFrom"},
	{MovedTo, "MovedTo"},
	{Renamed, "Renamed"},
}

// String returns the set flags joined by "|", or "None" for the empty set.
func (f EventFlag) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for _, ef := range eventFlagNames {
		if f&ef.flag != 0 {
			names = append(names, ef.name)
		}
	}
	return strings.Join(names, "|")
}

// Event represents a single normalized file change delivered to the consumer.
type Event struct {
	// Path is the absolute path of the changed file or directory.
	Path string

	// Flags describes what happened to the path. A rename produces two
	// adjacent events sharing the Renamed flag, distinguished by
	// MovedFrom and MovedTo.
	Flags EventFlag
}

// Callback receives batches of events in delivery order. It executes
// synchronously on the monitor goroutine and must not block for long.
type Callback func(events []Event)

// DiagnosticKind classifies out-of-band monitor conditions.
type DiagnosticKind int

const (
	// DiagnosticOverflow reports that the native change buffer could not
	// hold all changes since the last read. Events for that interval are
	// lost; the watch itself continues.
	DiagnosticOverflow DiagnosticKind = iota

	// DiagnosticRecoverable reports a per-path failure that the monitor
	// retries automatically on the next tick.
	DiagnosticRecoverable
)

// String returns the diagnostic kind name.
func (k DiagnosticKind) String() string {
	switch k {
	case DiagnosticOverflow:
		return "overflow"
	case DiagnosticRecoverable:
		return "recoverable"
	default:
		return "unknown"
	}
}

// Diagnostic is a structured notice about a non-fatal monitor condition.
// It lets consumers distinguish overflow, transient, and recoverable
// conditions programmatically instead of scraping log output.
type Diagnostic struct {
	Kind DiagnosticKind
	Path string
	Err  error
}

// Monitor watches a fixed set of directory paths and delivers change
// events to a callback until its context is cancelled.
type Monitor interface {
	// Run blocks, watching all configured paths. It returns the context
	// error on cancellation or a fatal error if the native change
	// facility breaks its contract. Per-path failures never end the run.
	Run(ctx context.Context) error

	// Diagnostics returns a channel of non-fatal condition notices.
	// Notices are dropped if the channel is not drained.
	Diagnostics() <-chan Diagnostic
}
