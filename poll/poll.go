// Package poll implements a stat-scan directory monitor. It is the
// fallback backend for filesystems without change notification, such
// as network mounts.
package poll

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/dirwatch/dirwatch"
	"github.com/dirwatch/dirwatch/internal"
)

var _ dirwatch.Monitor = (*Monitor)(nil)

// fileState is the per-path fingerprint compared between scans.
type fileState struct {
	modTime time.Time
	size    int64
	isDir   bool
}

// Monitor detects changes by walking the watched trees once per latency
// interval and diffing the result against the previous scan.
type Monitor struct {
	paths []string
	cb    dirwatch.Callback
	diags chan dirwatch.Diagnostic

	// Latency is the pause between scans and bounds detection delay.
	// Scanning cost grows with tree size, so large trees want a larger
	// latency.
	Latency time.Duration

	Logger *slog.Logger
}

// NewMonitor returns a polling monitor for the given directory paths.
func NewMonitor(paths []string, cb dirwatch.Callback) *Monitor {
	paths = slices.Clone(paths)
	slices.Sort(paths)

	return &Monitor{
		paths: paths,
		cb:    cb,
		diags: make(chan dirwatch.Diagnostic, 64),

		Latency: dirwatch.DefaultLatency,
		Logger:  slog.With("backend", dirwatch.BackendPoll),
	}
}

// Diagnostics returns the channel of non-fatal condition notices.
func (m *Monitor) Diagnostics() <-chan dirwatch.Diagnostic {
	return m.diags
}

// Run scans until ctx is cancelled. The first scan establishes the
// baseline; pre-existing files produce no events.
func (m *Monitor) Run(ctx context.Context) error {
	prev := m.scan()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.Latency):
		}

		start := time.Now()
		cur := m.scan()
		events := diff(prev, cur)
		prev = cur

		if len(events) > 0 {
			internal.MonitorEventsCounterVec.WithLabelValues(dirwatch.BackendPoll).Add(float64(len(events)))
			m.cb(events)
		}
		internal.MonitorTickDurationVec.WithLabelValues(dirwatch.BackendPoll).Observe(time.Since(start).Seconds())
	}
}

// scan fingerprints every entry under the watched roots. Unreadable
// roots are reported and simply missing from the result, which the diff
// then presents as removals; they reappear when readable again.
func (m *Monitor) scan() map[string]fileState {
	states := make(map[string]fileState)

	for _, root := range m.paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if path == root {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return nil
			}
			states[path] = fileState{
				modTime: info.ModTime(),
				size:    info.Size(),
				isDir:   info.IsDir(),
			}
			return nil
		})
		if err != nil {
			m.Logger.Debug("cannot scan path, will retry", "path", root, "error", err)
			m.diagnose(dirwatch.Diagnostic{Kind: dirwatch.DiagnosticRecoverable, Path: root, Err: err})
		}
	}
	return states
}

// diff turns two consecutive scans into events, in sorted path order.
func diff(prev, cur map[string]fileState) []dirwatch.Event {
	var events []dirwatch.Event

	paths := make([]string, 0, len(cur))
	for path := range cur {
		paths = append(paths, path)
	}
	slices.Sort(paths)

	for _, path := range paths {
		state := cur[path]
		old, ok := prev[path]
		if !ok {
			events = append(events, dirwatch.Event{Path: path, Flags: dirwatch.Created})
			continue
		}
		if !state.isDir && (!state.modTime.Equal(old.modTime) || state.size != old.size) {
			events = append(events, dirwatch.Event{Path: path, Flags: dirwatch.Updated})
		}
	}

	removed := make([]string, 0)
	for path := range prev {
		if _, ok := cur[path]; !ok {
			removed = append(removed, path)
		}
	}
	slices.Sort(removed)
	for _, path := range removed {
		events = append(events, dirwatch.Event{Path: path, Flags: dirwatch.Removed})
	}

	return events
}

func (m *Monitor) diagnose(d dirwatch.Diagnostic) {
	select {
	case m.diags <- d:
	default:
	}
}
