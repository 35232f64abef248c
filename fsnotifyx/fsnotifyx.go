// Package fsnotifyx implements a portable directory-change monitor on
// top of fsnotify. It is the default backend on platforms without an
// asynchronous directory notification facility.
package fsnotifyx

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dirwatch/dirwatch"
	"github.com/dirwatch/dirwatch/internal"
)

var _ dirwatch.Monitor = (*Monitor)(nil)

// Monitor watches directory trees through fsnotify. Raw notifications
// are coalesced into batches delivered once per latency interval so the
// callback sees ordered groups rather than a stream of single events.
type Monitor struct {
	paths []string
	cb    dirwatch.Callback
	diags chan dirwatch.Diagnostic

	// Latency is the pause between batch deliveries. It also paces the
	// retry of roots that could not be watched yet.
	Latency time.Duration

	// Recursive controls whether subdirectories are watched as they
	// appear. fsnotify itself only watches single directories, so the
	// monitor maintains the tree of watches.
	Recursive bool

	Logger *slog.Logger
}

// NewMonitor returns a monitor for the given directory paths.
func NewMonitor(paths []string, cb dirwatch.Callback) *Monitor {
	paths = slices.Clone(paths)
	slices.Sort(paths)

	return &Monitor{
		paths: paths,
		cb:    cb,
		diags: make(chan dirwatch.Diagnostic, 64),

		Latency:   dirwatch.DefaultLatency,
		Recursive: true,
		Logger:    slog.With("backend", dirwatch.BackendFSNotify),
	}
}

// Diagnostics returns the channel of non-fatal condition notices.
func (m *Monitor) Diagnostics() <-chan dirwatch.Diagnostic {
	return m.diags
}

// Run watches all paths until ctx is cancelled. A root that cannot be
// watched is reported and retried every latency interval, matching the
// recovery behavior of the native backends.
func (m *Monitor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watched := make(map[string]struct{})
	for _, path := range m.paths {
		if err := m.watchTree(watcher, watched, path); err != nil {
			m.Logger.Debug("cannot watch path, will retry", "path", path, "error", err)
			m.diagnose(dirwatch.Diagnostic{Kind: dirwatch.DiagnosticRecoverable, Path: path, Err: err})
		}
	}

	var pending []dirwatch.Event
	flush := time.NewTicker(m.Latency)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			pending = m.handleEvent(watcher, watched, ev, pending)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.Logger.Warn("event queue overflowed, events lost")
				m.diagnose(dirwatch.Diagnostic{Kind: dirwatch.DiagnosticOverflow})
				internal.MonitorOverflowsCounterVec.WithLabelValues(dirwatch.BackendFSNotify).Inc()
				continue
			}
			m.Logger.Warn("watcher error", "error", err)
			m.diagnose(dirwatch.Diagnostic{Kind: dirwatch.DiagnosticRecoverable, Err: err})

		case <-flush.C:
			start := time.Now()

			// Retry roots that dropped out or never attached.
			for _, path := range m.paths {
				if _, ok := watched[path]; ok {
					continue
				}
				if err := m.watchTree(watcher, watched, path); err != nil {
					m.diagnose(dirwatch.Diagnostic{Kind: dirwatch.DiagnosticRecoverable, Path: path, Err: err})
				}
			}

			if len(pending) > 0 {
				internal.MonitorEventsCounterVec.WithLabelValues(dirwatch.BackendFSNotify).Add(float64(len(pending)))
				m.cb(pending)
				pending = nil
			}
			internal.MonitorTickDurationVec.WithLabelValues(dirwatch.BackendFSNotify).Observe(time.Since(start).Seconds())
		}
	}
}

// handleEvent translates one raw notification, maintaining the watch
// tree as directories come and go.
func (m *Monitor) handleEvent(watcher *fsnotify.Watcher, watched map[string]struct{}, ev fsnotify.Event, pending []dirwatch.Event) []dirwatch.Event {
	path := filepath.Clean(ev.Name)
	if path == "" || path == "." {
		return pending
	}

	if ev.Op&fsnotify.Create != 0 && m.Recursive {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := m.watchTree(watcher, watched, path); err != nil {
				m.Logger.Debug("cannot watch new directory", "path", path, "error", err)
			}
		}
	}
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		// fsnotify drops the watch itself; forget our bookkeeping so a
		// reappearing directory is re-attached.
		delete(watched, path)
	}

	flags := translateOp(ev.Op)
	if flags == 0 {
		return pending
	}
	return append(pending, dirwatch.Event{Path: path, Flags: flags})
}

// translateOp maps an fsnotify operation set onto semantic event flags.
// fsnotify reports a rename only for the vanished name; the new name
// surfaces separately as a create.
func translateOp(op fsnotify.Op) dirwatch.EventFlag {
	var flags dirwatch.EventFlag
	if op&fsnotify.Create != 0 {
		flags |= dirwatch.Created
	}
	if op&fsnotify.Remove != 0 {
		flags |= dirwatch.Removed
	}
	if op&(fsnotify.Write|fsnotify.Chmod) != 0 {
		flags |= dirwatch.Updated
	}
	if op&fsnotify.Rename != 0 {
		flags |= dirwatch.MovedFrom | dirwatch.Renamed
	}
	return flags
}

// watchTree attaches path and, in recursive mode, every directory
// below it.
func (m *Monitor) watchTree(watcher *fsnotify.Watcher, watched map[string]struct{}, root string) error {
	if !m.Recursive {
		return m.watchDir(watcher, watched, root)
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return m.watchDir(watcher, watched, path)
	})
}

func (m *Monitor) watchDir(watcher *fsnotify.Watcher, watched map[string]struct{}, path string) error {
	path = filepath.Clean(path)
	if _, ok := watched[path]; ok {
		return nil
	}
	if err := watcher.Add(path); err != nil {
		return err
	}
	watched[path] = struct{}{}
	m.Logger.Debug("watching directory", "path", path)
	return nil
}

func (m *Monitor) diagnose(d dirwatch.Diagnostic) {
	select {
	case m.diags <- d:
	default:
	}
}
