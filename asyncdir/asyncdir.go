// Package asyncdir implements a directory-change monitor on top of the
// operating system's asynchronous directory notification facility. Each
// watched path gets its own native handle and pending request; a single
// dispatch goroutine polls all of them on a fixed cadence, decodes
// completed change buffers into events, and re-arms the requests. A
// path whose watch fails for a recoverable reason is retried on every
// subsequent tick, so the monitor never silently stops watching a
// still-valid path.
package asyncdir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dirwatch/dirwatch"
	"github.com/dirwatch/dirwatch/internal"
)

var _ dirwatch.Monitor = (*Monitor)(nil)

// Monitor watches a fixed set of directories using asynchronous change
// notification. Fields may be set after NewMonitor and before Run.
type Monitor struct {
	paths []string
	cb    dirwatch.Callback

	api   native
	reg   *registry
	diags chan dirwatch.Diagnostic

	// Latency is the pause between ticks over all watched paths.
	Latency time.Duration

	// BufferRecords sizes each session's decode buffer, in native
	// records. Changes exceeding the buffer between two polls are
	// reported as an overflow and lost.
	BufferRecords int

	// Logger receives the human-readable diagnostic trail.
	Logger *slog.Logger
}

// NewMonitor returns a monitor for the given directory paths.
// It fails with dirwatch.ErrBackendUnsupported on platforms without an
// asynchronous directory notification facility.
func NewMonitor(paths []string, cb dirwatch.Callback) (*Monitor, error) {
	api, err := newNative()
	if err != nil {
		return nil, err
	}
	return newMonitor(api, paths, cb), nil
}

// newMonitor wires an explicit native implementation; tests use it to
// substitute a fake.
func newMonitor(api native, paths []string, cb dirwatch.Callback) *Monitor {
	// Iteration order over paths is arbitrary but must be stable.
	paths = slices.Clone(paths)
	slices.Sort(paths)

	return &Monitor{
		paths: paths,
		cb:    cb,
		api:   api,
		reg:   newRegistry(api),
		diags: make(chan dirwatch.Diagnostic, 64),

		Latency:       dirwatch.DefaultLatency,
		BufferRecords: sessionBufferRecords,
		Logger:        slog.With("backend", dirwatch.BackendAsyncDir),
	}
}

// Diagnostics returns the channel of non-fatal condition notices.
func (m *Monitor) Diagnostics() <-chan dirwatch.Diagnostic {
	return m.diags
}

// Run watches all paths until ctx is cancelled or a fatal native-layer
// fault occurs. Recoverable per-path failures only produce diagnostics.
// On return all sessions and completion signals are released; pending
// native requests are abandoned rather than drained.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.reg.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.tick(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.Latency):
		}
	}
}

// tick processes every watched path once: lazily (re)create its
// session, poll the pending request, decode and deliver on completion,
// then reset and re-arm. A returned error is fatal for the monitor.
func (m *Monitor) tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		internal.MonitorTickDurationVec.WithLabelValues(dirwatch.BackendAsyncDir).Observe(time.Since(start).Seconds())
	}()

	for _, path := range m.paths {
		if err := ctx.Err(); err != nil {
			return err
		}

		s := m.reg.session(path)
		if s == nil {
			if err := m.reg.ensure(path, m.BufferRecords*notifyRecordSize); err != nil {
				m.Logger.Debug("cannot watch path, will retry", "path", path, "error", err)
				m.diagnose(dirwatch.Diagnostic{Kind: dirwatch.DiagnosticRecoverable, Path: path, Err: err})
				continue
			}
			s = m.reg.session(path)
		}

		n, err := s.poll()
		if errors.Is(err, errPending) {
			continue
		} else if err != nil {
			m.Logger.Warn("watch invalidated, restarting", "path", path, "error", err)
			m.diagnose(dirwatch.Diagnostic{Kind: dirwatch.DiagnosticRecoverable, Path: path, Err: err})
			m.removeSession(path)
			continue
		}

		if n == 0 {
			// Zero bytes means the buffer could not hold the backlog.
			// The changes for this interval are lost; the watch itself
			// is still valid and must be re-armed.
			m.Logger.Warn("change buffer overflowed, events lost", "path", path)
			m.diagnose(dirwatch.Diagnostic{Kind: dirwatch.DiagnosticOverflow, Path: path})
			internal.MonitorOverflowsCounterVec.WithLabelValues(dirwatch.BackendAsyncDir).Inc()
		} else {
			events, err := decodeChanges(s.buf, n, path)
			if err != nil {
				m.Logger.Error("malformed notification buffer", "path", path, "error", err, "dump", internal.Hexdump(s.buf[:n]))
				return fmt.Errorf("monitor %q: %w", path, err)
			}
			if len(events) > 0 {
				internal.MonitorEventsCounterVec.WithLabelValues(dirwatch.BackendAsyncDir).Add(float64(len(events)))
				m.cb(events)
			}
		}

		if err := s.reset(); err != nil {
			return fmt.Errorf("reset completion signal for %q: %w", path, err)
		}
		if err := s.arm(); err != nil {
			// A session that cannot re-arm would silently stop
			// reporting changes; tear it down and recreate next tick.
			m.Logger.Warn("cannot re-arm watch, restarting", "path", path, "error", err)
			m.diagnose(dirwatch.Diagnostic{Kind: dirwatch.DiagnosticRecoverable, Path: path, Err: err})
			m.removeSession(path)
			continue
		}
	}
	return nil
}

func (m *Monitor) removeSession(path string) {
	m.reg.remove(path)
	internal.MonitorRestartsCounterVec.WithLabelValues(dirwatch.BackendAsyncDir).Inc()
}

// diagnose delivers a notice without blocking; undrained notices are
// dropped rather than stalling the dispatch loop.
func (m *Monitor) diagnose(d dirwatch.Diagnostic) {
	select {
	case m.diags <- d:
	default:
	}
}
