package asyncdir

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dirwatch/dirwatch"
	"github.com/dirwatch/dirwatch/internal"
)

// fakeNative is an in-memory stand-in for the asynchronous directory
// notification facility. Tests script per-path poll outcomes and
// inspect handle lifecycles.
type fakeNative struct {
	next sysHandle

	dirs    map[sysHandle]string
	signals map[sysHandle]bool
	closed  map[sysHandle]int

	openErr  map[string]error
	armErr   map[string]error
	resetErr error

	armed   map[sysHandle][]byte
	results map[string][]fakeResult

	openCalls   map[string]int
	armCalls    map[string]int
	resetCalls  int
	signalCalls int
}

type fakeResult struct {
	n    int
	err  error
	data []byte
}

func newFakeNative() *fakeNative {
	return &fakeNative{
		dirs:      make(map[sysHandle]string),
		signals:   make(map[sysHandle]bool),
		closed:    make(map[sysHandle]int),
		openErr:   make(map[string]error),
		armErr:    make(map[string]error),
		armed:     make(map[sysHandle][]byte),
		results:   make(map[string][]fakeResult),
		openCalls: make(map[string]int),
		armCalls:  make(map[string]int),
	}
}

// push schedules a completed notification carrying raw record data.
func (f *fakeNative) push(path string, data []byte) {
	f.results[path] = append(f.results[path], fakeResult{n: len(data), data: data})
}

// pushOverflow schedules a zero-byte completion.
func (f *fakeNative) pushOverflow(path string) {
	f.results[path] = append(f.results[path], fakeResult{})
}

// pushErr schedules a fatal poll failure.
func (f *fakeNative) pushErr(path string, err error) {
	f.results[path] = append(f.results[path], fakeResult{err: err})
}

func (f *fakeNative) openDirectory(path string) (sysHandle, error) {
	f.openCalls[path]++
	if err := f.openErr[path]; err != nil {
		return 0, err
	}
	f.next++
	f.dirs[f.next] = path
	return f.next, nil
}

func (f *fakeNative) newSignal() (sysHandle, error) {
	f.signalCalls++
	f.next++
	f.signals[f.next] = true
	return f.next, nil
}

func (f *fakeNative) readChanges(dir sysHandle, buf []byte, signal sysHandle) error {
	path := f.dirs[dir]
	f.armCalls[path]++
	if err := f.armErr[path]; err != nil {
		return err
	}
	f.armed[dir] = buf
	return nil
}

func (f *fakeNative) pollResult(dir sysHandle) (int, error) {
	buf, ok := f.armed[dir]
	if !ok {
		return 0, errPending
	}

	path := f.dirs[dir]
	queue := f.results[path]
	if len(queue) == 0 {
		return 0, errPending
	}
	res := queue[0]
	f.results[path] = queue[1:]
	delete(f.armed, dir)

	if res.err != nil {
		return 0, res.err
	}
	copy(buf, res.data)
	return res.n, nil
}

func (f *fakeNative) resetSignal(signal sysHandle) error {
	f.resetCalls++
	return f.resetErr
}

func (f *fakeNative) closeHandle(h sysHandle) error {
	f.closed[h]++
	delete(f.dirs, h)
	delete(f.signals, h)
	delete(f.armed, h)
	return nil
}

// handleFor returns the open directory handle for path, or zero.
func (f *fakeNative) handleFor(path string) sysHandle {
	for h, p := range f.dirs {
		if p == path {
			return h
		}
	}
	return 0
}

func newTestMonitor(api native, paths []string, cb dirwatch.Callback) *Monitor {
	m := newMonitor(api, paths, cb)
	m.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return m
}

func TestMonitor_DeliverEvents(t *testing.T) {
	fake := newFakeNative()
	var batches [][]dirwatch.Event
	m := newTestMonitor(fake, []string{"/watch"}, func(events []dirwatch.Event) {
		batches = append(batches, events)
	})
	ctx := context.Background()

	// First tick creates and arms the session; nothing completed yet.
	if err := m.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := len(batches), 0; got != want {
		t.Fatalf("batches=%d, want %d", got, want)
	}

	fake.push("/watch", encodeRecord(nil, 0, actionAdded, "file.txt"))

	if err := m.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := len(batches), 1; got != want {
		t.Fatalf("batches=%d, want %d", got, want)
	}
	if got, want := batches[0][0].Path, filepath.Join("/watch", "file.txt"); got != want {
		t.Fatalf("path=%s, want %s", got, want)
	}
	if got, want := batches[0][0].Flags, dirwatch.Created; got != want {
		t.Fatalf("flags=%s, want %s", got, want)
	}

	// The signal was reset and the request re-armed for the next change.
	if got, want := fake.resetCalls, 1; got != want {
		t.Fatalf("resetCalls=%d, want %d", got, want)
	}
	if got, want := fake.armCalls["/watch"], 2; got != want {
		t.Fatalf("armCalls=%d, want %d", got, want)
	}
}

func TestMonitor_RenamePair(t *testing.T) {
	fake := newFakeNative()
	var batches [][]dirwatch.Event
	m := newTestMonitor(fake, []string{"/watch"}, func(events []dirwatch.Event) {
		batches = append(batches, events)
	})
	ctx := context.Background()

	if err := m.tick(ctx); err != nil {
		t.Fatal(err)
	}

	buf := encodeRecord(nil, recordLen("old"), actionRenamedOldName, "old")
	buf = encodeRecord(buf, 0, actionRenamedNewName, "new")
	fake.push("/watch", buf)

	if err := m.tick(ctx); err != nil {
		t.Fatal(err)
	}

	if got, want := len(batches), 1; got != want {
		t.Fatalf("batches=%d, want %d", got, want)
	}
	events := batches[0]
	if got, want := len(events), 2; got != want {
		t.Fatalf("events=%d, want %d", got, want)
	}

	// Both halves of the rename arrive as an adjacent pair: the old
	// name first, then the new name.
	if got, want := events[0], (dirwatch.Event{Path: filepath.Join("/watch", "old"), Flags: dirwatch.MovedFrom | dirwatch.Renamed}); got != want {
		t.Fatalf("events[0]=%+v, want %+v", got, want)
	}
	if got, want := events[1], (dirwatch.Event{Path: filepath.Join("/watch", "new"), Flags: dirwatch.MovedTo | dirwatch.Renamed}); got != want {
		t.Fatalf("events[1]=%+v, want %+v", got, want)
	}
}

func TestMonitor_OpenFailureRetries(t *testing.T) {
	fake := newFakeNative()
	fake.openErr["/watch"] = os.ErrPermission

	m := newTestMonitor(fake, []string{"/watch"}, func([]dirwatch.Event) {})
	ctx := context.Background()

	// The failing path is skipped, reported, and stays absent.
	if err := m.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if m.reg.session("/watch") != nil {
		t.Fatal("expected no session after open failure")
	}

	select {
	case d := <-m.Diagnostics():
		if got, want := d.Kind, dirwatch.DiagnosticRecoverable; got != want {
			t.Fatalf("kind=%s, want %s", got, want)
		}
		if !errors.Is(d.Err, os.ErrPermission) {
			t.Fatalf("err=%v, want wrapped permission error", d.Err)
		}
	default:
		t.Fatal("expected a diagnostic")
	}

	// Every tick is a retry; once the path opens, a session appears.
	delete(fake.openErr, "/watch")
	if err := m.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if m.reg.session("/watch") == nil {
		t.Fatal("expected session after successful retry")
	}
	if got, want := fake.openCalls["/watch"], 2; got != want {
		t.Fatalf("openCalls=%d, want %d", got, want)
	}
}

func TestMonitor_Overflow(t *testing.T) {
	fake := newFakeNative()
	var batches [][]dirwatch.Event
	m := newTestMonitor(fake, []string{"/watch"}, func(events []dirwatch.Event) {
		batches = append(batches, events)
	})
	ctx := context.Background()

	if err := m.tick(ctx); err != nil {
		t.Fatal(err)
	}
	fake.pushOverflow("/watch")
	if err := m.tick(ctx); err != nil {
		t.Fatal(err)
	}

	// No events, an overflow diagnostic, and the session is re-armed so
	// later changes are still observed.
	if got, want := len(batches), 0; got != want {
		t.Fatalf("batches=%d, want %d", got, want)
	}
	select {
	case d := <-m.Diagnostics():
		if got, want := d.Kind, dirwatch.DiagnosticOverflow; got != want {
			t.Fatalf("kind=%s, want %s", got, want)
		}
	default:
		t.Fatal("expected an overflow diagnostic")
	}
	if got, want := fake.armCalls["/watch"], 2; got != want {
		t.Fatalf("armCalls=%d, want %d", got, want)
	}

	fake.push("/watch", encodeRecord(nil, 0, actionAdded, "after.txt"))
	if err := m.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := len(batches), 1; got != want {
		t.Fatalf("batches=%d, want %d", got, want)
	}
}

func TestMonitor_FatalPollRecreatesSession(t *testing.T) {
	fake := newFakeNative()
	m := newTestMonitor(fake, []string{"/watch"}, func([]dirwatch.Event) {})
	ctx := context.Background()

	if err := m.tick(ctx); err != nil {
		t.Fatal(err)
	}
	h := fake.handleFor("/watch")
	if h == 0 {
		t.Fatal("expected open directory handle")
	}

	fake.pushErr("/watch", errors.New("handle invalidated"))
	if err := m.tick(ctx); err != nil {
		t.Fatal(err)
	}

	// The session is gone and its handle was released exactly once.
	if m.reg.session("/watch") != nil {
		t.Fatal("expected session removed after fatal poll")
	}
	if got, want := fake.closed[h], 1; got != want {
		t.Fatalf("closed=%d, want %d", got, want)
	}

	// The very next tick recreates the session, reusing the signal.
	if err := m.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if m.reg.session("/watch") == nil {
		t.Fatal("expected session recreated")
	}
	if got, want := fake.openCalls["/watch"], 2; got != want {
		t.Fatalf("openCalls=%d, want %d", got, want)
	}
	if got, want := fake.signalCalls, 1; got != want {
		t.Fatalf("signalCalls=%d, want %d", got, want)
	}
}

func TestMonitor_ResetFailureIsFatal(t *testing.T) {
	fake := newFakeNative()
	m := newTestMonitor(fake, []string{"/watch"}, func([]dirwatch.Event) {})
	ctx := context.Background()

	if err := m.tick(ctx); err != nil {
		t.Fatal(err)
	}
	fake.resetErr = errors.New("signal facility broken")
	fake.push("/watch", encodeRecord(nil, 0, actionAdded, "a"))

	if err := m.tick(ctx); err == nil {
		t.Fatal("expected fatal error")
	}
}

func TestMonitor_RearmFailureRemovesSession(t *testing.T) {
	fake := newFakeNative()
	m := newTestMonitor(fake, []string{"/watch"}, func([]dirwatch.Event) {})
	ctx := context.Background()

	if err := m.tick(ctx); err != nil {
		t.Fatal(err)
	}

	fake.armErr["/watch"] = errors.New("handle invalidated")
	fake.push("/watch", encodeRecord(nil, 0, actionAdded, "a"))
	if err := m.tick(ctx); err != nil {
		t.Fatal(err)
	}

	// A session that cannot re-arm must not linger disarmed.
	if m.reg.session("/watch") != nil {
		t.Fatal("expected session removed after re-arm failure")
	}

	delete(fake.armErr, "/watch")
	if err := m.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if m.reg.session("/watch") == nil {
		t.Fatal("expected session recreated")
	}
}

func TestMonitor_OtherPathsUnaffectedByFailure(t *testing.T) {
	fake := newFakeNative()
	fake.openErr["/bad"] = os.ErrPermission

	var batches [][]dirwatch.Event
	m := newTestMonitor(fake, []string{"/bad", "/good"}, func(events []dirwatch.Event) {
		batches = append(batches, events)
	})
	ctx := context.Background()

	if err := m.tick(ctx); err != nil {
		t.Fatal(err)
	}
	fake.push("/good", encodeRecord(nil, 0, actionModified, "f"))
	if err := m.tick(ctx); err != nil {
		t.Fatal(err)
	}

	if got, want := len(batches), 1; got != want {
		t.Fatalf("batches=%d, want %d", got, want)
	}
	if got, want := batches[0][0].Flags, dirwatch.Updated; got != want {
		t.Fatalf("flags=%s, want %s", got, want)
	}
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	fake := newFakeNative()
	m := newTestMonitor(fake, []string{"/watch"}, func([]dirwatch.Event) {})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestMonitor_TickRecordsDuration(t *testing.T) {
	fake := newFakeNative()
	m := newTestMonitor(fake, []string{"/watch"}, func([]dirwatch.Event) {})

	if err := m.tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := testutil.CollectAndCount(internal.MonitorTickDurationVec, "dirwatch_monitor_tick_duration_seconds"); got == 0 {
		t.Fatal("no tick duration recorded")
	}
}

func TestRegistry(t *testing.T) {
	const bufSize = sessionBufferRecords * notifyRecordSize

	t.Run("EnsureIsIdempotent", func(t *testing.T) {
		fake := newFakeNative()
		r := newRegistry(fake)

		if err := r.ensure("/watch", bufSize); err != nil {
			t.Fatal(err)
		}
		first := r.session("/watch")
		if err := r.ensure("/watch", bufSize); err != nil {
			t.Fatal(err)
		}

		// Never two live sessions for the same path.
		if got, want := r.session("/watch"), first; got != want {
			t.Fatal("expected the same session")
		}
		if got, want := fake.openCalls["/watch"], 1; got != want {
			t.Fatalf("openCalls=%d, want %d", got, want)
		}
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		fake := newFakeNative()
		r := newRegistry(fake)

		if err := r.ensure("/watch", bufSize); err != nil {
			t.Fatal(err)
		}
		h := fake.handleFor("/watch")

		r.remove("/watch")
		r.remove("/watch")

		if r.session("/watch") != nil {
			t.Fatal("expected no session")
		}
		if got, want := fake.closed[h], 1; got != want {
			t.Fatalf("closed=%d, want %d", got, want)
		}
	})

	t.Run("SignalSurvivesSession", func(t *testing.T) {
		fake := newFakeNative()
		r := newRegistry(fake)

		if err := r.ensure("/watch", bufSize); err != nil {
			t.Fatal(err)
		}
		r.remove("/watch")
		if err := r.ensure("/watch", bufSize); err != nil {
			t.Fatal(err)
		}

		if got, want := fake.signalCalls, 1; got != want {
			t.Fatalf("signalCalls=%d, want %d", got, want)
		}
	})

	t.Run("ArmFailureReleasesHandle", func(t *testing.T) {
		fake := newFakeNative()
		fake.armErr["/watch"] = errors.New("rejected")
		r := newRegistry(fake)

		if err := r.ensure("/watch", bufSize); err == nil {
			t.Fatal("expected error")
		}
		if r.session("/watch") != nil {
			t.Fatal("expected no session stored")
		}
		// The just-opened directory handle must not leak.
		if got, want := len(fake.dirs), 0; got != want {
			t.Fatalf("open dirs=%d, want %d", got, want)
		}
	})

	t.Run("CloseReleasesEverything", func(t *testing.T) {
		fake := newFakeNative()
		r := newRegistry(fake)

		if err := r.ensure("/a", bufSize); err != nil {
			t.Fatal(err)
		}
		if err := r.ensure("/b", bufSize); err != nil {
			t.Fatal(err)
		}
		if err := r.Close(); err != nil {
			t.Fatal(err)
		}

		if got, want := len(fake.dirs)+len(fake.signals), 0; got != want {
			t.Fatalf("open handles=%d, want %d", got, want)
		}
	})
}

func TestSession_CloseExactlyOnce(t *testing.T) {
	fake := newFakeNative()
	s, err := openSession(fake, "/watch", 0, 64)
	if err != nil {
		t.Fatal(err)
	}
	h := fake.handleFor("/watch")

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	if got, want := fake.closed[h], 1; got != want {
		t.Fatalf("closed=%d, want %d", got, want)
	}
}
