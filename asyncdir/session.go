package asyncdir

import (
	"errors"
	"fmt"
)

// sysHandle is an opaque reference to a native resource (a directory
// handle or a completion signal).
type sysHandle uintptr

// errPending reports that an armed change notification has not
// completed yet. It is a deferral, not a failure.
var errPending = errors.New("change notification pending")

// native abstracts the asynchronous directory-change facility of the
// operating system. The real implementation wraps the platform syscalls;
// tests substitute an in-memory fake.
type native interface {
	// openDirectory opens a directory for recursive change notification.
	// The handle tolerates concurrent delete, rename, and write by other
	// processes.
	openDirectory(path string) (sysHandle, error)

	// newSignal creates a reusable manual-reset completion signal.
	newSignal() (sysHandle, error)

	// readChanges arms an asynchronous change notification against dir.
	// Raw records are written into buf and signal is raised on completion.
	readChanges(dir sysHandle, buf []byte, signal sysHandle) error

	// pollResult checks the previously armed request on dir without
	// blocking. It returns errPending while no completion has occurred,
	// the transferred byte count on completion, and any other error when
	// the handle or path has been invalidated. A zero byte count means
	// the buffer was too small for the backlog (overflow).
	pollResult(dir sysHandle) (int, error)

	// resetSignal returns a completion signal to its non-signaled state.
	resetSignal(signal sysHandle) error

	// closeHandle releases a native resource.
	closeHandle(h sysHandle) error
}

// Buffer sizing, in native records. Each record is three uint32 header
// fields plus a name; sessionBufferRecords paths worth of headroom
// matches the sizing of comparable watchers.
const (
	notifyRecordSize     = 16
	sessionBufferRecords = 128
)

// session owns the native resources bound to one watched directory: the
// directory handle, the decode buffer, and the pending request. The
// completion signal is borrowed from the registry and survives the
// session.
type session struct {
	api    native
	dir    sysHandle
	signal sysHandle
	buf    []byte
	closed bool
}

// openSession opens a directory handle for path and wraps it in a
// session. The returned session is not yet armed. Open failures are
// recoverable: the caller retries on a later tick.
func openSession(api native, path string, signal sysHandle, bufSize int) (*session, error) {
	dir, err := api.openDirectory(path)
	if err != nil {
		return nil, fmt.Errorf("open directory %q: %w", path, err)
	}

	return &session{
		api:    api,
		dir:    dir,
		signal: signal,
		buf:    make([]byte, bufSize),
	}, nil
}

// arm submits the next asynchronous change notification request. The
// caller is responsible for having reset the completion signal first.
func (s *session) arm() error {
	if err := s.api.readChanges(s.dir, s.buf, s.signal); err != nil {
		return fmt.Errorf("arm change notification: %w", err)
	}
	return nil
}

// poll checks the pending request without blocking. It returns
// errPending while the request is outstanding; any other error is fatal
// for the session and the caller must close it.
func (s *session) poll() (int, error) {
	return s.api.pollResult(s.dir)
}

// reset returns the completion signal to non-signaled before re-arming.
func (s *session) reset() error {
	return s.api.resetSignal(s.signal)
}

// Close releases the directory handle exactly once. Subsequent calls
// are no-ops, so error paths and shutdown can both close a session
// without risking a double release. The completion signal is not owned
// by the session and is left open.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.api.closeHandle(s.dir)
}
