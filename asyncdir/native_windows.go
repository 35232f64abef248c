//go:build windows

package asyncdir

import (
	"golang.org/x/sys/windows"
)

// notifyFilter selects the change classes reported for a watched
// directory: name changes for files and directories, writes, access,
// and creation times.
const notifyFilter = windows.FILE_NOTIFY_CHANGE_FILE_NAME |
	windows.FILE_NOTIFY_CHANGE_DIR_NAME |
	windows.FILE_NOTIFY_CHANGE_LAST_WRITE |
	windows.FILE_NOTIFY_CHANGE_LAST_ACCESS |
	windows.FILE_NOTIFY_CHANGE_CREATION

var _ native = (*winNative)(nil)

// winNative drives ReadDirectoryChangesW through overlapped I/O. The
// OVERLAPPED owned by each armed request is tracked per directory
// handle; only the dispatch goroutine calls in, so no locking.
type winNative struct {
	pending map[sysHandle]*windows.Overlapped
}

func newNative() (native, error) {
	return &winNative{pending: make(map[sysHandle]*windows.Overlapped)}, nil
}

func (w *winNative) openDirectory(path string) (sysHandle, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}

	// Sharing must tolerate concurrent delete, rename, and write by
	// other processes. Note that deleting a watched directory makes
	// later calls fail with ERROR_ACCESS_DENIED, which is why poll
	// failures are treated as recoverable.
	h, err := windows.CreateFile(p,
		windows.GENERIC_READ,
		windows.FILE_SHARE_DELETE|windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OVERLAPPED,
		0)
	if err != nil {
		return 0, err
	}
	return sysHandle(h), nil
}

func (w *winNative) newSignal() (sysHandle, error) {
	// Manual reset, initially non-signaled.
	h, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return 0, err
	}
	return sysHandle(h), nil
}

func (w *winNative) readChanges(dir sysHandle, buf []byte, signal sysHandle) error {
	ov := &windows.Overlapped{HEvent: windows.Handle(signal)}
	if err := windows.ReadDirectoryChanges(windows.Handle(dir),
		&buf[0], uint32(len(buf)),
		true, notifyFilter,
		nil, ov, 0); err != nil {
		return err
	}
	w.pending[dir] = ov
	return nil
}

func (w *winNative) pollResult(dir sysHandle) (int, error) {
	ov, ok := w.pending[dir]
	if !ok {
		return 0, errPending
	}

	var done uint32
	err := windows.GetOverlappedResult(windows.Handle(dir), ov, &done, false)
	switch err {
	case nil:
		delete(w.pending, dir)
		return int(done), nil
	case windows.ERROR_IO_INCOMPLETE:
		return 0, errPending
	case windows.ERROR_NOTIFY_ENUM_DIR:
		// The system could not buffer the backlog; surface it the same
		// way as a zero-byte completion so the watch is re-armed.
		delete(w.pending, dir)
		return 0, nil
	default:
		delete(w.pending, dir)
		return 0, err
	}
}

func (w *winNative) resetSignal(signal sysHandle) error {
	return windows.ResetEvent(windows.Handle(signal))
}

func (w *winNative) closeHandle(h sysHandle) error {
	delete(w.pending, h)
	return windows.CloseHandle(windows.Handle(h))
}
