package asyncdir

import "fmt"

// registry tracks the live session and the long-lived completion signal
// for each watched path. Signals are created once per path and reused
// across successive sessions; sessions come and go as paths fail and
// recover. Only the monitor goroutine touches the registry, so it needs
// no locking.
type registry struct {
	api      native
	sessions map[string]*session
	signals  map[string]sysHandle
}

func newRegistry(api native) *registry {
	return &registry{
		api:      api,
		sessions: make(map[string]*session),
		signals:  make(map[string]sysHandle),
	}
}

// session returns the live session for path, or nil.
func (r *registry) session(path string) *session {
	return r.sessions[path]
}

// ensure opens and arms a session for path if none exists. The
// completion signal is created on first use and retained afterwards.
// Errors are returned without retrying; every monitor tick is itself a
// retry. On any failure no session is stored, so the path stays absent
// until a later tick succeeds.
func (r *registry) ensure(path string, bufSize int) error {
	if _, ok := r.sessions[path]; ok {
		return nil
	}

	signal, ok := r.signals[path]
	if !ok {
		var err error
		if signal, err = r.api.newSignal(); err != nil {
			return fmt.Errorf("create completion signal for %q: %w", path, err)
		}
		r.signals[path] = signal
	}

	s, err := openSession(r.api, path, signal, bufSize)
	if err != nil {
		return err
	}
	if err := s.arm(); err != nil {
		s.Close()
		return err
	}

	r.sessions[path] = s
	return nil
}

// remove tears down the session for path, releasing its directory
// handle. It is idempotent and keeps the completion signal for reuse.
func (r *registry) remove(path string) {
	s, ok := r.sessions[path]
	if !ok {
		return
	}
	delete(r.sessions, path)
	s.Close()
}

// Close releases every live session and every completion signal. Called
// once on monitor shutdown.
func (r *registry) Close() (err error) {
	for path, s := range r.sessions {
		if e := s.Close(); e != nil && err == nil {
			err = fmt.Errorf("close session %q: %w", path, e)
		}
		delete(r.sessions, path)
	}
	for path, signal := range r.signals {
		if e := r.api.closeHandle(signal); e != nil && err == nil {
			err = fmt.Errorf("close completion signal %q: %w", path, e)
		}
		delete(r.signals, path)
	}
	return err
}
