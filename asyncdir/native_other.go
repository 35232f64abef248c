//go:build !windows

package asyncdir

import (
	"fmt"

	"github.com/dirwatch/dirwatch"
)

// Asynchronous directory notification is only available on Windows.
// Other platforms use the fsnotify or poll backends.
func newNative() (native, error) {
	return nil, fmt.Errorf("asyncdir: %w", dirwatch.ErrBackendUnsupported)
}
