package asyncdir

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"unicode/utf16"

	"github.com/dirwatch/dirwatch"
)

// Native change action codes reported in notification records.
const (
	actionAdded          = 1
	actionRemoved        = 2
	actionModified       = 3
	actionRenamedOldName = 4
	actionRenamedNewName = 5
)

// actionFlags translates a native action code into semantic event flags.
// Both halves of a rename carry Renamed so consumers can correlate the
// pair; the directional flag tells the halves apart. Unknown codes have
// no entry and their records are skipped.
var actionFlags = map[uint32]dirwatch.EventFlag{
	actionAdded:          dirwatch.Created,
	actionRemoved:        dirwatch.Removed,
	actionModified:       dirwatch.Updated,
	actionRenamedOldName: dirwatch.MovedFrom | dirwatch.Renamed,
	actionRenamedNewName: dirwatch.MovedTo | dirwatch.Renamed,
}

// Notification record layout: NextEntryOffset, Action and FileNameLength
// as little-endian uint32, followed by a UTF-16LE name of exactly
// FileNameLength bytes. The name is not NUL-terminated.
const notifyHeaderSize = 12

// decodeChanges interprets buf[0:n] as a chain of variable-length
// notification records and returns one event per recognized record, in
// record order. Each record declares the offset of the next; a zero
// offset ends the chain. A buffer that violates the record layout
// returns an error, which callers must treat as fatal since it means
// the native facility broke its contract.
func decodeChanges(buf []byte, n int, root string) ([]dirwatch.Event, error) {
	if n < 0 || n > len(buf) {
		return nil, fmt.Errorf("decode changes: byte count %d out of range [0,%d]", n, len(buf))
	}

	var events []dirwatch.Event
	for off := 0; ; {
		if off+notifyHeaderSize > n {
			return nil, fmt.Errorf("decode changes: truncated record header at offset %d", off)
		}

		rec := buf[off:]
		next := int(binary.LittleEndian.Uint32(rec[0:4]))
		action := binary.LittleEndian.Uint32(rec[4:8])
		nameLen := int(binary.LittleEndian.Uint32(rec[8:12]))

		if nameLen%2 != 0 {
			return nil, fmt.Errorf("decode changes: odd name length %d at offset %d", nameLen, off)
		}
		if off+notifyHeaderSize+nameLen > n {
			return nil, fmt.Errorf("decode changes: name overruns buffer at offset %d", off)
		}

		// The name length is declared in bytes and the field carries no
		// terminator, so slice exactly that many bytes.
		if nameLen > 0 {
			if flags, ok := actionFlags[action]; ok {
				name := decodeUTF16LE(rec[notifyHeaderSize : notifyHeaderSize+nameLen])
				events = append(events, dirwatch.Event{
					Path:  filepath.Join(root, name),
					Flags: flags,
				})
			}
		}

		if next == 0 {
			return events, nil
		}
		if next < notifyHeaderSize || off+next >= n {
			return nil, fmt.Errorf("decode changes: invalid next-entry offset %d at offset %d", next, off)
		}
		off += next
	}
}

func decodeUTF16LE(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(u))
}
