package internal

import (
	"bytes"
	"fmt"
)

const hexdumpWidth = 16

// Hexdump formats raw notification buffers for diagnostic logging.
// Consecutive duplicate rows collapse into a single "***" line.
func Hexdump(data []byte) string {
	prevRow := make([]byte, hexdumpWidth)

	var buf bytes.Buffer
	var dupWritten bool
	for i := 0; i < len(data); i += hexdumpWidth {
		row := make([]byte, hexdumpWidth)
		copy(row, data[i:])

		if i != 0 && i+hexdumpWidth < len(data) && bytes.Equal(row, prevRow) {
			if !dupWritten {
				dupWritten = true
				fmt.Fprintln(&buf, "***")
			}
			continue
		}

		copy(prevRow, row)
		dupWritten = false

		fmt.Fprintf(&buf, "%08x ", i)
		for j, b := range row {
			if j%8 == 0 {
				buf.WriteByte(' ')
			}
			fmt.Fprintf(&buf, "%02x ", b)
		}
		buf.WriteByte(' ')
		buf.WriteByte('|')
		for _, b := range row {
			if b < 32 || b > 126 {
				buf.WriteByte('.')
			} else {
				buf.WriteByte(b)
			}
		}
		buf.WriteString("|\n")
	}
	return buf.String()
}
