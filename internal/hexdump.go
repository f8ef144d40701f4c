package internal

import (
	"bytes"
	"fmt"
	"strings"
)

// Hexdump formats data like `hexdump -C`. Runs of identical 16-byte rows
// are collapsed into a single "***" line, except for the last row.
func Hexdump(data []byte) string {
	var sb strings.Builder
	var prev []byte
	var collapsed bool
	for off := 0; off < len(data); off += 16 {
		row := make([]byte, 16)
		copy(row, data[off:])

		if prev != nil && off+16 < len(data) && bytes.Equal(row, prev) {
			if !collapsed {
				sb.WriteString("***\n")
				collapsed = true
			}
			continue
		}
		prev, collapsed = row, false

		fmt.Fprintf(&sb, "%08x ", off)
		for i, b := range row {
			if i%8 == 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%02x ", b)
		}
		sb.WriteString(" |")
		for _, b := range row {
			if b < 32 || b > 126 {
				b = '.'
			}
			sb.WriteByte(b)
		}
		sb.WriteString("|\n")
	}
	return sb.String()
}
