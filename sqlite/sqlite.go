// Package sqlite decodes the parts of the SQLite file format that storage
// providers inspect: the database header and auxiliary file names.
package sqlite

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
)

// HeaderSize is the size of a SQLite 3 database header, in bytes.
const HeaderSize = 100

// Suffixes SQLite appends to the main database name for auxiliary files.
const (
	JournalSuffix = "-journal"
	WALSuffix     = "-wal"
	SHMSuffix     = "-shm"
)

// ErrInvalidHeader is returned when a page does not start with a database header.
var ErrInvalidHeader = errors.New("invalid sqlite header")

var magic = []byte("SQLite format 3\x00")

// IsValidHeader returns true if page contains the standard SQLITE3 header.
func IsValidHeader(page []byte) bool {
	return len(page) >= HeaderSize && bytes.HasPrefix(page, magic)
}

// PageSize returns the page size stored in the header. A stored value of 1
// means 65536.
func PageSize(page []byte) (uint32, error) {
	if !IsValidHeader(page) {
		return 0, ErrInvalidHeader
	}
	sz := uint32(binary.BigEndian.Uint16(page[16:18]))
	if sz == 1 {
		sz = 65536
	}
	return sz, nil
}

// PageCount returns the in-header database size in pages.
func PageCount(page []byte) (uint32, error) {
	if !IsValidHeader(page) {
		return 0, ErrInvalidHeader
	}
	return binary.BigEndian.Uint32(page[28:32]), nil
}

// IsWALEnabled returns true if header page has the file format read & write
// version set to 2 (which indicates WAL).
func IsWALEnabled(page []byte) bool {
	return IsValidHeader(page) && page[18] == 2 && page[19] == 2
}

// IsWALPath returns true if path ends with WALSuffix.
func IsWALPath(path string) bool {
	return strings.HasSuffix(path, WALSuffix)
}

// MainPath returns the main database path for an auxiliary file path.
// Other paths are returned unchanged.
func MainPath(path string) string {
	for _, suffix := range []string{JournalSuffix, WALSuffix, SHMSuffix} {
		if strings.HasSuffix(path, suffix) {
			return strings.TrimSuffix(path, suffix)
		}
	}
	return path
}
