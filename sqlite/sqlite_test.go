package sqlite_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/benbjohnson/litevfs/sqlite"
)

func newHeader(pageSize uint16, pageCount uint32, wal bool) []byte {
	page := make([]byte, 512)
	copy(page, "SQLite format 3\x00")
	binary.BigEndian.PutUint16(page[16:18], pageSize)
	page[18], page[19] = 1, 1
	if wal {
		page[18], page[19] = 2, 2
	}
	binary.BigEndian.PutUint32(page[28:32], pageCount)
	return page
}

func TestPageSize(t *testing.T) {
	sz, err := sqlite.PageSize(newHeader(4096, 1, false))
	require.NoError(t, err)
	if got, want := sz, uint32(4096); got != want {
		t.Fatalf("PageSize=%d, want %d", got, want)
	}

	sz, err = sqlite.PageSize(newHeader(1, 1, false))
	require.NoError(t, err)
	if got, want := sz, uint32(65536); got != want {
		t.Fatalf("PageSize=%d, want %d", got, want)
	}

	_, err = sqlite.PageSize(make([]byte, 512))
	require.ErrorIs(t, err, sqlite.ErrInvalidHeader)

	_, err = sqlite.PageSize([]byte("SQLite format 3\x00"))
	require.ErrorIs(t, err, sqlite.ErrInvalidHeader)
}

func TestPageCount(t *testing.T) {
	n, err := sqlite.PageCount(newHeader(4096, 12, false))
	require.NoError(t, err)
	require.Equal(t, uint32(12), n)
}

func TestIsWALEnabled(t *testing.T) {
	require.True(t, sqlite.IsWALEnabled(newHeader(4096, 1, true)))
	require.False(t, sqlite.IsWALEnabled(newHeader(4096, 1, false)))
	require.False(t, sqlite.IsWALEnabled(make([]byte, 20)))
}

func TestMainPath(t *testing.T) {
	for _, tt := range []struct{ path, want string }{
		{"db", "db"},
		{"db-journal", "db"},
		{"db-wal", "db"},
		{"/tmp/x.db-shm", "/tmp/x.db"},
	} {
		if got := sqlite.MainPath(tt.path); got != tt.want {
			t.Errorf("MainPath(%q)=%q, want %q", tt.path, got, tt.want)
		}
	}
	require.True(t, sqlite.IsWALPath("db-wal"))
	require.False(t, sqlite.IsWALPath("db"))
}
