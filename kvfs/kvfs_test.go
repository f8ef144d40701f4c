package kvfs_test

import (
	"bytes"
	"database/sql"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/benbjohnson/litevfs"
	"github.com/benbjohnson/litevfs/kvfs"
)

func TestFile_RoundTrip(t *testing.T) {
	fsys := MustOpenFileSystem(t, kvfs.Config{InMemory: true, BlockSize: 16})

	f, _, err := fsys.Open("db", litevfs.OpenReadWrite|litevfs.OpenCreate)
	require.NoError(t, err)

	// Spans several blocks and starts mid-block.
	data := []byte("the quick brown fox jumps over the lazy dog")
	n, err := f.WriteAt(data, 5)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, f.Close())

	f, _, err = fsys.Open("db", litevfs.OpenReadOnly)
	require.NoError(t, err)
	defer f.Close()

	size, err := f.FileSize()
	require.NoError(t, err)
	require.Equal(t, int64(5+len(data)), size)

	buf := make([]byte, size)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, append(make([]byte, 5), data...), buf)
}

func TestFile_ReadAt_Short(t *testing.T) {
	fsys := MustOpenFileSystem(t, kvfs.Config{InMemory: true, BlockSize: 8})
	f, _, err := fsys.Open("db", litevfs.OpenReadWrite|litevfs.OpenCreate)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("0123456789"), 0)
	require.NoError(t, err)

	buf := bytes.Repeat([]byte{0xff}, 6)
	n, err := f.ReadAt(buf, 7)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 3, n)
	require.Equal(t, "789", string(buf[:n]))

	n, err = f.ReadAt(buf, 100)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 0, n)
}

func TestFile_Truncate(t *testing.T) {
	fsys := MustOpenFileSystem(t, kvfs.Config{InMemory: true, BlockSize: 4})
	f, _, err := fsys.Open("db", litevfs.OpenReadWrite|litevfs.OpenCreate)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("abcdefghij"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(6))
	require.NoError(t, f.Truncate(10))

	buf := make([]byte, 10)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{'a', 'b', 'c', 'd', 'e', 'f', 0, 0, 0, 0}, buf)
}

func TestFileSystem_Open(t *testing.T) {
	fsys := MustOpenFileSystem(t, kvfs.Config{InMemory: true})

	_, _, err := fsys.Open("db", litevfs.OpenReadWrite)
	require.ErrorIs(t, err, litevfs.ErrNotFound)

	f, _, err := fsys.Open("db", litevfs.OpenReadWrite|litevfs.OpenCreate)
	require.NoError(t, err)
	defer f.Close()

	_, _, err = fsys.Open("db", litevfs.OpenReadWrite|litevfs.OpenCreate|litevfs.OpenExclusive)
	require.ErrorIs(t, err, litevfs.ErrIOFailure)

	tmp, flags, err := fsys.Open("", litevfs.OpenReadWrite|litevfs.OpenTempJournal)
	require.NoError(t, err)
	require.NotZero(t, flags&litevfs.OpenDeleteOnClose)
	names, err := fsys.Names()
	require.NoError(t, err)
	require.Len(t, names, 2)

	require.NoError(t, tmp.Close())
	names, err = fsys.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"db"}, names)
}

func TestFileSystem_Delete(t *testing.T) {
	fsys := MustOpenFileSystem(t, kvfs.Config{InMemory: true, BlockSize: 4})

	// A name that prefixes another must not take its blocks along.
	for _, name := range []string{"db", "db-journal"} {
		f, _, err := fsys.Open(name, litevfs.OpenReadWrite|litevfs.OpenCreate)
		require.NoError(t, err)
		_, err = f.WriteAt([]byte(name), 0)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	require.NoError(t, fsys.Delete("db", false))
	ok, err := fsys.Access("db", litevfs.AccessExists)
	require.NoError(t, err)
	require.False(t, ok)

	f, _, err := fsys.Open("db-journal", litevfs.OpenReadOnly)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 10)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "db-journal", string(buf))

	err = fsys.Delete("db", false)
	if got, want := litevfs.Status(litevfs.OpDelete, err), litevfs.CodeIOErrDeleteNoEnt; got != want {
		t.Fatalf("code=%s, want %s", got, want)
	}
}

func TestFileSystem_Persistent(t *testing.T) {
	dir := t.TempDir()

	fsys, err := kvfs.Open(kvfs.Config{Path: dir})
	require.NoError(t, err)
	f, _, err := fsys.Open("db", litevfs.OpenReadWrite|litevfs.OpenCreate)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("persisted"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Sync(litevfs.SyncFull))
	require.NoError(t, f.Close())
	require.NoError(t, fsys.Close())

	fsys = MustOpenFileSystem(t, kvfs.Config{Path: dir})
	f, _, err = fsys.Open("db", litevfs.OpenReadOnly)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 9)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "persisted", string(buf))
}

func TestFileSystem_SQL(t *testing.T) {
	fsys := MustOpenFileSystem(t, kvfs.Config{InMemory: true})
	reg, err := litevfs.Acquire(t.Name(), fsys, false)
	require.NoError(t, err)
	defer func() { require.NoError(t, reg.Close()) }()

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:test.db?vfs=%s", t.Name()))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY, body BLOB)`)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		_, err := db.Exec(`INSERT INTO t (body) VALUES (randomblob(1000))`)
		require.NoError(t, err)
	}

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n))
	require.Equal(t, 50, n)

	var result string
	require.NoError(t, db.QueryRow(`PRAGMA integrity_check`).Scan(&result))
	require.Equal(t, "ok", result)
	require.NoError(t, db.Close())
}

// MustOpenFileSystem opens a FileSystem and closes it on cleanup.
func MustOpenFileSystem(tb testing.TB, config kvfs.Config) *kvfs.FileSystem {
	tb.Helper()
	fsys, err := kvfs.Open(config)
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = fsys.Close() })
	return fsys
}
