package memfs_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/benbjohnson/litevfs"
	"github.com/benbjohnson/litevfs/memfs"
)

func TestFileSystem_Open(t *testing.T) {
	t.Run("NotFound", func(t *testing.T) {
		fs := memfs.New()
		_, _, err := fs.Open("db", litevfs.OpenReadWrite)
		require.ErrorIs(t, err, litevfs.ErrNotFound)
		if got, want := litevfs.Status(litevfs.OpOpen, err), litevfs.CodeCantOpen; got != want {
			t.Fatalf("code=%s, want %s", got, want)
		}
	})

	t.Run("Exclusive", func(t *testing.T) {
		fs := memfs.New()
		f, _, err := fs.Open("db", litevfs.OpenReadWrite|litevfs.OpenCreate)
		require.NoError(t, err)
		defer f.Close()

		_, _, err = fs.Open("db", litevfs.OpenReadWrite|litevfs.OpenCreate|litevfs.OpenExclusive)
		require.ErrorIs(t, err, litevfs.ErrIOFailure)
	})

	t.Run("Temp", func(t *testing.T) {
		fs := memfs.New()
		f0, flags, err := fs.Open("", litevfs.OpenReadWrite|litevfs.OpenTempJournal)
		require.NoError(t, err)
		require.NotZero(t, flags&litevfs.OpenDeleteOnClose)
		f1, _, err := fs.Open("", litevfs.OpenReadWrite|litevfs.OpenTempJournal)
		require.NoError(t, err)

		name0, name1 := f0.(*memfs.File).Name(), f1.(*memfs.File).Name()
		require.NotEqual(t, name0, name1)
		require.Len(t, fs.Names(), 2)

		require.NoError(t, f0.Close())
		require.NoError(t, f1.Close())
		require.Empty(t, fs.Names())
	})
}

func TestFile_RoundTrip(t *testing.T) {
	fs := memfs.New()
	data := bytes.Repeat([]byte("0123456789abcdef"), 512)

	f, _, err := fs.Open("db", litevfs.OpenReadWrite|litevfs.OpenCreate)
	require.NoError(t, err)
	n, err := f.WriteAt(data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, f.Close())

	f, _, err = fs.Open("db", litevfs.OpenReadOnly)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, len(data))
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, data, buf)

	size, err := f.FileSize()
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)
}

func TestFile_ReadAt_Short(t *testing.T) {
	fs := memfs.New()
	f, _, err := fs.Open("db", litevfs.OpenReadWrite|litevfs.OpenCreate)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := f.ReadAt(buf, 1)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 2, n)
	require.Equal(t, "bc", string(buf[:n]))
}

func TestFile_Truncate(t *testing.T) {
	fs := memfs.New()
	f, _, err := fs.Open("db", litevfs.OpenReadWrite|litevfs.OpenCreate)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("abcdef"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(2))
	require.NoError(t, f.Truncate(4))

	buf, err := fs.ReadFile("db")
	require.NoError(t, err)
	require.Equal(t, []byte{'a', 'b', 0, 0}, buf)
}

func TestFile_ReadOnly(t *testing.T) {
	fs := memfs.New()
	f, _, err := fs.Open("db", litevfs.OpenReadWrite|litevfs.OpenCreate)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, _, err = fs.Open("db", litevfs.OpenReadOnly)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("x"), 0)
	require.ErrorIs(t, err, litevfs.ErrPermissionDenied)
	require.ErrorIs(t, f.Truncate(0), litevfs.ErrPermissionDenied)
}

func TestFile_Lock(t *testing.T) {
	fs := memfs.New()
	open := func() litevfs.File {
		f, _, err := fs.Open("db", litevfs.OpenReadWrite|litevfs.OpenCreate)
		require.NoError(t, err)
		t.Cleanup(func() { f.Close() })
		return f
	}
	f0, f1 := open(), open()

	require.NoError(t, f0.Lock(litevfs.LockShared))
	require.NoError(t, f1.Lock(litevfs.LockShared))
	require.NoError(t, f0.Lock(litevfs.LockReserved))

	reserved, err := f1.CheckReservedLock()
	require.NoError(t, err)
	require.True(t, reserved)

	if err := f1.Lock(litevfs.LockReserved); !errors.Is(err, litevfs.ErrBusy) {
		t.Fatalf("unexpected error: %v", err)
	}

	// Exclusive waits for the other reader.
	require.ErrorIs(t, f0.Lock(litevfs.LockExclusive), litevfs.ErrBusy)
	require.NoError(t, f1.Unlock(litevfs.LockNone))
	require.NoError(t, f0.Lock(litevfs.LockExclusive))

	// New readers are blocked while exclusive is held.
	require.ErrorIs(t, f1.Lock(litevfs.LockShared), litevfs.ErrBusy)

	require.NoError(t, f0.Unlock(litevfs.LockShared))
	require.NoError(t, f1.Lock(litevfs.LockShared))

	// Closing releases every lock.
	require.NoError(t, f0.Close())
	require.NoError(t, f1.Lock(litevfs.LockExclusive))
}

func TestFileSystem_Delete(t *testing.T) {
	fs := memfs.New()
	f, _, err := fs.Open("db", litevfs.OpenReadWrite|litevfs.OpenCreate)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)

	require.NoError(t, fs.Delete("db", true))
	ok, err := fs.Access("db", litevfs.AccessExists)
	require.NoError(t, err)
	require.False(t, ok)

	// Open handle keeps its data.
	buf := make([]byte, 3)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "abc", string(buf))
	require.NoError(t, f.Close())

	err = fs.Delete("db", false)
	if got, want := litevfs.Status(litevfs.OpDelete, err), litevfs.CodeIOErrDeleteNoEnt; got != want {
		t.Fatalf("code=%s, want %s", got, want)
	}
}
